package model

import (
	"context"
)

// Analyzer submits capture slices to the offline feature-extraction engine.
type Analyzer interface {
	// Analyze submits one slice file; outputSessionID selects the report bucket.
	Analyze(ctx context.Context, filePath, outputSessionID string) (string, error)

	// Reports returns the CSV files currently available in the report bucket.
	Reports(ctx context.Context, reportID string) ([]string, error)
}

// Predictor runs asynchronous prediction jobs over report CSV files.
type Predictor interface {
	Submit(ctx context.Context, modelID, reportID, csvFile string) (PredictionJob, error)
	Status(ctx context.Context, job PredictionJob) (JobStatusReport, error)
	FetchResult(ctx context.Context, predictionID string) (PredictionResult, error)
}
