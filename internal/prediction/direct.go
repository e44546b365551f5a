package prediction

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Montimage/maip-sub000/internal/config"
	"github.com/Montimage/maip-sub000/internal/model"
	"github.com/Montimage/maip-sub000/pkg/rest"
)

func init() {
	RegisterBackend("direct", func(cfg config.PredictionConfig) (model.Predictor, error) {
		return NewDirect(cfg.BaseURL), nil
	})
}

type predictRequest struct {
	ModelID        string `json:"modelId"`
	ReportID       string `json:"reportId"`
	ReportFileName string `json:"reportFileName"`
}

type predictResponse struct {
	PredictionID string `json:"predictionId"`
	IsRunning    bool   `json:"isRunning"`
}

type predictStatusResponse struct {
	IsRunning       bool   `json:"isRunning"`
	LastPredictedID string `json:"lastPredictedId"`
}

// Direct submits predictions to the engine's single prediction slot and
// polls the generic prediction status endpoint.
type Direct struct {
	results
}

var _ model.Predictor = (*Direct)(nil)

// NewDirect creates a direct-mode client for baseURL.
func NewDirect(baseURL string) *Direct {
	return &Direct{results{rest: rest.New(baseURL, 30*time.Second)}}
}

// Submit starts a prediction of csvFile in reportID with modelID.
func (d *Direct) Submit(ctx context.Context, modelID, reportID, csvFile string) (model.PredictionJob, error) {
	var resp predictResponse
	req := predictRequest{ModelID: modelID, ReportID: reportID, ReportFileName: csvFile}
	if err := d.rest.DoJSON(ctx, http.MethodPost, "/api/predict", req, &resp); err != nil {
		return model.PredictionJob{}, fmt.Errorf("failed to submit prediction: %w", err)
	}
	// Without an id the job stays Running so Status can resolve it from
	// lastPredictedId.
	status := model.JobRunning
	if !resp.IsRunning && resp.PredictionID != "" {
		status = model.JobCompleted
	}
	return model.PredictionJob{
		JobID:        resp.PredictionID,
		PredictionID: resp.PredictionID,
		ModelID:      modelID,
		ReportID:     reportID,
		CSVFile:      csvFile,
		Status:       status,
		SubmittedAt:  time.Now(),
	}, nil
}

// Status reports Running while the engine is busy and Completed once it is
// idle. The engine cannot report failures in this mode.
func (d *Direct) Status(ctx context.Context, job model.PredictionJob) (model.JobStatusReport, error) {
	var resp predictStatusResponse
	if err := d.rest.DoJSON(ctx, http.MethodGet, "/api/predict", nil, &resp); err != nil {
		return model.JobStatusReport{}, fmt.Errorf("failed to poll prediction status: %w", err)
	}
	if resp.IsRunning {
		return model.JobStatusReport{Status: model.JobRunning, PredictionID: job.PredictionID}, nil
	}
	id := job.PredictionID
	if id == "" {
		id = resp.LastPredictedID
	}
	return model.JobStatusReport{Status: model.JobCompleted, PredictionID: id, Progress: 100}, nil
}
