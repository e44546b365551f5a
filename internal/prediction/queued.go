package prediction

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Montimage/maip-sub000/internal/config"
	"github.com/Montimage/maip-sub000/internal/model"
	"github.com/Montimage/maip-sub000/pkg/rest"
)

// DefaultQueue is the job queue predictions are enqueued on.
const DefaultQueue = "predict"

func init() {
	RegisterBackend("queued", func(cfg config.PredictionConfig) (model.Predictor, error) {
		return NewQueued(cfg.BaseURL, cfg.Queue), nil
	})
}

type enqueueResponse struct {
	JobID        string `json:"jobId"`
	PredictionID string `json:"predictionId"`
}

type jobStatusResponse struct {
	Status       string  `json:"status"`
	Progress     float64 `json:"progress"`
	FailedReason string  `json:"failedReason,omitempty"`
}

// Queued enqueues predictions on the engine's job queue and polls them by
// queue name and job id.
type Queued struct {
	results
	queue string
}

var _ model.Predictor = (*Queued)(nil)

// NewQueued creates a queue-mode client for baseURL.
func NewQueued(baseURL, queue string) *Queued {
	if queue == "" {
		queue = DefaultQueue
	}
	return &Queued{results: results{rest: rest.New(baseURL, 30*time.Second)}, queue: queue}
}

// Submit enqueues a prediction of csvFile in reportID with modelID.
func (q *Queued) Submit(ctx context.Context, modelID, reportID, csvFile string) (model.PredictionJob, error) {
	var resp enqueueResponse
	req := predictRequest{ModelID: modelID, ReportID: reportID, ReportFileName: csvFile}
	path := "/api/queue/" + rest.PathEscape(q.queue) + "/jobs"
	if err := q.rest.DoJSON(ctx, http.MethodPost, path, req, &resp); err != nil {
		return model.PredictionJob{}, fmt.Errorf("failed to enqueue prediction: %w", err)
	}
	if resp.JobID == "" {
		return model.PredictionJob{}, fmt.Errorf("prediction enqueue returned no job id")
	}
	return model.PredictionJob{
		JobID:        resp.JobID,
		Queue:        q.queue,
		PredictionID: resp.PredictionID,
		ModelID:      modelID,
		ReportID:     reportID,
		CSVFile:      csvFile,
		Status:       model.JobQueued,
		SubmittedAt:  time.Now(),
	}, nil
}

// Status looks up the job on its queue.
func (q *Queued) Status(ctx context.Context, job model.PredictionJob) (model.JobStatusReport, error) {
	queue := job.Queue
	if queue == "" {
		queue = q.queue
	}
	var resp jobStatusResponse
	path := "/api/queue/" + rest.PathEscape(queue) + "/jobs/" + rest.PathEscape(job.JobID)
	if err := q.rest.DoJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return model.JobStatusReport{}, fmt.Errorf("failed to poll job '%s': %w", job.JobID, err)
	}
	status, err := parseQueueStatus(resp.Status)
	if err != nil {
		return model.JobStatusReport{}, err
	}
	return model.JobStatusReport{
		Status:       status,
		PredictionID: job.PredictionID,
		Progress:     resp.Progress,
		FailedReason: resp.FailedReason,
	}, nil
}

func parseQueueStatus(s string) (model.JobStatus, error) {
	switch strings.ToLower(s) {
	case "queued", "waiting", "delayed":
		return model.JobQueued, nil
	case "active":
		return model.JobRunning, nil
	case "completed":
		return model.JobCompleted, nil
	case "failed":
		return model.JobFailed, nil
	default:
		return "", fmt.Errorf("unknown job status: '%s'", s)
	}
}
