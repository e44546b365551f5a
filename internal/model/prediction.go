package model

import "time"

// JobStatus is the lifecycle of an asynchronous prediction job.
type JobStatus string

const (
	JobQueued    JobStatus = "Queued"
	JobRunning   JobStatus = "Running"
	JobCompleted JobStatus = "Completed"
	JobFailed    JobStatus = "Failed"
)

// Pending reports whether the job has not reached a terminal status yet.
func (s JobStatus) Pending() bool {
	return s == JobQueued || s == JobRunning
}

// PredictionJob is one prediction over one report CSV file.
// PredictionID is the stable deduplication key; JobID is a transient handle.
type PredictionJob struct {
	JobID        string    `json:"jobId"`
	Queue        string    `json:"queue,omitempty"`
	PredictionID string    `json:"predictionId"`
	ModelID      string    `json:"modelId"`
	ReportID     string    `json:"reportId"`
	CSVFile      string    `json:"csvFile"`
	Status       JobStatus `json:"status"`
	SubmittedAt  time.Time `json:"submittedAt"`
}

// JobStatusReport is the answer of a status lookup.
type JobStatusReport struct {
	Status       JobStatus `json:"status"`
	PredictionID string    `json:"predictionId,omitempty"`
	Progress     float64   `json:"progress,omitempty"`
	FailedReason string    `json:"failedReason,omitempty"`
}

// FlowRecord is an opaque row of a malicious flow report.
type FlowRecord struct {
	PredictionID string            `json:"predictionId"`
	RowUID       string            `json:"rowUid"`
	Columns      []string          `json:"-"`
	Fields       map[string]string `json:"fields"`
}

// PredictionResult is the outcome of a completed prediction.
type PredictionResult struct {
	PredictionID   string       `json:"predictionId"`
	NormalCount    int64        `json:"normalCount"`
	MaliciousCount int64        `json:"maliciousCount"`
	TotalCount     int64        `json:"totalCount"`
	MaliciousRows  []FlowRecord `json:"maliciousRows"`
	RawStats       string       `json:"-"`
	RawRows        string       `json:"-"`
}

// Completion is a prediction result accepted by the aggregator for the
// first time.
type Completion struct {
	SessionID      string       `json:"sessionId"`
	PredictionID   string       `json:"predictionId"`
	Signature      string       `json:"signature"`
	NormalDelta    int64        `json:"normalDelta"`
	MaliciousDelta int64        `json:"maliciousDelta"`
	TotalDelta     int64        `json:"totalDelta"`
	Rows           []FlowRecord `json:"rows"`
	AppliedAt      time.Time    `json:"appliedAt"`
}

// AggregateSnapshot is an immutable copy of the session's deduplicated tally.
type AggregateSnapshot struct {
	SessionID      string       `json:"sessionId"`
	NormalCount    int64        `json:"normalCount"`
	MaliciousCount int64        `json:"maliciousCount"`
	TotalCount     int64        `json:"totalCount"`
	MaliciousRows  []FlowRecord `json:"maliciousRows"`
	Predictions    int          `json:"predictions"`
}

// SessionSnapshot is what consumers poll: the aggregate plus session status.
type SessionSnapshot struct {
	AggregateSnapshot
	Session    CaptureSession `json:"session"`
	Processing bool           `json:"processing"`
	Pending    int            `json:"pending"`
	Finished   bool           `json:"finished"`
}
