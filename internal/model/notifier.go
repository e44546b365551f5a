package model

import "time"

// Notifier defines a generic interface for sending notifications.
type Notifier interface {
	Send(subject, body string) error
}

// Failure describes a slice that ended in the Failed state.
type Failure struct {
	SessionID    string    `json:"sessionId"`
	Slice        string    `json:"slice"`
	PredictionID string    `json:"predictionId,omitempty"`
	Kind         string    `json:"kind"`
	Reason       string    `json:"reason"`
	At           time.Time `json:"at"`
}

// FailureReporter receives slice failures that should reach a human.
type FailureReporter interface {
	ReportFailure(f Failure)
}
