package model

import "time"

// Event kinds published on the session event stream.
const (
	EventSessionStarted    = "session.started"
	EventSessionStopped    = "session.stopped"
	EventSessionFinished   = "session.finished"
	EventSliceState        = "slice.state"
	EventPredictionApplied = "prediction.applied"
	EventPredictionFailed  = "prediction.failed"
)

// Event is a notification about the session's progress.
type Event struct {
	Kind      string         `json:"kind"`
	SessionID string         `json:"sessionId"`
	Time      time.Time      `json:"time"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

// EventPublisher fans events out to external consumers.
type EventPublisher interface {
	Publish(ev Event) error
}
