package model

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInterface  = errors.New("invalid capture interface")
	ErrAlreadyRunning    = errors.New("capture already running")
	ErrAnalysisTimeout   = errors.New("analysis reports did not materialize")
	ErrNoNewReport       = errors.New("no unconsumed report csv")
	ErrPredictionTimeout = errors.New("prediction did not complete in time")
	ErrPredictionFailed  = errors.New("prediction failed")
	ErrNotFound          = errors.New("not found")
	ErrTransient         = errors.New("transient collaborator error")
)

// CaptureStartError is returned when a capture session cannot be started.
type CaptureStartError struct {
	Interface string
	Err       error
}

func (e *CaptureStartError) Error() string {
	return fmt.Sprintf("start capture on %q: %v", e.Interface, e.Err)
}

func (e *CaptureStartError) Unwrap() error { return e.Err }

// PredictionFailedError carries the failure reason reported by the backend.
type PredictionFailedError struct {
	PredictionID string
	Reason       string
}

func (e *PredictionFailedError) Error() string {
	return fmt.Sprintf("prediction %s failed: %s", e.PredictionID, e.Reason)
}

func (e *PredictionFailedError) Is(target error) bool { return target == ErrPredictionFailed }
