package model

import "context"

// TransitionRecorder persists slice state transitions.
type TransitionRecorder interface {
	RecordTransition(ctx context.Context, t SliceTransition) error
}
