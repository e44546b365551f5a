package model

import "context"

// Writer defines a generic interface for persisting newly applied
// prediction completions.
type Writer interface {
	// Write persists one completion. It is only called once per completion.
	Write(ctx context.Context, c Completion) error

	// Name identifies the writer in logs.
	Name() string
}
