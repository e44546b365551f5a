package capture

import (
	"context"
	"time"
)

// StartRequest describes the capture to launch.
type StartRequest struct {
	Interface            string `json:"interface"`
	WindowSeconds        int    `json:"windowSeconds"`
	TotalDurationSeconds *int   `json:"totalDurationSeconds,omitempty"`
	SessionDir           string `json:"sessionDir,omitempty"`
}

// StartInfo is what a backend reports after launching a capture.
type StartInfo struct {
	PID        int    `json:"pid"`
	SessionDir string `json:"sessionDir"`
}

// BackendStatus is the backend's view of the capture process.
type BackendStatus struct {
	Running    bool   `json:"running"`
	PID        int    `json:"pid"`
	LastFile   string `json:"lastFile"`
	SessionDir string `json:"sessionDir"`
}

// Backend launches and supervises the external capture process.
type Backend interface {
	Start(ctx context.Context, req StartRequest) (StartInfo, error)
	Stop(ctx context.Context) error
	Status(ctx context.Context) (BackendStatus, error)
}

func durationOf(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
