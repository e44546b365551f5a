// Package capture starts and stops the external packet capture and tracks
// the current capture session.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Montimage/maip-sub000/internal/logging"
	"github.com/Montimage/maip-sub000/internal/metrics"
	"github.com/Montimage/maip-sub000/internal/model"
)

// Controller owns the capture session. Only the controller mutates it.
type Controller struct {
	backend Backend
	checker InterfaceChecker
	rootDir string
	metrics *metrics.Metrics
	log     *slog.Logger
	newID   func() string
	now     func() time.Time

	mu      sync.Mutex
	session model.CaptureSession
	timer   *time.Timer
}

// NewController creates a controller writing sessions under rootDir.
func NewController(backend Backend, checker InterfaceChecker, rootDir string, m *metrics.Metrics) *Controller {
	if checker == nil {
		checker = LinkChecker{}
	}
	return &Controller{
		backend: backend,
		checker: checker,
		rootDir: rootDir,
		metrics: m,
		log:     logging.Component("capture"),
		newID:   uuid.NewString,
		now:     time.Now,
	}
}

// Start launches a new capture session. It fails with ErrAlreadyRunning if a
// capture is in progress and with ErrInvalidInterface if iface is unknown.
func (c *Controller) Start(ctx context.Context, iface string, windowSeconds int, totalDurationSeconds *int) (model.CaptureSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session.Running {
		if st, err := c.backend.Status(ctx); err != nil || st.Running {
			return model.CaptureSession{}, &model.CaptureStartError{Interface: iface, Err: model.ErrAlreadyRunning}
		}
		c.session.Running = false
	}
	if err := c.checker.Check(iface); err != nil {
		return model.CaptureSession{}, &model.CaptureStartError{Interface: iface, Err: fmt.Errorf("%w: %v", model.ErrInvalidInterface, err)}
	}
	if windowSeconds <= 0 {
		return model.CaptureSession{}, &model.CaptureStartError{Interface: iface, Err: fmt.Errorf("window must be positive, got %d", windowSeconds)}
	}
	if totalDurationSeconds != nil && *totalDurationSeconds <= 0 {
		return model.CaptureSession{}, &model.CaptureStartError{Interface: iface, Err: fmt.Errorf("total duration must be positive, got %d", *totalDurationSeconds)}
	}

	id := c.newID()
	req := StartRequest{
		Interface:            iface,
		WindowSeconds:        windowSeconds,
		TotalDurationSeconds: totalDurationSeconds,
		SessionDir:           filepath.Join(c.rootDir, id),
	}
	info, err := c.backend.Start(ctx, req)
	if err != nil {
		return model.CaptureSession{}, &model.CaptureStartError{Interface: iface, Err: err}
	}
	dir := info.SessionDir
	if dir == "" {
		dir = req.SessionDir
	}

	c.session = model.CaptureSession{
		SessionID:            id,
		Interface:            iface,
		WindowSeconds:        windowSeconds,
		TotalDurationSeconds: totalDurationSeconds,
		SessionDir:           dir,
		PID:                  info.PID,
		Running:              true,
		StartedAt:            c.now(),
	}
	if totalDurationSeconds != nil {
		c.timer = time.AfterFunc(durationOf(*totalDurationSeconds), func() {
			c.log.Info("total capture duration reached", "session", id)
			if err := c.stopSession(context.Background(), id); err != nil {
				c.log.Error("failed to stop capture", "session", id, "err", err)
			}
		})
	}
	c.metrics.SetCaptureRunning(true)
	c.log.Info("capture started", "session", id, "interface", iface, "window", windowSeconds, "pid", info.PID, "dir", dir)
	return c.session, nil
}

// Stop stops the capture. Stopping a session that is not running is a no-op.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	id := c.session.SessionID
	c.mu.Unlock()
	return c.stopSession(ctx, id)
}

func (c *Controller) stopSession(ctx context.Context, id string) error {
	c.mu.Lock()
	if c.session.SessionID != id || !c.session.Running {
		c.mu.Unlock()
		return nil
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.session.Running = false
	c.mu.Unlock()

	c.metrics.SetCaptureRunning(false)
	if err := c.backend.Stop(ctx); err != nil {
		return fmt.Errorf("failed to stop capture: %w", err)
	}
	c.log.Info("capture stopped", "session", id)
	return nil
}

// Status refreshes and returns the current session. A capture process that
// exited on its own flips the session to not running.
func (c *Controller) Status(ctx context.Context) model.CaptureSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session.SessionID == "" {
		return c.session
	}

	st, err := c.backend.Status(ctx)
	if err != nil {
		c.log.Warn("capture status unavailable", "session", c.session.SessionID, "err", err)
		return c.session
	}
	if c.session.Running && !st.Running {
		c.log.Info("capture process exited", "session", c.session.SessionID, "pid", c.session.PID)
		c.session.Running = false
		if c.timer != nil {
			c.timer.Stop()
			c.timer = nil
		}
		c.metrics.SetCaptureRunning(false)
	}
	if st.PID != 0 {
		c.session.PID = st.PID
	}
	if st.LastFile != "" {
		c.session.LastFile = st.LastFile
	}
	return c.session
}

// Session returns the cached session without querying the backend.
func (c *Controller) Session() model.CaptureSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}
