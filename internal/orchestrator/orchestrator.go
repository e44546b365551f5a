// Package orchestrator runs the control loop of a capture session: it polls
// the capture, dispatches slices to the processor and stops once everything
// captured has been drained.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Montimage/maip-sub000/internal/aggregator"
	"github.com/Montimage/maip-sub000/internal/logging"
	"github.com/Montimage/maip-sub000/internal/metrics"
	"github.com/Montimage/maip-sub000/internal/model"
	"github.com/Montimage/maip-sub000/internal/processor"
	"github.com/Montimage/maip-sub000/internal/slicestore"
)

// CaptureControl is the capture side of a session.
type CaptureControl interface {
	Start(ctx context.Context, iface string, windowSeconds int, totalDurationSeconds *int) (model.CaptureSession, error)
	Stop(ctx context.Context) error
	Status(ctx context.Context) model.CaptureSession
	Session() model.CaptureSession
}

// Waker signals that new slices may have landed in a directory.
type Waker interface {
	Watch(dir string) error
	Wake() <-chan struct{}
}

// Exporter persists the final snapshot of a finished session.
type Exporter interface {
	Export(ctx context.Context, snap model.SessionSnapshot) error
}

// TickOutcome is what one tick of the loop did.
type TickOutcome string

const (
	TickSkipped    TickOutcome = "skipped"
	TickIdle       TickOutcome = "idle"
	TickDispatched TickOutcome = "dispatched"
	TickFinished   TickOutcome = "finished"
	TickError      TickOutcome = "error"
	TickSuperseded TickOutcome = "superseded"
)

// ErrNoSession is returned by Wait before any session was started.
var ErrNoSession = errors.New("no capture session")

// Options wires the orchestrator. Waker, Exporter, Events and Metrics are
// optional.
type Options struct {
	Capture      CaptureControl
	Store        *slicestore.Store
	Processor    *processor.Processor
	Aggregator   *aggregator.Aggregator
	TickInterval time.Duration
	StableAge    time.Duration

	Waker    Waker
	Exporter Exporter
	Events   model.EventPublisher
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Orchestrator owns the session state and its control loop.
type Orchestrator struct {
	opts Options
	log  *slog.Logger

	ticking  atomic.Bool
	pending  atomic.Int64
	finished atomic.Bool
	current  atomic.Value

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	inflight sync.WaitGroup
}

// New creates an orchestrator.
func New(opts Options) *Orchestrator {
	log := opts.Logger
	if log == nil {
		log = logging.Component("orchestrator")
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 2 * time.Second
	}
	o := &Orchestrator{opts: opts, log: log}
	o.current.Store("")
	return o
}

// Start starts a new capture session. Any previous session's loop is
// stopped and all session state is reset.
func (o *Orchestrator) Start(ctx context.Context, iface string, windowSeconds int, totalDurationSeconds *int) (model.CaptureSession, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	session, err := o.opts.Capture.Start(ctx, iface, windowSeconds, totalDurationSeconds)
	if err != nil {
		return model.CaptureSession{}, err
	}

	o.stopLoopLocked()
	o.opts.Aggregator.Reset(session.SessionID)
	o.opts.Processor.Reset()
	o.opts.Store.Reset(session.SessionDir)
	o.pending.Store(0)
	o.finished.Store(false)
	o.current.Store(session.SessionID)
	if o.opts.Waker != nil {
		if err := o.opts.Waker.Watch(session.SessionDir); err != nil {
			o.log.Warn("slice watcher unavailable, relying on ticks", "dir", session.SessionDir, "err", err)
		}
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	o.cancel, o.done = cancel, done
	go o.loop(loopCtx, session.SessionID, done)

	o.publish(model.EventSessionStarted, session.SessionID, map[string]any{
		"interface":  session.Interface,
		"window":     session.WindowSeconds,
		"sessionDir": session.SessionDir,
	})
	o.log.Info("session started", "session", session.SessionID, "interface", iface)
	return session, nil
}

// Stop stops the capture only. Slices already written keep being processed
// and the loop ends on its own once they are drained.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if err := o.opts.Capture.Stop(ctx); err != nil {
		return err
	}
	session := o.opts.Capture.Session()
	if session.SessionID != "" {
		o.publish(model.EventSessionStopped, session.SessionID, nil)
	}
	return nil
}

// GetSnapshot returns the aggregate together with the session status.
func (o *Orchestrator) GetSnapshot() model.SessionSnapshot {
	return model.SessionSnapshot{
		AggregateSnapshot: o.opts.Aggregator.Snapshot(),
		Session:           o.opts.Capture.Session(),
		Processing:        o.opts.Processor.Processing(),
		Pending:           int(o.pending.Load()),
		Finished:          o.finished.Load(),
	}
}

// Wait blocks until the current session's loop has terminated.
func (o *Orchestrator) Wait(ctx context.Context) error {
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()
	if done == nil {
		return ErrNoSession
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the loop and waits for an in-flight slice to wind down.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.stopLoopLocked()
	o.mu.Unlock()
	o.inflight.Wait()
}

func (o *Orchestrator) stopLoopLocked() {
	if o.cancel == nil {
		return
	}
	o.cancel()
	<-o.done
	o.cancel = nil
}

func (o *Orchestrator) loop(ctx context.Context, sessionID string, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(o.opts.TickInterval)
	defer ticker.Stop()

	var wake <-chan struct{}
	if o.opts.Waker != nil {
		wake = o.opts.Waker.Wake()
	}

	for {
		select {
		case <-ctx.Done():
			o.log.Debug("session loop cancelled", "session", sessionID)
			return
		case <-ticker.C:
		case <-wake:
		}
		switch o.runTick(ctx, sessionID) {
		case TickFinished:
			o.finish(ctx, sessionID)
			return
		case TickSuperseded:
			return
		}
	}
}

// Tick runs one iteration of the control loop. A tick that starts while
// another is still running is skipped.
func (o *Orchestrator) Tick(ctx context.Context) TickOutcome {
	return o.runTick(ctx, o.current.Load().(string))
}

func (o *Orchestrator) runTick(ctx context.Context, sessionID string) TickOutcome {
	if !o.ticking.CompareAndSwap(false, true) {
		o.opts.Metrics.Tick(string(TickSkipped))
		return TickSkipped
	}
	defer o.ticking.Store(false)

	outcome := o.tick(ctx, sessionID)
	o.opts.Metrics.Tick(string(outcome))
	return outcome
}

func (o *Orchestrator) tick(ctx context.Context, sessionID string) TickOutcome {
	if sessionID == "" {
		return TickIdle
	}
	session := o.opts.Capture.Status(ctx)
	if session.SessionID != sessionID {
		return TickSuperseded
	}

	unprocessed, err := o.opts.Store.ListUnprocessed(ctx, o.opts.Processor.ProcessedFiles())
	if err != nil {
		o.log.Warn("slice listing failed", "session", session.SessionID, "err", err)
		return TickError
	}
	o.pending.Store(int64(len(unprocessed)))
	processing := o.opts.Processor.Processing()

	if !session.Running && len(unprocessed) == 0 && !processing {
		return TickFinished
	}
	if processing || len(slicestore.Eligible(unprocessed, o.opts.StableAge)) == 0 {
		return TickIdle
	}

	o.inflight.Add(1)
	go func() {
		defer o.inflight.Done()
		err := o.opts.Processor.ProcessNext(ctx, session)
		switch {
		case err == nil, errors.Is(err, processor.ErrBusy):
		case errors.Is(err, context.Canceled):
			o.log.Info("slice abandoned with its session", "session", session.SessionID)
		default:
			o.log.Warn("slice processing failed", "session", session.SessionID, "err", err)
		}
	}()
	return TickDispatched
}

func (o *Orchestrator) finish(ctx context.Context, sessionID string) {
	o.finished.Store(true)

	snap := o.GetSnapshot()
	o.log.Info("session drained", "session", sessionID,
		"normal", snap.NormalCount, "malicious", snap.MaliciousCount, "predictions", snap.Predictions)

	if o.opts.Exporter != nil {
		if err := o.opts.Exporter.Export(ctx, snap); err != nil {
			o.log.Error("failed to export session snapshot", "session", sessionID, "err", err)
		}
	}
	o.publish(model.EventSessionFinished, sessionID, map[string]any{
		"normalCount":    snap.NormalCount,
		"maliciousCount": snap.MaliciousCount,
		"totalCount":     snap.TotalCount,
		"predictions":    snap.Predictions,
	})
}

func (o *Orchestrator) publish(kind, sessionID string, attrs map[string]any) {
	if o.opts.Events == nil {
		return
	}
	if err := o.opts.Events.Publish(model.Event{Kind: kind, SessionID: sessionID, Time: time.Now(), Attrs: attrs}); err != nil {
		o.log.Warn("failed to publish event", "kind", kind, "err", fmt.Errorf("publish: %w", err))
	}
}
