// Package processor drives capture slices one at a time through analysis and
// prediction.
package processor

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
	"github.com/Montimage/maip-sub000/internal/slicestore"
	"github.com/Montimage/maip-sub000/pkg/pcap"
)

// ErrBusy is returned when a slice is already in flight.
var ErrBusy = errors.New("a slice is already being processed")

// Failure kinds reported for Failed slices.
const (
	FailAnalysisSubmit    = "analysis_submit"
	FailAnalysisTimeout   = "analysis_timeout"
	FailNoNewReport       = "no_new_report"
	FailPredictionSubmit  = "prediction_submit"
	FailPredictionFailed  = "prediction_failed"
	FailPredictionTimeout = "prediction_timeout"
	FailResultFetch       = "result_fetch"
	FailCancelled         = "cancelled"
)

// Poll bounds a poll-and-sleep loop.
type Poll struct {
	Interval    time.Duration
	MaxAttempts int
}

// Options wires a Processor to its collaborators. Ledger, Events, Failures,
// Inspect and Metrics are optional.
type Options struct {
	Store      *slicestore.Store
	Analyzer   model.Analyzer
	Predictor  model.Predictor
	Aggregator *aggregator.Aggregator
	ModelID    string
	StableAge  time.Duration

	AnalysisPoll   Poll
	PredictionPoll Poll

	Ledger   model.TransitionRecorder
	Events   model.EventPublisher
	Failures model.FailureReporter
	Inspect  func(path string) (pcap.SliceInfo, error)
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Processor consumes the session's slices with at most one in flight.
type Processor struct {
	opts Options
	log  *slog.Logger
	now  func() time.Time

	processing atomic.Bool

	mu    sync.Mutex
	files *slicestore.Cursor
	csvs  *slicestore.Cursor
}

// New creates a processor with empty cursors.
func New(opts Options) *Processor {
	log := opts.Logger
	if log == nil {
		log = logging.Component("processor")
	}
	if opts.AnalysisPoll.MaxAttempts <= 0 {
		opts.AnalysisPoll = Poll{Interval: time.Second, MaxAttempts: 10}
	}
	if opts.PredictionPoll.MaxAttempts <= 0 {
		opts.PredictionPoll = Poll{Interval: 1500 * time.Millisecond, MaxAttempts: 20}
	}
	return &Processor{
		opts:  opts,
		log:   log,
		now:   time.Now,
		files: slicestore.NewCursor(),
		csvs:  slicestore.NewCursor(),
	}
}

// Reset starts fresh cursors for a new session.
func (p *Processor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.files = slicestore.NewCursor()
	p.csvs = slicestore.NewCursor()
}

// Processing reports whether a slice is in flight.
func (p *Processor) Processing() bool {
	return p.processing.Load()
}

// ProcessedFiles returns the session's processed-slices cursor.
func (p *Processor) ProcessedFiles() *slicestore.Cursor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.files
}

// ProcessedCSVs returns the session's consumed-report cursor.
func (p *Processor) ProcessedCSVs() *slicestore.Cursor {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.csvs
}

// ProcessNext takes the oldest eligible slice and drives it to a terminal
// state. It returns nil when there was nothing to do or the slice completed,
// ErrBusy when another slice is in flight, and the failure cause when the
// slice ended Failed.
func (p *Processor) ProcessNext(ctx context.Context, session model.CaptureSession) error {
	if !p.processing.CompareAndSwap(false, true) {
		return ErrBusy
	}
	p.opts.Metrics.SetProcessing(true)
	defer func() {
		p.processing.Store(false)
		p.opts.Metrics.SetProcessing(false)
	}()

	slice, csvs, ok, err := p.dequeue(ctx)
	if err != nil || !ok {
		return err
	}

	run := &sliceRun{p: p, session: session, slice: slice, csvs: csvs}
	return run.execute(ctx)
}

// dequeue picks the oldest eligible slice and marks it processed. The
// listing runs outside p.mu; the pick is re-checked under it.
func (p *Processor) dequeue(ctx context.Context) (model.SliceFile, *slicestore.Cursor, bool, error) {
	p.mu.Lock()
	files, csvs := p.files, p.csvs
	p.mu.Unlock()

	listed, err := p.opts.Store.ListUnprocessed(ctx, files)
	if err != nil {
		return model.SliceFile{}, nil, false, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.files != files {
		// Reset while listing; the listing belongs to the old session.
		return model.SliceFile{}, nil, false, nil
	}
	for _, slice := range slicestore.Eligible(listed, p.opts.StableAge) {
		if !p.files.Add(slice.Path) {
			continue
		}
		slice.Processed = true
		return slice, csvs, true, nil
	}
	return model.SliceFile{}, nil, false, nil
}

// sliceRun is the state machine of one slice.
type sliceRun struct {
	p       *Processor
	session model.CaptureSession
	slice   model.SliceFile
	csvs    *slicestore.Cursor

	packets      int
	csvFile      string
	predictionID string
}

func (r *sliceRun) execute(ctx context.Context) error {
	p := r.p
	log := p.log.With("session", r.session.SessionID, "slice", r.slice.Path)

	if p.opts.Inspect != nil {
		if info, err := p.opts.Inspect(r.slice.Path); err != nil {
			log.Debug("slice inspection failed", "err", err)
		} else {
			r.packets = info.Packets
		}
	}
	r.transition(ctx, model.SliceDiscovered, "")

	reportID := r.session.ReportID()
	r.transition(ctx, model.SliceAnalyzing, "")
	err := r.retry(ctx, p.opts.AnalysisPoll, "analysis submit", func() error {
		_, err := p.opts.Analyzer.Analyze(ctx, r.slice.Path, reportID)
		return err
	})
	if err != nil {
		return r.fail(ctx, FailAnalysisSubmit, err)
	}

	csvFile, err := r.awaitReport(ctx, reportID)
	if err != nil {
		kind := FailAnalysisTimeout
		if errors.Is(err, model.ErrNoNewReport) {
			kind = FailNoNewReport
		}
		return r.fail(ctx, kind, err)
	}
	r.csvFile = csvFile
	r.transition(ctx, model.SliceAnalysisComplete, "")

	var job model.PredictionJob
	err = r.retry(ctx, p.opts.PredictionPoll, "prediction submit", func() error {
		var err error
		job, err = p.opts.Predictor.Submit(ctx, p.opts.ModelID, reportID, csvFile)
		return err
	})
	if err != nil {
		return r.fail(ctx, FailPredictionSubmit, err)
	}
	r.predictionID = job.PredictionID
	r.transition(ctx, model.SlicePredictSubmitted, "")

	status, err := r.awaitPrediction(ctx, job)
	if err != nil {
		return r.fail(ctx, FailPredictionTimeout, err)
	}
	if status.PredictionID != "" {
		r.predictionID = status.PredictionID
	}
	if status.Status == model.JobFailed {
		p.opts.Metrics.PredictionFinished(string(model.JobFailed))
		return r.fail(ctx, FailPredictionFailed, &model.PredictionFailedError{PredictionID: r.predictionID, Reason: status.FailedReason})
	}
	p.opts.Metrics.PredictionFinished(string(model.JobCompleted))

	if r.predictionID == "" {
		return r.fail(ctx, FailResultFetch, fmt.Errorf("%w: engine reported no prediction id", model.ErrTransient))
	}
	var res model.PredictionResult
	err = r.retry(ctx, p.opts.PredictionPoll, "result fetch", func() error {
		var err error
		res, err = p.opts.Predictor.FetchResult(ctx, r.predictionID)
		return err
	})
	if err != nil {
		return r.fail(ctx, FailResultFetch, err)
	}
	if res.PredictionID == "" {
		res.PredictionID = r.predictionID
	}
	snap, applied := p.opts.Aggregator.Apply(ctx, aggregator.CompletionFrom(r.session.SessionID, res))
	r.transition(ctx, model.SlicePredictionComplete, "")
	p.opts.Metrics.SliceFinished(string(model.SlicePredictionComplete), "")
	r.publish(model.EventPredictionApplied, map[string]any{
		"predictionId":   r.predictionID,
		"applied":        applied,
		"normalCount":    snap.NormalCount,
		"maliciousCount": snap.MaliciousCount,
	})
	log.Info("slice completed", "predictionId", r.predictionID, "applied", applied,
		"normal", snap.NormalCount, "malicious", snap.MaliciousCount)
	return nil
}

// retry calls fn until it succeeds, sleeping poll.Interval between attempts.
// A failed attempt is logged and counts toward poll.MaxAttempts.
func (r *sliceRun) retry(ctx context.Context, poll Poll, what string, fn func() error) error {
	var last error
	for attempt := 1; attempt <= poll.MaxAttempts; attempt++ {
		if attempt > 1 {
			if err := sleep(ctx, poll.Interval); err != nil {
				return err
			}
		}
		if last = fn(); last == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.p.log.Warn(what+" failed", "slice", r.slice.Path, "attempt", attempt, "err", last)
	}
	return fmt.Errorf("%s after %d attempts: %w: %v", what, poll.MaxAttempts, model.ErrTransient, last)
}

// awaitReport polls the report bucket until a CSV not yet consumed in this
// session shows up, then consumes it.
func (r *sliceRun) awaitReport(ctx context.Context, reportID string) (string, error) {
	poll := r.p.opts.AnalysisPoll
	sawReports := false
	for attempt := 1; attempt <= poll.MaxAttempts; attempt++ {
		if err := sleep(ctx, poll.Interval); err != nil {
			return "", err
		}
		files, err := r.p.opts.Analyzer.Reports(ctx, reportID)
		if err != nil {
			r.p.log.Warn("report poll failed", "reportId", reportID, "attempt", attempt, "err", err)
			continue
		}
		if len(files) > 0 {
			sawReports = true
		}
		for _, f := range files {
			if r.csvs.Add(f) {
				return f, nil
			}
		}
	}
	if sawReports {
		return "", fmt.Errorf("report '%s' after %d attempts: %w", reportID, poll.MaxAttempts, model.ErrNoNewReport)
	}
	return "", fmt.Errorf("report '%s' after %d attempts: %w", reportID, poll.MaxAttempts, model.ErrAnalysisTimeout)
}

// awaitPrediction polls the job until it leaves Queued/Running.
func (r *sliceRun) awaitPrediction(ctx context.Context, job model.PredictionJob) (model.JobStatusReport, error) {
	if !job.Status.Pending() && job.Status != "" {
		return model.JobStatusReport{Status: job.Status, PredictionID: job.PredictionID}, nil
	}
	poll := r.p.opts.PredictionPoll
	for attempt := 1; attempt <= poll.MaxAttempts; attempt++ {
		if err := sleep(ctx, poll.Interval); err != nil {
			return model.JobStatusReport{}, err
		}
		status, err := r.p.opts.Predictor.Status(ctx, job)
		if err != nil {
			r.p.log.Warn("prediction poll failed", "jobId", job.JobID, "attempt", attempt, "err", err)
			continue
		}
		if !status.Status.Pending() {
			return status, nil
		}
	}
	r.p.opts.Metrics.PredictionFinished("timeout")
	return model.JobStatusReport{}, fmt.Errorf("job '%s' after %d attempts: %w", job.JobID, poll.MaxAttempts, model.ErrPredictionTimeout)
}

func (r *sliceRun) fail(ctx context.Context, kind string, cause error) error {
	p := r.p
	if ctx.Err() != nil {
		kind = FailCancelled
	}
	r.transition(ctx, model.SliceFailed, cause.Error())
	p.opts.Metrics.SliceFinished(string(model.SliceFailed), kind)
	p.log.Warn("slice failed", "session", r.session.SessionID, "slice", r.slice.Path, "kind", kind, "err", cause)

	// Only engine-reported failures are alerted; the rest is logged.
	if kind == FailPredictionFailed {
		r.publish(model.EventPredictionFailed, map[string]any{"predictionId": r.predictionID, "reason": cause.Error()})
	}
	if kind == FailPredictionFailed && p.opts.Failures != nil {
		p.opts.Failures.ReportFailure(model.Failure{
			SessionID:    r.session.SessionID,
			Slice:        r.slice.Path,
			PredictionID: r.predictionID,
			Kind:         kind,
			Reason:       cause.Error(),
			At:           p.now(),
		})
	}
	return fmt.Errorf("slice '%s': %w", r.slice.Path, cause)
}

func (r *sliceRun) transition(ctx context.Context, state model.SliceState, reason string) {
	p := r.p
	t := model.SliceTransition{
		SessionID:    r.session.SessionID,
		Slice:        r.slice.Path,
		State:        state,
		CSVFile:      r.csvFile,
		PredictionID: r.predictionID,
		Packets:      r.packets,
		Reason:       reason,
		At:           p.now(),
	}
	p.log.Debug("slice transition", "slice", t.Slice, "state", t.State)
	if p.opts.Ledger != nil {
		// The record must land even when the session was just replaced.
		if err := p.opts.Ledger.RecordTransition(context.WithoutCancel(ctx), t); err != nil {
			p.log.Error("failed to record slice transition", "slice", t.Slice, "state", t.State, "err", err)
		}
	}
	r.publish(model.EventSliceState, map[string]any{
		"slice":        t.Slice,
		"state":        string(t.State),
		"csvFile":      t.CSVFile,
		"predictionId": t.PredictionID,
		"packets":      t.Packets,
		"reason":       t.Reason,
	})
}

func (r *sliceRun) publish(kind string, attrs map[string]any) {
	p := r.p
	if p.opts.Events == nil {
		return
	}
	ev := model.Event{Kind: kind, SessionID: r.session.SessionID, Time: p.now(), Attrs: attrs}
	if err := p.opts.Events.Publish(ev); err != nil {
		p.log.Warn("failed to publish event", "kind", kind, "err", err)
	}
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
