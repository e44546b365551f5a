package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Montimage/maip-sub000/internal/aggregator"
	"github.com/Montimage/maip-sub000/internal/logging"
	"github.com/Montimage/maip-sub000/internal/model"
	"github.com/Montimage/maip-sub000/internal/pipelinetest"
	"github.com/Montimage/maip-sub000/internal/processor"
	"github.com/Montimage/maip-sub000/internal/slicestore"
)

type fakeCapture struct {
	mu      sync.Mutex
	session model.CaptureSession
	starts  int
	block   chan struct{}
}

func (f *fakeCapture) Start(ctx context.Context, iface string, window int, total *int) (model.CaptureSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.session.Running {
		return model.CaptureSession{}, &model.CaptureStartError{Interface: iface, Err: model.ErrAlreadyRunning}
	}
	f.starts++
	id := fmt.Sprintf("s%d", f.starts)
	f.session = model.CaptureSession{SessionID: id, Interface: iface, WindowSeconds: window, SessionDir: "/captures/" + id, Running: true}
	return f.session, nil
}

func (f *fakeCapture) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.session.Running = false
	return nil
}

func (f *fakeCapture) Status(ctx context.Context) model.CaptureSession {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	return f.Session()
}

func (f *fakeCapture) Session() model.CaptureSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session
}

type recordingExporter struct {
	mu    sync.Mutex
	snaps []model.SessionSnapshot
}

func (e *recordingExporter) Export(ctx context.Context, snap model.SessionSnapshot) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snaps = append(e.snaps, snap)
	return nil
}

func (e *recordingExporter) all() []model.SessionSnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.SessionSnapshot(nil), e.snaps...)
}

type harness struct {
	capture   *fakeCapture
	lister    *pipelinetest.Lister
	analyzer  *pipelinetest.Analyzer
	predictor *pipelinetest.Predictor
	events    *pipelinetest.Events
	exporter  *recordingExporter
	orch      *Orchestrator
}

func newHarness(t *testing.T, tick time.Duration) *harness {
	t.Helper()
	h := &harness{
		capture:   &fakeCapture{},
		lister:    &pipelinetest.Lister{},
		analyzer:  &pipelinetest.Analyzer{Outputs: map[string][]string{}},
		predictor: &pipelinetest.Predictor{Results: map[string]model.PredictionResult{}},
		events:    &pipelinetest.Events{},
		exporter:  &recordingExporter{},
	}
	store := slicestore.New(h.lister)
	agg := aggregator.New(aggregator.Options{ContentSignature: true, Logger: logging.Discard()})
	proc := processor.New(processor.Options{
		Store:          store,
		Analyzer:       h.analyzer,
		Predictor:      h.predictor,
		Aggregator:     agg,
		StableAge:      1500 * time.Millisecond,
		AnalysisPoll:   processor.Poll{Interval: time.Millisecond, MaxAttempts: 3},
		PredictionPoll: processor.Poll{Interval: time.Millisecond, MaxAttempts: 3},
		Logger:         logging.Discard(),
	})
	h.orch = New(Options{
		Capture:      h.capture,
		Store:        store,
		Processor:    proc,
		Aggregator:   agg,
		TickInterval: tick,
		StableAge:    1500 * time.Millisecond,
		Exporter:     h.exporter,
		Events:       h.events,
		Logger:       logging.Discard(),
	})
	t.Cleanup(h.orch.Close)
	return h
}

func (h *harness) addSlice(name string, res model.PredictionResult) {
	csv := name + ".csv"
	h.analyzer.Outputs[name] = []string{csv}
	h.predictor.Results[csv] = res
}

func waitFor(t *testing.T, o *Orchestrator, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	require.NoError(t, o.Wait(ctx), "loop did not terminate")
}

// Scenario D.
func TestStopDrainsRemainingSlices(t *testing.T) {
	h := newHarness(t, 10*time.Millisecond)
	h.addSlice("slice-1.pcap", pipelinetest.Result("p1", 5, 1, "dos"))
	h.addSlice("slice-2.pcap", pipelinetest.Result("p2", 2, 2, "scan", "scan"))

	ctx := context.Background()
	_, err := h.orch.Start(ctx, "eth0", 5, nil)
	require.NoError(t, err)
	h.lister.SetFiles(pipelinetest.Slice("slice-1.pcap"), pipelinetest.Slice("slice-2.pcap"))
	require.NoError(t, h.orch.Stop(ctx))

	waitFor(t, h.orch, 5*time.Second)

	snap := h.orch.GetSnapshot()
	assert.True(t, snap.Finished)
	assert.False(t, snap.Session.Running)
	assert.Equal(t, int64(7), snap.NormalCount)
	assert.Equal(t, int64(3), snap.MaliciousCount)
	assert.Len(t, snap.MaliciousRows, 3)
	assert.Equal(t, 2, snap.Predictions)
	assert.Zero(t, snap.Pending)
	assert.Equal(t, []string{"slice-1.pcap", "slice-2.pcap"}, h.analyzer.SubmittedSlices())

	exported := h.exporter.all()
	require.Len(t, exported, 1)
	assert.Equal(t, "s1", exported[0].SessionID)
	assert.Equal(t, 2, exported[0].Predictions)

	kinds := h.events.Kinds()
	assert.Equal(t, model.EventSessionStarted, kinds[0])
	assert.Equal(t, model.EventSessionFinished, kinds[len(kinds)-1])
	assert.Contains(t, kinds, model.EventSessionStopped)
}

func TestSelfTerminatesWithinOneTick(t *testing.T) {
	tick := 50 * time.Millisecond
	h := newHarness(t, tick)
	ctx := context.Background()
	_, err := h.orch.Start(ctx, "eth0", 5, nil)
	require.NoError(t, err)

	stopped := time.Now()
	require.NoError(t, h.orch.Stop(ctx))
	waitFor(t, h.orch, 5*time.Second)
	assert.Less(t, time.Since(stopped), 3*tick)
}

func TestKeepsPollingWhileCaptureRuns(t *testing.T) {
	h := newHarness(t, 10*time.Millisecond)
	ctx := context.Background()
	_, err := h.orch.Start(ctx, "eth0", 5, nil)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.orch.Wait(waitCtx), context.DeadlineExceeded)
	assert.False(t, h.orch.GetSnapshot().Finished)
}

func TestYoungSliceHoldsTermination(t *testing.T) {
	h := newHarness(t, 10*time.Millisecond)
	ctx := context.Background()
	_, err := h.orch.Start(ctx, "eth0", 5, nil)
	require.NoError(t, err)

	young := int64(10)
	h.lister.SetFiles(model.SliceFile{Path: "slice-1.pcap", AgeMs: &young})
	require.NoError(t, h.orch.Stop(ctx))

	require.Eventually(t, func() bool { return h.orch.GetSnapshot().Pending == 1 }, time.Second, 5*time.Millisecond)
	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	assert.Error(t, h.orch.Wait(waitCtx), "an unprocessed slice keeps the loop alive")

	h.addSlice("slice-1.pcap", pipelinetest.Result("p1", 1, 0))
	h.lister.SetFiles(pipelinetest.Slice("slice-1.pcap"))
	waitFor(t, h.orch, 5*time.Second)
	assert.Equal(t, int64(1), h.orch.GetSnapshot().NormalCount)
}

func TestNewSessionIsIsolated(t *testing.T) {
	h := newHarness(t, 10*time.Millisecond)
	h.addSlice("slice-1.pcap", pipelinetest.Result("p1", 5, 1, "dos"))

	ctx := context.Background()
	_, err := h.orch.Start(ctx, "eth0", 5, nil)
	require.NoError(t, err)
	h.lister.SetFiles(pipelinetest.Slice("slice-1.pcap"))
	require.NoError(t, h.orch.Stop(ctx))
	waitFor(t, h.orch, 5*time.Second)
	require.Equal(t, int64(5), h.orch.GetSnapshot().NormalCount)

	h.lister.SetFiles()
	s2, err := h.orch.Start(ctx, "eth0", 5, nil)
	require.NoError(t, err)
	assert.Equal(t, "s2", s2.SessionID)

	snap := h.orch.GetSnapshot()
	assert.Equal(t, "s2", snap.SessionID)
	assert.Zero(t, snap.NormalCount)
	assert.Zero(t, snap.MaliciousCount)
	assert.Empty(t, snap.MaliciousRows)
	assert.False(t, snap.Finished)
}

func TestStartWhileRunningKeepsSession(t *testing.T) {
	h := newHarness(t, 10*time.Millisecond)
	ctx := context.Background()
	_, err := h.orch.Start(ctx, "eth0", 5, nil)
	require.NoError(t, err)

	_, err = h.orch.Start(ctx, "eth0", 5, nil)
	assert.ErrorIs(t, err, model.ErrAlreadyRunning)
	assert.Equal(t, "s1", h.orch.GetSnapshot().SessionID)
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	h := newHarness(t, time.Hour)
	ctx := context.Background()
	_, err := h.orch.Start(ctx, "eth0", 5, nil)
	require.NoError(t, err)

	block := make(chan struct{})
	h.capture.mu.Lock()
	h.capture.block = block
	h.capture.mu.Unlock()

	first := make(chan TickOutcome)
	go func() { first <- h.orch.Tick(ctx) }()
	require.Eventually(t, func() bool { return h.orch.ticking.Load() }, time.Second, time.Millisecond)

	assert.Equal(t, TickSkipped, h.orch.Tick(ctx))
	close(block)
	assert.Equal(t, TickIdle, <-first)
}

func TestWaitWithoutSession(t *testing.T) {
	h := newHarness(t, time.Second)
	assert.ErrorIs(t, h.orch.Wait(context.Background()), ErrNoSession)
	assert.Equal(t, TickIdle, h.orch.Tick(context.Background()))
}
