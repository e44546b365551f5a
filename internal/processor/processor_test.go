package processor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Montimage/maip-sub000/internal/aggregator"
	"github.com/Montimage/maip-sub000/internal/logging"
	"github.com/Montimage/maip-sub000/internal/model"
	"github.com/Montimage/maip-sub000/internal/pipelinetest"
	"github.com/Montimage/maip-sub000/internal/prediction"
	"github.com/Montimage/maip-sub000/internal/slicestore"
)

var session = model.CaptureSession{SessionID: "s1", SessionDir: "/captures/s1"}

type harness struct {
	lister    *pipelinetest.Lister
	analyzer  *pipelinetest.Analyzer
	predictor *pipelinetest.Predictor
	agg       *aggregator.Aggregator
	failures  *pipelinetest.Failures
	events    *pipelinetest.Events
	proc      *Processor
}

func newHarness(t *testing.T, predictor model.Predictor) *harness {
	t.Helper()
	return newHarnessWith(t, predictor, nil)
}

// newHarnessWith lets a test interpose on the slice lister.
func newHarnessWith(t *testing.T, predictor model.Predictor, wrap func(slicestore.Lister) slicestore.Lister) *harness {
	t.Helper()
	h := &harness{
		lister:   &pipelinetest.Lister{},
		analyzer: &pipelinetest.Analyzer{Outputs: map[string][]string{}},
		agg:      aggregator.New(aggregator.Options{ContentSignature: true, Logger: logging.Discard()}),
		failures: &pipelinetest.Failures{},
		events:   &pipelinetest.Events{},
	}
	if predictor == nil {
		h.predictor = &pipelinetest.Predictor{Results: map[string]model.PredictionResult{}}
		predictor = h.predictor
	}
	h.agg.Reset(session.SessionID)

	var lister slicestore.Lister = h.lister
	if wrap != nil {
		lister = wrap(lister)
	}
	store := slicestore.New(lister)
	store.Reset(session.SessionDir)
	h.proc = New(Options{
		Store:          store,
		Analyzer:       h.analyzer,
		Predictor:      predictor,
		Aggregator:     h.agg,
		ModelID:        "m1",
		StableAge:      1500 * time.Millisecond,
		AnalysisPoll:   Poll{Interval: time.Millisecond, MaxAttempts: 3},
		PredictionPoll: Poll{Interval: time.Millisecond, MaxAttempts: 5},
		Events:         h.events,
		Failures:       h.failures,
		Logger:         logging.Discard(),
	})
	return h
}

// Scenario A through the real result parser.
func TestProcessNext_StatsCSV(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/queue/predict/jobs", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"jobId": "1", "predictionId": "p1"})
	})
	mux.HandleFunc("GET /api/queue/predict/jobs/1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "completed", "progress": 100})
	})
	mux.HandleFunc("GET /api/predictions/p1/stats", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("Normal flows,Malicious flows,Total flows\n7,3,10"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	h := newHarness(t, prediction.NewQueued(srv.URL, prediction.DefaultQueue))
	h.lister.SetFiles(pipelinetest.Slice("slice-1.pcap"))
	h.analyzer.Outputs["slice-1.pcap"] = []string{"a.csv"}

	require.NoError(t, h.proc.ProcessNext(context.Background(), session))

	snap := h.agg.Snapshot()
	assert.Equal(t, int64(7), snap.NormalCount)
	assert.Equal(t, int64(3), snap.MaliciousCount)
	assert.Equal(t, int64(10), snap.TotalCount)
	assert.Empty(t, snap.MaliciousRows, "missing attack rows mean zero rows")
	assert.True(t, h.proc.ProcessedFiles().Contains("slice-1.pcap"))
	assert.True(t, h.proc.ProcessedCSVs().Contains("a.csv"))

	assert.Equal(t, []string{
		model.EventSliceState, model.EventSliceState, model.EventSliceState,
		model.EventSliceState, model.EventSliceState, model.EventPredictionApplied,
	}, h.events.Kinds())
}

// Scenario B.
func TestProcessNext_DuplicatePredictionCountedOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.lister.SetFiles(pipelinetest.Slice("slice-1.pcap"), pipelinetest.Slice("slice-2.pcap"))
	h.analyzer.Outputs["slice-1.pcap"] = []string{"a.csv"}
	h.analyzer.Outputs["slice-2.pcap"] = []string{"b.csv"}
	h.predictor.Results["a.csv"] = pipelinetest.Result("p1", 7, 3, "dos", "dos", "scan")
	h.predictor.Results["b.csv"] = pipelinetest.Result("p1", 7, 3, "dos", "dos", "scan")

	ctx := context.Background()
	require.NoError(t, h.proc.ProcessNext(ctx, session))
	require.NoError(t, h.proc.ProcessNext(ctx, session))

	assert.Equal(t, []string{"a.csv", "b.csv"}, h.predictor.SubmittedCSVs())
	snap := h.agg.Snapshot()
	assert.Equal(t, int64(7), snap.NormalCount)
	assert.Equal(t, int64(3), snap.MaliciousCount)
	assert.Len(t, snap.MaliciousRows, 3)
	assert.Equal(t, 1, snap.Predictions)
}

// Scenario C.
func TestProcessNext_AnalysisTimeout(t *testing.T) {
	h := newHarness(t, nil)
	h.lister.SetFiles(pipelinetest.Slice("slice-1.pcap"), pipelinetest.Slice("slice-2.pcap"))
	h.analyzer.Outputs["slice-2.pcap"] = []string{"b.csv"}
	h.predictor.Results["b.csv"] = pipelinetest.Result("p2", 4, 1, "dos")

	ctx := context.Background()
	err := h.proc.ProcessNext(ctx, session)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrAnalysisTimeout))
	assert.Zero(t, h.agg.Snapshot().Predictions)
	assert.False(t, h.proc.Processing(), "lock released after failure")

	assert.Empty(t, h.failures.All(), "only prediction failures are alerted")

	require.NoError(t, h.proc.ProcessNext(ctx, session))
	assert.Equal(t, int64(4), h.agg.Snapshot().NormalCount)
	assert.Equal(t, []string{"slice-1.pcap", "slice-2.pcap"}, h.analyzer.SubmittedSlices())
}

func TestProcessNext_CancelledSliceIsNotAlerted(t *testing.T) {
	h := newHarness(t, nil)
	h.lister.SetFiles(pipelinetest.Slice("slice-1.pcap"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.proc.ProcessNext(ctx, session)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, h.failures.All())
	assert.True(t, h.proc.ProcessedFiles().Contains("slice-1.pcap"), "a cancelled slice stays consumed")
}

func TestProcessNext_NoNewReport(t *testing.T) {
	h := newHarness(t, nil)
	h.lister.SetFiles(pipelinetest.Slice("slice-1.pcap"), pipelinetest.Slice("slice-2.pcap"))
	h.analyzer.Outputs["slice-1.pcap"] = []string{"a.csv"}
	h.predictor.Results["a.csv"] = pipelinetest.Result("p1", 1, 0)

	ctx := context.Background()
	require.NoError(t, h.proc.ProcessNext(ctx, session))

	// slice-2 produces nothing new; a.csv is already consumed.
	err := h.proc.ProcessNext(ctx, session)
	assert.True(t, errors.Is(err, model.ErrNoNewReport))
	assert.Equal(t, []string{"a.csv"}, h.predictor.SubmittedCSVs())
}

func TestProcessNext_PredictionFailedNotRetried(t *testing.T) {
	h := newHarness(t, nil)
	h.lister.SetFiles(pipelinetest.Slice("slice-1.pcap"))
	h.analyzer.Outputs["slice-1.pcap"] = []string{"a.csv"}
	h.predictor.Failures = map[string]string{"a.csv": "model crashed"}

	ctx := context.Background()
	err := h.proc.ProcessNext(ctx, session)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrPredictionFailed))

	var pfe *model.PredictionFailedError
	require.ErrorAs(t, err, &pfe)
	assert.Equal(t, "model crashed", pfe.Reason)

	require.NoError(t, h.proc.ProcessNext(ctx, session))
	assert.Len(t, h.predictor.SubmittedCSVs(), 1)
	assert.Contains(t, h.events.Kinds(), model.EventPredictionFailed)
	require.Len(t, h.failures.All(), 1)
	assert.Equal(t, FailPredictionFailed, h.failures.All()[0].Kind)
}

func TestProcessNext_PredictionTimeout(t *testing.T) {
	h := newHarness(t, nil)
	h.lister.SetFiles(pipelinetest.Slice("slice-1.pcap"))
	h.analyzer.Outputs["slice-1.pcap"] = []string{"a.csv"}
	h.predictor.Stuck = map[string]bool{"a.csv": true}

	err := h.proc.ProcessNext(context.Background(), session)
	assert.True(t, errors.Is(err, model.ErrPredictionTimeout))
	assert.False(t, h.proc.Processing())
	assert.Zero(t, h.agg.Snapshot().Predictions)
}

func TestProcessNext_TransientPollErrorsAreSkipped(t *testing.T) {
	h := newHarness(t, nil)
	h.lister.SetFiles(pipelinetest.Slice("slice-1.pcap"))
	h.analyzer.Outputs["slice-1.pcap"] = []string{"a.csv"}
	h.predictor.Results["a.csv"] = pipelinetest.Result("p1", 2, 0)
	h.predictor.PendingPolls = 3

	require.NoError(t, h.proc.ProcessNext(context.Background(), session))
	assert.Equal(t, int64(2), h.agg.Snapshot().NormalCount)
}

func TestProcessNext_TransientFetchErrorIsRetried(t *testing.T) {
	h := newHarness(t, nil)
	h.lister.SetFiles(pipelinetest.Slice("slice-1.pcap"))
	h.analyzer.Outputs["slice-1.pcap"] = []string{"a.csv"}
	h.predictor.Results["a.csv"] = pipelinetest.Result("p1", 7, 3, "dos")
	h.predictor.FetchErrors = 1

	require.NoError(t, h.proc.ProcessNext(context.Background(), session))
	snap := h.agg.Snapshot()
	assert.Equal(t, int64(7), snap.NormalCount)
	assert.Equal(t, int64(3), snap.MaliciousCount)
	assert.Empty(t, h.failures.All())
}

func TestProcessNext_TransientSubmitErrorsAreRetried(t *testing.T) {
	h := newHarness(t, nil)
	h.lister.SetFiles(pipelinetest.Slice("slice-1.pcap"))
	h.analyzer.Outputs["slice-1.pcap"] = []string{"a.csv"}
	h.analyzer.AnalyzeErrors = 2
	h.predictor.Results["a.csv"] = pipelinetest.Result("p1", 5, 0)
	h.predictor.SubmitErrors = 1

	require.NoError(t, h.proc.ProcessNext(context.Background(), session))
	assert.Equal(t, int64(5), h.agg.Snapshot().NormalCount)
	assert.Equal(t, []string{"slice-1.pcap"}, h.analyzer.SubmittedSlices())
	assert.Equal(t, []string{"a.csv"}, h.predictor.SubmittedCSVs())
}

func TestProcessNext_PersistentFetchErrorFailsSlice(t *testing.T) {
	h := newHarness(t, nil)
	h.lister.SetFiles(pipelinetest.Slice("slice-1.pcap"))
	h.analyzer.Outputs["slice-1.pcap"] = []string{"a.csv"}
	h.predictor.Results["a.csv"] = pipelinetest.Result("p1", 7, 3)
	h.predictor.FetchErrors = 100

	err := h.proc.ProcessNext(context.Background(), session)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrTransient))
	assert.Zero(t, h.agg.Snapshot().Predictions)
	assert.False(t, h.proc.Processing())
	assert.Empty(t, h.failures.All())
}

type gatedLister struct {
	slicestore.Lister
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedLister) ListFiles(ctx context.Context, sessionDir string) ([]model.SliceFile, error) {
	g.once.Do(func() {
		close(g.entered)
		<-g.release
	})
	return g.Lister.ListFiles(ctx, sessionDir)
}

func TestProcessNext_ListingDoesNotHoldCursors(t *testing.T) {
	gate := &gatedLister{entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarnessWith(t, nil, func(l slicestore.Lister) slicestore.Lister {
		gate.Lister = l
		return gate
	})
	h.lister.SetFiles(pipelinetest.Slice("slice-1.pcap"))
	h.analyzer.Outputs["slice-1.pcap"] = []string{"a.csv"}
	h.predictor.Results["a.csv"] = pipelinetest.Result("p1", 1, 0)

	ctx := context.Background()
	done := make(chan error, 1)
	go func() { done <- h.proc.ProcessNext(ctx, session) }()

	<-gate.entered
	// Cursor readers and Reset proceed while the store lists.
	assert.Zero(t, h.proc.ProcessedFiles().Len())
	h.proc.Reset()
	close(gate.release)

	require.NoError(t, <-done)
	assert.Empty(t, h.analyzer.SubmittedSlices(), "a listing from before Reset is dropped")
	assert.Zero(t, h.proc.ProcessedFiles().Len())

	require.NoError(t, h.proc.ProcessNext(ctx, session))
	assert.Equal(t, []string{"slice-1.pcap"}, h.analyzer.SubmittedSlices())
	assert.True(t, h.proc.ProcessedFiles().Contains("slice-1.pcap"))
}

func TestProcessNext_SkipsYoungSlices(t *testing.T) {
	h := newHarness(t, nil)
	young := int64(100)
	h.lister.SetFiles(model.SliceFile{Path: "slice-1.pcap", AgeMs: &young})

	require.NoError(t, h.proc.ProcessNext(context.Background(), session))
	assert.Empty(t, h.analyzer.SubmittedSlices())
	assert.Zero(t, h.proc.ProcessedFiles().Len())
}

func TestProcessNext_SingleFlight(t *testing.T) {
	h := newHarness(t, nil)
	h.lister.SetFiles(pipelinetest.Slice("slice-1.pcap"), pipelinetest.Slice("slice-2.pcap"))
	h.analyzer.Outputs["slice-1.pcap"] = []string{"a.csv"}
	h.analyzer.Outputs["slice-2.pcap"] = []string{"b.csv"}
	h.predictor.Results["a.csv"] = pipelinetest.Result("p1", 1, 0)
	h.predictor.Results["b.csv"] = pipelinetest.Result("p2", 1, 0)
	h.predictor.PendingPolls = 2

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.proc.ProcessNext(context.Background(), session)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ErrBusy)
		}
	}
	// No slice is ever analyzed twice, whatever the interleaving.
	submitted := h.analyzer.SubmittedSlices()
	assert.Equal(t, len(submitted), h.proc.ProcessedFiles().Len())
	seen := map[string]bool{}
	for _, s := range submitted {
		assert.False(t, seen[s], s)
		seen[s] = true
	}
}

func TestProcessedSetIsMonotonic(t *testing.T) {
	h := newHarness(t, nil)
	h.lister.SetFiles(pipelinetest.Slice("slice-1.pcap"))
	h.analyzer.Outputs["slice-1.pcap"] = []string{"a.csv"}
	h.predictor.Results["a.csv"] = pipelinetest.Result("p1", 1, 0)

	ctx := context.Background()
	require.NoError(t, h.proc.ProcessNext(ctx, session))
	for i := 0; i < 3; i++ {
		require.NoError(t, h.proc.ProcessNext(ctx, session))
		assert.True(t, h.proc.ProcessedFiles().Contains("slice-1.pcap"))
	}
	assert.Equal(t, []string{"slice-1.pcap"}, h.analyzer.SubmittedSlices())

	h.proc.Reset()
	assert.Zero(t, h.proc.ProcessedFiles().Len())
	assert.Zero(t, h.proc.ProcessedCSVs().Len())
}
