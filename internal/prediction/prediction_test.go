package prediction

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Montimage/maip-sub000/internal/config"
	"github.com/Montimage/maip-sub000/internal/model"
)

// fakeEngine serves the inference engine contract for one prediction.
type fakeEngine struct {
	mu         sync.Mutex
	running    bool
	anonymous  bool
	jobStatus  string
	failReason string
	stats      string
	rows       string
}

func (f *fakeEngine) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/predict", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.running = true
		id := "p1"
		if f.anonymous {
			id = ""
		}
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(predictResponse{PredictionID: id, IsRunning: true})
	})
	mux.HandleFunc("GET /api/predict", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(predictStatusResponse{IsRunning: f.running, LastPredictedID: "p1"})
	})
	mux.HandleFunc("POST /api/queue/predict/jobs", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(enqueueResponse{JobID: "42", PredictionID: "p1"})
	})
	mux.HandleFunc("GET /api/queue/predict/jobs/42", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(jobStatusResponse{Status: f.jobStatus, Progress: 50, FailedReason: f.failReason})
	})
	mux.HandleFunc("GET /api/predictions/p1/stats", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(f.stats))
	})
	mux.HandleFunc("GET /api/predictions/p1/attack-rows", func(w http.ResponseWriter, r *http.Request) {
		if f.rows == "" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(f.rows))
	})
	return mux
}

func TestDirect_SubmitStatusFetch(t *testing.T) {
	engine := &fakeEngine{
		stats: "Normal flows,Malicious flows,Total flows\n7,3,10\n",
		rows:  "ip.src,ip.dst,label\n10.0.0.1,10.0.0.2,dos\n10.0.0.3,10.0.0.4,dos\n10.0.0.5,10.0.0.6,scan\n",
	}
	srv := httptest.NewServer(engine.handler())
	defer srv.Close()

	p, err := New(config.PredictionConfig{Backend: "direct", BaseURL: srv.URL})
	require.NoError(t, err)
	ctx := context.Background()

	job, err := p.Submit(ctx, "m1", "report-s1", "a.csv")
	require.NoError(t, err)
	assert.Equal(t, "p1", job.PredictionID)
	assert.Equal(t, model.JobRunning, job.Status)

	st, err := p.Status(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, model.JobRunning, st.Status)

	engine.mu.Lock()
	engine.running = false
	engine.mu.Unlock()
	st, err = p.Status(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, st.Status)

	res, err := p.FetchResult(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.NormalCount)
	assert.Equal(t, int64(3), res.MaliciousCount)
	assert.Equal(t, int64(10), res.TotalCount)
	require.Len(t, res.MaliciousRows, 3)
	assert.Equal(t, "p1-1", res.MaliciousRows[0].RowUID)
	assert.Equal(t, "p1-3", res.MaliciousRows[2].RowUID)
	assert.Equal(t, "scan", res.MaliciousRows[2].Fields["label"])
	assert.Equal(t, []string{"ip.src", "ip.dst", "label"}, res.MaliciousRows[0].Columns)
}

func TestDirect_SubmitWithoutPredictionID(t *testing.T) {
	engine := &fakeEngine{anonymous: true}
	srv := httptest.NewServer(engine.handler())
	defer srv.Close()

	p := NewDirect(srv.URL)
	ctx := context.Background()

	job, err := p.Submit(ctx, "m1", "report-s1", "a.csv")
	require.NoError(t, err)
	assert.Empty(t, job.PredictionID)
	assert.Equal(t, model.JobRunning, job.Status)

	engine.mu.Lock()
	engine.running = false
	engine.mu.Unlock()
	st, err := p.Status(ctx, job)
	require.NoError(t, err)
	assert.Equal(t, model.JobCompleted, st.Status)
	assert.Equal(t, "p1", st.PredictionID, "resolved from lastPredictedId")
}

func TestQueued_StatusMapping(t *testing.T) {
	engine := &fakeEngine{}
	srv := httptest.NewServer(engine.handler())
	defer srv.Close()

	p, err := New(config.PredictionConfig{Backend: "queued", BaseURL: srv.URL})
	require.NoError(t, err)
	ctx := context.Background()

	job, err := p.Submit(ctx, "m1", "report-s1", "a.csv")
	require.NoError(t, err)
	assert.Equal(t, "42", job.JobID)
	assert.Equal(t, DefaultQueue, job.Queue)

	cases := map[string]model.JobStatus{
		"waiting":   model.JobQueued,
		"active":    model.JobRunning,
		"completed": model.JobCompleted,
		"failed":    model.JobFailed,
	}
	for raw, want := range cases {
		engine.mu.Lock()
		engine.jobStatus = raw
		engine.failReason = "model crashed"
		engine.mu.Unlock()

		st, err := p.Status(ctx, job)
		require.NoError(t, err, raw)
		assert.Equal(t, want, st.Status, raw)
		assert.Equal(t, "p1", st.PredictionID)
	}

	engine.mu.Lock()
	engine.jobStatus = "exploded"
	engine.mu.Unlock()
	_, err = p.Status(ctx, job)
	assert.Error(t, err)
}

func TestFetchResult_MissingRowsMeansNone(t *testing.T) {
	engine := &fakeEngine{stats: "normal,malicious,total\n5,2,7"}
	srv := httptest.NewServer(engine.handler())
	defer srv.Close()

	res, err := NewQueued(srv.URL, DefaultQueue).FetchResult(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.MaliciousCount)
	assert.Empty(t, res.MaliciousRows)
	assert.Empty(t, res.RawRows)
}

func TestParseStats(t *testing.T) {
	n, m, total, err := ParseStats("a,b,c\r\n 1, 2 ,3\r\n")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, []int64{n, m, total})

	for _, raw := range []string{"", "only,header", "h\n1,2", "h\n1,x,3"} {
		_, _, _, err := ParseStats(raw)
		assert.Error(t, err, raw)
	}
}

func TestParseAttackRows_Ragged(t *testing.T) {
	rows, err := ParseAttackRows("p9", "a,b\n1\n2,3,4\n")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, map[string]string{"a": "1"}, rows[0].Fields)
	assert.Equal(t, map[string]string{"a": "2", "b": "3"}, rows[1].Fields)

	rows, err = ParseAttackRows("p9", "  \n")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestNew_UnknownBackend(t *testing.T) {
	_, err := New(config.PredictionConfig{Backend: "pigeon"})
	assert.Error(t, err)
	assert.Equal(t, []string{"direct", "queued"}, Backends())
}
