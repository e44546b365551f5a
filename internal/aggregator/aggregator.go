// Package aggregator keeps the deduplicated tally of prediction results for
// one capture session.
package aggregator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Montimage/maip-sub000/internal/logging"
	"github.com/Montimage/maip-sub000/internal/metrics"
	"github.com/Montimage/maip-sub000/internal/model"
)

// Options configures an Aggregator.
type Options struct {
	// ContentSignature enables deduplication on the content signature in
	// addition to the prediction id.
	ContentSignature bool
	Writers          []model.Writer
	Metrics          *metrics.Metrics
	Logger           *slog.Logger
}

// state is the session tally. It only grows until the next Reset.
type state struct {
	sessionID   string
	normal      int64
	malicious   int64
	total       int64
	rows        []model.FlowRecord
	rowUIDs     map[string]struct{}
	seenIDs     map[string]struct{}
	seenSigs    map[string]struct{}
	predictions int
}

func newState(sessionID string) state {
	return state{
		sessionID: sessionID,
		rowUIDs:   make(map[string]struct{}),
		seenIDs:   make(map[string]struct{}),
		seenSigs:  make(map[string]struct{}),
	}
}

// Aggregator is the single writer of the session tally.
type Aggregator struct {
	mu    sync.Mutex
	state state

	useSignature bool
	writers      []model.Writer
	metrics      *metrics.Metrics
	log          *slog.Logger
	now          func() time.Time
}

// New creates an empty aggregator.
func New(opts Options) *Aggregator {
	log := opts.Logger
	if log == nil {
		log = logging.Component("aggregator")
	}
	return &Aggregator{
		state:        newState(""),
		useSignature: opts.ContentSignature,
		writers:      opts.Writers,
		metrics:      opts.Metrics,
		log:          log,
		now:          time.Now,
	}
}

// Signature is the content signature of a prediction result: a SHA-256 over
// the raw stats and the raw attack rows. It is empty when there is no raw
// content to compare.
func Signature(res model.PredictionResult) string {
	if res.RawStats == "" && res.RawRows == "" {
		return ""
	}
	h := sha256.New()
	h.Write([]byte(res.RawStats))
	h.Write([]byte{0})
	h.Write([]byte(res.RawRows))
	return hex.EncodeToString(h.Sum(nil))
}

// CompletionFrom turns a fetched result into a completion for sessionID.
func CompletionFrom(sessionID string, res model.PredictionResult) model.Completion {
	total := res.TotalCount
	if total == 0 {
		total = res.NormalCount + res.MaliciousCount
	}
	return model.Completion{
		SessionID:      sessionID,
		PredictionID:   res.PredictionID,
		Signature:      Signature(res),
		NormalDelta:    res.NormalCount,
		MaliciousDelta: res.MaliciousCount,
		TotalDelta:     total,
		Rows:           res.MaliciousRows,
	}
}

// Reset discards the tally and starts a new one for sessionID.
func (a *Aggregator) Reset(sessionID string) {
	a.mu.Lock()
	a.state = newState(sessionID)
	a.mu.Unlock()
	a.metrics.SetFlows(0, 0)
}

// Apply adds the completion to the tally unless its prediction id or content
// signature was already applied in this session. It returns the resulting
// snapshot and whether the completion was applied.
func (a *Aggregator) Apply(ctx context.Context, c model.Completion) (model.AggregateSnapshot, bool) {
	a.mu.Lock()
	if a.state.sessionID != "" && c.SessionID != "" && c.SessionID != a.state.sessionID {
		snap := a.snapshotLocked()
		a.mu.Unlock()
		a.log.Warn("dropping completion of another session", "predictionId", c.PredictionID, "session", c.SessionID, "current", snap.SessionID)
		a.metrics.CompletionObserved(false)
		return snap, false
	}
	if a.seenLocked(c) {
		snap := a.snapshotLocked()
		a.mu.Unlock()
		a.log.Debug("duplicate completion ignored", "predictionId", c.PredictionID)
		a.metrics.CompletionObserved(false)
		return snap, false
	}

	c.SessionID = a.state.sessionID
	c.AppliedAt = a.now()
	c.Rows = a.disambiguateLocked(c.PredictionID, c.Rows)

	a.state.normal += c.NormalDelta
	a.state.malicious += c.MaliciousDelta
	a.state.total += c.TotalDelta
	a.state.rows = append(a.state.rows, c.Rows...)
	a.state.seenIDs[c.PredictionID] = struct{}{}
	if a.useSignature && c.Signature != "" {
		a.state.seenSigs[c.Signature] = struct{}{}
	}
	a.state.predictions++
	snap := a.snapshotLocked()
	a.mu.Unlock()

	a.metrics.CompletionObserved(true)
	a.metrics.SetFlows(snap.NormalCount, snap.MaliciousCount)
	a.log.Info("prediction applied", "predictionId", c.PredictionID,
		"normal", c.NormalDelta, "malicious", c.MaliciousDelta, "rows", len(c.Rows))

	copied := c
	copied.Rows = copyRows(c.Rows)
	for _, w := range a.writers {
		if err := w.Write(ctx, copied); err != nil {
			a.log.Error("result writer failed", "writer", w.Name(), "predictionId", c.PredictionID, "err", err)
		}
	}
	return snap, true
}

// Seen reports whether predictionID was already applied in this session.
func (a *Aggregator) Seen(predictionID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.state.seenIDs[predictionID]
	return ok
}

// Snapshot returns a deep copy of the current tally.
func (a *Aggregator) Snapshot() model.AggregateSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.snapshotLocked()
}

func (a *Aggregator) seenLocked(c model.Completion) bool {
	if _, ok := a.state.seenIDs[c.PredictionID]; ok {
		return true
	}
	if a.useSignature && c.Signature != "" {
		if _, ok := a.state.seenSigs[c.Signature]; ok {
			return true
		}
	}
	return false
}

// disambiguateLocked stamps every row with its prediction id and a row uid
// that is unique within the session.
func (a *Aggregator) disambiguateLocked(predictionID string, rows []model.FlowRecord) []model.FlowRecord {
	out := copyRows(rows)
	for i := range out {
		out[i].PredictionID = predictionID
		uid := out[i].RowUID
		if uid == "" {
			uid = fmt.Sprintf("%s-%d", predictionID, i+1)
		}
		base := uid
		for n := 2; ; n++ {
			if _, taken := a.state.rowUIDs[uid]; !taken {
				break
			}
			uid = fmt.Sprintf("%s.%d", base, n)
		}
		a.state.rowUIDs[uid] = struct{}{}
		out[i].RowUID = uid
	}
	return out
}

func (a *Aggregator) snapshotLocked() model.AggregateSnapshot {
	return model.AggregateSnapshot{
		SessionID:      a.state.sessionID,
		NormalCount:    a.state.normal,
		MaliciousCount: a.state.malicious,
		TotalCount:     a.state.total,
		MaliciousRows:  copyRows(a.state.rows),
		Predictions:    a.state.predictions,
	}
}

func copyRows(rows []model.FlowRecord) []model.FlowRecord {
	out := make([]model.FlowRecord, len(rows))
	for i, r := range rows {
		out[i] = r
		out[i].Columns = append([]string(nil), r.Columns...)
		out[i].Fields = make(map[string]string, len(r.Fields))
		for k, v := range r.Fields {
			out[i].Fields[k] = v
		}
	}
	return out
}
