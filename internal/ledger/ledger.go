// Package ledger keeps a local SQLite record of every slice's progress and
// of the predictions applied per session.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Montimage/maip-sub000/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS slices (
    session_id      TEXT NOT NULL,
    slice           TEXT NOT NULL,
    state           TEXT NOT NULL,
    csv_file        TEXT,
    prediction_id   TEXT,
    packets         INTEGER NOT NULL DEFAULT 0,
    reason          TEXT,
    discovered_ns   INTEGER NOT NULL,
    updated_ns      INTEGER NOT NULL,
    PRIMARY KEY (session_id, slice)
);

CREATE TABLE IF NOT EXISTS slice_transitions (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id      TEXT NOT NULL,
    slice           TEXT NOT NULL,
    state           TEXT NOT NULL,
    reason          TEXT,
    at_ns           INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transitions_slice ON slice_transitions(session_id, slice, id);

CREATE TABLE IF NOT EXISTS predictions (
    session_id      TEXT NOT NULL,
    prediction_id   TEXT NOT NULL,
    signature       TEXT,
    normal_count    INTEGER NOT NULL,
    malicious_count INTEGER NOT NULL,
    total_count     INTEGER NOT NULL,
    malicious_rows  INTEGER NOT NULL,
    applied_ns      INTEGER NOT NULL,
    PRIMARY KEY (session_id, prediction_id)
);
`

// SliceRecord is the latest known state of a slice.
type SliceRecord struct {
	SessionID    string           `json:"sessionId"`
	Slice        string           `json:"slice"`
	State        model.SliceState `json:"state"`
	CSVFile      string           `json:"csvFile,omitempty"`
	PredictionID string           `json:"predictionId,omitempty"`
	Packets      int              `json:"packets"`
	Reason       string           `json:"reason,omitempty"`
	DiscoveredAt time.Time        `json:"discoveredAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
}

// PredictionRecord is one applied prediction.
type PredictionRecord struct {
	SessionID      string    `json:"sessionId"`
	PredictionID   string    `json:"predictionId"`
	Signature      string    `json:"signature,omitempty"`
	NormalCount    int64     `json:"normalCount"`
	MaliciousCount int64     `json:"maliciousCount"`
	TotalCount     int64     `json:"totalCount"`
	MaliciousRows  int       `json:"maliciousRows"`
	AppliedAt      time.Time `json:"appliedAt"`
}

// Store represents the SQLite ledger.
type Store struct {
	db *sql.DB
}

var (
	_ model.TransitionRecorder = (*Store)(nil)
	_ model.Writer             = (*Store)(nil)
)

// Open opens or creates the ledger at path and applies the schema.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create ledger directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// RecordTransition upserts the slice row and appends to its history.
func (s *Store) RecordTransition(ctx context.Context, t model.SliceTransition) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	at := t.At.UnixNano()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO slices (session_id, slice, state, csv_file, prediction_id, packets, reason, discovered_ns, updated_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (session_id, slice) DO UPDATE SET
			state = excluded.state,
			csv_file = COALESCE(NULLIF(excluded.csv_file, ''), slices.csv_file),
			prediction_id = COALESCE(NULLIF(excluded.prediction_id, ''), slices.prediction_id),
			packets = MAX(excluded.packets, slices.packets),
			reason = excluded.reason,
			updated_ns = excluded.updated_ns`,
		t.SessionID, t.Slice, string(t.State), t.CSVFile, t.PredictionID, t.Packets, t.Reason, at, at,
	); err != nil {
		return fmt.Errorf("upsert slice: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO slice_transitions (session_id, slice, state, reason, at_ns)
		VALUES (?, ?, ?, ?, ?)`,
		t.SessionID, t.Slice, string(t.State), t.Reason, at,
	); err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return tx.Commit()
}

// Name implements model.Writer.
func (s *Store) Name() string { return "ledger" }

// Write records an applied prediction.
func (s *Store) Write(ctx context.Context, c model.Completion) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO predictions (session_id, prediction_id, signature, normal_count, malicious_count, total_count, malicious_rows, applied_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.SessionID, c.PredictionID, c.Signature, c.NormalDelta, c.MaliciousDelta, c.TotalDelta, len(c.Rows), c.AppliedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert prediction: %w", err)
	}
	return nil
}

// Slices returns the slices of a session in discovery order.
func (s *Store) Slices(ctx context.Context, sessionID string) ([]SliceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, slice, state, COALESCE(csv_file, ''), COALESCE(prediction_id, ''), packets, COALESCE(reason, ''), discovered_ns, updated_ns
		FROM slices WHERE session_id = ?
		ORDER BY discovered_ns, slice`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query slices: %w", err)
	}
	defer rows.Close()

	var out []SliceRecord
	for rows.Next() {
		var r SliceRecord
		var state string
		var discovered, updated int64
		if err := rows.Scan(&r.SessionID, &r.Slice, &state, &r.CSVFile, &r.PredictionID, &r.Packets, &r.Reason, &discovered, &updated); err != nil {
			return nil, fmt.Errorf("scan slice: %w", err)
		}
		r.State = model.SliceState(state)
		r.DiscoveredAt = time.Unix(0, discovered)
		r.UpdatedAt = time.Unix(0, updated)
		out = append(out, r)
	}
	return out, rows.Err()
}

// History returns the states a slice went through, oldest first.
func (s *Store) History(ctx context.Context, sessionID, slice string) ([]model.SliceTransition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT state, COALESCE(reason, ''), at_ns
		FROM slice_transitions WHERE session_id = ? AND slice = ?
		ORDER BY id`, sessionID, slice)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []model.SliceTransition
	for rows.Next() {
		t := model.SliceTransition{SessionID: sessionID, Slice: slice}
		var state string
		var at int64
		if err := rows.Scan(&state, &t.Reason, &at); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.State = model.SliceState(state)
		t.At = time.Unix(0, at)
		out = append(out, t)
	}
	return out, rows.Err()
}

// Predictions returns the predictions applied in a session.
func (s *Store) Predictions(ctx context.Context, sessionID string) ([]PredictionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, prediction_id, COALESCE(signature, ''), normal_count, malicious_count, total_count, malicious_rows, applied_ns
		FROM predictions WHERE session_id = ?
		ORDER BY applied_ns, prediction_id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query predictions: %w", err)
	}
	defer rows.Close()

	var out []PredictionRecord
	for rows.Next() {
		var r PredictionRecord
		var applied int64
		if err := rows.Scan(&r.SessionID, &r.PredictionID, &r.Signature, &r.NormalCount, &r.MaliciousCount, &r.TotalCount, &r.MaliciousRows, &applied); err != nil {
			return nil, fmt.Errorf("scan prediction: %w", err)
		}
		r.AppliedAt = time.Unix(0, applied)
		out = append(out, r)
	}
	return out, rows.Err()
}
