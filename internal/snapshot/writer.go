package snapshot

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/Montimage/maip-sub000/internal/model"
)

const (
	summaryFile = "summary.json"
	flowsFile   = "malicious_flows.csv"
)

// SummaryData holds the metadata written next to an exported session.
type SummaryData struct {
	SessionID      string    `json:"session_id"`
	Interface      string    `json:"interface"`
	StartedAt      time.Time `json:"started_at"`
	NormalCount    int64     `json:"normal_count"`
	MaliciousCount int64     `json:"malicious_count"`
	TotalCount     int64     `json:"total_count"`
	MaliciousRows  int       `json:"malicious_rows"`
	Predictions    int       `json:"predictions"`
	Timestamp      string    `json:"timestamp"`
}

// Writer handles writing finished session snapshots to disk.
type Writer struct {
	rootPath string
}

// NewWriter creates a new snapshot writer rooted at rootPath.
func NewWriter(rootPath string) *Writer {
	return &Writer{rootPath: rootPath}
}

// Export writes the snapshot under <root>/<sessionId>/. Re-exporting a
// session overwrites the previous files.
func (w *Writer) Export(ctx context.Context, snap model.SessionSnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if snap.SessionID == "" {
		return fmt.Errorf("snapshot has no session id")
	}

	sessionDir := filepath.Join(w.rootPath, snap.SessionID)
	if err := os.MkdirAll(sessionDir, 0755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}

	flowsPath := filepath.Join(sessionDir, flowsFile)
	flows, err := os.Create(flowsPath)
	if err != nil {
		return fmt.Errorf("failed to create flows file '%s': %w", flowsPath, err)
	}
	if err := WriteCSV(flows, snap.MaliciousRows); err != nil {
		flows.Close()
		return fmt.Errorf("failed to write flows file '%s': %w", flowsPath, err)
	}
	if err := flows.Close(); err != nil {
		return fmt.Errorf("failed to close flows file '%s': %w", flowsPath, err)
	}

	summary := SummaryData{
		SessionID:      snap.SessionID,
		Interface:      snap.Session.Interface,
		StartedAt:      snap.Session.StartedAt,
		NormalCount:    snap.NormalCount,
		MaliciousCount: snap.MaliciousCount,
		TotalCount:     snap.TotalCount,
		MaliciousRows:  len(snap.MaliciousRows),
		Predictions:    snap.Predictions,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	}
	summaryPath := filepath.Join(sessionDir, summaryFile)
	file, err := os.Create(summaryPath)
	if err != nil {
		return fmt.Errorf("failed to create summary file: %w", err)
	}
	defer file.Close()

	jsonEncoder := json.NewEncoder(file)
	jsonEncoder.SetIndent("", "  ")
	if err := jsonEncoder.Encode(summary); err != nil {
		return fmt.Errorf("failed to encode summary to json: %w", err)
	}
	return nil
}

// Columns returns the header for a set of rows: the row identity first,
// then each row's own column order, then fields no header named, sorted.
func Columns(rows []model.FlowRecord) []string {
	cols := []string{"predictionId", "rowUid"}
	seen := map[string]bool{"predictionId": true, "rowUid": true}
	for _, r := range rows {
		for _, c := range r.Columns {
			if !seen[c] {
				seen[c] = true
				cols = append(cols, c)
			}
		}
	}
	var extra []string
	for _, r := range rows {
		for k := range r.Fields {
			if !seen[k] {
				seen[k] = true
				extra = append(extra, k)
			}
		}
	}
	sort.Strings(extra)
	return append(cols, extra...)
}

// WriteCSV writes the rows as CSV with a header line. Missing fields are
// left empty.
func WriteCSV(out io.Writer, rows []model.FlowRecord) error {
	cols := Columns(rows)
	cw := csv.NewWriter(out)
	if err := cw.Write(cols); err != nil {
		return err
	}
	record := make([]string, len(cols))
	for _, r := range rows {
		record[0] = r.PredictionID
		record[1] = r.RowUID
		for i, c := range cols[2:] {
			record[i+2] = r.Fields[c]
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
