package snapshot

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Montimage/maip-sub000/internal/model"
)

func sampleRows() []model.FlowRecord {
	return []model.FlowRecord{
		{PredictionID: "p1", RowUID: "p1-1", Columns: []string{"ip.src", "label"}, Fields: map[string]string{"ip.src": "10.0.0.1", "label": "1"}},
		{PredictionID: "p2", RowUID: "p2-1", Columns: []string{"ip.src", "label", "dport"}, Fields: map[string]string{"ip.src": "10.0.0.2", "label": "1", "dport": "443", "zz": "x"}},
	}
}

func TestWriter_Export(t *testing.T) {
	root := t.TempDir()
	snap := model.SessionSnapshot{
		AggregateSnapshot: model.AggregateSnapshot{
			SessionID:      "s1",
			NormalCount:    8,
			MaliciousCount: 2,
			TotalCount:     10,
			MaliciousRows:  sampleRows(),
			Predictions:    2,
		},
		Session:  model.CaptureSession{SessionID: "s1", Interface: "eth0"},
		Finished: true,
	}

	w := NewWriter(root)
	require.NoError(t, w.Export(context.Background(), snap))

	raw, err := os.ReadFile(filepath.Join(root, "s1", "summary.json"))
	require.NoError(t, err)
	var summary SummaryData
	require.NoError(t, json.Unmarshal(raw, &summary))
	assert.Equal(t, "s1", summary.SessionID)
	assert.Equal(t, "eth0", summary.Interface)
	assert.Equal(t, int64(2), summary.MaliciousCount)
	assert.Equal(t, int64(10), summary.TotalCount)
	assert.Equal(t, 2, summary.MaliciousRows)

	f, err := os.Open(filepath.Join(root, "s1", "malicious_flows.csv"))
	require.NoError(t, err)
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []string{"predictionId", "rowUid", "ip.src", "label", "dport", "zz"}, records[0])
	assert.Equal(t, []string{"p1", "p1-1", "10.0.0.1", "1", "", ""}, records[1])
	assert.Equal(t, []string{"p2", "p2-1", "10.0.0.2", "1", "443", "x"}, records[2])

	// Exporting again overwrites.
	snap.MaliciousRows = nil
	require.NoError(t, w.Export(context.Background(), snap))
	raw, err = os.ReadFile(filepath.Join(root, "s1", "malicious_flows.csv"))
	require.NoError(t, err)
	assert.Equal(t, "predictionId,rowUid\n", string(raw))
}

func TestWriter_ExportRequiresSession(t *testing.T) {
	err := NewWriter(t.TempDir()).Export(context.Background(), model.SessionSnapshot{})
	assert.Error(t, err)
}

func TestWriteCSV_QuotesFields(t *testing.T) {
	var buf bytes.Buffer
	rows := []model.FlowRecord{{PredictionID: "p", RowUID: "p-1", Columns: []string{"note"}, Fields: map[string]string{"note": "a,b"}}}
	require.NoError(t, WriteCSV(&buf, rows))
	assert.Equal(t, "predictionId,rowUid,note\np,p-1,\"a,b\"\n", buf.String())
}
