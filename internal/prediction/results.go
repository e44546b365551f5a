package prediction

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/Montimage/maip-sub000/internal/model"
	"github.com/Montimage/maip-sub000/pkg/rest"
)

// results retrieves the outcome of a completed prediction. Both backends
// share it.
type results struct {
	rest *rest.Client
}

// FetchResult reads the prediction's stats and its optional attack rows.
func (r results) FetchResult(ctx context.Context, predictionID string) (model.PredictionResult, error) {
	id := rest.PathEscape(predictionID)
	rawStats, err := r.rest.GetText(ctx, "/api/predictions/"+id+"/stats")
	if err != nil {
		return model.PredictionResult{}, fmt.Errorf("failed to fetch stats of prediction '%s': %w", predictionID, err)
	}
	normal, malicious, total, err := ParseStats(rawStats)
	if err != nil {
		return model.PredictionResult{}, fmt.Errorf("prediction '%s': %w", predictionID, err)
	}

	res := model.PredictionResult{
		PredictionID:   predictionID,
		NormalCount:    normal,
		MaliciousCount: malicious,
		TotalCount:     total,
		RawStats:       rawStats,
	}
	if malicious == 0 {
		return res, nil
	}

	rawRows, err := r.rest.GetText(ctx, "/api/predictions/"+id+"/attack-rows")
	if err != nil {
		if rest.IsNotFound(err) {
			return res, nil
		}
		return model.PredictionResult{}, fmt.Errorf("failed to fetch attack rows of prediction '%s': %w", predictionID, err)
	}
	rows, err := ParseAttackRows(predictionID, rawRows)
	if err != nil {
		return model.PredictionResult{}, fmt.Errorf("prediction '%s': %w", predictionID, err)
	}
	res.RawRows = rawRows
	res.MaliciousRows = rows
	return res, nil
}

// ParseStats parses the two-line stats CSV. The header labels are free-form;
// the second non-empty line holds normal, malicious and total counts.
func ParseStats(raw string) (normal, malicious, total int64, err error) {
	var lines []string
	for _, line := range strings.Split(raw, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) < 2 {
		return 0, 0, 0, fmt.Errorf("malformed prediction stats: expected 2 lines, got %d", len(lines))
	}
	fields := strings.Split(lines[1], ",")
	if len(fields) < 3 {
		return 0, 0, 0, fmt.Errorf("malformed prediction stats: expected 3 values, got %d", len(fields))
	}
	values := make([]int64, 3)
	for i := range values {
		v, err := strconv.ParseInt(strings.TrimSpace(fields[i]), 10, 64)
		if err != nil {
			return 0, 0, 0, fmt.Errorf("malformed prediction stats value %q: %w", fields[i], err)
		}
		values[i] = v
	}
	return values[0], values[1], values[2], nil
}

// ParseAttackRows parses the malicious-flow CSV. The first record is the
// header; every following record becomes a FlowRecord with a 1-based row uid.
func ParseAttackRows(predictionID, raw string) ([]model.FlowRecord, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	reader := csv.NewReader(strings.NewReader(raw))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("malformed attack rows header: %w", err)
	}

	var rows []model.FlowRecord
	for index := 1; ; index++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("malformed attack row %d: %w", index, err)
		}
		fields := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(record) {
				fields[col] = record[i]
			}
		}
		rows = append(rows, model.FlowRecord{
			PredictionID: predictionID,
			RowUID:       fmt.Sprintf("%s-%d", predictionID, index),
			Columns:      header,
			Fields:       fields,
		})
	}
	return rows, nil
}
