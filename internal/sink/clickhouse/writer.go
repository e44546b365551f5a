package clickhouse

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/Montimage/maip-sub000/internal/config"
	"github.com/Montimage/maip-sub000/internal/logging"
	"github.com/Montimage/maip-sub000/internal/model"
)

// Writer implements the model.Writer interface for ClickHouse.
type Writer struct {
	conn driver.Conn
	log  *slog.Logger
}

var _ model.Writer = (*Writer)(nil)

// NewWriter connects to ClickHouse and ensures the tables exist.
func NewWriter(ctx context.Context, cfg config.ClickHouseConfig) (*Writer, error) {
	conn, err := connect(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	if err := ensureTables(ctx, conn); err != nil {
		return nil, err
	}
	log := logging.Component("clickhouse")
	log.Info("connected to ClickHouse and ensured tables exist", "host", cfg.Host, "database", cfg.Database)
	return &Writer{conn: conn, log: log}, nil
}

// Name implements model.Writer.
func (w *Writer) Name() string { return "clickhouse" }

// Write inserts the completion's tally and its malicious rows.
func (w *Writer) Write(ctx context.Context, c model.Completion) error {
	batch, err := w.conn.PrepareBatch(ctx, "INSERT INTO prediction_results")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	if err := batch.Append(predictionRow(c)...); err != nil {
		return fmt.Errorf("failed to append prediction to batch: %w", err)
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	if len(c.Rows) == 0 {
		return nil
	}
	flows, err := w.conn.PrepareBatch(ctx, "INSERT INTO malicious_flows")
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, row := range flowRows(c) {
		if err := flows.Append(row...); err != nil {
			return fmt.Errorf("failed to append flow to batch: %w", err)
		}
	}
	if err := flows.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}

	w.log.Debug("wrote prediction", "session", c.SessionID, "predictionId", c.PredictionID, "rows", len(c.Rows))
	return nil
}

// Close closes the connection.
func (w *Writer) Close() error {
	return w.conn.Close()
}

func predictionRow(c model.Completion) []any {
	return []any{
		c.AppliedAt,
		c.SessionID,
		c.PredictionID,
		c.Signature,
		c.NormalDelta,
		c.MaliciousDelta,
		c.TotalDelta,
	}
}

func flowRows(c model.Completion) [][]any {
	rows := make([][]any, 0, len(c.Rows))
	for _, r := range c.Rows {
		fields := r.Fields
		if fields == nil {
			fields = map[string]string{}
		}
		rows = append(rows, []any{c.AppliedAt, c.SessionID, c.PredictionID, r.RowUID, fields})
	}
	return rows
}
