// Package clickhouse persists applied predictions to ClickHouse and queries
// them back for session history.
package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/Montimage/maip-sub000/internal/config"
)

const createPredictionsTable = `
CREATE TABLE IF NOT EXISTS prediction_results (
    AppliedAt      DateTime64(3),
    SessionID      String,
    PredictionID   String,
    Signature      String,
    NormalCount    Int64,
    MaliciousCount Int64,
    TotalCount     Int64
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(AppliedAt)
ORDER BY (SessionID, AppliedAt);
`

const createFlowsTable = `
CREATE TABLE IF NOT EXISTS malicious_flows (
    AppliedAt    DateTime64(3),
    SessionID    String,
    PredictionID String,
    RowUID       String,
    Fields       Map(String, String)
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(AppliedAt)
ORDER BY (SessionID, PredictionID, RowUID);
`

func connect(ctx context.Context, cfg config.ClickHouseConfig) (driver.Conn, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
	})
	if err != nil {
		return nil, err
	}

	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}
	return conn, nil
}

func ensureTables(ctx context.Context, conn driver.Conn) error {
	for _, stmt := range []string{createPredictionsTable, createFlowsTable} {
		if err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}
