package clickhouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/Montimage/maip-sub000/internal/config"
)

// SessionTotal is the persisted tally of one capture session.
type SessionTotal struct {
	SessionID      string    `json:"sessionId"`
	NormalCount    int64     `json:"normalCount"`
	MaliciousCount int64     `json:"maliciousCount"`
	TotalCount     int64     `json:"totalCount"`
	Predictions    uint64    `json:"predictions"`
	FirstApplied   time.Time `json:"firstApplied"`
	LastApplied    time.Time `json:"lastApplied"`
}

// HistoryFilter narrows a history query.
type HistoryFilter struct {
	SessionID string
	Since     time.Time
	Limit     int
}

// Querier defines the interface for querying session history.
type Querier interface {
	SessionTotals(ctx context.Context, f HistoryFilter) ([]SessionTotal, error)
}

// clickhouseQuerier implements the Querier interface for ClickHouse.
type clickhouseQuerier struct {
	conn driver.Conn
}

// NewQuerier creates a new querier for ClickHouse.
func NewQuerier(ctx context.Context, cfg config.ClickHouseConfig) (Querier, error) {
	conn, err := connect(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}
	return &clickhouseQuerier{conn: conn}, nil
}

// SessionTotals sums the persisted predictions per session, newest first.
func (q *clickhouseQuerier) SessionTotals(ctx context.Context, f HistoryFilter) ([]SessionTotal, error) {
	query, args := buildTotalsQuery(f)
	rows, err := q.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	defer rows.Close()

	var totals []SessionTotal
	for rows.Next() {
		var t SessionTotal
		if err := rows.Scan(&t.SessionID, &t.NormalCount, &t.MaliciousCount, &t.TotalCount,
			&t.Predictions, &t.FirstApplied, &t.LastApplied); err != nil {
			return nil, fmt.Errorf("failed to scan session totals: %w", err)
		}
		totals = append(totals, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read session totals: %w", err)
	}
	return totals, nil
}

func buildTotalsQuery(f HistoryFilter) (string, []any) {
	var queryBuilder strings.Builder
	queryBuilder.WriteString(`
		SELECT
			SessionID,
			sum(NormalCount) AS Normal,
			sum(MaliciousCount) AS Malicious,
			sum(TotalCount) AS Total,
			count() AS Predictions,
			min(AppliedAt) AS FirstApplied,
			max(AppliedAt) AS LastApplied
		FROM prediction_results`)

	var whereClauses []string
	args := []any{}
	if f.SessionID != "" {
		whereClauses = append(whereClauses, "SessionID = ?")
		args = append(args, f.SessionID)
	}
	if !f.Since.IsZero() {
		whereClauses = append(whereClauses, "AppliedAt >= ?")
		args = append(args, f.Since)
	}
	if len(whereClauses) > 0 {
		queryBuilder.WriteString("\n\t\tWHERE " + strings.Join(whereClauses, " AND "))
	}

	queryBuilder.WriteString(`
		GROUP BY SessionID
		ORDER BY LastApplied DESC`)
	if f.Limit > 0 {
		queryBuilder.WriteString(fmt.Sprintf("\n\t\tLIMIT %d", f.Limit))
	}
	return queryBuilder.String(), args
}
