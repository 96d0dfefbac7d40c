package store

import (
	"context"
	"fmt"

	"github.com/hyperengineering/fitsync/internal/types"
)

const metricColumns = "id, entity_type, metric_type, value, timestamp, time_window"

// MetricFilter selects metric points.
type MetricFilter struct {
	EntityType types.EntityType
	MetricType types.MetricType
	TimeWindow types.TimeWindow
	Range      types.TimeRange
	Limit      int
}

// InsertMetric appends a metric point.
func (q *Queries) InsertMetric(ctx context.Context, m *types.SyncMetric) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO sync_metrics (`+metricColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.EntityType, m.MetricType, m.Value, toMillis(m.Timestamp), m.TimeWindow)
	if err != nil {
		return fmt.Errorf("insert metric: %w", err)
	}
	return nil
}

// QueryMetrics returns matching points newest first.
func (q *Queries) QueryMetrics(ctx context.Context, f MetricFilter) ([]types.SyncMetric, error) {
	stmt, args := NewQuery().
		Str("entity_type", string(f.EntityType)).
		Str("metric_type", string(f.MetricType)).
		Str("time_window", string(f.TimeWindow)).
		Since("timestamp", f.Range.Start).
		Before("timestamp", f.Range.End).
		OrderBy("timestamp DESC, id DESC").
		Limit(f.Limit).
		Build("SELECT " + metricColumns + " FROM sync_metrics")

	rows, err := q.q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []types.SyncMetric
	for rows.Next() {
		var (
			m  types.SyncMetric
			ts int64
		)
		if err := rows.Scan(&m.ID, &m.EntityType, &m.MetricType, &m.Value, &ts, &m.TimeWindow); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		m.Timestamp = fromMillis(ts)
		out = append(out, m)
	}
	return out, rows.Err()
}
