package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/fitsync/internal/types"
)

const batchColumns = "id, entity_type, operation, status, started_at, completed_at, total_records, " +
	"processed_records, successful_records, failed_records, conflicted_records, initiated_by, errors"

// BatchFilter selects sync batches.
type BatchFilter struct {
	EntityType    types.EntityType
	EntityTypes   []types.EntityType
	Operation     types.BatchOperation
	Statuses      []types.BatchStatus
	StartedBefore time.Time
	Range         types.TimeRange
	Limit         int
}

func (f BatchFilter) query() *Query {
	statuses := make([]string, len(f.Statuses))
	for i, s := range f.Statuses {
		statuses[i] = string(s)
	}
	return NewQuery().
		Str("entity_type", string(f.EntityType)).
		In("entity_type", entityTypeStrings(f.EntityTypes)...).
		Str("operation", string(f.Operation)).
		In("status", statuses...).
		Before("started_at", f.StartedBefore).
		Since("started_at", f.Range.Start).
		Before("started_at", f.Range.End)
}

func scanBatch(sc scanner) (*types.SyncBatch, error) {
	var (
		b           types.SyncBatch
		startedAt   int64
		completedAt sql.NullInt64
		errs        string
	)
	err := sc.Scan(&b.ID, &b.EntityType, &b.Operation, &b.Status, &startedAt, &completedAt,
		&b.TotalRecords, &b.ProcessedRecords, &b.SuccessfulRecords, &b.FailedRecords,
		&b.ConflictedRecords, &b.InitiatedBy, &errs)
	if err != nil {
		return nil, err
	}
	if b.Errors, err = decodeStrings(errs); err != nil {
		return nil, err
	}
	b.StartedAt = fromMillis(startedAt)
	b.CompletedAt = timePtr(completedAt)
	return &b, nil
}

// InsertBatch stores a new batch.
func (q *Queries) InsertBatch(ctx context.Context, b *types.SyncBatch) error {
	errs, err := encodeStrings(b.Errors)
	if err != nil {
		return err
	}
	_, err = q.q.ExecContext(ctx, `
		INSERT INTO sync_batches (`+batchColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ID, b.EntityType, b.Operation, b.Status, toMillis(b.StartedAt), nullMillis(b.CompletedAt),
		b.TotalRecords, b.ProcessedRecords, b.SuccessfulRecords, b.FailedRecords,
		b.ConflictedRecords, b.InitiatedBy, errs)
	if isUniqueViolation(err) {
		return fmt.Errorf("batch %s: %w", b.ID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert batch: %w", err)
	}
	return nil
}

// GetBatch returns one batch, or ErrNotFound.
func (q *Queries) GetBatch(ctx context.Context, id string) (*types.SyncBatch, error) {
	row := q.q.QueryRowContext(ctx, "SELECT "+batchColumns+" FROM sync_batches WHERE id = ?", id)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("batch %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get batch %s: %w", id, err)
	}
	return b, nil
}

// QueryBatches returns matching batches, most recently started first.
func (q *Queries) QueryBatches(ctx context.Context, f BatchFilter) ([]types.SyncBatch, error) {
	stmt, args := f.query().
		OrderBy("started_at DESC, id DESC").
		Limit(f.Limit).
		Build("SELECT " + batchColumns + " FROM sync_batches")

	rows, err := q.q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query batches: %w", err)
	}
	defer rows.Close()

	var out []types.SyncBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// CountBatches counts matching batches.
func (q *Queries) CountBatches(ctx context.Context, f BatchFilter) (int, error) {
	stmt, args := f.query().BuildCount("sync_batches")
	var n int
	if err := q.q.QueryRowContext(ctx, stmt, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count batches: %w", err)
	}
	return n, nil
}

// UpdateBatch writes status, counters, errors and completion time,
// provided the stored status still equals expect.
func (q *Queries) UpdateBatch(ctx context.Context, b *types.SyncBatch, expect types.BatchStatus) error {
	errs, err := encodeStrings(b.Errors)
	if err != nil {
		return err
	}
	res, err := q.q.ExecContext(ctx, `
		UPDATE sync_batches
		SET status = ?, completed_at = ?, processed_records = ?, successful_records = ?,
		    failed_records = ?, conflicted_records = ?, errors = ?
		WHERE id = ? AND status = ?`,
		b.Status, nullMillis(b.CompletedAt), b.ProcessedRecords, b.SuccessfulRecords,
		b.FailedRecords, b.ConflictedRecords, errs, b.ID, expect)
	if err != nil {
		return fmt.Errorf("update batch %s: %w", b.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update batch %s: %w", b.ID, err)
	}
	if n == 0 {
		if _, err := q.GetBatch(ctx, b.ID); err != nil {
			return err
		}
		return fmt.Errorf("batch %s is no longer %s: %w", b.ID, expect, ErrInvalidTransition)
	}
	return nil
}
