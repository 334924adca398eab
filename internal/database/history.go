package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"pm-go/internal/pm"
)

// timeFormat sorts lexically in time order.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// SaveOperation inserts or updates an operation in transfer_operations.
func (s *SQLiteStore) SaveOperation(ctx context.Context, rec *pm.OperationRecord) error {
	var finished sql.NullString
	if rec.FinishedAt != nil {
		finished = sql.NullString{String: rec.FinishedAt.UTC().Format(timeFormat), Valid: true}
	}
	var errText sql.NullString
	if rec.Error != "" {
		errText = sql.NullString{String: rec.Error, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transfer_operations
			(id, kind, status, path, table_count, row_count, size_bytes, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			table_count = excluded.table_count,
			row_count = excluded.row_count,
			size_bytes = excluded.size_bytes,
			error = excluded.error,
			finished_at = excluded.finished_at`,
		rec.ID, string(rec.Kind), string(rec.Status), rec.Path, rec.Tables, rec.Rows, rec.SizeBytes,
		errText, rec.StartedAt.UTC().Format(timeFormat), finished)
	if err != nil {
		return fmt.Errorf("saving operation %s: %w", rec.ID, err)
	}
	return nil
}

// ListOperations returns up to limit operations, newest first.
func (s *SQLiteStore) ListOperations(ctx context.Context, limit int) ([]*pm.OperationRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, status, path, table_count, row_count, size_bytes, error, started_at, finished_at
		FROM transfer_operations
		ORDER BY started_at DESC, id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing operations: %w", err)
	}
	defer rows.Close()

	var out []*pm.OperationRecord
	for rows.Next() {
		var (
			rec               pm.OperationRecord
			kind, status      string
			errText, finished sql.NullString
			started           string
		)
		if err := rows.Scan(&rec.ID, &kind, &status, &rec.Path, &rec.Tables, &rec.Rows, &rec.SizeBytes,
			&errText, &started, &finished); err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}
		rec.Kind = pm.Kind(kind)
		rec.Status = pm.Status(status)
		rec.Error = errText.String
		if rec.StartedAt, err = time.Parse(timeFormat, started); err != nil {
			return nil, fmt.Errorf("operation %s: parsing started_at: %w", rec.ID, err)
		}
		if finished.Valid {
			t, err := time.Parse(timeFormat, finished.String)
			if err != nil {
				return nil, fmt.Errorf("operation %s: parsing finished_at: %w", rec.ID, err)
			}
			rec.FinishedAt = &t
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}
