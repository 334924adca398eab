package pm

import (
	"context"
	"time"

	"pm-go/internal/model"
)

// Store is the relational store that exports read from and imports restore into.
type Store interface {
	// BeginSnapshot opens a consistent, read-only view of the whole store.
	// Writers are not blocked while the snapshot is open.
	BeginSnapshot(ctx context.Context) (Snapshot, error)

	// BeginRestore opens the single write transaction an import runs in.
	BeginRestore(ctx context.Context) (Restorer, error)

	// SchemaVersion returns the schema version this application expects.
	SchemaVersion() (uint, error)

	// SaveOperation inserts or updates an operation history record.
	SaveOperation(ctx context.Context, rec *OperationRecord) error

	// ListOperations returns the most recent operations, newest first.
	ListOperations(ctx context.Context, limit int) ([]*OperationRecord, error)
}

// Snapshot reads a consistent view of the store.
type Snapshot interface {
	// Schema captures tables, columns, keys, indexes, triggers, views,
	// the schema version and per-table row counts.
	Schema(ctx context.Context) (*model.Schema, error)

	// ReadRows returns up to limit rows of table starting at offset, in primary-key order.
	// Errors that are safe to retry wrap ErrTransient.
	ReadRows(ctx context.Context, table *model.Table, offset int64, limit int) ([]model.Row, error)

	// Sequences returns the AUTOINCREMENT cursors.
	Sequences(ctx context.Context) ([]model.Sequence, error)

	// Close ends the snapshot. It is safe to call more than once.
	Close() error
}

// Restorer replaces the store's contents inside one transaction.
// Nothing is visible to other connections until Commit; Rollback leaves the
// store exactly as it was.
type Restorer interface {
	// ReplaceSchema drops the existing application tables (local-only tables are
	// kept) and creates the tables of schema.
	ReplaceSchema(ctx context.Context, schema *model.Schema) error

	// InsertRows inserts rows into table. Values are in table.Columns order.
	InsertRows(ctx context.Context, table *model.Table, rows []model.Row) error

	// CreateObjects creates the indexes, triggers and views of schema.
	CreateObjects(ctx context.Context, schema *model.Schema) error

	// SetSequences restores the AUTOINCREMENT cursors.
	SetSequences(ctx context.Context, seqs []model.Sequence) error

	// Commit makes the restore visible, checking deferred foreign keys.
	Commit() error

	// Rollback discards the restore. It is a no-op after Commit.
	Rollback() error
}

// OperationRecord is a row in the local operation history.
type OperationRecord struct {
	ID         string
	Kind       Kind
	Status     Status
	Path       string
	Tables     int
	Rows       int64
	SizeBytes  int64
	Error      string
	StartedAt  time.Time
	FinishedAt *time.Time
}
