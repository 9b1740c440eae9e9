// Package owner writes the processing fields of the caller-owned page row.
// It is the only database access the processor has: it cannot read or write
// any other column.
package owner

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/nikhilbhutani/processor/internal/apperr"
	"github.com/nikhilbhutani/processor/internal/models"
)

// DB is the subset of pgxpool.Pool the repository needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// processingColumns are the columns this package writes.
var processingColumns = []string{
	"content", "processing_status", "extraction_method", "extraction_metadata",
	"content_hash", "processed_at", "processing_error",
}

type Repository struct {
	db    DB
	table string

	markPendingSQL string
	applySQL       string
	existsSQL      string
	hashSQL        string
}

func NewRepository(db DB, table string) *Repository {
	t := pgx.Identifier{table}.Sanitize()
	return &Repository{
		db:    db,
		table: table,
		// A page already processing or finished for this hash is left alone;
		// a new hash or a failed page starts over.
		markPendingSQL: fmt.Sprintf(`UPDATE %s SET
			content = NULL,
			processing_status = $3,
			extraction_method = NULL,
			extraction_metadata = NULL,
			content_hash = $2,
			processed_at = NULL,
			processing_error = NULL
		WHERE id = $1
		  AND (content_hash IS DISTINCT FROM $2 OR processing_status IS NULL OR processing_status = $4)`, t),
		applySQL: fmt.Sprintf(`UPDATE %s SET
			content = $3,
			processing_status = $4,
			extraction_method = $5,
			extraction_metadata = $6,
			processed_at = $7,
			processing_error = $8
		WHERE id = $1 AND content_hash = $2`, t),
		existsSQL: fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE id = $1)`, t),
		hashSQL:   fmt.Sprintf(`SELECT COALESCE(content_hash, '') FROM %s WHERE id = $1`, t),
	}
}

// MarkPending points the page at contentHash and resets its processing
// fields. It reports whether the row changed; a missing row is ErrNotFound.
func (r *Repository) MarkPending(ctx context.Context, ownerID, contentHash string) (bool, error) {
	tag, err := r.db.Exec(ctx, r.markPendingSQL, ownerID, contentHash, models.StatusPending, models.StatusFailed)
	if err != nil {
		return false, fmt.Errorf("mark page %s pending: %w", ownerID, err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	if err := r.db.QueryRow(ctx, r.existsSQL, ownerID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check page %s: %w", ownerID, err)
	}
	if !exists {
		return false, fmt.Errorf("page %s: %w", ownerID, apperr.ErrNotFound)
	}
	return false, nil
}

// Apply writes one terminal state in a single statement. The update only
// lands while the page still points at u.ContentHash; otherwise it reports
// false and nothing is written.
func (r *Repository) Apply(ctx context.Context, ownerID string, u models.ProcessingUpdate) (bool, error) {
	if u.ContentHash == "" || u.Status == "" {
		return false, errors.New("processing update needs a content hash and status")
	}

	var method *string
	if u.ExtractionMethod != "" {
		method = &u.ExtractionMethod
	}
	var meta []byte
	if len(u.ExtractionMetadata) > 0 {
		meta = u.ExtractionMetadata
	}

	tag, err := r.db.Exec(ctx, r.applySQL,
		ownerID, u.ContentHash, u.Content, u.Status, method, meta, u.ProcessedAt, u.ProcessingError)
	if err != nil {
		return false, fmt.Errorf("update page %s: %w", ownerID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// ContentHash returns the hash the page currently points at, or "" when it
// has none. A missing row is ErrNotFound.
func (r *Repository) ContentHash(ctx context.Context, ownerID string) (string, error) {
	var hash string
	if err := r.db.QueryRow(ctx, r.hashSQL, ownerID).Scan(&hash); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("page %s: %w", ownerID, apperr.ErrNotFound)
		}
		return "", fmt.Errorf("read page %s: %w", ownerID, err)
	}
	return hash, nil
}

// Verify checks that the configured table carries every processing column.
// The bundled migration only adds them to pages; any other table has to be
// migrated by its owner first.
func (r *Repository) Verify(ctx context.Context) error {
	var found int
	err := r.db.QueryRow(ctx, `SELECT count(*) FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1 AND column_name = ANY($2)`,
		r.table, processingColumns).Scan(&found)
	if err != nil {
		return fmt.Errorf("inspect table %s: %w", r.table, err)
	}
	if found != len(processingColumns) {
		return fmt.Errorf("table %s has %d of %d processing columns (%v)",
			r.table, found, len(processingColumns), processingColumns)
	}
	return nil
}
