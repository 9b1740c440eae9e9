package owner

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/processor/internal/apperr"
	"github.com/nikhilbhutani/processor/internal/models"
)

type call struct {
	sql  string
	args []any
}

type fakeDB struct {
	calls    []call
	affected string
	exists   bool
	execErr  error
	row      fakeRow
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, call{sql: sql, args: args})
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	return pgconn.NewCommandTag(f.affected), nil
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.calls = append(f.calls, call{sql: sql, args: args})
	row := f.row
	row.exists = f.exists
	return row
}

type fakeRow struct {
	exists bool
	count  int
	hash   string
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	switch d := dest[0].(type) {
	case *bool:
		*d = r.exists
	case *int:
		*d = r.count
	case *string:
		*d = r.hash
	}
	return nil
}

func TestMarkPending(t *testing.T) {
	db := &fakeDB{affected: "UPDATE 1"}
	repo := NewRepository(db, "pages")

	changed, err := repo.MarkPending(context.Background(), "page-1", "abc")
	require.NoError(t, err)
	assert.True(t, changed)
	require.Len(t, db.calls, 1)
	assert.Contains(t, db.calls[0].sql, `UPDATE "pages" SET`)
	assert.Equal(t, []any{"page-1", "abc", models.StatusPending, models.StatusFailed}, db.calls[0].args)
}

func TestMarkPendingUnchangedAndMissing(t *testing.T) {
	db := &fakeDB{affected: "UPDATE 0", exists: true}
	repo := NewRepository(db, "pages")

	changed, err := repo.MarkPending(context.Background(), "page-1", "abc")
	require.NoError(t, err)
	assert.False(t, changed)

	db = &fakeDB{affected: "UPDATE 0", exists: false}
	repo = NewRepository(db, "pages")
	_, err = repo.MarkPending(context.Background(), "page-404", "abc")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestApplySingleStatement(t *testing.T) {
	db := &fakeDB{affected: "UPDATE 1"}
	repo := NewRepository(db, "pages")

	content := "hello"
	now := time.Now()
	applied, err := repo.Apply(context.Background(), "page-1", models.ProcessingUpdate{
		ContentHash:        "abc",
		Status:             models.StatusCompleted,
		ExtractionMethod:   models.MethodText,
		Content:            &content,
		ExtractionMetadata: json.RawMessage(`{"pages":1}`),
		ProcessedAt:        &now,
	})
	require.NoError(t, err)
	assert.True(t, applied)
	require.Len(t, db.calls, 1, "one UPDATE per terminal state")

	sql := db.calls[0].sql
	for _, col := range []string{"content", "processing_status", "extraction_method", "extraction_metadata", "processed_at", "processing_error"} {
		assert.Contains(t, sql, col+" = ")
	}
	assert.True(t, strings.Contains(sql, "WHERE id = $1 AND content_hash = $2"))
}

func TestApplyStaleHash(t *testing.T) {
	db := &fakeDB{affected: "UPDATE 0"}
	repo := NewRepository(db, "pages")

	applied, err := repo.Apply(context.Background(), "page-1", models.ProcessingUpdate{ContentHash: "old", Status: models.StatusFailed})
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestApplyErrors(t *testing.T) {
	repo := NewRepository(&fakeDB{execErr: errors.New("conn refused")}, "pages")

	_, err := repo.Apply(context.Background(), "page-1", models.ProcessingUpdate{})
	assert.Error(t, err)

	_, err = repo.Apply(context.Background(), "page-1", models.ProcessingUpdate{ContentHash: "abc", Status: models.StatusCompleted})
	assert.ErrorContains(t, err, "conn refused")
}

func TestTableNameIsQuoted(t *testing.T) {
	db := &fakeDB{affected: "UPDATE 1"}
	repo := NewRepository(db, `pages"; DROP TABLE x; --`)
	_, err := repo.MarkPending(context.Background(), "p", "h")
	require.NoError(t, err)
	assert.Contains(t, db.calls[0].sql, `"pages""; DROP TABLE x; --"`)
}

func TestContentHash(t *testing.T) {
	db := &fakeDB{row: fakeRow{hash: "abc"}}
	repo := NewRepository(db, "pages")

	hash, err := repo.ContentHash(context.Background(), "page-1")
	require.NoError(t, err)
	assert.Equal(t, "abc", hash)
	assert.Contains(t, db.calls[0].sql, `FROM "pages" WHERE id = $1`)

	db.row = fakeRow{err: pgx.ErrNoRows}
	_, err = repo.ContentHash(context.Background(), "page-9")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestVerify(t *testing.T) {
	db := &fakeDB{row: fakeRow{count: len(processingColumns)}}
	repo := NewRepository(db, "documents")
	require.NoError(t, repo.Verify(context.Background()))
	require.Len(t, db.calls, 1)
	assert.Equal(t, "documents", db.calls[0].args[0])
	assert.Equal(t, processingColumns, db.calls[0].args[1])

	db.row = fakeRow{count: 0}
	err := repo.Verify(context.Background())
	assert.ErrorContains(t, err, "table documents has 0 of 7 processing columns")

	db.row = fakeRow{err: errors.New("conn refused")}
	assert.ErrorContains(t, repo.Verify(context.Background()), "conn refused")
}
