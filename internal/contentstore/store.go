// Package contentstore is write-once, content-addressed blob storage on the
// local filesystem. Each blob lives at {root}/{sha256}/original with a JSON
// sidecar at {root}/{sha256}/metadata.json.
package contentstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nikhilbhutani/processor/internal/apperr"
	"github.com/nikhilbhutani/processor/internal/models"
)

const (
	originalName = "original"
	metadataName = "metadata.json"
	tmpDirName   = ".tmp"
)

// Meta is the caller-supplied part of a blob's metadata.
type Meta struct {
	OriginalName string
	MimeType     string
	UploadedBy   string
	OwnerContext string
}

type Store struct {
	root string
	now  func() time.Time
}

func New(root string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, tmpDirName), 0o755); err != nil {
		return nil, fmt.Errorf("create content store root: %w", mapFSError(err))
	}
	return &Store{root: root, now: time.Now}, nil
}

// ValidHash reports whether h is a lowercase hex SHA-256 digest.
func ValidHash(h string) bool {
	if len(h) != sha256.Size*2 {
		return false
	}
	for _, c := range h {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return false
		}
	}
	return true
}

// HashBytes returns the content hash used as the blob identifier.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Store writes r as a blob. It returns the content hash and whether the blob
// is new; for known content nothing is rewritten and isNew is false.
func (s *Store) Store(ctx context.Context, r io.Reader, meta Meta) (string, bool, *models.ContentBlob, error) {
	tmp, err := os.CreateTemp(filepath.Join(s.root, tmpDirName), "upload-*")
	if err != nil {
		return "", false, nil, fmt.Errorf("create temp file: %w", mapFSError(err))
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		tmp.Close()
		return "", false, nil, fmt.Errorf("write temp file: %w", mapFSError(err))
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", false, nil, fmt.Errorf("sync temp file: %w", mapFSError(err))
	}
	if err := tmp.Close(); err != nil {
		return "", false, nil, fmt.Errorf("close temp file: %w", mapFSError(err))
	}
	if err := ctx.Err(); err != nil {
		return "", false, nil, err
	}

	hash := hex.EncodeToString(h.Sum(nil))
	logger := slog.With("content_hash", hash)

	if blob, err := s.Metadata(hash); err == nil {
		logger.Debug("content already stored")
		return hash, false, blob, nil
	}

	if err := os.MkdirAll(s.dir(hash), 0o755); err != nil {
		return "", false, nil, fmt.Errorf("create blob dir: %w", mapFSError(err))
	}

	// Link refuses to replace an existing file, so exactly one concurrent
	// writer of the same content publishes the original.
	isNew := true
	if err := os.Link(tmpPath, s.originalPath(hash)); err != nil {
		switch {
		case errors.Is(err, fs.ErrExist):
			isNew = false
		default:
			// Filesystems without hard links: rename is still atomic, and
			// identical bytes make a lost race harmless.
			_, statErr := os.Stat(s.originalPath(hash))
			isNew = statErr != nil
			if err := os.Rename(tmpPath, s.originalPath(hash)); err != nil {
				return "", false, nil, fmt.Errorf("publish blob: %w", mapFSError(err))
			}
		}
	}

	if !isNew {
		// Original is in place; a readable sidecar means another writer won.
		if blob, err := s.Metadata(hash); err == nil {
			return hash, false, blob, nil
		}
		logger.Warn("repairing missing or corrupt metadata sidecar")
	}

	blob := &models.ContentBlob{
		ContentHash:  hash,
		OriginalName: meta.OriginalName,
		Size:         size,
		MimeType:     meta.MimeType,
		UploadedAt:   s.now().UTC(),
		UploadedBy:   meta.UploadedBy,
		OwnerContext: meta.OwnerContext,
	}
	data, err := json.MarshalIndent(blob, "", "  ")
	if err != nil {
		return "", false, nil, fmt.Errorf("marshal metadata: %w", err)
	}
	if err := WriteFileAtomic(filepath.Join(s.root, tmpDirName), s.metadataPath(hash), data); err != nil {
		return "", false, nil, fmt.Errorf("write metadata: %w", err)
	}

	if isNew {
		logger.Info("stored content", "size_bytes", size, "mime_type", meta.MimeType)
	}
	return hash, isNew, blob, nil
}

// Get returns the full original bytes.
func (s *Store) Get(hash string) ([]byte, error) {
	if !ValidHash(hash) {
		return nil, fmt.Errorf("%w: invalid content hash", apperr.ErrValidation)
	}
	data, err := os.ReadFile(s.originalPath(hash))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("content %s: %w", hash, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("read content: %w", err)
	}
	return data, nil
}

// Open returns a reader over the original for streaming.
func (s *Store) Open(hash string) (*os.File, error) {
	if !ValidHash(hash) {
		return nil, fmt.Errorf("%w: invalid content hash", apperr.ErrValidation)
	}
	f, err := os.Open(s.originalPath(hash))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("content %s: %w", hash, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("open content: %w", err)
	}
	return f, nil
}

// Exists reports whether the blob and a readable sidecar are both present.
func (s *Store) Exists(hash string) bool {
	_, err := s.Metadata(hash)
	return err == nil
}

// Metadata reads the sidecar. A missing original, a missing sidecar and a
// corrupt sidecar all report ErrNotFound; the blob must be uploaded again.
func (s *Store) Metadata(hash string) (*models.ContentBlob, error) {
	if !ValidHash(hash) {
		return nil, fmt.Errorf("%w: invalid content hash", apperr.ErrValidation)
	}
	if _, err := os.Stat(s.originalPath(hash)); err != nil {
		return nil, fmt.Errorf("content %s: %w", hash, apperr.ErrNotFound)
	}
	data, err := os.ReadFile(s.metadataPath(hash))
	if err != nil {
		return nil, fmt.Errorf("metadata %s: %w", hash, apperr.ErrNotFound)
	}
	var blob models.ContentBlob
	if err := json.Unmarshal(data, &blob); err != nil || blob.ContentHash != hash {
		slog.Warn("corrupt metadata sidecar", "content_hash", hash, "error", err)
		return nil, fmt.Errorf("metadata %s corrupt: %w", hash, apperr.ErrNotFound)
	}
	return &blob, nil
}

func (s *Store) dir(hash string) string          { return filepath.Join(s.root, hash) }
func (s *Store) originalPath(hash string) string { return filepath.Join(s.root, hash, originalName) }
func (s *Store) metadataPath(hash string) string { return filepath.Join(s.root, hash, metadataName) }

// WriteFileAtomic writes data to a temp file in tmpDir and renames it over
// path, so readers see either the old file or the complete new one.
func WriteFileAtomic(tmpDir, path string, data []byte) error {
	tmp, err := os.CreateTemp(tmpDir, "write-*")
	if err != nil {
		return mapFSError(err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return mapFSError(err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return mapFSError(err)
	}
	if err := tmp.Close(); err != nil {
		return mapFSError(err)
	}
	return mapFSError(os.Rename(tmpPath, path))
}

func mapFSError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EDQUOT) {
		return fmt.Errorf("%w: %w", apperr.ErrStorageFull, err)
	}
	return err
}
