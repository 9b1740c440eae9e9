// Package cachestore holds derived artifacts at {root}/{contentHash}/{preset}
// with a per-hash metadata.json index.
package cachestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/gabriel-vasile/mimetype"

	"github.com/nikhilbhutani/processor/internal/apperr"
	"github.com/nikhilbhutani/processor/internal/contentstore"
	"github.com/nikhilbhutani/processor/internal/models"
)

const (
	metadataName = "metadata.json"
	tmpDirName   = ".tmp"
)

var presetPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,63}$`)

type Store struct {
	root  string
	locks sync.Map // contentHash -> *sync.Mutex, guards metadata.json
}

func New(root string) (*Store, error) {
	if err := os.MkdirAll(filepath.Join(root, tmpDirName), 0o755); err != nil {
		return nil, fmt.Errorf("create cache store root: %w", err)
	}
	return &Store{root: root}, nil
}

// ValidPreset reports whether name can be used as an artifact file name.
// "metadata" and "original" are reserved by the HTTP surface.
func ValidPreset(name string) bool {
	return presetPattern.MatchString(name) && name != "metadata" && name != "original"
}

func (s *Store) check(hash, preset string) error {
	if !contentstore.ValidHash(hash) {
		return fmt.Errorf("%w: invalid content hash", apperr.ErrValidation)
	}
	if !ValidPreset(preset) {
		return fmt.Errorf("%w: invalid preset %q", apperr.ErrValidation, preset)
	}
	return nil
}

// Put publishes an artifact atomically and records it in the hash's index.
// Rewriting the same (hash, preset) replaces the previous artifact.
func (s *Store) Put(hash, preset string, data []byte, meta models.ArtifactMeta) error {
	if err := s.check(hash, preset); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(s.root, hash), 0o755); err != nil {
		return fmt.Errorf("create artifact dir: %w", err)
	}

	tmpDir := filepath.Join(s.root, tmpDirName)
	if err := contentstore.WriteFileAtomic(tmpDir, s.path(hash, preset), data); err != nil {
		return fmt.Errorf("write artifact %s/%s: %w", hash, preset, err)
	}

	meta.Preset = preset
	meta.ByteSize = int64(len(data))

	mu := s.lock(hash)
	mu.Lock()
	defer mu.Unlock()

	index, err := s.readIndex(hash)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("rebuilding corrupt artifact index", "content_hash", hash, "error", err)
		}
		index = map[string]models.ArtifactMeta{}
	}
	index[preset] = meta

	raw, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal artifact index: %w", err)
	}
	if err := contentstore.WriteFileAtomic(tmpDir, filepath.Join(s.root, hash, metadataName), raw); err != nil {
		return fmt.Errorf("write artifact index: %w", err)
	}
	return nil
}

func (s *Store) Get(hash, preset string) ([]byte, error) {
	if err := s.check(hash, preset); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(hash, preset))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("artifact %s/%s: %w", hash, preset, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return data, nil
}

// Open returns the artifact for streaming. Only fully renamed files are
// visible, so a reader never sees a partial artifact.
func (s *Store) Open(hash, preset string) (*os.File, error) {
	if err := s.check(hash, preset); err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(hash, preset))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("artifact %s/%s: %w", hash, preset, apperr.ErrNotFound)
		}
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	return f, nil
}

func (s *Store) Has(hash, preset string) bool {
	if s.check(hash, preset) != nil {
		return false
	}
	info, err := os.Stat(s.path(hash, preset))
	return err == nil && info.Mode().IsRegular()
}

// Metadata returns the artifacts present for a hash. The index supplies
// their recorded metadata; an artifact file without an index entry is
// described from the file itself, and entries without a file are dropped.
func (s *Store) Metadata(hash string) (map[string]models.ArtifactMeta, error) {
	if !contentstore.ValidHash(hash) {
		return nil, fmt.Errorf("%w: invalid content hash", apperr.ErrValidation)
	}
	entries, err := os.ReadDir(filepath.Join(s.root, hash))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]models.ArtifactMeta{}, nil
		}
		return nil, fmt.Errorf("list artifacts: %w", err)
	}

	mu := s.lock(hash)
	mu.Lock()
	index, err := s.readIndex(hash)
	mu.Unlock()
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("artifact index unreadable, describing files instead", "content_hash", hash, "error", err)
		}
		index = map[string]models.ArtifactMeta{}
	}

	out := make(map[string]models.ArtifactMeta, len(entries))
	for _, e := range entries {
		preset := e.Name()
		if !e.Type().IsRegular() || !ValidPreset(preset) {
			continue
		}
		if meta, ok := index[preset]; ok {
			out[preset] = meta
			continue
		}
		meta, err := s.describe(hash, preset)
		if err != nil {
			slog.Warn("skipping unreadable artifact", "content_hash", hash, "preset", preset, "error", err)
			continue
		}
		out[preset] = meta
	}
	return out, nil
}

// describe derives metadata for an artifact that is missing from the index.
func (s *Store) describe(hash, preset string) (models.ArtifactMeta, error) {
	path := s.path(hash, preset)
	info, err := os.Stat(path)
	if err != nil {
		return models.ArtifactMeta{}, err
	}
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return models.ArtifactMeta{}, err
	}
	return models.ArtifactMeta{
		Preset:      preset,
		Format:      strings.TrimPrefix(mt.Extension(), "."),
		ContentType: mt.String(),
		ByteSize:    info.Size(),
		ProcessedAt: info.ModTime().UTC(),
	}, nil
}

func (s *Store) readIndex(hash string) (map[string]models.ArtifactMeta, error) {
	raw, err := os.ReadFile(filepath.Join(s.root, hash, metadataName))
	if err != nil {
		return nil, err
	}
	index := map[string]models.ArtifactMeta{}
	if err := json.Unmarshal(raw, &index); err != nil {
		return nil, err
	}
	return index, nil
}

func (s *Store) lock(hash string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(hash, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *Store) path(hash, preset string) string {
	return filepath.Join(s.root, hash, preset)
}
