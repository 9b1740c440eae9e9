package cachestore

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/processor/internal/apperr"
	"github.com/nikhilbhutani/processor/internal/contentstore"
	"github.com/nikhilbhutani/processor/internal/models"
)

var testHash = contentstore.HashBytes([]byte("cache store test"))

func newStore(t *testing.T) (*Store, string) {
	t.Helper()
	root := t.TempDir()
	s, err := New(root)
	require.NoError(t, err)
	return s, root
}

func TestPutGetHas(t *testing.T) {
	s, root := newStore(t)

	assert.False(t, s.Has(testHash, models.PresetThumbnail))
	_, err := s.Get(testHash, models.PresetThumbnail)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	err = s.Put(testHash, models.PresetThumbnail, []byte("webp-bytes"), models.ArtifactMeta{
		Format: "webp", Width: 200, Height: 150, ProcessedAt: time.Now(),
	})
	require.NoError(t, err)

	assert.True(t, s.Has(testHash, models.PresetThumbnail))
	got, err := s.Get(testHash, models.PresetThumbnail)
	require.NoError(t, err)
	assert.Equal(t, []byte("webp-bytes"), got)
	assert.FileExists(t, filepath.Join(root, testHash, models.PresetThumbnail))

	index, err := s.Metadata(testHash)
	require.NoError(t, err)
	require.Contains(t, index, models.PresetThumbnail)
	assert.Equal(t, int64(len("webp-bytes")), index[models.PresetThumbnail].ByteSize)
	assert.Equal(t, 200, index[models.PresetThumbnail].Width)
}

func TestPutOverwritesDeterministically(t *testing.T) {
	s, _ := newStore(t)

	require.NoError(t, s.Put(testHash, models.PresetExtractedText, []byte("v1"), models.ArtifactMeta{Format: "txt"}))
	require.NoError(t, s.Put(testHash, models.PresetExtractedText, []byte("version two"), models.ArtifactMeta{Format: "txt"}))

	got, err := s.Get(testHash, models.PresetExtractedText)
	require.NoError(t, err)
	assert.Equal(t, "version two", string(got))

	index, err := s.Metadata(testHash)
	require.NoError(t, err)
	assert.Len(t, index, 1)
	assert.Equal(t, int64(len("version two")), index[models.PresetExtractedText].ByteSize)
}

func TestConcurrentPresetsKeepIndex(t *testing.T) {
	s, _ := newStore(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			preset := fmt.Sprintf("preset-%d", i)
			assert.NoError(t, s.Put(testHash, preset, []byte(preset), models.ArtifactMeta{Format: "bin"}))
		}(i)
	}
	wg.Wait()

	index, err := s.Metadata(testHash)
	require.NoError(t, err)
	assert.Len(t, index, 10)
}

func TestReaderNeverSeesPartialArtifact(t *testing.T) {
	s, _ := newStore(t)
	full := bytes.Repeat([]byte("a"), 1<<20)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 5; i++ {
			assert.NoError(t, s.Put(testHash, models.PresetAIChat, full, models.ArtifactMeta{Format: "jpeg"}))
		}
	}()

	for {
		select {
		case <-done:
			return
		default:
		}
		data, err := s.Get(testHash, models.PresetAIChat)
		if err != nil {
			assert.ErrorIs(t, err, apperr.ErrNotFound)
			continue
		}
		assert.Len(t, data, len(full))
	}
}

func TestMetadataDropsMissingFiles(t *testing.T) {
	s, root := newStore(t)
	require.NoError(t, s.Put(testHash, models.PresetOCRText, []byte("text"), models.ArtifactMeta{Format: "txt"}))
	require.NoError(t, os.Remove(filepath.Join(root, testHash, models.PresetOCRText)))

	index, err := s.Metadata(testHash)
	require.NoError(t, err)
	assert.Empty(t, index)
}

func TestMetadataDescribesUnindexedArtifacts(t *testing.T) {
	s, root := newStore(t)
	require.NoError(t, s.Put(testHash, models.PresetOCRText, []byte("text"), models.ArtifactMeta{Format: "txt", ContentType: "text/plain; charset=utf-8"}))

	// Another process published ai-chat but its index write was lost.
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 3))))
	require.NoError(t, os.WriteFile(filepath.Join(root, testHash, models.PresetAIChat), buf.Bytes(), 0o644))

	index, err := s.Metadata(testHash)
	require.NoError(t, err)
	require.Len(t, index, 2)
	assert.Equal(t, "txt", index[models.PresetOCRText].Format)

	chat := index[models.PresetAIChat]
	assert.Equal(t, models.PresetAIChat, chat.Preset)
	assert.Equal(t, "image/png", chat.ContentType)
	assert.Equal(t, "png", chat.Format)
	assert.Equal(t, int64(buf.Len()), chat.ByteSize)
}

func TestMetadataSurvivesCorruptIndex(t *testing.T) {
	s, root := newStore(t)
	require.NoError(t, s.Put(testHash, models.PresetOCRText, []byte("some text"), models.ArtifactMeta{Format: "txt"}))
	require.NoError(t, os.WriteFile(filepath.Join(root, testHash, "metadata.json"), []byte("{not json"), 0o644))

	index, err := s.Metadata(testHash)
	require.NoError(t, err)
	require.Contains(t, index, models.PresetOCRText)
	assert.Equal(t, int64(len("some text")), index[models.PresetOCRText].ByteSize)
}

func TestValidation(t *testing.T) {
	s, _ := newStore(t)

	assert.ErrorIs(t, s.Put("nothex", "thumbnail", nil, models.ArtifactMeta{}), apperr.ErrValidation)
	assert.ErrorIs(t, s.Put(testHash, "../escape", nil, models.ArtifactMeta{}), apperr.ErrValidation)
	assert.ErrorIs(t, s.Put(testHash, "metadata", nil, models.ArtifactMeta{}), apperr.ErrValidation)
	assert.False(t, ValidPreset("original"))
	assert.True(t, ValidPreset("ai-chat"))

	index, err := s.Metadata(testHash)
	require.NoError(t, err)
	assert.Empty(t, index)
}
