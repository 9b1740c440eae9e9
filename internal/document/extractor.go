package document

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/semaphore"

	"github.com/nikhilbhutani/processor/internal/apperr"
	"github.com/nikhilbhutani/processor/internal/classify"
	"github.com/nikhilbhutani/processor/internal/metrics"
	"github.com/nikhilbhutani/processor/internal/models"
	"github.com/nikhilbhutani/processor/pkg/textextract"
)

const textContentType = "text/plain; charset=utf-8"

type ContentReader interface {
	Get(hash string) ([]byte, error)
}

type ArtifactStore interface {
	Has(hash, preset string) bool
	Get(hash, preset string) ([]byte, error)
	Put(hash, preset string, data []byte, meta models.ArtifactMeta) error
}

// ExtractResult reports recovered text. Success is false, with no error,
// when the document is readable but has no text layer.
type ExtractResult struct {
	Success  bool
	Text     string
	Metadata map[string]string
}

// Extractor is the text worker. Extractions beyond the cap wait for a slot.
type Extractor struct {
	content ContentReader
	cache   ArtifactStore
	sem     *semaphore.Weighted
	now     func() time.Time
}

func NewExtractor(content ContentReader, cache ArtifactStore, maxConcurrent int) *Extractor {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Extractor{
		content: content,
		cache:   cache,
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		now:     time.Now,
	}
}

func (e *Extractor) Extract(ctx context.Context, hash, mimeType string) (*ExtractResult, error) {
	mt := classify.Normalize(mimeType)
	if classify.Classify(mt) != classify.TextExtractable {
		return nil, fmt.Errorf("extract %s: %w", mt, apperr.ErrUnsupported)
	}
	logger := slog.With("content_hash", hash, "mime_type", mt)

	if e.cache.Has(hash, models.PresetExtractedText) {
		if text, err := e.cache.Get(hash, models.PresetExtractedText); err == nil {
			logger.Debug("extracted text already cached")
			return &ExtractResult{
				Success:  true,
				Text:     string(text),
				Metadata: map[string]string{"cached": "true", "chars": strconv.Itoa(utf8.RuneCount(text))},
			}, nil
		}
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer e.sem.Release(1)

	data, err := e.content.Get(hash)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) || errors.Is(err, apperr.ErrValidation) {
			return nil, apperr.Permanent(err)
		}
		return nil, fmt.Errorf("load original: %w", err)
	}

	start := time.Now()
	extracted, err := textextract.Extract(ctx, data, mt)
	if err != nil {
		if errors.Is(err, textextract.ErrMalformed) || errors.Is(err, textextract.ErrUnsupported) {
			return nil, apperr.Permanent(err)
		}
		return nil, fmt.Errorf("extract text: %w", err)
	}

	meta := map[string]string{
		"pages": strconv.Itoa(extracted.Pages),
		"chars": strconv.Itoa(utf8.RuneCountInString(extracted.Content)),
	}
	for k, v := range extracted.Metadata {
		meta[k] = v
	}

	if extracted.Content == "" {
		logger.Info("no text recovered", "pages", extracted.Pages)
		return &ExtractResult{Success: false, Metadata: meta}, nil
	}

	err = e.cache.Put(hash, models.PresetExtractedText, []byte(extracted.Content), models.ArtifactMeta{
		Format:      "txt",
		ContentType: textContentType,
		ProcessedAt: e.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("publish extracted text: %w", err)
	}
	metrics.CaptureArtifact(models.PresetExtractedText)

	logger.Info("text extracted",
		"pages", extracted.Pages,
		"chars", meta["chars"],
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return &ExtractResult{Success: true, Text: extracted.Content, Metadata: meta}, nil
}
