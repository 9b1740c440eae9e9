// Package media derives optimized images from stored originals.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"time"

	"github.com/HugoSmits86/nativewebp"
	"github.com/disintegration/imaging"
	"golang.org/x/sync/semaphore"

	// Registers the WebP decoder with the image package.
	_ "golang.org/x/image/webp"

	"github.com/nikhilbhutani/processor/internal/apperr"
	"github.com/nikhilbhutani/processor/internal/config"
	"github.com/nikhilbhutani/processor/internal/metrics"
	"github.com/nikhilbhutani/processor/internal/models"
)

type ContentReader interface {
	Get(hash string) ([]byte, error)
}

type ArtifactStore interface {
	Has(hash, preset string) bool
	Put(hash, preset string, data []byte, meta models.ArtifactMeta) error
	Metadata(hash string) (map[string]models.ArtifactMeta, error)
}

// Optimizer renders image presets. Decoded pixels held by concurrent jobs
// are bounded by a shared budget; a job that cannot reserve its share in
// time fails transiently and is retried later.
type Optimizer struct {
	content ContentReader
	cache   ArtifactStore
	budget  *semaphore.Weighted
	cfg     config.ImageConfig
	now     func() time.Time
}

func NewOptimizer(content ContentReader, cache ArtifactStore, cfg config.ImageConfig) *Optimizer {
	return &Optimizer{
		content: content,
		cache:   cache,
		budget:  semaphore.NewWeighted(cfg.PixelBudget),
		cfg:     cfg,
		now:     time.Now,
	}
}

func (o *Optimizer) Optimize(ctx context.Context, hash, presetName string) (*models.ArtifactMeta, error) {
	preset, ok := LookupPreset(presetName)
	if !ok {
		return nil, fmt.Errorf("preset %q: %w", presetName, apperr.ErrUnsupported)
	}
	logger := slog.With("content_hash", hash, "preset", presetName)

	if o.cache.Has(hash, presetName) {
		logger.Debug("artifact already cached")
		return o.cached(hash, preset), nil
	}

	data, err := o.content.Get(hash)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) || errors.Is(err, apperr.ErrValidation) {
			return nil, apperr.Permanent(err)
		}
		return nil, fmt.Errorf("load original: %w", err)
	}

	cfg, format, err := ReadHeader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	pixels := int64(cfg.Width) * int64(cfg.Height)
	if pixels > o.cfg.MaxPixels {
		return nil, apperr.Permanent(fmt.Errorf("image %dx%d exceeds %d pixel limit", cfg.Width, cfg.Height, o.cfg.MaxPixels))
	}

	if err := o.reserve(ctx, pixels); err != nil {
		return nil, err
	}
	defer o.budget.Release(pixels)

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, apperr.Permanent(fmt.Errorf("decode %s image: %w", format, err))
	}

	out := resize(img, preset)
	encoded, err := encode(out, preset)
	if err != nil {
		return nil, apperr.Permanent(err)
	}

	bounds := out.Bounds()
	meta := models.ArtifactMeta{
		Format:      preset.Format,
		ContentType: preset.ContentType,
		Width:       bounds.Dx(),
		Height:      bounds.Dy(),
		ProcessedAt: o.now().UTC(),
	}
	if err := o.cache.Put(hash, presetName, encoded, meta); err != nil {
		return nil, fmt.Errorf("publish artifact: %w", err)
	}
	meta.Preset = presetName
	meta.ByteSize = int64(len(encoded))

	metrics.CaptureArtifact(presetName)
	logger.Info("image optimized",
		"source_format", format,
		"width", meta.Width,
		"height", meta.Height,
		"size_bytes", meta.ByteSize,
	)
	return &meta, nil
}

// ReadHeader reads only the image header. Content that no registered decoder
// recognizes, or that has no pixels, is a permanent error.
func ReadHeader(r io.Reader) (image.Config, string, error) {
	cfg, format, err := image.DecodeConfig(r)
	if err != nil {
		return image.Config{}, "", apperr.Permanent(fmt.Errorf("read image header: %w", err))
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return image.Config{}, "", apperr.Permanent(fmt.Errorf("image has no pixels (%dx%d)", cfg.Width, cfg.Height))
	}
	return cfg, format, nil
}

func (o *Optimizer) reserve(ctx context.Context, pixels int64) error {
	waitCtx, cancel := context.WithTimeout(ctx, o.cfg.BudgetWait)
	defer cancel()
	if err := o.budget.Acquire(waitCtx, pixels); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return apperr.Transient(fmt.Errorf("image pixel budget exhausted (%d pixels requested)", pixels))
	}
	return nil
}

func (o *Optimizer) cached(hash string, preset Preset) *models.ArtifactMeta {
	if index, err := o.cache.Metadata(hash); err == nil {
		if meta, ok := index[preset.Name]; ok {
			return &meta
		}
	}
	return &models.ArtifactMeta{Preset: preset.Name, Format: preset.Format, ContentType: preset.ContentType}
}

func resize(img image.Image, p Preset) image.Image {
	b := img.Bounds()
	switch {
	case p.MaxWidth > 0 && p.MaxHeight > 0:
		// Fit never upscales.
		return imaging.Fit(img, p.MaxWidth, p.MaxHeight, imaging.Lanczos)
	case p.MaxWidth > 0 && b.Dx() > p.MaxWidth:
		return imaging.Resize(img, p.MaxWidth, 0, imaging.Lanczos)
	case p.MaxHeight > 0 && b.Dy() > p.MaxHeight:
		return imaging.Resize(img, 0, p.MaxHeight, imaging.Lanczos)
	default:
		return img
	}
}

func encode(img image.Image, p Preset) ([]byte, error) {
	var buf bytes.Buffer
	switch p.Format {
	case "webp":
		// nativewebp writes lossless VP8L; Quality does not apply.
		if err := nativewebp.Encode(&buf, img, nil); err != nil {
			return nil, fmt.Errorf("encode webp: %w", err)
		}
	case "jpeg":
		if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(p.Quality)); err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
	default:
		return nil, fmt.Errorf("preset %s: %w: output format %s", p.Name, apperr.ErrUnsupported, p.Format)
	}
	return buf.Bytes(), nil
}
