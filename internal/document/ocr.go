package document

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/nikhilbhutani/processor/internal/apperr"
	"github.com/nikhilbhutani/processor/internal/config"
	"github.com/nikhilbhutani/processor/internal/metrics"
	"github.com/nikhilbhutani/processor/internal/models"
)

type runFunc func(ctx context.Context, name string, args ...string) ([]byte, error)

const ocrLeaseName = "ocr"

// Lease is a lock shared by every worker process. cache.Cache implements it
// on Redis.
type Lease interface {
	AcquireLease(ctx context.Context, name, token string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, token string) error
}

// OCR runs tesseract over an original; PDFs are rasterized with pdftoppm
// first. One recognition runs at a time across all workers sharing the
// lease, and one per process without it.
type OCR struct {
	content   ContentReader
	cache     ArtifactStore
	cfg       config.OCRConfig
	lease     Lease
	slot      *semaphore.Weighted
	leasePoll time.Duration
	run       runFunc
	now       func() time.Time
}

// NewOCR builds the OCR engine. lease may be nil for a single worker.
func NewOCR(content ContentReader, cache ArtifactStore, cfg config.OCRConfig, lease Lease) *OCR {
	return &OCR{
		content:   content,
		cache:     cache,
		cfg:       cfg,
		lease:     lease,
		slot:      semaphore.NewWeighted(1),
		leasePoll: time.Second,
		run:       runCommand,
		now:       time.Now,
	}
}

func (o *OCR) Enabled() bool {
	return o.cfg.Enabled
}

// IsAvailable reports whether the tesseract binary can be executed.
func (o *OCR) IsAvailable(ctx context.Context) bool {
	_, err := o.run(ctx, o.cfg.TesseractPath, "--version")
	return err == nil
}

func (o *OCR) Recognize(ctx context.Context, hash string) (string, error) {
	if !o.cfg.Enabled {
		return "", apperr.Permanent(apperr.ErrOCRDisabled)
	}
	logger := slog.With("content_hash", hash)

	if o.cache.Has(hash, models.PresetOCRText) {
		if text, err := o.cache.Get(hash, models.PresetOCRText); err == nil {
			logger.Debug("ocr text already cached")
			return string(text), nil
		}
	}

	data, err := o.content.Get(hash)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) || errors.Is(err, apperr.ErrValidation) {
			return "", apperr.Permanent(err)
		}
		return "", fmt.Errorf("load original: %w", err)
	}

	release, err := o.acquire(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	workDir, err := os.MkdirTemp("", "ocr-*")
	if err != nil {
		return "", fmt.Errorf("create ocr work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	detected := mimetype.Detect(data)
	input := filepath.Join(workDir, "input"+detected.Extension())
	if err := os.WriteFile(input, data, 0o600); err != nil {
		return "", fmt.Errorf("write ocr input: %w", err)
	}

	var images []string
	switch {
	case detected.Is("application/pdf"):
		images, err = o.rasterize(ctx, input, workDir)
		if err != nil {
			return "", err
		}
	case strings.HasPrefix(detected.String(), "image/"):
		images = []string{input}
	default:
		return "", fmt.Errorf("ocr %s: %w", detected.String(), apperr.ErrUnsupported)
	}

	start := time.Now()
	var pages []string
	for _, img := range images {
		out, err := o.run(ctx, o.cfg.TesseractPath, img, "stdout", "-l", o.cfg.Language)
		if err != nil {
			return "", classifyExecError(ctx, "tesseract", err)
		}
		if text := strings.TrimSpace(string(out)); text != "" {
			pages = append(pages, text)
		}
	}
	text := strings.Join(pages, "\n\n")

	if text != "" {
		err := o.cache.Put(hash, models.PresetOCRText, []byte(text), models.ArtifactMeta{
			Format:      "txt",
			ContentType: textContentType,
			ProcessedAt: o.now().UTC(),
		})
		if err != nil {
			return "", fmt.Errorf("publish ocr text: %w", err)
		}
		metrics.CaptureArtifact(models.PresetOCRText)
	}

	logger.Info("ocr finished",
		"images", len(images),
		"chars", len(text),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return text, nil
}

// acquire waits for the process slot and then the shared lease. Giving up
// because ctx ended is transient; the job is retried later.
func (o *OCR) acquire(ctx context.Context) (func(), error) {
	if err := o.slot.Acquire(ctx, 1); err != nil {
		return nil, apperr.Transient(fmt.Errorf("wait for ocr slot: %w", err))
	}
	if o.lease == nil {
		return func() { o.slot.Release(1) }, nil
	}

	token := uuid.NewString()
	ticker := time.NewTicker(o.leasePoll)
	defer ticker.Stop()
	for {
		ok, err := o.lease.AcquireLease(ctx, ocrLeaseName, token, o.cfg.LeaseTTL)
		if err != nil {
			o.slot.Release(1)
			return nil, apperr.Transient(err)
		}
		if ok {
			return func() {
				if err := o.lease.ReleaseLease(context.WithoutCancel(ctx), ocrLeaseName, token); err != nil {
					slog.Warn("failed to release ocr lease", "error", err)
				}
				o.slot.Release(1)
			}, nil
		}
		select {
		case <-ctx.Done():
			o.slot.Release(1)
			return nil, apperr.Transient(fmt.Errorf("wait for ocr lease: %w", ctx.Err()))
		case <-ticker.C:
		}
	}
}

func (o *OCR) rasterize(ctx context.Context, input, workDir string) ([]string, error) {
	prefix := filepath.Join(workDir, "page")
	if _, err := o.run(ctx, o.cfg.PdftoppmPath, "-r", "300", "-png", input, prefix); err != nil {
		return nil, classifyExecError(ctx, "pdftoppm", err)
	}
	images, err := filepath.Glob(prefix + "-*.png")
	if err != nil {
		return nil, fmt.Errorf("list rasterized pages: %w", err)
	}
	// pdftoppm pads page numbers to equal width, so lexical order is page order.
	sort.Strings(images)
	return images, nil
}

// classifyExecError treats a missing binary or a non-zero exit as permanent.
// Interrupted runs are retried.
func classifyExecError(ctx context.Context, tool string, err error) error {
	if ctx.Err() != nil {
		return apperr.Transient(fmt.Errorf("%s: %w", tool, ctx.Err()))
	}
	var exitErr *exec.ExitError
	switch {
	case errors.Is(err, exec.ErrNotFound):
		return apperr.Permanent(fmt.Errorf("%s not installed: %w", tool, err))
	case errors.As(err, &exitErr) && exitErr.ProcessState != nil && exitErr.ProcessState.Exited():
		stderr := strings.TrimSpace(string(exitErr.Stderr))
		return apperr.Permanent(fmt.Errorf("%s exited with %d: %s", tool, exitErr.ExitCode(), stderr))
	default:
		return apperr.Transient(fmt.Errorf("%s: %w", tool, err))
	}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}
