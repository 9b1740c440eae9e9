package workers

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/nikhilbhutani/processor/internal/apperr"
	"github.com/nikhilbhutani/processor/internal/queue"
)

type Recognizer interface {
	Recognize(ctx context.Context, hash string) (string, error)
}

// OCRWorker recognizes text in visual content. OCR failures do not fail the
// owner: it stays visual with no content.
type OCRWorker struct {
	coord Coordinator
	ocr   Recognizer
}

func NewOCRWorker(coord Coordinator, ocr Recognizer) *OCRWorker {
	return &OCRWorker{coord: coord, ocr: ocr}
}

func (w *OCRWorker) Handle(ctx context.Context, p queue.Payload) (err error) {
	start := time.Now()
	defer func() { observe(p.Type, start, err) }()

	text, err := w.ocr.Recognize(ctx, p.ContentHash)
	if errors.Is(err, apperr.ErrOCRDisabled) {
		// Jobs queued before OCR was switched off complete as no-ops.
		slog.Info("ocr disabled, job skipped", "content_hash", p.ContentHash, "owner_entity_id", p.OwnerEntityID)
		return nil
	}
	if err != nil {
		if !apperr.Retryable(err) || lastAttempt(ctx) {
			slog.Warn("ocr gave up, owner stays visual",
				"content_hash", p.ContentHash, "owner_entity_id", p.OwnerEntityID, "error", err)
		}
		return err
	}
	return w.coord.ApplyOCR(ctx, p, text)
}
