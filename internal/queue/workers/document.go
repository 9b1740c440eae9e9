package workers

import (
	"context"
	"time"

	"github.com/nikhilbhutani/processor/internal/document"
	"github.com/nikhilbhutani/processor/internal/queue"
)

type TextExtractor interface {
	Extract(ctx context.Context, hash, mimeType string) (*document.ExtractResult, error)
}

// DocumentWorker runs explicit text re-extraction jobs. Ingest jobs extract
// inline; this path serves reprocess requests.
type DocumentWorker struct {
	coord     Coordinator
	extractor TextExtractor
}

func NewDocumentWorker(coord Coordinator, extractor TextExtractor) *DocumentWorker {
	return &DocumentWorker{coord: coord, extractor: extractor}
}

func (w *DocumentWorker) Handle(ctx context.Context, p queue.Payload) (err error) {
	start := time.Now()
	defer func() { observe(p.Type, start, err) }()

	res, err := w.extractor.Extract(ctx, p.ContentHash, p.MimeType)
	if err != nil {
		return w.coord.Fail(ctx, p, err, lastAttempt(ctx))
	}
	if err := w.coord.ApplyExtraction(ctx, p, res); err != nil {
		return w.coord.Fail(ctx, p, err, lastAttempt(ctx))
	}
	return nil
}
