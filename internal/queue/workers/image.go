package workers

import (
	"context"
	"log/slog"
	"time"

	"github.com/nikhilbhutani/processor/internal/models"
	"github.com/nikhilbhutani/processor/internal/queue"
)

type Optimizer interface {
	Optimize(ctx context.Context, hash, preset string) (*models.ArtifactMeta, error)
}

// ImageWorker renders one preset per job. A preset that cannot be rendered
// fails the owner through the coordinator, like any other processing error.
type ImageWorker struct {
	coord     Coordinator
	optimizer Optimizer
}

func NewImageWorker(coord Coordinator, optimizer Optimizer) *ImageWorker {
	return &ImageWorker{coord: coord, optimizer: optimizer}
}

func (w *ImageWorker) Handle(ctx context.Context, p queue.Payload) (err error) {
	start := time.Now()
	defer func() { observe(p.Type, start, err) }()

	meta, err := w.optimizer.Optimize(ctx, p.ContentHash, p.Preset)
	if err != nil {
		return w.coord.Fail(ctx, p, err, lastAttempt(ctx))
	}
	slog.Info("image optimized",
		"content_hash", p.ContentHash,
		"preset", p.Preset,
		"width", meta.Width,
		"height", meta.Height,
		"size_bytes", meta.ByteSize,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}
