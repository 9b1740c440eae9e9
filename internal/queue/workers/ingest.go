package workers

import (
	"context"
	"time"

	"github.com/nikhilbhutani/processor/internal/queue"
)

type IngestWorker struct {
	coord Coordinator
}

func NewIngestWorker(coord Coordinator) *IngestWorker {
	return &IngestWorker{coord: coord}
}

// Handle classifies the content and dispatches it. The coordinator decides
// whether an error fails the owner or is retried.
func (w *IngestWorker) Handle(ctx context.Context, p queue.Payload) (err error) {
	start := time.Now()
	defer func() { observe(p.Type, start, err) }()

	return w.coord.Process(ctx, p, lastAttempt(ctx))
}
