// Package workers holds the asynq handlers for each job type. Handlers only
// adapt jobs to the coordinator and the workers; owner state is always
// written through the coordinator.
package workers

import (
	"context"
	"time"

	"github.com/hibiken/asynq"

	"github.com/nikhilbhutani/processor/internal/apperr"
	"github.com/nikhilbhutani/processor/internal/document"
	"github.com/nikhilbhutani/processor/internal/metrics"
	"github.com/nikhilbhutani/processor/internal/queue"
)

// Coordinator is the part of ingest.Coordinator the handlers use.
type Coordinator interface {
	Process(ctx context.Context, p queue.Payload, final bool) error
	ApplyExtraction(ctx context.Context, p queue.Payload, res *document.ExtractResult) error
	ApplyOCR(ctx context.Context, p queue.Payload, text string) error
	Fail(ctx context.Context, p queue.Payload, err error, final bool) error
}

// lastAttempt is swapped in tests, where no asynq context is available.
var lastAttempt = queue.IsLastAttempt

func observe(jobType string, start time.Time, err error) {
	outcome := "completed"
	switch {
	case err == nil:
	case apperr.Retryable(err):
		outcome = "retry"
	default:
		outcome = "failed"
	}
	metrics.CaptureJob(jobType, outcome, time.Since(start))
}

// Registry is satisfied by queue.HandlersRegistry.
type Registry interface {
	Register(jobType string, handler asynq.Handler)
}

// RegisterAll mounts one handler per job type.
func RegisterAll(reg Registry, ingest *IngestWorker, image *ImageWorker, doc *DocumentWorker, ocr *OCRWorker) {
	reg.Register(queue.TypeIngest, queue.HandlerFunc(ingest.Handle))
	reg.Register(queue.TypeImageOptimize, queue.HandlerFunc(image.Handle))
	reg.Register(queue.TypeTextExtract, queue.HandlerFunc(doc.Handle))
	reg.Register(queue.TypeOCRProcess, queue.HandlerFunc(ocr.Handle))
}
