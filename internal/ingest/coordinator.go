// Package ingest accepts uploads, enqueues the canonical ingest job and, when
// that job runs, classifies the content and fans out to the workers. It is
// the only writer of the owner entity's processing fields.
package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"

	"github.com/nikhilbhutani/processor/internal/apperr"
	"github.com/nikhilbhutani/processor/internal/classify"
	"github.com/nikhilbhutani/processor/internal/contentstore"
	"github.com/nikhilbhutani/processor/internal/document"
	"github.com/nikhilbhutani/processor/internal/media"
	"github.com/nikhilbhutani/processor/internal/metrics"
	"github.com/nikhilbhutani/processor/internal/models"
	"github.com/nikhilbhutani/processor/internal/queue"
)

// sniffLen matches mimetype's default read limit.
const sniffLen = 3072

type ContentStore interface {
	Store(ctx context.Context, r io.Reader, meta contentstore.Meta) (string, bool, *models.ContentBlob, error)
	Open(hash string) (*os.File, error)
	Metadata(hash string) (*models.ContentBlob, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, p queue.Payload) (*queue.JobHandle, error)
	Requeue(ctx context.Context, p queue.Payload) (*queue.JobHandle, error)
	Depth() (int, error)
}

type OwnerStore interface {
	MarkPending(ctx context.Context, ownerID, contentHash string) (bool, error)
	Apply(ctx context.Context, ownerID string, u models.ProcessingUpdate) (bool, error)
	ContentHash(ctx context.Context, ownerID string) (string, error)
}

type TextExtractor interface {
	Extract(ctx context.Context, hash, mimeType string) (*document.ExtractResult, error)
}

type UploadCounter interface {
	IncrementUploads(ctx context.Context, contentHash string) (int64, error)
}

type Options struct {
	MaxUploadBytes int64
	// MaxQueueDepth rejects new ingest submissions once this many jobs are
	// unfinished. Zero disables the check.
	MaxQueueDepth int
	OCREnabled    bool
	ImagePresets  []string
}

type UploadRequest struct {
	Body          io.Reader
	OwnerEntityID string
	OriginalName  string
	MimeType      string
	UploadedBy    string
	OwnerContext  string
	Priority      int
	TraceID       string
}

type UploadResult struct {
	ContentHash  string             `json:"contentHash"`
	Size         int64              `json:"size"`
	MimeType     string             `json:"mimeType"`
	Deduplicated bool               `json:"deduplicated"`
	JobsEnqueued []*queue.JobHandle `json:"jobsEnqueued"`
}

type Coordinator struct {
	store   ContentStore
	queue   Enqueuer
	owners  OwnerStore
	text    TextExtractor
	uploads UploadCounter
	opts    Options
	now     func() time.Time
}

// NewCoordinator wires the coordinator. uploads may be nil.
func NewCoordinator(store ContentStore, q Enqueuer, owners OwnerStore, text TextExtractor, uploads UploadCounter, opts Options) *Coordinator {
	return &Coordinator{
		store:   store,
		queue:   q,
		owners:  owners,
		text:    text,
		uploads: uploads,
		opts:    opts,
		now:     time.Now,
	}
}

func (c *Coordinator) OCREnabled() bool {
	return c.opts.OCREnabled
}

// Upload validates and stores the body, then starts ingestion for the owner.
// A stored original is never removed because a later step failed.
func (c *Coordinator) Upload(ctx context.Context, req UploadRequest) (*UploadResult, error) {
	if strings.TrimSpace(req.OwnerEntityID) == "" {
		return nil, fmt.Errorf("%w: ownerEntityId is required", apperr.ErrValidation)
	}
	if req.Body == nil {
		return nil, fmt.Errorf("%w: empty file", apperr.ErrValidation)
	}

	br := bufio.NewReaderSize(req.Body, sniffLen)
	head, err := br.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	if len(head) == 0 {
		return nil, fmt.Errorf("%w: empty file", apperr.ErrValidation)
	}

	mimeType := req.MimeType
	if isGenericMIME(mimeType) {
		mimeType = mimetype.Detect(head).String()
	}

	var body io.Reader = br
	if c.opts.MaxUploadBytes > 0 {
		body = &limitReader{r: br, remaining: c.opts.MaxUploadBytes}
	}

	hash, isNew, blob, err := c.store.Store(ctx, body, contentstore.Meta{
		OriginalName: req.OriginalName,
		MimeType:     mimeType,
		UploadedBy:   req.UploadedBy,
		OwnerContext: req.OwnerContext,
	})
	if err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}
	metrics.CaptureUpload(!isNew, blob.Size)

	if c.uploads != nil {
		if _, err := c.uploads.IncrementUploads(ctx, hash); err != nil {
			slog.Warn("failed to count upload", "content_hash", hash, "error", err)
		}
	}

	name := req.OriginalName
	if name == "" {
		name = blob.OriginalName
	}
	p := queue.Payload{
		Type:          queue.TypeIngest,
		ContentHash:   hash,
		OwnerEntityID: req.OwnerEntityID,
		MimeType:      mimeType,
		OriginalName:  name,
		Priority:      req.Priority,
		TraceID:       req.TraceID,
	}
	handle, err := c.ingest(ctx, p)
	if err != nil {
		return nil, err
	}

	slog.Info("upload accepted",
		"content_hash", hash,
		"owner_entity_id", req.OwnerEntityID,
		"deduplicated", !isNew,
		"mime_type", mimeType,
		"size_bytes", blob.Size,
		"trace_id", req.TraceID,
	)
	return &UploadResult{
		ContentHash:  hash,
		Size:         blob.Size,
		MimeType:     mimeType,
		Deduplicated: !isNew,
		JobsEnqueued: append([]*queue.JobHandle{handle}, c.plannedJobs(p)...),
	}, nil
}

// Ingest starts processing of already stored content for one owner. An
// ingest job that is pending, active or retained for the same content and
// owner is returned instead of a new one.
func (c *Coordinator) Ingest(ctx context.Context, contentHash, ownerID, mimeType, originalName string) (*queue.JobHandle, error) {
	return c.ingest(ctx, queue.Payload{
		Type:          queue.TypeIngest,
		ContentHash:   contentHash,
		OwnerEntityID: ownerID,
		MimeType:      mimeType,
		OriginalName:  originalName,
	})
}

// Reprocess runs text extraction or OCR again for content an owner already
// references. Finished jobs under the same key are replaced; a pending or
// active one is returned as is.
func (c *Coordinator) Reprocess(ctx context.Context, contentHash, ownerID, jobType string) (*queue.JobHandle, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, fmt.Errorf("%w: ownerEntityId is required", apperr.ErrValidation)
	}
	switch jobType {
	case queue.TypeTextExtract:
	case queue.TypeOCRProcess:
		if !c.opts.OCREnabled {
			return nil, apperr.ErrOCRDisabled
		}
	default:
		return nil, fmt.Errorf("%w: cannot reprocess with %q", apperr.ErrValidation, jobType)
	}

	blob, err := c.store.Metadata(contentHash)
	if err != nil {
		return nil, err
	}
	if jobType == queue.TypeTextExtract && classify.Classify(blob.MimeType) != classify.TextExtractable {
		return nil, fmt.Errorf("%w: %s has no extractable text", apperr.ErrValidation, blob.MimeType)
	}
	current, err := c.owners.ContentHash(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if current != contentHash {
		return nil, fmt.Errorf("%w: owner %s does not reference %s", apperr.ErrValidation, ownerID, contentHash)
	}
	if err := c.checkDepth(); err != nil {
		return nil, err
	}

	p := queue.Payload{
		Type:          jobType,
		ContentHash:   contentHash,
		OwnerEntityID: ownerID,
		MimeType:      blob.MimeType,
		OriginalName:  blob.OriginalName,
		Priority:      1,
	}
	// OCR leaves the owner visual until it has text, so only extraction
	// moves the owner back to pending.
	if jobType == queue.TypeTextExtract {
		if _, err := c.owners.MarkPending(ctx, ownerID, contentHash); err != nil {
			return nil, err
		}
	}
	handle, err := c.queue.Requeue(ctx, p)
	if err != nil {
		return nil, err
	}
	slog.Info("reprocess requested", "type", jobType, "content_hash", contentHash, "owner_entity_id", ownerID, "existing", handle.Existing)
	return handle, nil
}

func (c *Coordinator) checkDepth() error {
	if c.opts.MaxQueueDepth <= 0 {
		return nil
	}
	depth, err := c.queue.Depth()
	if err != nil {
		return fmt.Errorf("check queue depth: %w", err)
	}
	if depth >= c.opts.MaxQueueDepth {
		return fmt.Errorf("%w: %d jobs waiting", apperr.ErrQueueFull, depth)
	}
	return nil
}

func (c *Coordinator) ingest(ctx context.Context, p queue.Payload) (*queue.JobHandle, error) {
	if err := c.checkDepth(); err != nil {
		return nil, err
	}

	// A reset row must be processed again even if an earlier job for the
	// same key already finished.
	reset, err := c.owners.MarkPending(ctx, p.OwnerEntityID, p.ContentHash)
	if err != nil {
		return nil, err
	}
	if reset {
		return c.queue.Requeue(ctx, p)
	}
	return c.queue.Enqueue(ctx, p)
}

// plannedJobs lists the follow-up jobs the ingest job will enqueue, with the
// ids they will have.
func (c *Coordinator) plannedJobs(p queue.Payload) []*queue.JobHandle {
	if classify.Classify(p.MimeType) != classify.Visual {
		return nil
	}
	var jobs []*queue.JobHandle
	for _, fp := range c.visualFanOut(p) {
		jobs = append(jobs, &queue.JobHandle{ID: fp.Key(), Type: fp.Type, Preset: fp.Preset, Planned: true})
	}
	return jobs
}

func (c *Coordinator) visualFanOut(p queue.Payload) []queue.Payload {
	var out []queue.Payload
	for _, preset := range c.opts.ImagePresets {
		fp := p
		fp.Type = queue.TypeImageOptimize
		fp.Preset = preset
		fp.EnqueuedAt = time.Time{}
		out = append(out, fp)
	}
	if c.opts.OCREnabled {
		out = append(out, c.ocrPayload(p))
	}
	return out
}

func (c *Coordinator) ocrPayload(p queue.Payload) queue.Payload {
	fp := p
	fp.Type = queue.TypeOCRProcess
	fp.Preset = ""
	fp.EnqueuedAt = time.Time{}
	return fp
}

// Process runs an ingest job. final is set on the job's last attempt; a
// transient error on the final attempt fails the owner just like a
// permanent one.
func (c *Coordinator) Process(ctx context.Context, p queue.Payload, final bool) error {
	strategy := classify.Classify(p.MimeType)
	logger := slog.With("content_hash", p.ContentHash, "owner_entity_id", p.OwnerEntityID, "strategy", strategy.String())
	logger.Info("ingest started", "trace_id", p.TraceID)

	var err error
	switch strategy {
	case classify.Visual:
		err = c.processVisual(ctx, p)
	case classify.TextExtractable:
		err = c.processText(ctx, p)
	case classify.Unknown:
		err = c.apply(ctx, p, models.StatusCompleted, models.MethodNone, nil, nil)
	default:
		err = apperr.Permanent(fmt.Errorf("unhandled strategy %s", strategy))
	}
	if err != nil {
		return c.Fail(ctx, p, err, final)
	}
	logger.Info("ingest finished")
	return nil
}

// processVisual rejects content no decoder can read before any preset job
// exists, and marks the owner visual only once its jobs are queued.
func (c *Coordinator) processVisual(ctx context.Context, p queue.Payload) error {
	if err := c.checkImage(p.ContentHash); err != nil {
		return err
	}
	for _, fp := range c.visualFanOut(p) {
		if _, err := c.queue.Enqueue(ctx, fp); err != nil {
			return fmt.Errorf("enqueue %s: %w", fp.Key(), err)
		}
	}
	return c.apply(ctx, p, models.StatusVisual, models.MethodVisual, nil, nil)
}

func (c *Coordinator) checkImage(hash string) error {
	f, err := c.store.Open(hash)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) || errors.Is(err, apperr.ErrValidation) {
			return apperr.Permanent(err)
		}
		return fmt.Errorf("open original: %w", err)
	}
	defer f.Close()
	_, _, err = media.ReadHeader(f)
	return err
}

func (c *Coordinator) processText(ctx context.Context, p queue.Payload) error {
	res, err := c.text.Extract(ctx, p.ContentHash, p.MimeType)
	if err != nil {
		return err
	}
	return c.ApplyExtraction(ctx, p, res)
}

// ApplyExtraction records a text worker result. Without text the owner
// falls back to visual and OCR is requested when enabled.
func (c *Coordinator) ApplyExtraction(ctx context.Context, p queue.Payload, res *document.ExtractResult) error {
	if res.Success {
		return c.apply(ctx, p, models.StatusCompleted, models.MethodText, &res.Text, res.Metadata)
	}

	if err := c.apply(ctx, p, models.StatusVisual, models.MethodVisual, nil, res.Metadata); err != nil {
		return err
	}
	if !c.opts.OCREnabled {
		slog.Info("no text recovered and ocr disabled", "content_hash", p.ContentHash, "owner_entity_id", p.OwnerEntityID)
		return nil
	}
	op := c.ocrPayload(p)
	if _, err := c.queue.Enqueue(ctx, op); err != nil {
		return fmt.Errorf("enqueue %s: %w", op.Key(), err)
	}
	return nil
}

// ApplyOCR records OCR output. Empty output leaves the owner visual.
func (c *Coordinator) ApplyOCR(ctx context.Context, p queue.Payload, text string) error {
	if strings.TrimSpace(text) == "" {
		slog.Info("ocr recovered no text", "content_hash", p.ContentHash, "owner_entity_id", p.OwnerEntityID)
		return nil
	}
	meta := map[string]string{"chars": fmt.Sprint(len([]rune(text)))}
	return c.apply(ctx, p, models.StatusCompleted, models.MethodOCR, &text, meta)
}

// Fail decides what a job error means for the owner. Non-retryable errors,
// and any error on the final attempt, mark the owner failed and come back
// permanent; other errors are returned unchanged for a retry.
func (c *Coordinator) Fail(ctx context.Context, p queue.Payload, err error, final bool) error {
	if apperr.Retryable(err) && !final {
		slog.Warn("job attempt failed, will retry", "type", p.Type, "content_hash", p.ContentHash, "error", err)
		return err
	}

	msg := err.Error()
	if applyErr := c.apply(ctx, p, models.StatusFailed, "", nil, nil, withError(msg)); applyErr != nil {
		slog.Error("failed to record processing error", "type", p.Type, "content_hash", p.ContentHash, "error", applyErr)
	}
	slog.Error("job failed", "type", p.Type, "content_hash", p.ContentHash, "owner_entity_id", p.OwnerEntityID, "error", err)

	if apperr.Retryable(err) {
		return apperr.Permanent(err)
	}
	return err
}

type updateOption func(*models.ProcessingUpdate)

func withError(msg string) updateOption {
	return func(u *models.ProcessingUpdate) { u.ProcessingError = &msg }
}

// apply writes one terminal state in a single update.
func (c *Coordinator) apply(ctx context.Context, p queue.Payload, status, method string, content *string, meta map[string]string, opts ...updateOption) error {
	now := c.now().UTC()
	u := models.ProcessingUpdate{
		ContentHash:      p.ContentHash,
		Status:           status,
		ExtractionMethod: method,
		Content:          content,
		ProcessedAt:      &now,
	}
	if len(meta) > 0 {
		raw, err := json.Marshal(meta)
		if err != nil {
			return fmt.Errorf("marshal extraction metadata: %w", err)
		}
		u.ExtractionMetadata = raw
	}
	for _, opt := range opts {
		opt(&u)
	}

	applied, err := c.owners.Apply(ctx, p.OwnerEntityID, u)
	if err != nil {
		return fmt.Errorf("update owner %s: %w", p.OwnerEntityID, err)
	}
	if !applied {
		slog.Info("owner no longer points at this content, update skipped",
			"owner_entity_id", p.OwnerEntityID, "content_hash", p.ContentHash, "status", status)
	}
	return nil
}

func isGenericMIME(mt string) bool {
	switch classify.Normalize(mt) {
	case "", "application/octet-stream", "binary/octet-stream", "application/x-www-form-urlencoded":
		return true
	}
	return false
}

// limitReader fails with ErrTooLarge once more than remaining bytes are read.
type limitReader struct {
	r         io.Reader
	remaining int64
}

func (l *limitReader) Read(p []byte) (int, error) {
	if l.remaining < 0 {
		return 0, apperr.ErrTooLarge
	}
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n, apperr.ErrTooLarge
	}
	return n, err
}
