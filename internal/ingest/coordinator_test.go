package ingest

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nikhilbhutani/processor/internal/apperr"
	"github.com/nikhilbhutani/processor/internal/cachestore"
	"github.com/nikhilbhutani/processor/internal/contentstore"
	"github.com/nikhilbhutani/processor/internal/document"
	"github.com/nikhilbhutani/processor/internal/models"
	"github.com/nikhilbhutani/processor/internal/queue"
	"github.com/nikhilbhutani/processor/pkg/textextract/textextracttest"
)

type fakeQueue struct {
	mu       sync.Mutex
	jobs     map[string]queue.Payload
	depth    int
	requeued int
	// failType makes Enqueue fail for jobs of that type.
	failType string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{jobs: map[string]queue.Payload{}}
}

func (q *fakeQueue) Enqueue(_ context.Context, p queue.Payload) (*queue.JobHandle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if p.Type == q.failType {
		return nil, errors.New("redis: connection refused")
	}
	key := p.Key()
	h := &queue.JobHandle{ID: key, Type: p.Type, Preset: p.Preset}
	if _, ok := q.jobs[key]; ok {
		h.Existing = true
		return h, nil
	}
	q.jobs[key] = p
	return h, nil
}

func (q *fakeQueue) Requeue(ctx context.Context, p queue.Payload) (*queue.JobHandle, error) {
	q.mu.Lock()
	delete(q.jobs, p.Key())
	q.requeued++
	q.mu.Unlock()
	return q.Enqueue(ctx, p)
}

func (q *fakeQueue) Depth() (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth, nil
}

func (q *fakeQueue) ofType(jobType string) []queue.Payload {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []queue.Payload
	for _, p := range q.jobs {
		if p.Type == jobType {
			out = append(out, p)
		}
	}
	return out
}

type page struct {
	hash     string
	status   string
	method   string
	content  *string
	meta     []byte
	procErr  *string
	updates  int
	resetted int
}

type fakeOwners struct {
	mu    sync.Mutex
	pages map[string]*page
}

func newFakeOwners(ids ...string) *fakeOwners {
	o := &fakeOwners{pages: map[string]*page{}}
	for _, id := range ids {
		o.pages[id] = &page{}
	}
	return o
}

func (o *fakeOwners) MarkPending(_ context.Context, ownerID, hash string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	pg, ok := o.pages[ownerID]
	if !ok {
		return false, apperr.ErrNotFound
	}
	if pg.hash == hash && pg.status != "" && pg.status != models.StatusFailed {
		return false, nil
	}
	*pg = page{hash: hash, status: models.StatusPending, updates: pg.updates, resetted: pg.resetted + 1}
	return true, nil
}

func (o *fakeOwners) Apply(_ context.Context, ownerID string, u models.ProcessingUpdate) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	pg, ok := o.pages[ownerID]
	if !ok || pg.hash != u.ContentHash {
		return false, nil
	}
	pg.status = u.Status
	pg.method = u.ExtractionMethod
	pg.content = u.Content
	pg.meta = u.ExtractionMetadata
	pg.procErr = u.ProcessingError
	pg.updates++
	return true, nil
}

func (o *fakeOwners) ContentHash(_ context.Context, ownerID string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	pg, ok := o.pages[ownerID]
	if !ok {
		return "", apperr.ErrNotFound
	}
	return pg.hash, nil
}

func (o *fakeOwners) get(id string) page {
	o.mu.Lock()
	defer o.mu.Unlock()
	return *o.pages[id]
}

type fixture struct {
	coord    *Coordinator
	queue    *fakeQueue
	owners   *fakeOwners
	cache    *cachestore.Store
	filesDir string
}

func newFixture(t *testing.T, opts Options, owners ...string) *fixture {
	t.Helper()
	filesDir := t.TempDir()
	store, err := contentstore.New(filesDir)
	require.NoError(t, err)
	cache, err := cachestore.New(t.TempDir())
	require.NoError(t, err)

	if opts.ImagePresets == nil {
		opts.ImagePresets = []string{models.PresetThumbnail, models.PresetAIChat}
	}
	q := newFakeQueue()
	o := newFakeOwners(owners...)
	extractor := document.NewExtractor(store, cache, 3)
	return &fixture{
		coord:    NewCoordinator(store, q, o, extractor, nil, opts),
		queue:    q,
		owners:   o,
		cache:    cache,
		filesDir: filesDir,
	}
}

// runIngest executes every queued ingest job once, as a worker would.
func (f *fixture) runIngest(t *testing.T) {
	t.Helper()
	for _, p := range f.queue.ofType(queue.TypeIngest) {
		require.NoError(t, f.coord.Process(context.Background(), p, false))
	}
}

func jpegBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 7), G: uint8(y * 3), B: uint8(x ^ y), A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}))
	return buf.Bytes()
}

func countBlobs(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	n := 0
	for _, e := range entries {
		if e.IsDir() && contentstore.ValidHash(e.Name()) {
			if _, err := os.Stat(filepath.Join(dir, e.Name(), "original")); err == nil {
				n++
			}
		}
	}
	return n
}

func TestUploadJPEGFansOutImagePresets(t *testing.T) {
	f := newFixture(t, Options{MaxUploadBytes: 10 << 20}, "page-1")
	data := jpegBytes(t, 640, 480)

	res, err := f.coord.Upload(context.Background(), UploadRequest{
		Body:          bytes.NewReader(data),
		OwnerEntityID: "page-1",
		OriginalName:  "photo.jpg",
		MimeType:      "image/jpeg",
	})
	require.NoError(t, err)
	assert.False(t, res.Deduplicated)
	assert.Equal(t, contentstore.HashBytes(data), res.ContentHash)
	assert.Equal(t, int64(len(data)), res.Size)

	var types, presets []string
	for _, j := range res.JobsEnqueued {
		types = append(types, j.Type)
		if j.Preset != "" {
			presets = append(presets, j.Preset)
		}
	}
	assert.Equal(t, []string{queue.TypeIngest, queue.TypeImageOptimize, queue.TypeImageOptimize}, types)
	assert.ElementsMatch(t, []string{models.PresetThumbnail, models.PresetAIChat}, presets)
	assert.Equal(t, models.StatusPending, f.owners.get("page-1").status)

	f.runIngest(t)

	pg := f.owners.get("page-1")
	assert.Equal(t, models.StatusVisual, pg.status)
	assert.Equal(t, models.MethodVisual, pg.method)
	assert.Nil(t, pg.content)

	imageJobs := f.queue.ofType(queue.TypeImageOptimize)
	require.Len(t, imageJobs, 2)
	for _, planned := range res.JobsEnqueued[1:] {
		found := false
		for _, j := range imageJobs {
			found = found || j.Key() == planned.ID
		}
		assert.True(t, found, "planned job %s was enqueued with the advertised id", planned.ID)
	}
	assert.Empty(t, f.queue.ofType(queue.TypeOCRProcess))
}

func TestScannedPDFWithOCRDisabledEndsVisual(t *testing.T) {
	f := newFixture(t, Options{}, "page-1")

	res, err := f.coord.Upload(context.Background(), UploadRequest{
		Body:          bytes.NewReader(textextracttest.PDF("")),
		OwnerEntityID: "page-1",
		OriginalName:  "scan.pdf",
		MimeType:      "application/pdf",
	})
	require.NoError(t, err)
	require.Len(t, res.JobsEnqueued, 1)

	f.runIngest(t)

	pg := f.owners.get("page-1")
	assert.Equal(t, models.StatusVisual, pg.status)
	assert.Nil(t, pg.content)
	assert.Nil(t, pg.procErr)
	assert.Empty(t, f.queue.ofType(queue.TypeOCRProcess))
}

func TestScannedPDFWithOCREnabledQueuesOCR(t *testing.T) {
	f := newFixture(t, Options{OCREnabled: true}, "page-1")

	res, err := f.coord.Upload(context.Background(), UploadRequest{
		Body:          bytes.NewReader(textextracttest.PDF("")),
		OwnerEntityID: "page-1",
		MimeType:      "application/pdf",
	})
	require.NoError(t, err)
	f.runIngest(t)

	ocrJobs := f.queue.ofType(queue.TypeOCRProcess)
	require.Len(t, ocrJobs, 1)
	assert.Equal(t, res.ContentHash, ocrJobs[0].ContentHash)
	assert.Equal(t, models.StatusVisual, f.owners.get("page-1").status)

	require.NoError(t, f.coord.ApplyOCR(context.Background(), ocrJobs[0], "recognized words"))
	pg := f.owners.get("page-1")
	assert.Equal(t, models.StatusCompleted, pg.status)
	assert.Equal(t, models.MethodOCR, pg.method)
	require.NotNil(t, pg.content)
	assert.Equal(t, "recognized words", *pg.content)
}

func TestSameBytesTwoOwners(t *testing.T) {
	f := newFixture(t, Options{}, "page-a", "page-b")
	data := []byte("shared meeting notes")

	first, err := f.coord.Upload(context.Background(), UploadRequest{Body: bytes.NewReader(data), OwnerEntityID: "page-a", MimeType: "text/plain"})
	require.NoError(t, err)
	second, err := f.coord.Upload(context.Background(), UploadRequest{Body: bytes.NewReader(data), OwnerEntityID: "page-b", MimeType: "text/plain"})
	require.NoError(t, err)

	assert.Equal(t, first.ContentHash, second.ContentHash)
	assert.False(t, first.Deduplicated)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, 1, countBlobs(t, f.filesDir))
	assert.Len(t, f.queue.ofType(queue.TypeIngest), 2)
	assert.NotEqual(t, first.JobsEnqueued[0].ID, second.JobsEnqueued[0].ID)

	f.runIngest(t)

	for _, id := range []string{"page-a", "page-b"} {
		pg := f.owners.get(id)
		assert.Equal(t, models.StatusCompleted, pg.status, id)
		assert.Equal(t, models.MethodText, pg.method, id)
		require.NotNil(t, pg.content, id)
		assert.Equal(t, "shared meeting notes", *pg.content, id)
	}
}

func TestIngestIsIdempotent(t *testing.T) {
	f := newFixture(t, Options{}, "page-1")
	data := []byte("idempotent body")

	first, err := f.coord.Upload(context.Background(), UploadRequest{Body: bytes.NewReader(data), OwnerEntityID: "page-1", MimeType: "text/plain"})
	require.NoError(t, err)
	again, err := f.coord.Upload(context.Background(), UploadRequest{Body: bytes.NewReader(data), OwnerEntityID: "page-1", MimeType: "text/plain"})
	require.NoError(t, err)

	assert.False(t, first.JobsEnqueued[0].Existing)
	assert.True(t, again.JobsEnqueued[0].Existing)
	assert.Equal(t, first.JobsEnqueued[0].ID, again.JobsEnqueued[0].ID)
	assert.Len(t, f.queue.ofType(queue.TypeIngest), 1)

	p := f.queue.ofType(queue.TypeIngest)[0]
	require.NoError(t, f.coord.Process(context.Background(), p, false))
	after := f.owners.get("page-1")
	require.NoError(t, f.coord.Process(context.Background(), p, false))
	replayed := f.owners.get("page-1")

	assert.Equal(t, after.status, replayed.status)
	assert.Equal(t, *after.content, *replayed.content)
	assert.Equal(t, 1, after.resetted)

	// Completed content is not reset by a third identical upload.
	_, err = f.coord.Ingest(context.Background(), p.ContentHash, "page-1", "text/plain", "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, f.owners.get("page-1").status)
	assert.Equal(t, 1, f.queue.requeued, "only the first upload reset the owner")

	index, err := f.cache.Metadata(p.ContentHash)
	require.NoError(t, err)
	assert.Len(t, index, 1)
}

func TestFailedOwnerIsReprocessedOnReupload(t *testing.T) {
	f := newFixture(t, Options{}, "page-1")
	data := []byte("will fail once")

	_, err := f.coord.Upload(context.Background(), UploadRequest{Body: bytes.NewReader(data), OwnerEntityID: "page-1", MimeType: "text/plain"})
	require.NoError(t, err)
	p := f.queue.ofType(queue.TypeIngest)[0]

	err = f.coord.Fail(context.Background(), p, apperr.Permanent(errors.New("disk on fire")), false)
	require.Error(t, err)
	assert.Equal(t, models.StatusFailed, f.owners.get("page-1").status)

	before := f.queue.requeued
	_, err = f.coord.Upload(context.Background(), UploadRequest{Body: bytes.NewReader(data), OwnerEntityID: "page-1", MimeType: "text/plain"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, f.owners.get("page-1").status)
	assert.Equal(t, before+1, f.queue.requeued)
}

func TestUnknownTypeCompletesWithoutContent(t *testing.T) {
	f := newFixture(t, Options{}, "page-1")

	res, err := f.coord.Upload(context.Background(), UploadRequest{
		Body:          strings.NewReader("PK\x03\x04 archive-ish"),
		OwnerEntityID: "page-1",
		MimeType:      "application/zip",
	})
	require.NoError(t, err)
	assert.Len(t, res.JobsEnqueued, 1)

	f.runIngest(t)
	pg := f.owners.get("page-1")
	assert.Equal(t, models.StatusCompleted, pg.status)
	assert.Equal(t, models.MethodNone, pg.method)
	assert.Nil(t, pg.content)
	assert.Nil(t, pg.procErr)
}

func TestUploadSniffsMissingMIME(t *testing.T) {
	f := newFixture(t, Options{}, "page-1")
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 4, 4))))

	res, err := f.coord.Upload(context.Background(), UploadRequest{
		Body:          bytes.NewReader(buf.Bytes()),
		OwnerEntityID: "page-1",
		MimeType:      "application/octet-stream",
	})
	require.NoError(t, err)
	assert.Equal(t, "image/png", res.MimeType)
}

func TestUploadValidation(t *testing.T) {
	f := newFixture(t, Options{MaxUploadBytes: 16}, "page-1")
	ctx := context.Background()

	_, err := f.coord.Upload(ctx, UploadRequest{Body: strings.NewReader("x"), MimeType: "text/plain"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.coord.Upload(ctx, UploadRequest{Body: strings.NewReader(""), OwnerEntityID: "page-1"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.coord.Upload(ctx, UploadRequest{Body: strings.NewReader(strings.Repeat("a", 17)), OwnerEntityID: "page-1"})
	assert.ErrorIs(t, err, apperr.ErrTooLarge)
	assert.Zero(t, countBlobs(t, f.filesDir))

	res, err := f.coord.Upload(ctx, UploadRequest{Body: strings.NewReader(strings.Repeat("a", 16)), OwnerEntityID: "page-1"})
	require.NoError(t, err)
	assert.Equal(t, int64(16), res.Size)

	_, err = f.coord.Upload(ctx, UploadRequest{Body: strings.NewReader("orphan"), OwnerEntityID: "page-404"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestQueueFullRejectsIngest(t *testing.T) {
	f := newFixture(t, Options{MaxQueueDepth: 5}, "page-1")
	f.queue.depth = 5

	_, err := f.coord.Upload(context.Background(), UploadRequest{Body: strings.NewReader("busy"), OwnerEntityID: "page-1", MimeType: "text/plain"})
	assert.ErrorIs(t, err, apperr.ErrQueueFull)
	assert.Empty(t, f.queue.ofType(queue.TypeIngest))
	assert.Equal(t, 1, countBlobs(t, f.filesDir), "the original is kept")
}

func TestFailClassification(t *testing.T) {
	f := newFixture(t, Options{}, "page-1")
	_, err := f.coord.Upload(context.Background(), UploadRequest{Body: strings.NewReader("text"), OwnerEntityID: "page-1", MimeType: "text/plain"})
	require.NoError(t, err)
	p := f.queue.ofType(queue.TypeIngest)[0]
	ctx := context.Background()

	transient := errors.New("i/o timeout")
	err = f.coord.Fail(ctx, p, transient, false)
	assert.Equal(t, transient, err)
	assert.Equal(t, models.StatusPending, f.owners.get("page-1").status, "retries leave the owner alone")

	err = f.coord.Fail(ctx, p, transient, true)
	assert.ErrorIs(t, err, apperr.ErrPermanent)
	pg := f.owners.get("page-1")
	assert.Equal(t, models.StatusFailed, pg.status)
	require.NotNil(t, pg.procErr)
	assert.Contains(t, *pg.procErr, "i/o timeout")
}

func TestProcessCorruptPDFFailsOwner(t *testing.T) {
	f := newFixture(t, Options{}, "page-1")
	_, err := f.coord.Upload(context.Background(), UploadRequest{
		Body:          strings.NewReader("%PDF-1.4 this is not really a pdf"),
		OwnerEntityID: "page-1",
		MimeType:      "application/pdf",
	})
	require.NoError(t, err)

	p := f.queue.ofType(queue.TypeIngest)[0]
	err = f.coord.Process(context.Background(), p, false)
	require.Error(t, err)
	assert.False(t, apperr.Retryable(err))

	pg := f.owners.get("page-1")
	assert.Equal(t, models.StatusFailed, pg.status)
	assert.NotNil(t, pg.procErr)
}

func TestReprocess(t *testing.T) {
	f := newFixture(t, Options{}, "page-1")
	ctx := context.Background()
	res, err := f.coord.Upload(ctx, UploadRequest{Body: strings.NewReader("notes"), OwnerEntityID: "page-1", MimeType: "text/plain"})
	require.NoError(t, err)
	f.runIngest(t)

	_, err = f.coord.Reprocess(ctx, res.ContentHash, "page-1", queue.TypeOCRProcess)
	assert.ErrorIs(t, err, apperr.ErrOCRDisabled)
	assert.Empty(t, f.queue.ofType(queue.TypeOCRProcess), "nothing is enqueued when ocr is off")

	_, err = f.coord.Reprocess(ctx, res.ContentHash, "page-1", queue.TypeIngest)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.coord.Reprocess(ctx, contentstore.HashBytes([]byte("never stored")), "page-1", queue.TypeTextExtract)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	h, err := f.coord.Reprocess(ctx, res.ContentHash, "page-1", queue.TypeTextExtract)
	require.NoError(t, err)
	assert.Equal(t, queue.TypeTextExtract, h.Type)
	jobs := f.queue.ofType(queue.TypeTextExtract)
	require.Len(t, jobs, 1)
	assert.Equal(t, "text/plain", jobs[0].MimeType)
	assert.Equal(t, models.StatusCompleted, f.owners.get("page-1").status, "completed content is not reset")
}

func TestReprocessOCRKeepsOwnerVisual(t *testing.T) {
	f := newFixture(t, Options{OCREnabled: true}, "page-1")
	ctx := context.Background()
	res, err := f.coord.Upload(ctx, UploadRequest{Body: bytes.NewReader(jpegBytes(t, 32, 32)), OwnerEntityID: "page-1", MimeType: "image/jpeg"})
	require.NoError(t, err)
	f.runIngest(t)
	require.Len(t, f.queue.ofType(queue.TypeOCRProcess), 1)

	_, err = f.coord.Reprocess(ctx, res.ContentHash, "page-1", queue.TypeTextExtract)
	assert.ErrorIs(t, err, apperr.ErrValidation, "images have no extractable text")

	h, err := f.coord.Reprocess(ctx, res.ContentHash, "page-1", queue.TypeOCRProcess)
	require.NoError(t, err)
	assert.False(t, h.Existing)
	assert.Len(t, f.queue.ofType(queue.TypeOCRProcess), 1)
	assert.Equal(t, models.StatusVisual, f.owners.get("page-1").status)
}

func TestCorruptImageFailsOwner(t *testing.T) {
	f := newFixture(t, Options{OCREnabled: true}, "page-1")
	_, err := f.coord.Upload(context.Background(), UploadRequest{
		Body:          strings.NewReader("this body is not a jpeg"),
		OwnerEntityID: "page-1",
		OriginalName:  "broken.jpg",
		MimeType:      "image/jpeg",
	})
	require.NoError(t, err)

	p := f.queue.ofType(queue.TypeIngest)[0]
	err = f.coord.Process(context.Background(), p, false)
	require.Error(t, err)
	assert.False(t, apperr.Retryable(err))

	pg := f.owners.get("page-1")
	assert.Equal(t, models.StatusFailed, pg.status)
	require.NotNil(t, pg.procErr)
	assert.Contains(t, *pg.procErr, "read image header")
	assert.Empty(t, f.queue.ofType(queue.TypeImageOptimize))
	assert.Empty(t, f.queue.ofType(queue.TypeOCRProcess))
}

func TestFailedImageJobFailsOwner(t *testing.T) {
	f := newFixture(t, Options{}, "page-1")
	_, err := f.coord.Upload(context.Background(), UploadRequest{Body: bytes.NewReader(jpegBytes(t, 16, 16)), OwnerEntityID: "page-1", MimeType: "image/jpeg"})
	require.NoError(t, err)
	f.runIngest(t)

	jobs := f.queue.ofType(queue.TypeImageOptimize)
	require.NotEmpty(t, jobs)
	err = f.coord.Fail(context.Background(), jobs[0], apperr.Permanent(errors.New("decode jpeg image: unexpected EOF")), false)
	assert.ErrorIs(t, err, apperr.ErrPermanent)

	pg := f.owners.get("page-1")
	assert.Equal(t, models.StatusFailed, pg.status)
	require.NotNil(t, pg.procErr)
	assert.Contains(t, *pg.procErr, "unexpected EOF")
}

func TestVisualOwnerWaitsForFanOut(t *testing.T) {
	f := newFixture(t, Options{}, "page-1")
	_, err := f.coord.Upload(context.Background(), UploadRequest{Body: bytes.NewReader(jpegBytes(t, 16, 16)), OwnerEntityID: "page-1", MimeType: "image/jpeg"})
	require.NoError(t, err)
	p := f.queue.ofType(queue.TypeIngest)[0]

	f.queue.failType = queue.TypeImageOptimize
	err = f.coord.Process(context.Background(), p, false)
	require.Error(t, err)
	assert.True(t, apperr.Retryable(err))
	assert.Equal(t, models.StatusPending, f.owners.get("page-1").status, "no visual state without image jobs")

	f.queue.failType = ""
	require.NoError(t, f.coord.Process(context.Background(), p, false))
	assert.Equal(t, models.StatusVisual, f.owners.get("page-1").status)
	assert.Len(t, f.queue.ofType(queue.TypeImageOptimize), 2)
}

func TestReprocessRequiresReferencedContent(t *testing.T) {
	f := newFixture(t, Options{}, "page-1", "page-2")
	ctx := context.Background()
	first, err := f.coord.Upload(ctx, UploadRequest{Body: strings.NewReader("first notes"), OwnerEntityID: "page-1", MimeType: "text/plain"})
	require.NoError(t, err)
	_, err = f.coord.Upload(ctx, UploadRequest{Body: strings.NewReader("second notes"), OwnerEntityID: "page-2", MimeType: "text/plain"})
	require.NoError(t, err)
	f.runIngest(t)
	before := f.owners.get("page-2")

	_, err = f.coord.Reprocess(ctx, first.ContentHash, "page-2", queue.TypeTextExtract)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	after := f.owners.get("page-2")
	assert.Equal(t, before.hash, after.hash, "owner keeps pointing at its own content")
	assert.Equal(t, models.StatusCompleted, after.status)
	assert.Empty(t, f.queue.ofType(queue.TypeTextExtract))

	_, err = f.coord.Reprocess(ctx, first.ContentHash, "page-404", queue.TypeTextExtract)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
