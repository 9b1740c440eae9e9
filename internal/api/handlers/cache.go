package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nikhilbhutani/processor/internal/models"
)

type BlobReader interface {
	Open(hash string) (*os.File, error)
	Metadata(hash string) (*models.ContentBlob, error)
}

type ArtifactReader interface {
	Open(hash, preset string) (*os.File, error)
	Metadata(hash string) (map[string]models.ArtifactMeta, error)
}

type UploadCounter interface {
	Uploads(ctx context.Context, contentHash string) (int64, error)
}

// CacheHandler serves originals and derived artifacts. Both are immutable
// once published, so responses are cacheable forever.
type CacheHandler struct {
	blobs     BlobReader
	artifacts ArtifactReader
	uploads   UploadCounter
}

// NewCacheHandler wires the handler. uploads may be nil.
func NewCacheHandler(blobs BlobReader, artifacts ArtifactReader, uploads UploadCounter) *CacheHandler {
	return &CacheHandler{blobs: blobs, artifacts: artifacts, uploads: uploads}
}

type contentMetadata struct {
	*models.ContentBlob
	UploadCount int64                          `json:"uploadCount"`
	Artifacts   map[string]models.ArtifactMeta `json:"artifacts"`
}

func (h *CacheHandler) Original(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	blob, err := h.blobs.Metadata(hash)
	if err != nil {
		writeError(w, r, err)
		return
	}
	f, err := h.blobs.Open(hash)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer f.Close()

	serveImmutable(w, r, f, hash, blob.MimeType, blob.UploadedAt)
}

func (h *CacheHandler) Metadata(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	blob, err := h.blobs.Metadata(hash)
	if err != nil {
		writeError(w, r, err)
		return
	}
	artifacts, err := h.artifacts.Metadata(hash)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := contentMetadata{ContentBlob: blob, Artifacts: artifacts}
	if h.uploads != nil {
		n, err := h.uploads.Uploads(r.Context(), hash)
		if err != nil {
			slog.WarnContext(r.Context(), "failed to read upload count", "content_hash", hash, "error", err)
		}
		resp.UploadCount = n
	}
	writeJSON(w, http.StatusOK, resp)
}

// Artifact returns 404 until the preset has been published.
func (h *CacheHandler) Artifact(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	preset := chi.URLParam(r, "preset")

	f, err := h.artifacts.Open(hash, preset)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer f.Close()

	contentType := ""
	var modTime time.Time
	if index, err := h.artifacts.Metadata(hash); err == nil {
		if meta, ok := index[preset]; ok {
			contentType = meta.ContentType
			modTime = meta.ProcessedAt
		}
	}
	serveImmutable(w, r, f, hash+"-"+preset, contentType, modTime)
}

func serveImmutable(w http.ResponseWriter, r *http.Request, f *os.File, etag, contentType string, modTime time.Time) {
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.Header().Set("ETag", `"`+etag+`"`)
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeContent(w, r, "", modTime, f)
}
