package handlers

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/nikhilbhutani/processor/internal/apperr"
	"github.com/nikhilbhutani/processor/internal/ingest"
)

// multipartMemory is the part of a multipart body kept in memory; the rest
// spills to temporary files.
const multipartMemory = 32 << 20

type Uploader interface {
	Upload(ctx context.Context, req ingest.UploadRequest) (*ingest.UploadResult, error)
}

type UploadHandler struct {
	uploader Uploader
	maxBytes int64
}

func NewUploadHandler(uploader Uploader, maxBytes int64) *UploadHandler {
	return &UploadHandler{uploader: uploader, maxBytes: maxBytes}
}

// Upload accepts either a multipart form with a "file" part or a raw body
// described by X-Owner-Entity-Id and X-Original-Name.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	req := ingest.UploadRequest{
		UploadedBy:   r.Header.Get("X-Uploaded-By"),
		OwnerContext: r.Header.Get("X-Owner-Context"),
		TraceID:      traceID(r),
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if h.maxBytes > 0 {
			// Room for the form fields and part headers around the file.
			r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+1<<20)
		}
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(w, r, apperr.ErrTooLarge)
				return
			}
			writeError(w, r, fmt.Errorf("%w: invalid multipart form", apperr.ErrValidation))
			return
		}
		defer r.MultipartForm.RemoveAll()

		file, header, err := r.FormFile("file")
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: file required", apperr.ErrValidation))
			return
		}
		defer file.Close()

		req.Body = file
		req.OwnerEntityID = r.FormValue("ownerEntityId")
		req.OriginalName = r.FormValue("originalName")
		if req.OriginalName == "" {
			req.OriginalName = header.Filename
		}
		req.MimeType = header.Header.Get("Content-Type")
		req.Priority = parsePriority(r.FormValue("priority"))
	} else {
		req.Body = r.Body
		req.OwnerEntityID = r.Header.Get("X-Owner-Entity-Id")
		req.OriginalName = r.Header.Get("X-Original-Name")
		req.MimeType = r.Header.Get("Content-Type")
		req.Priority = parsePriority(r.Header.Get("X-Priority"))
	}
	if req.Priority == 0 {
		req.Priority = parsePriority(r.URL.Query().Get("priority"))
	}

	res, err := h.uploader.Upload(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

// parsePriority accepts an integer or one of critical, default and low.
func parsePriority(v string) int {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "default", "normal":
		return 0
	case "critical", "high":
		return 1
	case "low":
		return -1
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func traceID(r *http.Request) string {
	if id := r.Header.Get("X-Trace-Id"); id != "" {
		return id
	}
	if id := chimiddleware.GetReqID(r.Context()); id != "" {
		return id
	}
	return uuid.NewString()
}
