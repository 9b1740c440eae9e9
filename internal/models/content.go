package models

import (
	"encoding/json"
	"time"
)

// ContentBlob is the metadata sidecar of an immutable, content-addressed file.
type ContentBlob struct {
	ContentHash  string    `json:"contentHash"`
	OriginalName string    `json:"originalName"`
	Size         int64     `json:"size"`
	MimeType     string    `json:"mimeType"`
	UploadedAt   time.Time `json:"uploadedAt"`
	UploadedBy   string    `json:"uploadedBy,omitempty"`
	OwnerContext string    `json:"ownerContext,omitempty"`
}

// ArtifactMeta describes one derived artifact keyed by (contentHash, preset).
type ArtifactMeta struct {
	Preset      string    `json:"preset"`
	Format      string    `json:"format"`
	ContentType string    `json:"contentType"`
	ByteSize    int64     `json:"byteSize"`
	Width       int       `json:"width,omitempty"`
	Height      int       `json:"height,omitempty"`
	ProcessedAt time.Time `json:"processedAt"`
}

// Artifact presets written to the cache store.
const (
	PresetThumbnail     = "thumbnail"
	PresetAIChat        = "ai-chat"
	PresetExtractedText = "extracted-text"
	PresetOCRText       = "ocr-text"
)

// Processing status values of the owner entity.
const (
	StatusPending   = "pending"
	StatusVisual    = "visual"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Extraction methods recorded on the owner entity.
const (
	MethodVisual = "visual"
	MethodText   = "text"
	MethodOCR    = "ocr"
	MethodNone   = "none"
)

// ProcessingUpdate is the full set of processing fields written to the owner
// entity in a single statement. Nil pointers are written as NULL.
type ProcessingUpdate struct {
	ContentHash        string
	Status             string
	ExtractionMethod   string
	Content            *string
	ExtractionMetadata json.RawMessage
	ProcessingError    *string
	ProcessedAt        *time.Time
}
