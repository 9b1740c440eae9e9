// Package classify maps a MIME type to the processing strategy used for it.
package classify

import (
	"mime"
	"strings"
)

// Strategy is the closed set of processing paths for stored content.
type Strategy int

const (
	Unknown Strategy = iota
	Visual
	TextExtractable
)

func (s Strategy) String() string {
	switch s {
	case Visual:
		return "visual"
	case TextExtractable:
		return "text-extractable"
	default:
		return "unknown"
	}
}

const (
	MimePDF  = "application/pdf"
	MimeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MimeText = "text/plain"
)

var textExtractable = map[string]bool{
	MimePDF:  true,
	MimeDOCX: true,
	MimeText: true,
}

// Normalize lowercases a MIME type and strips its parameters.
func Normalize(mimeType string) string {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		mt, _, _ = strings.Cut(mimeType, ";")
	}
	return strings.ToLower(strings.TrimSpace(mt))
}

// Classify has no I/O; unrecognized types are stored but never processed.
func Classify(mimeType string) Strategy {
	mt := Normalize(mimeType)
	switch {
	case strings.HasPrefix(mt, "image/") && len(mt) > len("image/"):
		return Visual
	case textExtractable[mt]:
		return TextExtractable
	default:
		return Unknown
	}
}
