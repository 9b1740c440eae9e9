package textextract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/lu4p/cat"
)

const (
	MimePDF  = "application/pdf"
	MimeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MimeText = "text/plain"
)

// ErrUnsupported is returned for types this package cannot read.
var ErrUnsupported = errors.New("unsupported file type")

// ErrMalformed is returned when a document cannot be parsed at all.
var ErrMalformed = errors.New("malformed document")

var pageTimeout = 10 * time.Second

type ExtractedText struct {
	Content  string
	Pages    int
	Metadata map[string]string
}

// Extract reads the text of a document. mimeType must already be normalized.
func Extract(ctx context.Context, data []byte, mimeType string) (*ExtractedText, error) {
	switch mimeType {
	case MimePDF:
		return extractPDF(ctx, data)
	case MimeDOCX:
		return extractDOCX(data)
	case MimeText:
		return extractTXT(data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupported, mimeType)
	}
}

func SupportedTypes() []string {
	return []string{MimePDF, MimeDOCX, MimeText}
}

func extractPDF(ctx context.Context, data []byte) (result *ExtractedText, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("%w: pdf: %v", ErrMalformed, r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: open pdf: %v", ErrMalformed, err)
	}

	var buf strings.Builder
	numPages := reader.NumPage()
	textPages := 0

	for i := 1; i <= numPages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := pageText(ctx, page)
		if err != nil {
			// One unreadable page does not void the rest of the document.
			continue
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		textPages++
		buf.WriteString(text)
		buf.WriteString("\n\n")
	}

	return &ExtractedText{
		Content: strings.TrimSpace(buf.String()),
		Pages:   numPages,
		Metadata: map[string]string{
			"type":       "pdf",
			"text_pages": fmt.Sprint(textPages),
		},
	}, nil
}

// pageText bounds the time spent on a single page; some malformed content
// streams make the parser spin.
func pageText(ctx context.Context, page pdf.Page) (string, error) {
	type result struct {
		content string
		err     error
	}
	resChan := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resChan <- result{err: fmt.Errorf("page text: %v", r)}
			}
		}()
		content, err := page.GetPlainText(nil)
		resChan <- result{content, err}
	}()

	select {
	case r := <-resChan:
		return r.content, r.err
	case <-time.After(pageTimeout):
		return "", errors.New("page text: timeout")
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// extractDOCX goes through a temp file since cat picks the parser by
// file extension.
func extractDOCX(data []byte) (*ExtractedText, error) {
	tmp, err := os.CreateTemp("", "extract-*.docx")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		tmp.Close()
		return nil, fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close temp file: %w", err)
	}

	text, err := cat.File(tmp.Name())
	if err != nil {
		return nil, fmt.Errorf("%w: docx: %v", ErrMalformed, err)
	}

	return &ExtractedText{
		Content: strings.TrimSpace(text),
		Pages:   1,
		Metadata: map[string]string{
			"type": "docx",
		},
	}, nil
}

func extractTXT(data []byte) (*ExtractedText, error) {
	if !utf8.Valid(data) {
		data = bytes.ToValidUTF8(data, []byte("�"))
	}
	return &ExtractedText{
		Content: string(bytes.TrimSpace(data)),
		Pages:   1,
		Metadata: map[string]string{
			"type": "txt",
		},
	}, nil
}
