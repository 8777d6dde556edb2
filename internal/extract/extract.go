// Package extract turns raw document bytes into an ordered sequence of
// page-tagged text blocks. Extraction is deterministic for a given Version,
// fails atomically (never returns a truncated page list) and does no caching
// of its own; the orchestrator owns the cache.
package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/veridoc/veridoc/internal/docstore"
	"github.com/veridoc/veridoc/internal/models"
)

var (
	// ErrUnsupportedFormat means the declared media type has no extractor.
	ErrUnsupportedFormat = errors.New("unsupported document format")
	// ErrCorruptInput means parsing failed partway; partial output is discarded.
	ErrCorruptInput = errors.New("corrupt document input")
)

// Version tags cached extraction output. Bump it whenever extraction output
// for unchanged bytes could differ, so stale cache entries miss.
const Version = "v1"

// Extractor converts a raw document into ordered extracted pages.
type Extractor struct{}

func New() *Extractor {
	return &Extractor{}
}

// Version returns the extractor version used in cache keys.
func (e *Extractor) Version() string { return Version }

// Extract parses the blob into pages. A document that yields zero pages is
// corrupt, not an empty success.
func (e *Extractor) Extract(ctx context.Context, blob docstore.Blob) ([]models.ExtractedPage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		pages []models.ExtractedPage
		err   error
	)
	switch normalizeMediaType(blob.MediaType) {
	case "text/plain", "text/markdown":
		pages, err = extractText(blob.Data)
	case "text/html":
		pages, err = extractHTML(blob.Data)
	case "application/pdf":
		pages, err = extractPDF(blob.Data)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, blob.MediaType)
	}
	if err != nil {
		return nil, err
	}
	if len(pages) == 0 || allBlank(pages) {
		return nil, fmt.Errorf("%w: document %s yielded no text", ErrCorruptInput, blob.ID)
	}
	assignOffsets(pages)
	return pages, nil
}

func normalizeMediaType(mt string) string {
	mt = strings.TrimSpace(strings.ToLower(mt))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	return mt
}

// extractText splits plain text into pages on form feeds; a document without
// form feeds is a single page.
func extractText(data []byte) ([]models.ExtractedPage, error) {
	text := string(data)
	if !strings.Contains(text, "\f") {
		return []models.ExtractedPage{{Number: 1, Text: text}}, nil
	}
	parts := strings.Split(text, "\f")
	pages := make([]models.ExtractedPage, 0, len(parts))
	for i, part := range parts {
		pages = append(pages, models.ExtractedPage{Number: i + 1, Text: part})
	}
	return pages, nil
}

func allBlank(pages []models.ExtractedPage) bool {
	for _, p := range pages {
		if strings.TrimSpace(p.Text) != "" {
			return false
		}
	}
	return true
}

// assignOffsets places every page in the document's concatenated coordinate
// space. Pages are joined with a single newline so spans on page boundaries
// stay addressable.
func assignOffsets(pages []models.ExtractedPage) {
	offset := 0
	for i := range pages {
		pages[i].Offset = offset
		offset += len(pages[i].Text) + 1
	}
}

// Concat rebuilds the concatenated document text the offsets refer to.
func Concat(pages []models.ExtractedPage) string {
	parts := make([]string, len(pages))
	for i, p := range pages {
		parts[i] = p.Text
	}
	return strings.Join(parts, "\n")
}
