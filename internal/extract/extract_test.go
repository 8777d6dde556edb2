package extract

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/veridoc/veridoc/internal/docstore"
)

func TestExtractTextSplitsOnFormFeed(t *testing.T) {
	blob := docstore.Blob{ID: "doc-1", MediaType: "text/plain", Data: []byte("page one\fpage two\fpage three")}
	pages, err := New().Extract(context.Background(), blob)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(pages) != 3 {
		t.Fatalf("expected 3 pages, got %d", len(pages))
	}
	if pages[0].Number != 1 || pages[2].Number != 3 {
		t.Fatalf("page numbers wrong: %+v", pages)
	}
	if pages[1].Text != "page two" {
		t.Fatalf("page 2 text = %q", pages[1].Text)
	}
}

func TestExtractTextSinglePageWithoutFormFeed(t *testing.T) {
	blob := docstore.Blob{ID: "doc-1", MediaType: "text/plain", Data: []byte("just one page")}
	pages, err := New().Extract(context.Background(), blob)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(pages) != 1 || pages[0].Number != 1 {
		t.Fatalf("expected one page numbered 1, got %+v", pages)
	}
}

func TestExtractDeterministic(t *testing.T) {
	blob := docstore.Blob{ID: "doc-1", MediaType: "text/plain", Data: []byte("alpha\fbeta\fgamma")}
	first, err := New().Extract(context.Background(), blob)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	second, err := New().Extract(context.Background(), blob)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("extraction is not deterministic:\n%+v\n%+v", first, second)
	}
}

func TestExtractOffsetsMatchConcat(t *testing.T) {
	blob := docstore.Blob{ID: "doc-1", MediaType: "text/plain", Data: []byte("alpha\fbeta\fgamma")}
	pages, err := New().Extract(context.Background(), blob)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	text := Concat(pages)
	for _, p := range pages {
		got := text[p.Offset : p.Offset+len(p.Text)]
		if got != p.Text {
			t.Fatalf("page %d offset points at %q, want %q", p.Number, got, p.Text)
		}
	}
}

func TestExtractUnsupportedFormat(t *testing.T) {
	blob := docstore.Blob{ID: "doc-1", MediaType: "image/png", Data: []byte{0x89, 0x50}}
	_, err := New().Extract(context.Background(), blob)
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("expected ErrUnsupportedFormat, got %v", err)
	}
}

func TestExtractEmptyDocumentIsCorrupt(t *testing.T) {
	blob := docstore.Blob{ID: "doc-1", MediaType: "text/plain", Data: []byte("  \f \n ")}
	_, err := New().Extract(context.Background(), blob)
	if !errors.Is(err, ErrCorruptInput) {
		t.Fatalf("expected ErrCorruptInput, got %v", err)
	}
}

func TestExtractCorruptPDFFailsAtomically(t *testing.T) {
	blob := docstore.Blob{ID: "doc-1", MediaType: "application/pdf", Data: []byte("%PDF-1.7 truncated garbage")}
	pages, err := New().Extract(context.Background(), blob)
	if !errors.Is(err, ErrCorruptInput) {
		t.Fatalf("expected ErrCorruptInput, got %v", err)
	}
	if pages != nil {
		t.Fatalf("corrupt input must not yield partial pages: %+v", pages)
	}
}

func TestExtractMediaTypeParameterIgnored(t *testing.T) {
	blob := docstore.Blob{ID: "doc-1", MediaType: "text/plain; charset=utf-8", Data: []byte("hello")}
	if _, err := New().Extract(context.Background(), blob); err != nil {
		t.Fatalf("Extract: %v", err)
	}
}

func TestMemoryCacheRoundTrip(t *testing.T) {
	cache := NewMemoryCache()
	ctx := context.Background()

	if _, ok, _ := cache.Get(ctx, "doc-1", Version); ok {
		t.Fatalf("unexpected hit on empty cache")
	}
	blob := docstore.Blob{ID: "doc-1", MediaType: "text/plain", Data: []byte("alpha\fbeta")}
	pages, err := New().Extract(ctx, blob)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if err := cache.Set(ctx, "doc-1", Version, pages); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := cache.Get(ctx, "doc-1", Version)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%t err=%v", ok, err)
	}
	if !reflect.DeepEqual(got, pages) {
		t.Fatalf("cache returned %+v, want %+v", got, pages)
	}
	// a different extractor version must miss
	if _, ok, _ := cache.Get(ctx, "doc-1", "v0"); ok {
		t.Fatalf("version mismatch must be a miss")
	}
}
