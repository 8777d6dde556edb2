package evidence

import (
	"strings"
	"testing"

	"github.com/veridoc/veridoc/internal/models"
	"github.com/veridoc/veridoc/internal/section"
)

func testPages() []models.ExtractedPage {
	p1 := "1. Parties\nThe agreement is between Acme Corp and Beta LLC.\n\nBoth parties are registered companies."
	p2 := "2. Signatures\nThe contract was signed by both authorized representatives on 12 March 2026.\n\nWitnessed by a notary public."
	return []models.ExtractedPage{
		{Number: 1, Text: p1, Offset: 0},
		{Number: 2, Text: p2, Offset: len(p1) + 1},
	}
}

func testIndex(t *testing.T) *DocumentIndex {
	t.Helper()
	pages := testPages()
	idx, err := NewDocumentIndex("doc-1", pages, section.Build(pages))
	if err != nil {
		t.Fatalf("NewDocumentIndex: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestLocateFindsRelevantSpan(t *testing.T) {
	idx := testIndex(t)
	loc := NewLocator(0.01, 300)

	criterion := models.Criterion{
		Name:        "Signature requirement",
		Description: "The contract must be signed by authorized representatives.",
	}
	ref, err := loc.Locate(criterion, idx)
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if ref == nil {
		t.Fatalf("expected a candidate span")
	}
	if ref.DocumentID != "doc-1" || ref.Page != 2 {
		t.Fatalf("expected evidence on page 2 of doc-1, got %+v", ref)
	}
	if !strings.Contains(ref.Snippet, "signed") {
		t.Fatalf("snippet %q should mention the signing", ref.Snippet)
	}
	if ref.Section != "2. Signatures" {
		t.Fatalf("section = %q", ref.Section)
	}
}

func TestLocateNoMatchReturnsNilNil(t *testing.T) {
	idx := testIndex(t)
	loc := NewLocator(0.01, 300)

	criterion := models.Criterion{
		Name:        "Quarterly emissions reporting",
		Description: "Greenhouse emissions totals reported quarterly.",
	}
	ref, err := loc.Locate(criterion, idx)
	if err != nil {
		t.Fatalf("Locate must not error on a miss: %v", err)
	}
	if ref != nil {
		t.Fatalf("expected no candidate, got %+v", ref)
	}
}

func TestLocateSpanOffsetsAddressConcatenatedText(t *testing.T) {
	idx := testIndex(t)
	loc := NewLocator(0.01, 300)

	criterion := models.Criterion{Name: "Notary", Description: "Witnessed by a notary."}
	ref, err := loc.Locate(criterion, idx)
	if err != nil {
		t.Fatalf("Locate: %v", err)
	}
	if ref == nil {
		t.Fatalf("expected a candidate span")
	}
	var full strings.Builder
	for i, p := range testPages() {
		if i > 0 {
			full.WriteByte('\n')
		}
		full.WriteString(p.Text)
	}
	got := full.String()[ref.Start:ref.End]
	if !strings.Contains(got, "notary") {
		t.Fatalf("span [%d:%d] = %q does not cover the cited text", ref.Start, ref.End, got)
	}
}

func TestTrimSnippetWordBoundary(t *testing.T) {
	text := strings.Repeat("word ", 100)
	got := TrimSnippet(text, 50)
	if len(got) > 54 { // allow for the ellipsis rune
		t.Fatalf("snippet too long: %d", len(got))
	}
	if strings.Contains(strings.TrimSuffix(got, "…"), "wor ") {
		t.Fatalf("snippet cut a word in half: %q", got)
	}
}

func TestTrimSnippetShortTextUnchanged(t *testing.T) {
	if got := TrimSnippet("short text", 300); got != "short text" {
		t.Fatalf("got %q", got)
	}
}

func TestKeywords(t *testing.T) {
	got := Keywords("The contract MUST contain a signature, from each party.")
	for _, banned := range []string{"the", "must", "contain", "a"} {
		for _, term := range got {
			if term == banned {
				t.Fatalf("stopword or short token %q survived: %v", banned, got)
			}
		}
	}
	want := map[string]bool{"contract": true, "signature": true, "party": true}
	for _, term := range got {
		delete(want, term)
	}
	if len(want) != 0 {
		t.Fatalf("missing terms %v in %v", want, got)
	}
}
