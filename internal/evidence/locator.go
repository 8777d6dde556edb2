// Package evidence finds the text span most relevant to a criterion inside an
// extracted document. Ranking runs over an in-memory BM25 index built per
// document, with a plain proximity count as fallback; nothing here suspends.
package evidence

import (
	"fmt"
	"strings"

	"github.com/blevesearch/bleve"

	"github.com/veridoc/veridoc/internal/models"
	"github.com/veridoc/veridoc/internal/section"
)

// block is one indexed paragraph with its position in the concatenated text.
type block struct {
	ID    string
	Page  int
	Start int
	End   int
	Text  string
}

// indexedBlock is what bleve stores per block id.
type indexedBlock struct {
	Text string `json:"text"`
}

// DocumentIndex is a searchable view over one document's extracted pages.
// Build it once per document per run and Close it when the run is done.
type DocumentIndex struct {
	DocumentID string
	idx        bleve.Index
	blocks     map[string]block
	ordered    []block
	sections   section.Index
}

// NewDocumentIndex splits pages into paragraph blocks and indexes them.
func NewDocumentIndex(documentID string, pages []models.ExtractedPage, sections section.Index) (*DocumentIndex, error) {
	idx, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("evidence index: %w", err)
	}
	d := &DocumentIndex{
		DocumentID: documentID,
		idx:        idx,
		blocks:     make(map[string]block),
		sections:   sections,
	}
	for _, b := range splitBlocks(pages) {
		d.blocks[b.ID] = b
		d.ordered = append(d.ordered, b)
		if err := idx.Index(b.ID, indexedBlock{Text: b.Text}); err != nil {
			_ = idx.Close()
			return nil, fmt.Errorf("evidence index block %s: %w", b.ID, err)
		}
	}
	return d, nil
}

func (d *DocumentIndex) Close() error {
	return d.idx.Close()
}

// Locator ranks candidate spans for criteria.
type Locator struct {
	MinScore   float64
	SnippetMax int
}

func NewLocator(minScore float64, snippetMax int) *Locator {
	if snippetMax <= 0 {
		snippetMax = 300
	}
	return &Locator{MinScore: minScore, SnippetMax: snippetMax}
}

// Locate returns the top-ranked span for the criterion mapped through the
// section index, or nil when no candidate clears the relevance threshold.
// A nil result is a recorded "no evidence found", not an error.
func (l *Locator) Locate(criterion models.Criterion, doc *DocumentIndex) (*models.EvidenceReference, error) {
	terms := Keywords(criterion.Name + " " + criterion.Description)
	if len(terms) == 0 || len(doc.ordered) == 0 {
		return nil, nil
	}

	query := bleve.NewQueryStringQuery(strings.Join(terms, " "))
	req := bleve.NewSearchRequestOptions(query, 5, 0, false)
	res, err := doc.idx.Search(req)
	if err != nil {
		return nil, fmt.Errorf("evidence search: %w", err)
	}
	if len(res.Hits) > 0 && res.Hits[0].Score >= l.MinScore {
		if b, ok := doc.blocks[res.Hits[0].ID]; ok {
			return l.reference(doc, b), nil
		}
	}

	// fallback: raw term-occurrence scoring over blocks
	if b, ok := bestByProximity(doc.ordered, terms); ok {
		return l.reference(doc, b), nil
	}
	return nil, nil
}

func (l *Locator) reference(doc *DocumentIndex, b block) *models.EvidenceReference {
	return &models.EvidenceReference{
		DocumentID: doc.DocumentID,
		Page:       b.Page,
		Section:    doc.sections.LabelAt(b.Start),
		Snippet:    TrimSnippet(b.Text, l.SnippetMax),
		Start:      b.Start,
		End:        b.End,
	}
}

// bestByProximity picks the block with the most distinct term hits; at least
// one term must appear.
func bestByProximity(blocks []block, terms []string) (block, bool) {
	var (
		best      block
		bestScore int
	)
	for _, b := range blocks {
		lower := strings.ToLower(b.Text)
		score := 0
		for _, t := range terms {
			if strings.Contains(lower, t) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = b, score
		}
	}
	return best, bestScore > 0
}

// splitBlocks cuts pages into paragraph blocks on blank lines, preserving
// global offsets.
func splitBlocks(pages []models.ExtractedPage) []block {
	var out []block
	for _, page := range pages {
		start := page.Offset
		for _, para := range strings.Split(page.Text, "\n\n") {
			trimmed := strings.TrimSpace(para)
			if trimmed != "" {
				lead := strings.Index(para, trimmed)
				b := block{
					ID:    fmt.Sprintf("p%d-%d", page.Number, start+lead),
					Page:  page.Number,
					Start: start + lead,
					End:   start + lead + len(trimmed),
					Text:  trimmed,
				}
				out = append(out, b)
			}
			start += len(para) + 2
		}
	}
	return out
}

// TrimSnippet bounds a snippet without cutting words mid-way when avoidable.
func TrimSnippet(text string, max int) string {
	text = strings.Join(strings.Fields(text), " ")
	if len(text) <= max {
		return text
	}
	cut := text[:max]
	if i := strings.LastIndexByte(cut, ' '); i > max/2 {
		cut = cut[:i]
	}
	return cut + "…"
}

var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "that": {}, "this": {},
	"must": {}, "shall": {}, "should": {}, "have": {}, "has": {}, "been": {},
	"are": {}, "was": {}, "were": {}, "all": {}, "any": {}, "each": {},
	"not": {}, "from": {}, "its": {}, "into": {}, "per": {},
	"document": {}, "criterion": {}, "contain": {}, "contains": {}, "include": {},
	"includes": {}, "provide": {}, "provides": {}, "present": {},
}

// Keywords extracts search terms from a criterion description: lower-cased,
// punctuation stripped, stopwords and short tokens dropped, capped at 12.
func Keywords(text string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, field := range strings.Fields(strings.ToLower(text)) {
		term := strings.TrimFunc(field, func(r rune) bool {
			return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
		})
		if len(term) < 3 {
			continue
		}
		if _, ok := stopwords[term]; ok {
			continue
		}
		if _, ok := seen[term]; ok {
			continue
		}
		seen[term] = struct{}{}
		out = append(out, term)
		if len(out) == 12 {
			break
		}
	}
	return out
}
