// Package section assigns human-readable section labels to extracted text.
// The heuristics are intentionally conservative: a missed boundary degrades
// evidence precision, it never breaks the pipeline.
package section

import (
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/veridoc/veridoc/internal/models"
)

// UnlabeledSection is the fallback label for text preceding any detected heading.
const UnlabeledSection = "Unlabeled"

// Section is one labeled range in the document's concatenated text.
type Section struct {
	Label string `json:"label"`
	Start int    `json:"start"`
	End   int    `json:"end"` // exclusive
}

// Index maps character offsets to section labels. Ranges are non-overlapping,
// sorted, and cover the full document span with no gaps.
type Index struct {
	Sections []Section `json:"sections"`
}

var (
	numberedHeading = regexp.MustCompile(`^\s*\d+(\.\d+)*[.):]?\s+\S`)
	namedHeading    = regexp.MustCompile(`^\s*(Section|Chapter|Part|Appendix|Annex)\s+[\dA-Z]`)
)

// Build derives a section index from extracted pages. It always returns a
// usable index; when no headings are detected the whole document is one
// "Unlabeled" section.
func Build(pages []models.ExtractedPage) Index {
	total := concatLength(pages)
	if total == 0 {
		return Index{Sections: []Section{{Label: UnlabeledSection, Start: 0, End: 0}}}
	}

	type candidate struct {
		label  string
		offset int
	}
	var candidates []candidate
	for _, page := range pages {
		lineStart := page.Offset
		lines := strings.Split(page.Text, "\n")
		for i, line := range lines {
			if isHeading(line, nextLine(lines, i)) {
				candidates = append(candidates, candidate{
					label:  strings.TrimSpace(line),
					offset: lineStart,
				})
			}
			lineStart += len(line) + 1
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].offset < candidates[j].offset })

	var sections []Section
	if len(candidates) == 0 || candidates[0].offset > 0 {
		end := total
		if len(candidates) > 0 {
			end = candidates[0].offset
		}
		sections = append(sections, Section{Label: UnlabeledSection, Start: 0, End: end})
	}
	for i, c := range candidates {
		end := total
		if i+1 < len(candidates) {
			end = candidates[i+1].offset
		}
		if end <= c.offset {
			continue // duplicate heading offset; keep the first
		}
		sections = append(sections, Section{Label: c.label, Start: c.offset, End: end})
	}
	return Index{Sections: sections}
}

// LabelAt resolves an offset to the section covering it, falling back to the
// nearest preceding section label.
func (ix Index) LabelAt(offset int) string {
	if len(ix.Sections) == 0 {
		return UnlabeledSection
	}
	i := sort.Search(len(ix.Sections), func(i int) bool { return ix.Sections[i].Start > offset })
	if i == 0 {
		return ix.Sections[0].Label
	}
	return ix.Sections[i-1].Label
}

func isHeading(line, next string) bool {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || len(trimmed) > 80 {
		return false
	}
	if numberedHeading.MatchString(line) {
		return true
	}
	if namedHeading.MatchString(line) {
		return true
	}
	// short isolated capitalized line followed by a blank line
	if strings.TrimSpace(next) == "" && len(trimmed) <= 60 && looksCapitalized(trimmed) {
		return true
	}
	return false
}

// looksCapitalized reports whether every word starts with an upper-case rune
// (articles and similar short words excepted) and the line has no terminal
// punctuation, which is what titles tend to look like.
func looksCapitalized(line string) bool {
	if strings.HasSuffix(line, ".") || strings.HasSuffix(line, ",") || strings.HasSuffix(line, ";") {
		return false
	}
	words := strings.Fields(line)
	if len(words) == 0 || len(words) > 8 {
		return false
	}
	capitalized := 0
	for _, w := range words {
		r := []rune(w)[0]
		if unicode.IsUpper(r) {
			capitalized++
		} else if !unicode.IsLetter(r) {
			return false
		}
	}
	return capitalized >= (len(words)+1)/2 && unicode.IsUpper([]rune(words[0])[0])
}

func nextLine(lines []string, i int) string {
	if i+1 < len(lines) {
		return lines[i+1]
	}
	return ""
}

func concatLength(pages []models.ExtractedPage) int {
	if len(pages) == 0 {
		return 0
	}
	last := pages[len(pages)-1]
	return last.Offset + len(last.Text)
}
