package extract

import (
	"bytes"
	"fmt"

	"github.com/ledongthuc/pdf"

	"github.com/veridoc/veridoc/internal/models"
)

// extractPDF walks the PDF page tree in order. Page boundaries are preserved
// exactly; a page that fails to decode aborts the whole extraction rather
// than returning a truncated sequence.
func extractPDF(data []byte) (pages []models.ExtractedPage, err error) {
	// the pdf reader panics on some malformed inputs
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = fmt.Errorf("%w: pdf parser panic: %v", ErrCorruptInput, r)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptInput, err)
	}

	total := reader.NumPage()
	if total == 0 {
		return nil, fmt.Errorf("%w: pdf has no pages", ErrCorruptInput)
	}
	pages = make([]models.ExtractedPage, 0, total)
	for n := 1; n <= total; n++ {
		page := reader.Page(n)
		if page.V.IsNull() {
			return nil, fmt.Errorf("%w: pdf page %d missing", ErrCorruptInput, n)
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("%w: pdf page %d: %v", ErrCorruptInput, n, err)
		}
		pages = append(pages, models.ExtractedPage{Number: n, Text: text})
	}
	return pages, nil
}
