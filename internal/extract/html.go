package extract

import (
	"bytes"
	"fmt"
	"net/url"

	readability "github.com/go-shiori/go-readability"

	"github.com/veridoc/veridoc/internal/models"
)

// extractHTML pulls the readable article text out of an HTML document.
// HTML has no physical pages, so the whole body lands on page 1.
func extractHTML(data []byte) ([]models.ExtractedPage, error) {
	pageURL, _ := url.Parse("about:blank")
	article, err := readability.FromReader(bytes.NewReader(data), pageURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptInput, err)
	}
	return []models.ExtractedPage{{Number: 1, Text: article.TextContent}}, nil
}
