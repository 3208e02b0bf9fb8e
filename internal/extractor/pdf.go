package extractor

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// ExtractPDF reads the PDF text layer. Pages are joined by a form feed so
// downstream line numbering can restart per page. An image-only PDF yields
// empty text and no error.
func ExtractPDF(data []byte) (text string, pages int, err error) {
	defer func() {
		// the reader panics on some malformed xref tables
		if r := recover(); r != nil {
			text, pages, err = "", 0, fmt.Errorf("failed to parse PDF: %v", r)
		}
	}()

	reader := bytes.NewReader(data)

	pdfReader, err := pdf.NewReader(reader, int64(len(data)))
	if err != nil {
		return "", 0, fmt.Errorf("failed to create PDF reader: %w", err)
	}

	numPages := pdfReader.NumPage()
	texts := make([]string, 0, numPages)

	for i := 1; i <= numPages; i++ {
		page := pdfReader.Page(i)
		if page.V.IsNull() {
			texts = append(texts, "")
			continue
		}

		pageText, err := page.GetPlainText(nil)
		if err != nil {
			// Keep page numbering stable for the remaining pages
			texts = append(texts, "")
			continue
		}

		texts = append(texts, cleanText(pageText))
	}

	return strings.Join(texts, "\f"), numPages, nil
}

// blank reports whether extracted text carries no characters besides
// whitespace and page separators.
func blank(text string) bool {
	return strings.TrimSpace(strings.ReplaceAll(text, "\f", "")) == ""
}
