// Package convert turns uploaded documents into markdown.
package convert

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/aikb/aikb/engine/knowledge"
	"github.com/aikb/aikb/pkg/logger"
)

// Converter renders a PDF document as markdown.
type Converter interface {
	Convert(ctx context.Context, document []byte) (string, error)
}

// Page is the text layer of one PDF page. Number is 1-based and Text is
// empty for pages without extractable text.
type Page struct {
	Number int    `json:"number"`
	Text   string `json:"text"`
}

// PageReader returns every page of a document in order, blank ones included.
type PageReader interface {
	Pages(ctx context.Context, document []byte) ([]Page, error)
}

// PDFText extracts the text layer page by page. Every page with text becomes
// a "# Page N" section so h1 chunking yields one chunk per page.
type PDFText struct{}

var (
	_ Converter  = PDFText{}
	_ PageReader = PDFText{}
)

func NewPDFText() PDFText {
	return PDFText{}
}

func (p PDFText) Convert(ctx context.Context, document []byte) (string, error) {
	pages, err := p.Pages(ctx, document)
	if err != nil {
		return "", err
	}
	return RenderMarkdown(pages, ""), nil
}

// Pages fails with knowledge.ErrValidation when document is not a PDF.
func (PDFText) Pages(ctx context.Context, document []byte) ([]Page, error) {
	if len(document) == 0 {
		return nil, knowledge.NewValidationError("convert_pdf", "", "empty PDF content")
	}
	r, err := pdf.NewReader(bytes.NewReader(document), int64(len(document)))
	if err != nil {
		return nil, knowledge.NewValidationError("convert_pdf", "", fmt.Sprintf("open pdf: %v", err))
	}
	log := logger.FromContext(ctx)
	pages := make([]Page, 0, r.NumPage())
	withText := 0
	for i := 1; i <= r.NumPage(); i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out := Page{Number: i}
		page := r.Page(i)
		if !page.V.IsNull() {
			text, err := page.GetPlainText(nil)
			if err != nil {
				log.Warn("Skipping unreadable PDF page", "page", i, "error", err)
			} else {
				out.Text = strings.TrimSpace(text)
			}
		}
		if out.Text != "" {
			withText++
		}
		pages = append(pages, out)
	}
	log.Debug("PDF converted", "pages", len(pages), "with_text", withText)
	return pages, nil
}

// RenderMarkdown writes one "# Page N" section per page with text. A non-empty
// suffix is appended to every heading.
func RenderMarkdown(pages []Page, suffix string) string {
	var out strings.Builder
	for _, p := range pages {
		if p.Text == "" {
			continue
		}
		if out.Len() > 0 {
			out.WriteString("\n\n")
		}
		out.WriteString("# Page ")
		out.WriteString(strconv.Itoa(p.Number))
		if suffix != "" {
			out.WriteString(" ")
			out.WriteString(suffix)
		}
		out.WriteString("\n\n")
		out.WriteString(p.Text)
	}
	return out.String()
}
