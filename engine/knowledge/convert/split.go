package convert

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/jung-kurt/gofpdf"
)

const DefaultSplitSize = 25

// Part is a run of consecutive pages. Number, StartPage and EndPage are
// 1-based and the range is inclusive.
type Part struct {
	Number    int    `json:"number"`
	StartPage int    `json:"startPage"`
	EndPage   int    `json:"endPage"`
	Pages     []Page `json:"-"`
}

// Label names the part and its page range, e.g. "(part 2, pages 26-50)".
func (p Part) Label() string {
	return fmt.Sprintf("(part %d, pages %d-%d)", p.Number, p.StartPage, p.EndPage)
}

// Markdown renders the part with its label on every page heading.
func (p Part) Markdown() string {
	return RenderMarkdown(p.Pages, p.Label())
}

// SplitPages groups pages into parts of at most size pages. A size below one
// falls back to DefaultSplitSize.
func SplitPages(pages []Page, size int) []Part {
	if size < 1 {
		size = DefaultSplitSize
	}
	parts := make([]Part, 0, (len(pages)+size-1)/size)
	for start := 0; start < len(pages); start += size {
		end := min(start+size, len(pages))
		parts = append(parts, Part{
			Number:    len(parts) + 1,
			StartPage: pages[start].Number,
			EndPage:   pages[end-1].Number,
			Pages:     pages[start:end],
		})
	}
	return parts
}

// JoinMarkdown concatenates the labelled markdown of every part.
func JoinMarkdown(parts []Part) string {
	sections := make([]string, 0, len(parts))
	for _, p := range parts {
		if md := p.Markdown(); md != "" {
			sections = append(sections, md)
		}
	}
	return strings.Join(sections, "\n\n")
}

// RenderPDF writes the part as a standalone PDF with one page per source
// page. Only the text layer survives; layout and images are not copied.
func RenderPDF(part Part) ([]byte, error) {
	doc := gofpdf.New("P", "mm", "A4", "")
	doc.SetTitle(fmt.Sprintf("Pages %d-%d", part.StartPage, part.EndPage), true)
	doc.SetFont("Helvetica", "", 11)
	tr := doc.UnicodeTranslatorFromDescriptor("")
	for _, p := range part.Pages {
		doc.AddPage()
		if p.Text != "" {
			doc.MultiCell(0, 5, tr(p.Text), "", "L", false)
		}
	}
	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		return nil, fmt.Errorf("render part %d: %w", part.Number, err)
	}
	return buf.Bytes(), nil
}
