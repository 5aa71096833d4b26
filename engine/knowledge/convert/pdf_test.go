package convert

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/jung-kurt/gofpdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aikb/aikb/engine/knowledge"
)

func buildPDF(t *testing.T, pages ...string) []byte {
	t.Helper()
	doc := gofpdf.New("P", "mm", "A4", "")
	doc.SetCompression(false)
	doc.SetFont("Helvetica", "", 14)
	for _, text := range pages {
		doc.AddPage()
		if text != "" {
			doc.Cell(60, 10, text)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, doc.Output(&buf))
	return buf.Bytes()
}

func TestPDFText(t *testing.T) {
	t.Run("Should emit one heading section per page with text", func(t *testing.T) {
		md, err := NewPDFText().Convert(t.Context(), buildPDF(t, "Alpha", "", "Gamma"))
		require.NoError(t, err)
		assert.Contains(t, md, "# Page 1")
		assert.Contains(t, md, "Alpha")
		assert.NotContains(t, md, "# Page 2")
		assert.Contains(t, md, "# Page 3")
		assert.Contains(t, md, "Gamma")
		assert.Less(t, bytes.Index([]byte(md), []byte("Alpha")), bytes.Index([]byte(md), []byte("Gamma")))
	})
	t.Run("Should reject empty input", func(t *testing.T) {
		_, err := NewPDFText().Convert(t.Context(), nil)
		assert.ErrorIs(t, err, knowledge.ErrValidation)
	})
	t.Run("Should reject bytes that are not a PDF", func(t *testing.T) {
		_, err := NewPDFText().Convert(t.Context(), []byte("plain text, not a pdf"))
		assert.ErrorIs(t, err, knowledge.ErrValidation)
	})
}

func TestSplitPages(t *testing.T) {
	pages := func(n int) []Page {
		out := make([]Page, n)
		for i := range out {
			out[i] = Page{Number: i + 1, Text: fmt.Sprintf("text %d", i+1)}
		}
		return out
	}

	t.Run("Should cut parts of split size with 1-based inclusive ranges", func(t *testing.T) {
		parts := SplitPages(pages(60), 25)
		require.Len(t, parts, 3)
		assert.Equal(t, []int{1, 1, 25}, []int{parts[0].Number, parts[0].StartPage, parts[0].EndPage})
		assert.Equal(t, []int{2, 26, 50}, []int{parts[1].Number, parts[1].StartPage, parts[1].EndPage})
		assert.Equal(t, []int{3, 51, 60}, []int{parts[2].Number, parts[2].StartPage, parts[2].EndPage})
		assert.Len(t, parts[2].Pages, 10)
	})

	t.Run("Should fall back to the default size", func(t *testing.T) {
		parts := SplitPages(pages(30), 0)
		require.Len(t, parts, 2)
		assert.Equal(t, DefaultSplitSize, parts[0].EndPage)
		assert.Empty(t, SplitPages(nil, 5))
	})

	t.Run("Should label every page heading with its part range", func(t *testing.T) {
		parts := SplitPages([]Page{{Number: 1, Text: "Alpha"}, {Number: 2}, {Number: 3, Text: "Gamma"}}, 2)
		md := JoinMarkdown(parts)
		assert.Contains(t, md, "# Page 1 (part 1, pages 1-2)\n\nAlpha")
		assert.Contains(t, md, "# Page 3 (part 2, pages 3-3)\n\nGamma")
		assert.NotContains(t, md, "# Page 2")
	})

	t.Run("Should render a part as a PDF with one page per source page", func(t *testing.T) {
		src, err := NewPDFText().Pages(t.Context(), buildPDF(t, "Alpha", "", "Gamma"))
		require.NoError(t, err)
		require.Len(t, src, 3)
		assert.Equal(t, "", src[1].Text)

		parts := SplitPages(src, 2)
		require.Len(t, parts, 2)
		data, err := RenderPDF(parts[0])
		require.NoError(t, err)
		assert.True(t, bytes.HasPrefix(data, []byte("%PDF-")))
		rendered, err := NewPDFText().Pages(t.Context(), data)
		require.NoError(t, err)
		assert.Len(t, rendered, 2)
	})
}
