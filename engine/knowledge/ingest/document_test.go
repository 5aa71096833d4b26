package ingest

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jung-kurt/gofpdf"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aikb/aikb/engine/knowledge"
	"github.com/aikb/aikb/engine/knowledge/blob"
	"github.com/aikb/aikb/engine/knowledge/chunk"
	"github.com/aikb/aikb/engine/knowledge/convert"
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

type stubPages struct {
	pages []convert.Page
	err   error
}

func (s stubPages) Pages(context.Context, []byte) ([]convert.Page, error) {
	return s.pages, s.err
}

// statusLog keeps every recorded state in order.
type statusLog struct {
	*MemoryStatusStore
	mu     sync.Mutex
	states []State
}

func (l *statusLog) SetStatus(ctx context.Context, s Status) error {
	l.mu.Lock()
	l.states = append(l.states, s.State)
	l.mu.Unlock()
	return l.MemoryStatusStore.SetStatus(ctx, s)
}

type failingBlobs struct {
	blob.Store
	failKey string
}

func (f failingBlobs) Upload(ctx context.Context, data []byte, key string) (blob.Object, error) {
	if key == f.failKey {
		return blob.Object{}, errors.New("disk full")
	}
	return f.Store.Upload(ctx, data, key)
}

func newBlobs(t *testing.T) *blob.Filesystem {
	t.Helper()
	blobs, err := blob.NewFilesystem(afero.NewMemMapFs(), "/blobs", "")
	require.NoError(t, err)
	return blobs
}

func assertNoBlob(t *testing.T, blobs blob.Store, key string) {
	t.Helper()
	_, found, err := blobs.Get(t.Context(), key)
	require.NoError(t, err)
	assert.False(t, found, key)
}

func TestDocumentIngestor(t *testing.T) {
	t.Run("Should store the original and one PDF per page range", func(t *testing.T) {
		f := newFixture(t, nil)
		blobs := newBlobs(t)
		status := &statusLog{MemoryStatusStore: NewMemoryStatusStore()}
		ing, err := NewDocumentIngestor(blobs, convert.NewPDFText(), f.source, f.orch, DocumentOptions{Status: status})
		require.NoError(t, err)
		document := buildPDF(t, "Alpha", "", "Gamma")

		res, err := ing.IngestPDF(t.Context(), PDFRequest{
			ParentID:  "paper",
			Document:  document,
			Strategy:  chunk.StrategyH1,
			SplitSize: 2,
		})
		require.NoError(t, err)
		assert.Equal(t, "pdf/paper/original.pdf", res.Original.Key)
		assert.Equal(t, 3, res.Pages)
		require.Len(t, res.Parts, 2)
		assert.Equal(t, "pdf-parts/paper/part_1.pdf", res.Parts[0].Object.Key)
		assert.Equal(t, []int{1, 2}, []int{res.Parts[0].StartPage, res.Parts[0].EndPage})
		assert.Equal(t, "pdf-parts/paper/part_2.pdf", res.Parts[1].Object.Key)
		assert.Equal(t, []int{3, 3}, []int{res.Parts[1].StartPage, res.Parts[1].EndPage})

		data, found, err := blobs.Get(t.Context(), res.Original.Key)
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, document, data)
		part, found, err := blobs.Get(t.Context(), PartKey("paper", 1))
		require.NoError(t, err)
		require.True(t, found)
		pages, err := convert.NewPDFText().Pages(t.Context(), part)
		require.NoError(t, err)
		assert.Len(t, pages, 2)

		chunks := f.chunks(t, "paper")
		require.Len(t, chunks, 2)
		assert.Equal(t, "Page 1 (part 1, pages 1-2)", chunks[0].Title)
		assert.Equal(t, "Page 3 (part 2, pages 3-3)", chunks[1].Title)
		assert.Contains(t, chunks[1].Content, "Gamma")

		assert.Equal(t, []State{StateSplitting, StateProcessing, StateCompleted}, status.states)
		last, found, err := ing.Status(t.Context(), "paper")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, StateCompleted, last.State)
		assert.Equal(t, 3, last.Pages)
		assert.Equal(t, 2, last.Parts)
		assert.Equal(t, 2, last.Chunks)
		assert.Empty(t, last.Error)
	})

	t.Run("Should use the default split size of 25 pages", func(t *testing.T) {
		f := newFixture(t, nil)
		pages := make([]convert.Page, 30)
		for i := range pages {
			pages[i] = convert.Page{Number: i + 1, Text: "body"}
		}
		ing, err := NewDocumentIngestor(newBlobs(t), stubPages{pages: pages}, f.source, f.orch, DocumentOptions{})
		require.NoError(t, err)

		res, err := ing.IngestPDF(t.Context(), PDFRequest{ParentID: "book", Document: []byte("%PDF"), Strategy: chunk.StrategyH1})
		require.NoError(t, err)
		require.Len(t, res.Parts, 2)
		assert.Equal(t, 25, res.Parts[0].EndPage)
		assert.Equal(t, []int{26, 30}, []int{res.Parts[1].StartPage, res.Parts[1].EndPage})
	})

	t.Run("Should leave no blobs behind for input that is not a PDF", func(t *testing.T) {
		f := newFixture(t, nil)
		blobs := newBlobs(t)
		ing, err := NewDocumentIngestor(blobs, convert.NewPDFText(), f.source, f.orch, DocumentOptions{})
		require.NoError(t, err)

		_, err = ing.IngestPDF(t.Context(), PDFRequest{
			ParentID: "paper",
			Document: []byte("plain text, not a pdf"),
			Strategy: chunk.StrategyH1,
		})
		assert.ErrorIs(t, err, knowledge.ErrValidation)
		assertNoBlob(t, blobs, OriginalKey("paper"))
		assertNoBlob(t, blobs, PartKey("paper", 1))
		_, found, err := f.source.GetMarkdown(t.Context(), "paper")
		require.NoError(t, err)
		assert.False(t, found)

		status, found, err := ing.Status(t.Context(), "paper")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, StateFailed, status.State)
		assert.Contains(t, status.Error, "open pdf")
	})

	t.Run("Should stop before writing anything when page extraction fails", func(t *testing.T) {
		f := newFixture(t, nil)
		blobs := newBlobs(t)
		ing, err := NewDocumentIngestor(blobs, stubPages{err: errors.New("corrupt")}, f.source, f.orch, DocumentOptions{})
		require.NoError(t, err)

		_, err = ing.IngestPDF(t.Context(), PDFRequest{ParentID: "paper", Document: []byte("%PDF"), Strategy: chunk.StrategyH1})
		assert.ErrorIs(t, err, knowledge.ErrDependency)
		assertNoBlob(t, blobs, OriginalKey("paper"))
		_, found, err := f.source.GetMarkdown(t.Context(), "paper")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("Should record the failure when a part upload fails", func(t *testing.T) {
		f := newFixture(t, nil)
		blobs := failingBlobs{Store: newBlobs(t), failKey: PartKey("paper", 1)}
		pages := []convert.Page{{Number: 1, Text: "Alpha"}}
		ing, err := NewDocumentIngestor(blobs, stubPages{pages: pages}, f.source, f.orch, DocumentOptions{})
		require.NoError(t, err)

		_, err = ing.IngestPDF(t.Context(), PDFRequest{ParentID: "paper", Document: []byte("%PDF"), Strategy: chunk.StrategyH1})
		assert.ErrorIs(t, err, knowledge.ErrDependency)
		status, found, err := ing.Status(t.Context(), "paper")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, StateFailed, status.State)
		assert.Contains(t, status.Error, "disk full")
		assert.Empty(t, f.chunks(t, "paper"))
	})

	t.Run("Should record the failure when chunk processing fails", func(t *testing.T) {
		f := newFixture(t, &fakeGateway{fail: func([]string) error { return errors.New("provider down") }})
		status := &statusLog{MemoryStatusStore: NewMemoryStatusStore()}
		pages := []convert.Page{{Number: 1, Text: "Alpha"}}
		ing, err := NewDocumentIngestor(newBlobs(t), stubPages{pages: pages}, f.source, f.orch, DocumentOptions{Status: status})
		require.NoError(t, err)

		_, err = ing.IngestPDF(t.Context(), PDFRequest{ParentID: "paper", Document: []byte("%PDF"), Strategy: chunk.StrategyH1})
		assert.ErrorIs(t, err, knowledge.ErrDependency)
		assert.Equal(t, []State{StateSplitting, StateProcessing, StateFailed}, status.states)
		last, _, err := ing.Status(t.Context(), "paper")
		require.NoError(t, err)
		assert.Contains(t, last.Error, "provider down")
	})

	t.Run("Should reject an unknown strategy without recording a status", func(t *testing.T) {
		f := newFixture(t, nil)
		ing, err := NewDocumentIngestor(newBlobs(t), stubPages{}, f.source, f.orch, DocumentOptions{})
		require.NoError(t, err)

		_, err = ing.IngestPDF(t.Context(), PDFRequest{ParentID: "paper", Document: []byte("%PDF"), Strategy: "nope"})
		assert.ErrorIs(t, err, knowledge.ErrValidation)
		_, found, err := ing.Status(t.Context(), "paper")
		require.NoError(t, err)
		assert.False(t, found)
	})
}

func TestRedisStatusStore(t *testing.T) {
	t.Run("Should round-trip statuses and expire them", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		store, err := NewRedisStatusStore(client, "test", time.Hour)
		require.NoError(t, err)

		_, found, err := store.GetStatus(t.Context(), "paper")
		require.NoError(t, err)
		assert.False(t, found)

		require.NoError(t, store.SetStatus(t.Context(), Status{
			ParentID: "paper",
			State:    StateFailed,
			Message:  "PDF ingestion failed",
			Error:    "disk full",
		}))
		assert.True(t, mr.Exists("test:ingest_status:paper"))
		got, found, err := store.GetStatus(t.Context(), "paper")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, StateFailed, got.State)
		assert.Equal(t, "disk full", got.Error)

		mr.FastForward(2 * time.Hour)
		_, found, err = store.GetStatus(t.Context(), "paper")
		require.NoError(t, err)
		assert.False(t, found)
	})
}
