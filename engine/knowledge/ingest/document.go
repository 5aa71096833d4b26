package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aikb/aikb/engine/knowledge"
	"github.com/aikb/aikb/engine/knowledge/blob"
	"github.com/aikb/aikb/engine/knowledge/chunk"
	"github.com/aikb/aikb/engine/knowledge/convert"
	"github.com/aikb/aikb/engine/knowledge/source"
	"github.com/aikb/aikb/pkg/logger"
)

// DocumentIngestor stores an uploaded PDF and its page-range parts, converts
// it and chunks the result. Progress is recorded in a StatusStore.
type DocumentIngestor struct {
	blobs        blob.Store
	pages        convert.PageReader
	source       source.MarkdownSource
	orchestrator *Orchestrator
	status       StatusStore
	splitSize    int
}

type DocumentOptions struct {
	// SplitSize is the default number of pages per part.
	SplitSize int
	// Status defaults to an in-process store.
	Status StatusStore
}

// PDFRequest describes one upload. SplitSize overrides the ingestor default
// when positive.
type PDFRequest struct {
	ParentID  string
	Document  []byte
	Strategy  string
	Config    chunk.Config
	SplitSize int
}

type PartObject struct {
	convert.Part
	Object blob.Object `json:"object"`
}

type DocumentResult struct {
	Original blob.Object  `json:"original"`
	Pages    int          `json:"pages"`
	Parts    []PartObject `json:"parts"`
	Result
}

func NewDocumentIngestor(
	blobs blob.Store,
	pages convert.PageReader,
	src source.MarkdownSource,
	orchestrator *Orchestrator,
	opts DocumentOptions,
) (*DocumentIngestor, error) {
	if blobs == nil || pages == nil || src == nil || orchestrator == nil {
		return nil, errors.New("ingest: blob store, page reader, source and orchestrator are required")
	}
	status := opts.Status
	if status == nil {
		status = NewMemoryStatusStore()
	}
	size := opts.SplitSize
	if size <= 0 {
		size = convert.DefaultSplitSize
	}
	return &DocumentIngestor{
		blobs:        blobs,
		pages:        pages,
		source:       src,
		orchestrator: orchestrator,
		status:       status,
		splitSize:    size,
	}, nil
}

func OriginalKey(parentID string) string {
	return fmt.Sprintf("pdf/%s/original.pdf", parentID)
}

// PartKey is 1-based in part.
func PartKey(parentID string, part int) string {
	return fmt.Sprintf("pdf-parts/%s/part_%d.pdf", parentID, part)
}

// Status returns the last recorded progress of parentID.
func (d *DocumentIngestor) Status(ctx context.Context, parentID string) (Status, bool, error) {
	return d.status.GetStatus(ctx, parentID)
}

// IngestPDF reads the pages before anything is written, so input that is not
// a PDF leaves no blobs behind.
func (d *DocumentIngestor) IngestPDF(ctx context.Context, req PDFRequest) (*DocumentResult, error) {
	const op = "ingest_pdf"
	parentID := req.ParentID
	if err := d.orchestrator.validate(op, parentID, req.Strategy); err != nil {
		return nil, err
	}
	pages, err := d.pages.Pages(ctx, req.Document)
	if err != nil {
		return nil, d.fail(ctx, parentID, knowledge.NewDependencyError(op, parentID, fmt.Errorf("read pages: %w", err)))
	}
	size := req.SplitSize
	if size <= 0 {
		size = d.splitSize
	}
	parts := convert.SplitPages(pages, size)
	d.record(ctx, Status{
		ParentID: parentID,
		State:    StateSplitting,
		Message:  fmt.Sprintf("Splitting %d pages into %d parts", len(pages), len(parts)),
		Pages:    len(pages),
		Parts:    len(parts),
	})

	original, err := d.blobs.Upload(ctx, req.Document, OriginalKey(parentID))
	if err != nil {
		return nil, d.fail(ctx, parentID, knowledge.NewDependencyError(op, parentID, fmt.Errorf("upload original: %w", err)))
	}
	uploaded, err := d.uploadParts(ctx, parentID, parts)
	if err != nil {
		return nil, d.fail(ctx, parentID, knowledge.NewDependencyError(op, parentID, err))
	}
	if err := d.source.SaveMarkdown(ctx, parentID, convert.JoinMarkdown(parts)); err != nil {
		return nil, d.fail(ctx, parentID, knowledge.NewDependencyError(op, parentID, fmt.Errorf("save markdown: %w", err)))
	}
	d.record(ctx, Status{
		ParentID: parentID,
		State:    StateProcessing,
		Message:  fmt.Sprintf("PDF split into %d parts", len(parts)),
		Pages:    len(pages),
		Parts:    len(parts),
	})

	result, err := d.orchestrator.ProcessItemChunks(ctx, parentID, req.Strategy, req.Config)
	if err != nil {
		return nil, d.fail(ctx, parentID, err)
	}
	d.record(ctx, Status{
		ParentID: parentID,
		State:    StateCompleted,
		Message:  fmt.Sprintf("Stored %d chunks", result.Chunks),
		Pages:    len(pages),
		Parts:    len(parts),
		Chunks:   result.Chunks,
	})
	logger.FromContext(ctx).Info(
		"Document ingested",
		"parent_id", parentID,
		"key", original.Key,
		"pages", len(pages),
		"parts", len(parts),
		"chunks", result.Chunks,
	)
	return &DocumentResult{Original: original, Pages: len(pages), Parts: uploaded, Result: *result}, nil
}

func (d *DocumentIngestor) uploadParts(ctx context.Context, parentID string, parts []convert.Part) ([]PartObject, error) {
	out := make([]PartObject, 0, len(parts))
	for _, part := range parts {
		data, err := convert.RenderPDF(part)
		if err != nil {
			return nil, err
		}
		obj, err := d.blobs.Upload(ctx, data, PartKey(parentID, part.Number))
		if err != nil {
			return nil, fmt.Errorf("upload part %d: %w", part.Number, err)
		}
		out = append(out, PartObject{Part: part, Object: obj})
	}
	return out, nil
}

// fail records err as the failed status and returns it unchanged.
func (d *DocumentIngestor) fail(ctx context.Context, parentID string, err error) error {
	d.record(ctx, Status{
		ParentID: parentID,
		State:    StateFailed,
		Message:  "PDF ingestion failed",
		Error:    err.Error(),
	})
	return err
}

// record never fails the ingestion; a lost status update is only logged.
func (d *DocumentIngestor) record(ctx context.Context, status Status) {
	status.UpdatedAt = time.Now().UTC()
	if err := d.status.SetStatus(context.WithoutCancel(ctx), status); err != nil {
		logger.FromContext(ctx).Warn("Failed to record ingestion status", "parent_id", status.ParentID, "state", status.State, "error", err)
	}
}
