// Package ingest turns parent markdown into stored, embedded chunks.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aikb/aikb/engine/knowledge"
	"github.com/aikb/aikb/engine/knowledge/chunk"
	"github.com/aikb/aikb/engine/knowledge/chunkstore"
	"github.com/aikb/aikb/engine/knowledge/embedder"
	"github.com/aikb/aikb/engine/knowledge/source"
	"github.com/aikb/aikb/pkg/logger"
)

const defaultConcurrency = 4

const (
	outcomeOK      = "ok"
	outcomeEmpty   = "empty"
	outcomeMissing = "missing"
	outcomeError   = "error"
)

type Options struct {
	// LockTTL is passed to the Locker for every per-parent lock.
	LockTTL time.Duration
	// Concurrency bounds parallel parents in a reprocess-all run.
	Concurrency int
}

// Orchestrator runs the chunk, embed and persist sequence for parents.
// Runs for the same parent are serialized through the Locker; runs for
// different parents proceed independently.
type Orchestrator struct {
	source      source.MarkdownSource
	registry    *chunk.Registry
	gateway     embedder.Gateway
	store       chunkstore.Store
	locker      Locker
	lockTTL     time.Duration
	concurrency int
}

// Result describes one parent run.
type Result struct {
	ParentID string `json:"parentId"`
	Strategy string `json:"strategy"`
	Chunks   int    `json:"chunks"`
	Embedded int    `json:"embedded"`
	// MissingMarkdown is set when the parent had no markdown and nothing ran.
	MissingMarkdown bool `json:"missingMarkdown,omitempty"`
}

type ReprocessRequest struct {
	// ParentID limits the run to one parent; empty means every known parent.
	ParentID string
	Strategy string
	Config   chunk.Config
}

// ReprocessReport summarizes a reprocess run. Failure is non-nil when at
// least one parent of a multi-parent run failed.
type ReprocessReport struct {
	Attempted int                       `json:"attempted"`
	Results   []Result                  `json:"results"`
	Failure   *knowledge.PartialFailure `json:"-"`
}

// Err returns the partial failure as an error, or nil.
func (r *ReprocessReport) Err() error {
	if r == nil || r.Failure == nil {
		return nil
	}
	return r.Failure
}

func NewOrchestrator(
	src source.MarkdownSource,
	registry *chunk.Registry,
	gateway embedder.Gateway,
	store chunkstore.Store,
	locker Locker,
	opts Options,
) (*Orchestrator, error) {
	if src == nil {
		return nil, errors.New("ingest: markdown source is required")
	}
	if registry == nil {
		return nil, errors.New("ingest: chunk registry is required")
	}
	if gateway == nil {
		return nil, errors.New("ingest: embedding gateway is required")
	}
	if store == nil {
		return nil, errors.New("ingest: chunk store is required")
	}
	if locker == nil {
		locker = NewMemoryLocker()
	}
	ttl := opts.LockTTL
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Orchestrator{
		source:      src,
		registry:    registry,
		gateway:     gateway,
		store:       store,
		locker:      locker,
		lockTTL:     ttl,
		concurrency: concurrency,
	}, nil
}

// ProcessItemChunks replaces the chunk set of parentID with a fresh run.
func (o *Orchestrator) ProcessItemChunks(
	ctx context.Context,
	parentID string,
	strategy string,
	cfg chunk.Config,
) (*Result, error) {
	const op = "process_item_chunks"
	if err := o.validate(op, parentID, strategy); err != nil {
		return nil, err
	}
	var result *Result
	err := o.withParentLock(ctx, op, parentID, func(ctx context.Context) error {
		var err error
		result, err = o.process(ctx, parentID, strategy, cfg)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ReProcessChunks forces a refresh of one parent, or of every parent known
// to the markdown source when req.ParentID is empty. In the multi-parent
// case a failing parent is logged and recorded in the report while the
// remaining parents continue; the returned error is then reserved for
// failures to enumerate parents.
func (o *Orchestrator) ReProcessChunks(ctx context.Context, req ReprocessRequest) (*ReprocessReport, error) {
	const op = "reprocess_chunks"
	if strings.TrimSpace(req.Strategy) == "" {
		return nil, knowledge.NewValidationError(op, req.ParentID, "strategy is required")
	}
	if req.ParentID != "" {
		result, err := o.ProcessItemChunks(ctx, req.ParentID, req.Strategy, req.Config)
		if err != nil {
			return nil, err
		}
		return &ReprocessReport{Attempted: 1, Results: []Result{*result}}, nil
	}
	if !o.registry.Has(req.Strategy) {
		_, err := o.registry.Resolve(req.Strategy, nil)
		return nil, err
	}
	ids, err := o.source.ListParentIDs(ctx)
	if err != nil {
		return nil, knowledge.NewDependencyError(op, "", err)
	}
	return o.reprocessAll(ctx, ids, req), nil
}

func (o *Orchestrator) reprocessAll(ctx context.Context, ids []string, req ReprocessRequest) *ReprocessReport {
	log := logger.FromContext(ctx)
	results := make([]*Result, len(ids))
	errs := make([]error, len(ids))
	var g errgroup.Group
	g.SetLimit(o.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			results[i], errs[i] = o.ProcessItemChunks(ctx, id, req.Strategy, req.Config)
			return nil
		})
	}
	_ = g.Wait()

	report := &ReprocessReport{Attempted: len(ids), Results: make([]Result, 0, len(ids))}
	var failures []knowledge.ParentFailure
	for i, id := range ids {
		if errs[i] != nil {
			log.Error("Reprocessing parent failed", "parent_id", id, "strategy", req.Strategy, "error", errs[i])
			failures = append(failures, knowledge.ParentFailure{ParentID: id, Err: errs[i]})
			continue
		}
		report.Results = append(report.Results, *results[i])
	}
	if len(failures) > 0 {
		knowledge.RecordParentFailures(ctx, len(failures))
		report.Failure = &knowledge.PartialFailure{Attempted: len(ids), Failures: failures}
	}
	log.Info(
		"Reprocess completed",
		"strategy", req.Strategy,
		"parents", len(ids),
		"failed", len(failures),
	)
	return report
}

// ChunkEmbed returns the existing chunks of parentID unless there are none
// or forceReprocess is set, in which case it runs a full process first.
func (o *Orchestrator) ChunkEmbed(
	ctx context.Context,
	parentID string,
	strategy string,
	cfg chunk.Config,
	forceReprocess bool,
) ([]*knowledge.Chunk, error) {
	const op = "chunk_embed"
	if err := o.validate(op, parentID, strategy); err != nil {
		return nil, err
	}
	var out []*knowledge.Chunk
	err := o.withParentLock(ctx, op, parentID, func(ctx context.Context) error {
		if !forceReprocess {
			existing, err := o.store.GetChunksByParent(ctx, parentID)
			if err != nil {
				return knowledge.NewDependencyError(op, parentID, err)
			}
			if len(existing) > 0 {
				logger.FromContext(ctx).Debug("Reusing existing chunks", "parent_id", parentID, "chunks", len(existing))
				out = existing
				return nil
			}
		}
		if _, err := o.process(ctx, parentID, strategy, cfg); err != nil {
			return err
		}
		chunks, err := o.store.GetChunksByParent(ctx, parentID)
		if err != nil {
			return knowledge.NewDependencyError(op, parentID, err)
		}
		out = chunks
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteAll removes every chunk of parentID.
func (o *Orchestrator) DeleteAll(ctx context.Context, parentID string) (int, error) {
	const op = "delete_all"
	if strings.TrimSpace(parentID) == "" {
		return 0, knowledge.NewValidationError(op, "", "parent id is required")
	}
	var deleted int
	err := o.withParentLock(ctx, op, parentID, func(ctx context.Context) error {
		n, err := o.store.DeleteChunksByParent(ctx, parentID)
		if err != nil {
			return knowledge.NewDependencyError(op, parentID, err)
		}
		deleted = n
		return nil
	})
	return deleted, err
}

func (o *Orchestrator) validate(op, parentID, strategy string) error {
	if strings.TrimSpace(parentID) == "" {
		return knowledge.NewValidationError(op, "", "parent id is required")
	}
	if strings.TrimSpace(strategy) == "" {
		return knowledge.NewValidationError(op, parentID, "strategy is required")
	}
	if !o.registry.Has(strategy) {
		_, err := o.registry.Resolve(strategy, nil)
		return &knowledge.Error{Op: op, ParentID: parentID, Err: err}
	}
	return nil
}

func (o *Orchestrator) withParentLock(
	ctx context.Context,
	op string,
	parentID string,
	fn func(context.Context) error,
) (err error) {
	lock, err := o.locker.Lock(ctx, parentID, o.lockTTL)
	if err != nil {
		return knowledge.NewDependencyError(op, parentID, fmt.Errorf("acquire parent lock: %w", err))
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go func() {
		select {
		case <-lock.Done():
			cancel(ErrLockNotHeld)
		case <-runCtx.Done():
		}
	}()
	defer func() {
		if unlockErr := lock.Unlock(context.WithoutCancel(ctx)); unlockErr != nil {
			logger.FromContext(ctx).Warn("Failed to release parent lock", "parent_id", parentID, "error", unlockErr)
			if err == nil {
				err = knowledge.NewDependencyError(op, parentID, unlockErr)
			}
		}
	}()
	err = fn(runCtx)
	if cause := context.Cause(runCtx); errors.Is(cause, ErrLockNotHeld) {
		return knowledge.NewDependencyError(op, parentID, errors.Join(cause, err))
	}
	return err
}

// process runs steps 1 to 6 for one parent. The caller holds the parent lock.
func (o *Orchestrator) process(
	ctx context.Context,
	parentID string,
	strategy string,
	cfg chunk.Config,
) (result *Result, err error) {
	const op = "process_item_chunks"
	log := logger.FromContext(ctx).With("parent_id", parentID, "strategy", strategy)
	started := time.Now()
	outcome := outcomeError
	defer func() {
		knowledge.RecordProcessDuration(ctx, strategy, time.Since(started), outcome)
	}()
	result = &Result{ParentID: parentID, Strategy: strategy}

	markdown, found, err := o.source.GetMarkdown(ctx, parentID)
	if err != nil {
		return nil, knowledge.NewDependencyError(op, parentID, fmt.Errorf("load markdown: %w", err))
	}
	if !found {
		log.Info("No markdown for parent; nothing to chunk")
		outcome = outcomeMissing
		result.MissingMarkdown = true
		return result, nil
	}
	if _, err := o.store.DeleteChunksByParent(ctx, parentID); err != nil {
		return nil, knowledge.NewDependencyError(op, parentID, fmt.Errorf("delete previous chunks: %w", err))
	}
	drafts, resolved, err := o.registry.Chunk(ctx, markdown, strategy, cfg)
	if err != nil {
		return nil, &knowledge.Error{Op: op, ParentID: parentID, Err: err}
	}
	if len(drafts) == 0 {
		log.Info("Chunker produced no drafts")
		outcome = outcomeEmpty
		return result, nil
	}
	chunks, err := buildChunks(parentID, strategy, resolved, drafts)
	if err != nil {
		return nil, &knowledge.Error{Op: op, ParentID: parentID, Err: err}
	}
	embedded, err := o.embed(ctx, parentID, chunks)
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, knowledge.NewDependencyError(op, parentID, fmt.Errorf("persist chunks: %w", context.Cause(ctx)))
	}
	if err := o.store.BatchUpsert(ctx, chunks); err != nil {
		return nil, knowledge.NewDependencyError(op, parentID, fmt.Errorf("persist chunks: %w", err))
	}
	knowledge.RecordChunks(ctx, strategy, len(chunks))
	outcome = outcomeOK
	result.Chunks = len(chunks)
	result.Embedded = embedded
	log.Info("Parent chunked", "chunks", len(chunks), "embedded", embedded, "duration", time.Since(started))
	return result, nil
}

// embed issues one batch call for all chunks and attaches the vectors that
// came back. A nil vector leaves its chunk without an embedding.
func (o *Orchestrator) embed(ctx context.Context, parentID string, chunks []*knowledge.Chunk) (int, error) {
	texts := make([]string, len(chunks))
	for i := range chunks {
		texts[i] = chunks[i].Content
	}
	vectors, err := o.gateway.EmbedBatch(ctx, texts)
	if err != nil {
		return 0, knowledge.NewDependencyError("embed_batch", parentID, err)
	}
	if len(vectors) != len(texts) {
		return 0, knowledge.NewDependencyError(
			"embed_batch",
			parentID,
			fmt.Errorf("gateway returned %d vectors for %d texts", len(vectors), len(texts)),
		)
	}
	embedded := 0
	for i := range chunks {
		if len(vectors[i]) == 0 {
			continue
		}
		chunks[i].Embedding = vectors[i]
		embedded++
	}
	knowledge.RecordEmbeddings(ctx, outcomeOK, embedded)
	if missing := len(chunks) - embedded; missing > 0 {
		knowledge.RecordEmbeddings(ctx, "failed", missing)
		logger.FromContext(ctx).Warn("Some chunks were not embedded", "parent_id", parentID, "missing", missing)
	}
	return embedded, nil
}

func buildChunks(parentID, strategy string, cfg chunk.Config, drafts []chunk.Draft) ([]*knowledge.Chunk, error) {
	encoded, err := cfg.Encode()
	if err != nil {
		return nil, err
	}
	out := make([]*knowledge.Chunk, len(drafts))
	for i, d := range drafts {
		out[i] = &knowledge.Chunk{
			ParentID: parentID,
			Title:    d.Title,
			Content:  d.Content,
			Index:    i,
			Metadata: knowledge.Metadata{
				knowledge.MetaChunkType:   strategy,
				knowledge.MetaWordCount:   knowledge.WordCount(d.Content),
				knowledge.MetaChunkConfig: encoded,
			},
		}
	}
	return out, nil
}
