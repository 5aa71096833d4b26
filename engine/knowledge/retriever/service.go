package retriever

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/aikb/aikb/engine/knowledge"
	"github.com/aikb/aikb/engine/knowledge/chunkstore"
	"github.com/aikb/aikb/engine/knowledge/embedder"
	"github.com/aikb/aikb/pkg/logger"
)

const (
	tracerName        = "aikb.knowledge.retriever"
	globalFanOutLimit = 8
)

// Service answers keyword and similarity queries over stored chunks.
type Service struct {
	store    chunkstore.Store
	embedder embedder.QueryEmbedder
	tracer   trace.Tracer
}

// NewService builds a retriever. emb may be nil, in which case
// FindSimilarByText is unavailable.
func NewService(store chunkstore.Store, emb embedder.QueryEmbedder) (*Service, error) {
	if store == nil {
		return nil, errors.New("knowledge: retriever chunk store is required")
	}
	return &Service{store: store, embedder: emb, tracer: otel.Tracer(tracerName)}, nil
}

func (s *Service) SearchChunks(ctx context.Context, filter knowledge.SearchFilter) (chunks []*knowledge.Chunk, err error) {
	ctx, span := s.tracer.Start(ctx, tracerName+".search_chunks", trace.WithAttributes(
		attribute.String("chunk_type", filter.ChunkType),
		attribute.Int("parents", len(filter.Parents())),
		attribute.Int("limit", filter.EffectiveLimit()),
	))
	start := time.Now()
	defer func() {
		finish(ctx, span, "search_chunks", start, len(chunks), err)
	}()
	return s.store.SearchChunks(ctx, filter)
}

// SearchChunksInParent restricts a keyword search to one parent.
func (s *Service) SearchChunksInParent(
	ctx context.Context,
	parentID string,
	query string,
	limit int,
) ([]*knowledge.Chunk, error) {
	if strings.TrimSpace(parentID) == "" {
		return nil, knowledge.NewValidationError("search_chunks_in_parent", "", "parent id is required")
	}
	return s.SearchChunks(ctx, knowledge.SearchFilter{Query: query, ParentID: parentID, Limit: limit})
}

func (s *Service) FindSimilarChunks(
	ctx context.Context,
	query knowledge.SimilarityQuery,
) (results []knowledge.SimilarChunk, err error) {
	ctx, span := s.tracer.Start(ctx, tracerName+".find_similar_chunks", trace.WithAttributes(
		attribute.Int("limit", query.EffectiveLimit()),
		attribute.Float64("threshold", query.EffectiveThreshold()),
		attribute.Int("parents", len(query.ParentIDs)),
	))
	start := time.Now()
	defer func() {
		finish(ctx, span, "find_similar_chunks", start, len(results), err)
	}()
	return s.store.FindSimilarChunks(ctx, query)
}

func (s *Service) FindSimilarChunksInParent(
	ctx context.Context,
	parentID string,
	vector []float32,
	limit int,
	threshold *float64,
) ([]knowledge.SimilarChunk, error) {
	if strings.TrimSpace(parentID) == "" {
		return nil, knowledge.NewValidationError("find_similar_chunks_in_parent", "", "parent id is required")
	}
	return s.FindSimilarChunks(ctx, knowledge.SimilarityQuery{
		Vector:    vector,
		Limit:     limit,
		Threshold: threshold,
		ParentIDs: []string{parentID},
	})
}

// FindSimilarGlobal ranks chunks across parents. With explicit parents it
// issues one query per parent and merges the results, which costs
// O(parents) store queries; without parents it relies on the store's own
// cross-parent search.
func (s *Service) FindSimilarGlobal(
	ctx context.Context,
	vector []float32,
	topK int,
	threshold *float64,
	parentIDs []string,
) (results []knowledge.SimilarChunk, err error) {
	parents := knowledge.MergeParentIDs("", parentIDs)
	query := knowledge.SimilarityQuery{Vector: vector, Limit: topK, Threshold: threshold}
	if len(parents) == 0 {
		return s.FindSimilarChunks(ctx, query)
	}
	ctx, span := s.tracer.Start(ctx, tracerName+".find_similar_global", trace.WithAttributes(
		attribute.Int("top_k", query.EffectiveLimit()),
		attribute.Int("parents", len(parents)),
	))
	start := time.Now()
	defer func() {
		finish(ctx, span, "find_similar_global", start, len(results), err)
	}()

	perParent := make([][]knowledge.SimilarChunk, len(parents))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(globalFanOutLimit)
	for i, parentID := range parents {
		g.Go(func() error {
			q := query
			q.ParentIDs = []string{parentID}
			found, err := s.store.FindSimilarChunks(gctx, q)
			if err != nil {
				return err
			}
			perParent[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return mergeRanked(perParent, query.EffectiveLimit()), nil
}

// FindSimilarByText embeds text and runs a global similarity search.
func (s *Service) FindSimilarByText(
	ctx context.Context,
	text string,
	topK int,
	threshold *float64,
	parentIDs []string,
) ([]knowledge.SimilarChunk, error) {
	if s.embedder == nil {
		return nil, errors.New("knowledge: retriever has no query embedder")
	}
	if strings.TrimSpace(text) == "" {
		return nil, knowledge.NewValidationError("find_similar_by_text", "", "query text is required")
	}
	vector, err := s.embedQuery(ctx, text)
	if err != nil {
		return nil, err
	}
	return s.FindSimilarGlobal(ctx, vector, topK, threshold, parentIDs)
}

func (s *Service) embedQuery(ctx context.Context, text string) ([]float32, error) {
	spanCtx, span := s.tracer.Start(ctx, tracerName+".embed_query", trace.WithAttributes(
		attribute.Int("query_length", len(text)),
	))
	defer span.End()
	vector, err := s.embedder.EmbedQuery(spanCtx, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, knowledge.NewDependencyError("embed_query", "", err)
	}
	return vector, nil
}

// mergeRanked orders by similarity descending then id, dropping duplicate ids.
func mergeRanked(groups [][]knowledge.SimilarChunk, limit int) []knowledge.SimilarChunk {
	var merged []knowledge.SimilarChunk
	seen := make(map[string]struct{})
	for _, group := range groups {
		for i := range group {
			if _, dup := seen[group[i].ID]; dup {
				continue
			}
			seen[group[i].ID] = struct{}{}
			merged = append(merged, group[i])
		}
	}
	slices.SortStableFunc(merged, func(a, b knowledge.SimilarChunk) int {
		if a.Similarity != b.Similarity {
			return cmp.Compare(b.Similarity, a.Similarity)
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}

func finish(ctx context.Context, span trace.Span, op string, start time.Time, results int, err error) {
	defer span.End()
	log := logger.FromContext(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Warn("Retrieval failed", "op", op, "error", err, "duration", time.Since(start))
		return
	}
	span.SetAttributes(attribute.Int("results", results))
	log.Info("Retrieval executed", "op", op, "results", results, "duration", time.Since(start))
}
