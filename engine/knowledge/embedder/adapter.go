package embedder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sethvargo/go-retry"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/aikb/aikb/engine/core"
	"github.com/aikb/aikb/engine/knowledge"
	"github.com/aikb/aikb/pkg/logger"
)

// Gateway embeds a batch of texts. The result has the same length and order
// as texts; a nil entry means that text could not be embedded. An error means
// the batch call itself failed.
type Gateway interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// QueryEmbedder embeds a single search query.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Adapter implements Gateway over a langchaingo embedder.
type Adapter struct {
	provider  Provider
	model     string
	dimension int
	retries   uint64
	backoff   time.Duration
	impl      embeddings.Embedder
	cacheMu   sync.Mutex
	cache     *lru.Cache[string, []float32]
}

var _ Gateway = (*Adapter)(nil)

// New constructs a provider-backed adapter.
func New(cfg *Config) (*Adapter, error) {
	if cfg == nil {
		return nil, errors.New("embedder config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	impl, err := buildProviderEmbedder(cfg)
	if err != nil {
		return nil, err
	}
	return Wrap(cfg, impl)
}

// Wrap constructs an adapter around an existing langchaingo embedder.
func Wrap(cfg *Config, impl embeddings.Embedder) (*Adapter, error) {
	if cfg == nil {
		return nil, errors.New("embedder config is required")
	}
	if impl == nil {
		return nil, fmt.Errorf("embedder %s: implementation is required", cfg.Provider)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &Adapter{
		provider:  cfg.Provider,
		model:     cfg.Model,
		dimension: cfg.Dimension,
		retries:   cfg.MaxRetries,
		backoff:   cfg.RetryBackoff,
		impl:      impl,
	}
	if a.backoff <= 0 {
		a.backoff = 100 * time.Millisecond
	}
	if cfg.CacheSize > 0 {
		cache, err := lru.New[string, []float32](cfg.CacheSize)
		if err != nil {
			return nil, fmt.Errorf("embedder %s: init cache: %w", cfg.Provider, err)
		}
		a.cache = cache
	}
	return a, nil
}

func (a *Adapter) Dimension() int {
	return a.dimension
}

// EmbedBatch resolves cached vectors first and sends each distinct uncached,
// non-blank text to the provider once.
func (a *Adapter) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	if len(texts) == 0 {
		return results, nil
	}
	missing := make(map[string][]int)
	order := make([]string, 0, len(texts))
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			continue
		}
		if vector, ok := a.lookupCache(text); ok {
			results[i] = vector
			continue
		}
		if _, seen := missing[text]; !seen {
			order = append(order, text)
		}
		missing[text] = append(missing[text], i)
	}
	if len(order) > 0 {
		vectors, err := a.embedWithRetry(ctx, order)
		if err != nil {
			return nil, err
		}
		for i, text := range order {
			vector := a.accept(ctx, vectors[i])
			if vector == nil {
				continue
			}
			a.storeCache(text, vector)
			for _, idx := range missing[text] {
				results[idx] = core.CloneVector(vector)
			}
		}
	}
	return results, nil
}

// EmbedQuery embeds one query string; an unusable vector is a dependency error.
func (a *Adapter) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, knowledge.NewValidationError("embed_query", "", "query text is required")
	}
	vectors, err := a.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if vectors[0] == nil {
		return nil, knowledge.NewDependencyError(
			"embed_query",
			"",
			fmt.Errorf("embedder %s returned no usable vector", a.provider),
		)
	}
	return vectors[0], nil
}

func (a *Adapter) embedWithRetry(ctx context.Context, texts []string) ([][]float32, error) {
	var vectors [][]float32
	backoff := retry.WithMaxRetries(a.retries, retry.NewExponential(a.backoff))
	start := time.Now()
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		out, callErr := a.impl.EmbedDocuments(ctx, texts)
		if callErr != nil {
			if errors.Is(callErr, context.Canceled) || errors.Is(callErr, context.DeadlineExceeded) {
				return callErr
			}
			logger.FromContext(ctx).Warn(
				"Embedding batch failed, retrying",
				"provider", a.provider,
				"model", a.model,
				"error", callErr,
			)
			return retry.RetryableError(callErr)
		}
		vectors = out
		return nil
	})
	recordBatchLatency(ctx, string(a.provider), time.Since(start), err == nil)
	if err != nil {
		return nil, knowledge.NewDependencyError("embed_batch", "", a.withContext(err))
	}
	if len(vectors) != len(texts) {
		return nil, knowledge.NewDependencyError(
			"embed_batch",
			"",
			a.withContext(fmt.Errorf("received %d embeddings for %d texts", len(vectors), len(texts))),
		)
	}
	return vectors, nil
}

// accept drops vectors that cannot be stored.
func (a *Adapter) accept(ctx context.Context, vector []float32) []float32 {
	if len(vector) == 0 {
		return nil
	}
	if a.dimension > 0 && len(vector) != a.dimension {
		logger.FromContext(ctx).Warn(
			"Discarding embedding with unexpected dimension",
			"provider", a.provider,
			"got", len(vector),
			"want", a.dimension,
		)
		return nil
	}
	return vector
}

func (a *Adapter) lookupCache(text string) ([]float32, bool) {
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	if a.cache == nil {
		return nil, false
	}
	value, ok := a.cache.Get(cacheKey(text))
	if !ok {
		return nil, false
	}
	return core.CloneVector(value), true
}

func (a *Adapter) storeCache(text string, vector []float32) {
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	if a.cache == nil {
		return
	}
	a.cache.Add(cacheKey(text), core.CloneVector(vector))
}

func (a *Adapter) withContext(err error) error {
	return fmt.Errorf("embedder %s/%s: %w", a.provider, a.model, err)
}

func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func buildProviderEmbedder(cfg *Config) (embeddings.Embedder, error) {
	opts := []embeddings.Option{
		embeddings.WithBatchSize(cfg.BatchSize),
		embeddings.WithStripNewLines(cfg.StripNewLines),
	}
	switch cfg.Provider {
	case ProviderOpenAI:
		return buildOpenAIEmbedder(cfg, opts...)
	case ProviderOllama:
		return buildOllamaEmbedder(cfg, opts...)
	default:
		return nil, fmt.Errorf("embedder provider %q is not supported", cfg.Provider)
	}
}

func buildOpenAIEmbedder(cfg *Config, opts ...embeddings.Option) (embeddings.Embedder, error) {
	openaiOpts := []openai.Option{
		openai.WithEmbeddingModel(cfg.Model),
	}
	if cfg.APIKey != "" {
		openaiOpts = append(openaiOpts, openai.WithToken(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		openaiOpts = append(openaiOpts, openai.WithBaseURL(cfg.BaseURL))
	}
	client, err := openai.New(openaiOpts...)
	if err != nil {
		return nil, fmt.Errorf("embedder openai: failed to initialize client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(client, opts...)
	if err != nil {
		return nil, fmt.Errorf("embedder openai: failed to construct embedder: %w", err)
	}
	return embedder, nil
}

func buildOllamaEmbedder(cfg *Config, opts ...embeddings.Option) (embeddings.Embedder, error) {
	ollamaOpts := []ollama.Option{
		ollama.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		ollamaOpts = append(ollamaOpts, ollama.WithServerURL(cfg.BaseURL))
	}
	client, err := ollama.New(ollamaOpts...)
	if err != nil {
		return nil, fmt.Errorf("embedder ollama: failed to initialize client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(client, opts...)
	if err != nil {
		return nil, fmt.Errorf("embedder ollama: failed to construct embedder: %w", err)
	}
	return embedder, nil
}
