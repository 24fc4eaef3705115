// Package retrieval answers knowledge-base queries during a call. A query
// text is embedded with the OpenAI embeddings API and matched against the
// agent's indexed chunks by cosine similarity.
package retrieval

import (
	"context"
	"fmt"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/helloml/voicebridge/internal/resilience"
	"github.com/helloml/voicebridge/internal/store"
)

// DefaultModel is the embeddings model used for the knowledge base.
const DefaultModel = oai.EmbeddingModelTextEmbedding3Small

// Defaults for queries that pass zero values.
const (
	DefaultTopK          = 5
	DefaultMinSimilarity = 0.5
)

// Dimensions of the DefaultModel embedding space.
const Dimensions = 1536

// Index of the agent knowledge base.
type Index struct {
	store  *store.Store
	client oai.Client
	apiKey string
	model  string

	// breaker trips when the embeddings backend fails repeatedly, so live
	// calls get a fast "search unavailable" instead of a 30s stall.
	breaker *resilience.CircuitBreaker
}

// Option is a functional option for Index.
type Option func(*Index)

// WithModel overrides the embeddings model.
func WithModel(model string) Option {
	return func(ix *Index) {
		ix.model = model
	}
}

// WithBaseURL overrides the OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(ix *Index) {
		ix.client = oai.NewClient(append(ix.reqOpts(), option.WithBaseURL(url))...)
	}
}

// NewIndex creates a knowledge index over st using apiKey for embeddings.
func NewIndex(st *store.Store, apiKey string, opts ...Option) (*Index, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("retrieval: api key must not be empty")
	}
	ix := &Index{
		store: st,
		model: DefaultModel,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:        "embeddings",
			MaxFailures: 3,
		}),
	}
	ix.apiKey = apiKey
	ix.client = oai.NewClient(ix.reqOpts()...)
	for _, o := range opts {
		o(ix)
	}
	return ix, nil
}

// Result is one retrieved chunk with its similarity score. The JSON field
// names are part of the tool-output contract the model sees.
type Result struct {
	Filename   string  `json:"filename"`
	Content    string  `json:"text"`
	Similarity float64 `json:"similarity"`
}

// Search embeds query and returns up to topK chunks of the agent with
// similarity at or above minSimilarity, best match first. Zero topK and
// minSimilarity select the defaults.
func (ix *Index) Search(ctx context.Context, agentID, query string, topK int, minSimilarity float64) ([]Result, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}
	if minSimilarity <= 0 {
		minSimilarity = DefaultMinSimilarity
	}

	embedding, err := ix.embed(ctx, query)
	if err != nil {
		return nil, err
	}

	chunks, err := ix.store.SearchKnowledge(ctx, agentID, embedding, topK)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(chunks))
	for _, c := range chunks {
		if c.Similarity() < minSimilarity {
			continue
		}
		results = append(results, Result{
			Filename:   c.Filename,
			Content:    c.Content,
			Similarity: c.Similarity(),
		})
	}
	return results, nil
}

// IndexDocument chunks are embedded and stored one by one; a partial failure
// leaves earlier chunks indexed.
func (ix *Index) IndexDocument(ctx context.Context, agentID, filename string, chunks []string) error {
	if len(chunks) == 0 {
		return nil
	}
	embeddings, err := ix.embedBatch(ctx, chunks)
	if err != nil {
		return err
	}
	for i, chunk := range chunks {
		if err := ix.store.InsertKnowledgeChunk(ctx, agentID, filename, chunk, embeddings[i]); err != nil {
			return err
		}
	}
	return nil
}

func (ix *Index) embed(ctx context.Context, text string) ([]float32, error) {
	var out []float32
	err := ix.breaker.Execute(func() error {
		resp, err := ix.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
			Model: ix.model,
			Input: oai.EmbeddingNewParamsInputUnion{
				OfString: param.NewOpt(text),
			},
		})
		if err != nil {
			return err
		}
		if len(resp.Data) == 0 {
			return fmt.Errorf("empty embeddings response")
		}
		out = float64ToFloat32(resp.Data[0].Embedding)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed: %w", err)
	}
	return out, nil
}

func (ix *Index) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	err := ix.breaker.Execute(func() error {
		resp, err := ix.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
			Model: ix.model,
			Input: oai.EmbeddingNewParamsInputUnion{
				OfArrayOfStrings: texts,
			},
		})
		if err != nil {
			return err
		}
		if len(resp.Data) != len(texts) {
			return fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data))
		}
		for _, e := range resp.Data {
			if int(e.Index) >= len(texts) {
				return fmt.Errorf("unexpected embedding index %d", e.Index)
			}
			out[e.Index] = float64ToFloat32(e.Embedding)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("retrieval: embed batch: %w", err)
	}
	return out, nil
}

func float64ToFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}

func (ix *Index) reqOpts() []option.RequestOption {
	return []option.RequestOption{
		option.WithAPIKey(ix.apiKey),
		option.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
	}
}
