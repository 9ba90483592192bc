package embedding

import (
	"context"
	"hash/fnv"
	"math"
	"sync"

	"github.com/lattice-kg/engine/internal/config"
)

// HashDim is the vector size produced by HashEmbedder.
const HashDim = 384

// HashEmbedder is a deterministic, dependency-free local embedder. It is the
// default backend (EMBEDDING_BACKEND=hash) so the engine runs end to end
// without an external embedding collaborator configured; production
// deployments swap in the remote embedder (NewRemoteEmbedder,
// EMBEDDING_BACKEND=remote) against a real model server.
type HashEmbedder struct {
	dim int
}

// NewHashEmbedder constructs a HashEmbedder with the given dimension.
func NewHashEmbedder(dim int) *HashEmbedder {
	if dim <= 0 {
		dim = HashDim
	}
	return &HashEmbedder{dim: dim}
}

func (h *HashEmbedder) Name() string    { return "hash-embedder" }
func (h *HashEmbedder) Version() string { return "hash-v1" }
func (h *HashEmbedder) Dimensions() int { return h.dim }
func (h *HashEmbedder) Close() error    { return nil }

// Embed projects text into h.dim buckets by FNV-hashing each lowercase
// alphanumeric word token (the hash picks the bucket and the sign), then
// L2-normalizes. It is stable across runs and processes, never errors.
func (h *HashEmbedder) Embed(text string) ([]float32, error) {
	vec := make([]float32, h.dim)
	if text == "" {
		return vec, nil
	}
	tokens := tokenize(text)
	for _, tok := range tokens {
		sum := fnv.New64a()
		_, _ = sum.Write([]byte(tok))
		digest := sum.Sum64()
		idx := int(digest % uint64(h.dim))
		sign := float32(1)
		if digest&(1<<63) != 0 {
			sign = -1
		}
		vec[idx] += sign
	}
	normalize(vec)
	return vec, nil
}

// EmbedBatch embeds each text independently; HashEmbedder never fails.
func (h *HashEmbedder) EmbedBatch(texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, _ := h.Embed(t)
		out[i] = v
	}
	return out, nil
}

func tokenize(text string) []string {
	var tokens []string
	var cur []byte
	flush := func() {
		if len(cur) > 0 {
			tokens = append(tokens, string(cur))
			cur = cur[:0]
		}
	}
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			cur = append(cur, c)
		case c >= 'A' && c <= 'Z':
			cur = append(cur, c+32)
		default:
			flush()
		}
	}
	flush()
	return tokens
}

func normalize(vec []float32) {
	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	if sumSq == 0 {
		return
	}
	norm := float32(math.Sqrt(sumSq))
	for i := range vec {
		vec[i] /= norm
	}
}

// Item is one unit of work in a batch embed call: the text to embed and the
// opaque key the caller uses to correlate the result (typically a node ID).
type Item struct {
	Key  string
	Text string
}

// Result is the outcome of embedding one Item: either Vector is populated or
// Err is non-nil, never both. A Service's Embed never aborts a batch because
// one item failed (SPEC_FULL.md §4.2) — callers must inspect every Result.
type Result struct {
	Key    string
	Vector []float32
	Err    error
}

// Service wraps an EmbeddingModel with batching and partial-failure
// semantics, grounded on the teacher's mutex-guarded Service shape.
type Service struct {
	mu    sync.Mutex
	model EmbeddingModel
}

// NewService builds a Service from the configured EMBEDDING_BACKEND.
func NewService(cfg *config.Config) (*Service, error) {
	var model EmbeddingModel
	switch cfg.EmbeddingBackend {
	case "remote":
		m, err := NewRemoteEmbedder(cfg)
		if err != nil {
			return nil, err
		}
		model = m
	default:
		model = NewHashEmbedder(cfg.EmbeddingDim)
	}
	return &Service{model: model}, nil
}

// Dimensions returns the underlying model's vector size.
func (s *Service) Dimensions() int { return s.model.Dimensions() }

// ModelVersion returns the underlying model's storage version string.
func (s *Service) ModelVersion() string { return s.model.Version() }

// Embed embeds a single item, one Result per call.
func (s *Service) Embed(ctx context.Context, key, text string) Result {
	results := s.EmbedBatch(ctx, []Item{{Key: key, Text: text}})
	return results[0]
}

// EmbedBatch embeds every item, attempting per-item recovery: if the
// underlying model's EmbedBatch call fails outright, each item is retried
// individually so one bad input doesn't fail the whole batch.
func (s *Service) EmbedBatch(ctx context.Context, items []Item) []Result {
	if len(items) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]Result, len(items))
	texts := make([]string, len(items))
	for i, it := range items {
		texts[i] = it.Text
	}

	vectors, err := s.model.EmbedBatch(texts)
	if err == nil && len(vectors) == len(items) {
		for i, it := range items {
			results[i] = Result{Key: it.Key, Vector: vectors[i]}
		}
		return results
	}

	for i, it := range items {
		if ctx.Err() != nil {
			results[i] = Result{Key: it.Key, Err: ctx.Err()}
			continue
		}
		v, embedErr := s.model.Embed(it.Text)
		results[i] = Result{Key: it.Key, Vector: v, Err: embedErr}
	}
	return results
}
