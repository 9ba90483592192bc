// Package trigger matches refreshed node embeddings against registered
// patterns and fires trigger_fired events at most once per (node, pattern,
// node version), adapting the teacher's pattern/detector.go candidate-map
// shape from frequency-based promotion to direct threshold matching.
package trigger

import (
	"context"
	"encoding/binary"
	"math"
	"sync"

	"github.com/rs/zerolog"

	"github.com/lattice-kg/engine/internal/kgerrors"
	"github.com/lattice-kg/engine/internal/store"
)

// Fired describes one pattern match produced by Evaluate.
type Fired struct {
	Pattern    *store.Pattern
	Similarity float64
}

// fireKey identifies a single (node, pattern, version) firing.
type fireKey struct {
	nodeID  string
	pattern string
	version int64
}

// Registry records every (node, pattern, version) that has fired, so a
// re-evaluation of an unchanged node does not re-fire while its key is still
// in the ledger.
type Registry struct {
	store store.PatternReader

	mu       sync.RWMutex
	fired    map[fireKey]struct{}
	maxFired int

	log zerolog.Logger
}

// NewRegistry builds a Registry backed by a pattern store. maxFired bounds
// the fire-once ledger; once it is full, an arbitrary half is evicted
// (mirroring the teacher's MaxCandidates eviction), and an evicted key can
// fire again.
func NewRegistry(patternStore store.PatternReader, maxFired int, log zerolog.Logger) *Registry {
	if maxFired <= 0 {
		maxFired = 50000
	}
	return &Registry{
		store:    patternStore,
		fired:    make(map[fireKey]struct{}),
		maxFired: maxFired,
		log:      log.With().Str("component", "trigger-registry").Logger(),
	}
}

// Evaluate compares a node's embedding against every pattern registered for
// its tenant (or globally) and returns the patterns whose threshold is met,
// excluding any (node, pattern, version) already fired.
func (r *Registry) Evaluate(ctx context.Context, n *store.Node, embedding []float32) ([]Fired, error) {
	if n.Tenant == nil {
		return nil, kgerrors.New(kgerrors.KindValidation, "missing-tenant", nil)
	}
	patterns, err := r.store.ListPatterns(ctx, *n.Tenant)
	if err != nil {
		return nil, kgerrors.New(kgerrors.KindStoreTransient, "list_patterns", err)
	}

	var fired []Fired
	for _, p := range patterns {
		if !r.matchesRefs(n, p.Name) {
			continue
		}
		key := fireKey{nodeID: n.ID.String(), pattern: p.Name, version: n.Version}
		if r.alreadyFired(key) {
			continue
		}
		sim := cosine(embedding, decodeEmbedding(p.ExampleEmbedding))
		if sim < p.Threshold {
			continue
		}
		r.markFired(key)
		fired = append(fired, Fired{Pattern: p, Similarity: sim})
	}
	return fired, nil
}

// matchesRefs reports whether pattern applies to node n: a node with no
// Triggers matches every pattern listed for its tenant; a node that lists
// Triggers matches only the patterns it names.
func (r *Registry) matchesRefs(n *store.Node, patternName string) bool {
	if len(n.Triggers) == 0 {
		return true
	}
	for _, t := range n.Triggers {
		if t.Name == patternName {
			return true
		}
	}
	return false
}

func (r *Registry) alreadyFired(key fireKey) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.fired[key]
	return ok
}

func (r *Registry) markFired(key fireKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.fired) >= r.maxFired {
		r.evictHalfLocked()
	}
	r.fired[key] = struct{}{}
}

// evictHalfLocked drops an arbitrary half of the ledger. Go map iteration
// order is randomized and no access times are tracked, so which keys go is
// not related to their age.
func (r *Registry) evictHalfLocked() {
	target := len(r.fired) / 2
	for k := range r.fired {
		if target <= 0 {
			break
		}
		delete(r.fired, k)
		target--
	}
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// decodeEmbedding reinterprets a pattern's stored raw embedding bytes as
// little-endian float32s, the same wire shape pgvector.Vector exposes.
func decodeEmbedding(raw []byte) []float32 {
	if len(raw)%4 != 0 {
		return nil
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		bits := binary.LittleEndian.Uint32(raw[i*4 : i*4+4])
		out[i] = math.Float32frombits(bits)
	}
	return out
}

// EncodeEmbedding is the inverse of decodeEmbedding, used when registering a
// pattern's example embedding for storage.
func EncodeEmbedding(vec []float32) []byte {
	out := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(out[i*4:i*4+4], math.Float32bits(v))
	}
	return out
}
