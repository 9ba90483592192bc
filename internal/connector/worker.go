package connector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/lattice-kg/engine/internal/embedding"
	"github.com/lattice-kg/engine/internal/kgerrors"
	"github.com/lattice-kg/engine/internal/observability"
	"github.com/lattice-kg/engine/internal/store"
)

// Pool drains every registered (tenant,provider) queue with a fixed number
// of concurrent workers, generalizing the teacher's ticker-loop background
// lifecycle (Start/Stop/Wait) to a queue-draining worker pool built on
// golang.org/x/sync/errgroup rather than a single select loop, since work
// arrives per-queue instead of on a fixed schedule.
type Pool struct {
	queue       *Queue
	dlq         *DLQ
	store       store.Store
	fetchers    map[string]Fetcher
	embedder    *embedding.Service
	maxAttempts int
	workers     int
	log         zerolog.Logger
	sink        *observability.Sink

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewPool builds a worker pool. fetchers maps provider name to its
// Fetcher; a job for an unregistered provider is treated as a permanent
// failure and sent straight to the DLQ. embedder may be nil, in which case
// chunks are left queued for a later refresh pass instead of being embedded
// inline.
func NewPool(q *Queue, dlq *DLQ, st store.Store, fetchers map[string]Fetcher, embedder *embedding.Service, maxAttempts, workers int, log zerolog.Logger, sink *observability.Sink) *Pool {
	return &Pool{
		queue:       q,
		dlq:         dlq,
		store:       st,
		fetchers:    fetchers,
		embedder:    embedder,
		maxAttempts: maxAttempts,
		workers:     workers,
		log:         log,
		sink:        sink,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start runs the pool until ctx is cancelled or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	go func() {
		defer close(p.doneCh)

		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-p.stopCh:
				return
			case <-ticker.C:
				p.drainOnce(ctx)
			}
		}
	}()
}

// Stop signals the pool to finish its current drain pass and exit.
func (p *Pool) Stop() {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}
}

// Wait blocks until the pool's goroutine has exited.
func (p *Pool) Wait() { <-p.doneCh }

func (p *Pool) drainOnce(ctx context.Context) {
	active, err := p.queue.ActiveQueues(ctx)
	if err != nil {
		p.log.Warn().Err(err).Msg("list active connector queues")
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)
	for _, tp := range active {
		tp := tp
		g.Go(func() error {
			p.drainQueue(gctx, tp.Tenant, tp.Provider)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Pool) drainQueue(ctx context.Context, tenant, provider string) {
	for {
		job, ok, err := p.queue.Dequeue(ctx, tenant, provider)
		if err != nil {
			p.log.Warn().Err(err).Str("tenant", tenant).Str("provider", provider).Msg("dequeue failed")
			return
		}
		if !ok {
			p.queue.Unregister(ctx, tenant, provider)
			return
		}
		p.process(ctx, job)
	}
}

func (p *Pool) process(ctx context.Context, job Job) {
	start := time.Now()
	result := observability.ResultOK

	err := p.ingestOne(ctx, job)
	if err != nil {
		result = observability.ResultError
		p.handleFailure(ctx, job, err)
	}

	if p.sink != nil {
		p.sink.RecordRequest(ctx, observability.Labels{
			Provider: job.Provider,
			Tenant:   job.Tenant,
			Mode:     "ingest",
			Result:   result,
		}, time.Since(start))
	}
}

// ingestOne runs the 5-step ingestion decision from §4.6: ETag skip,
// content-hash metadata-only update, full chunk+upsert+queue-embed, or an
// error bubbled up to handleFailure for retry/DLQ classification.
func (p *Pool) ingestOne(ctx context.Context, job Job) error {
	fetcher, ok := p.fetchers[job.Provider]
	if !ok {
		return &FetchError{Class: FailureAuth, Message: fmt.Sprintf("no fetcher registered for provider %q", job.Provider)}
	}

	doc, err := fetcher.Fetch(ctx, job)
	if err != nil {
		return err
	}

	tctx, err := store.WithTenant(ctx, job.Tenant)
	if err != nil {
		return err
	}

	existing, err := p.findByExternalID(tctx, job.Tenant, job.ExternalID)
	if err != nil {
		return err
	}

	if existing != nil && doc.ETag != "" && existing.ETag == doc.ETag {
		return p.store.AppendEvent(tctx, &store.Event{
			ID: uuid.New(), NodeID: &existing.ID, Kind: store.EventIngestSkipped,
			Tenant: &job.Tenant, CreatedAt: time.Now(),
		})
	}

	contentHash := Fingerprint(doc.Body)
	if existing != nil && existing.ContentHash == contentHash {
		existing.Classes = doc.Classes
		existing.Props = doc.Props
		existing.ETag = doc.ETag
		if err := p.store.UpdateNode(tctx, existing); err != nil {
			return err
		}
		return p.store.AppendEvent(tctx, &store.Event{
			ID: uuid.New(), NodeID: &existing.ID, Kind: store.EventIngestMetaOnly,
			Tenant: &job.Tenant, CreatedAt: time.Now(),
		})
	}

	parent := existing
	if parent == nil {
		parent = &store.Node{ID: uuid.New(), Tenant: &job.Tenant, Version: 1}
	} else {
		parent.Version++
	}
	parent.Classes = doc.Classes
	parent.Props = doc.Props
	parent.ContentHash = contentHash
	parent.ETag = doc.ETag
	parent.EmbeddingStatus = store.EmbeddingQueued
	parent.PayloadRef = job.ExternalID

	if existing == nil {
		if err := p.store.CreateNode(tctx, parent); err != nil {
			return err
		}
	} else {
		if err := p.store.UpdateNode(tctx, parent); err != nil {
			return err
		}
		if err := p.replaceChunks(tctx, parent.ID); err != nil {
			return err
		}
	}

	if err := p.createChunks(tctx, job, parent, doc.Body); err != nil {
		return err
	}

	kind := store.EventCreated
	if existing != nil {
		kind = store.EventUpdated
	}
	return p.store.AppendEvent(tctx, &store.Event{ID: uuid.New(), NodeID: &parent.ID, Kind: kind, Tenant: &job.Tenant, CreatedAt: time.Now()})
}

// createChunks splits body per §4.6 step 4 (1000-character target,
// 200-character overlap, sentence-boundary preference), upserts one chunk
// node per piece linked to parent via ParentID, and best-effort embeds each
// chunk inline so it's searchable without waiting on the refresh scheduler.
func (p *Pool) createChunks(ctx context.Context, job Job, parent *store.Node, body string) error {
	for i, chunk := range ChunkText(body) {
		node := &store.Node{
			ID:              uuid.New(),
			Tenant:          &job.Tenant,
			Classes:         parent.Classes,
			Props:           parent.Props,
			PayloadRef:      fmt.Sprintf("%s#%d", job.ExternalID, i),
			ParentID:        &parent.ID,
			ChunkIndex:      i,
			ContentHash:     Fingerprint(chunk.Text),
			Version:         1,
			EmbeddingStatus: store.EmbeddingQueued,
		}
		if err := p.store.CreateNode(ctx, node); err != nil {
			return err
		}
		p.embedChunk(ctx, node, chunk.Text)
	}
	return nil
}

// embedChunk runs a best-effort synchronous embed for a freshly chunked
// node, mirroring the API layer's AUTO_EMBED_ON_CREATE write-path embed
// (internal/api/nodes.go); failures mark the node failed rather than
// aborting ingestion.
func (p *Pool) embedChunk(ctx context.Context, node *store.Node, text string) {
	if p.embedder == nil {
		return
	}
	res := p.embedder.Embed(ctx, node.ID.String(), text)
	if res.Err != nil {
		if err := p.store.MarkEmbeddingFailed(ctx, node.ID.String(), res.Err.Error()); err != nil {
			p.log.Warn().Err(err).Msg("failed to mark chunk embedding failed")
		}
		return
	}
	if err := p.store.UpsertEmbedding(ctx, node.ID.String(), res.Vector, 0); err != nil {
		p.log.Warn().Err(err).Msg("failed to upsert chunk embedding")
	}
}

// replaceChunks hard-deletes a parent's existing chunk nodes before new ones
// are written for updated content, so a re-ingested document never leaves
// stale chunks from a previous version searchable alongside the current ones.
func (p *Pool) replaceChunks(ctx context.Context, parentID uuid.UUID) error {
	chunks, err := p.findChunksByParent(ctx, parentID)
	if err != nil {
		return err
	}
	for _, c := range chunks {
		if err := p.store.HardDeleteNode(ctx, c.ID.String()); err != nil {
			return err
		}
	}
	return nil
}

// findChunksByParent scans for nodes chunked from parentID, matching
// findByExternalID's full-scan style since NodeFilter carries no
// parent-scoped predicate.
func (p *Pool) findChunksByParent(ctx context.Context, parentID uuid.UUID) ([]*store.Node, error) {
	nodes, err := p.store.ListNodes(ctx, store.NodeFilter{}, 1000, 0)
	if err != nil {
		return nil, err
	}
	var chunks []*store.Node
	for _, n := range nodes {
		if n.ParentID != nil && *n.ParentID == parentID {
			chunks = append(chunks, n)
		}
	}
	return chunks, nil
}

// findByExternalID looks up a previously-ingested parent node by the
// provider's external document ID, stashed in PayloadRef at creation time.
// Chunk nodes carry a "<externalID>#<index>" PayloadRef and are excluded.
func (p *Pool) findByExternalID(ctx context.Context, tenant, externalID string) (*store.Node, error) {
	nodes, err := p.store.ListNodes(ctx, store.NodeFilter{}, 1000, 0)
	if err != nil {
		return nil, err
	}
	for _, n := range nodes {
		if n.ParentID == nil && n.PayloadRef == externalID {
			return n, nil
		}
	}
	return nil, nil
}

// handleFailure classifies err and either re-enqueues job with exponential
// backoff or escalates it to the DLQ once maxAttempts is exhausted or the
// failure is permanent.
func (p *Pool) handleFailure(ctx context.Context, job Job, err error) {
	class := classify(err)
	job.Attempt++

	if class.Permanent() || job.Attempt >= p.maxAttempts {
		reason := fmt.Sprintf("%s: %v", class, err)
		if dlqErr := p.dlq.Push(ctx, job, reason); dlqErr != nil {
			p.log.Error().Err(dlqErr).Msg("failed to push job to dlq")
		}
		if p.sink != nil {
			p.sink.SetDLQDepth(ctx, job.Provider, 1)
		}
		return
	}

	backoff := time.Duration(math.Pow(2, float64(job.Attempt))) * time.Second
	time.AfterFunc(backoff, func() {
		requeueCtx := context.Background()
		if err := p.queue.Enqueue(requeueCtx, job); err != nil {
			p.log.Warn().Err(err).Msg("failed to requeue job after backoff")
		}
	})
}

func classify(err error) FailureClass {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Class
	}
	if kgerrors.OfKind(err, kgerrors.KindConnectorPermanent) {
		return FailureMalformed
	}
	return FailureNetwork
}
