package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Job is one unit of ingestion work: a provider-reported document that
// needs to be fetched, chunked, and embedded.
type Job struct {
	Tenant     string    `json:"tenant"`
	Provider   string    `json:"provider"`
	ExternalID string    `json:"external_id"`
	ETag       string    `json:"etag,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempt    int       `json:"attempt"`
}

// Queue is a Redis-backed bounded FIFO per (provider,tenant), plus a
// registry set the worker pool scans to discover which queues currently
// hold work without polling every possible key — grounded on the
// tenant-isolation shape exercised in the pack's go-redis-work-queue
// tenant e2e/integration tests (per-tenant key prefixes, a small registry
// key instead of a KEYS scan).
type Queue struct {
	client    *redis.Client
	maxDepth  int64
	keyPrefix string
}

const registryKey = "lattice:connector:registry"

// NewQueue builds a Queue bounded to maxDepth jobs per (provider,tenant).
func NewQueue(client *redis.Client, maxDepth int) *Queue {
	return &Queue{client: client, maxDepth: int64(maxDepth), keyPrefix: "lattice:connector:queue:"}
}

func (q *Queue) key(tenant, provider string) string {
	return fmt.Sprintf("%s%s:%s", q.keyPrefix, tenant, provider)
}

func registryMember(tenant, provider string) string {
	return tenant + ":" + provider
}

// Enqueue pushes a job onto its (tenant,provider) queue and registers that
// queue's key so a worker pool can discover it, rejecting the push once
// the queue is at maxDepth (backpressure to the connector's poll loop,
// not a silent drop).
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	key := q.key(job.Tenant, job.Provider)

	depth, err := q.client.LLen(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("queue depth check: %w", err)
	}
	if depth >= q.maxDepth {
		return fmt.Errorf("queue %s at capacity (%d)", key, q.maxDepth)
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	pipe := q.client.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.SAdd(ctx, registryKey, registryMember(job.Tenant, job.Provider))
	_, err = pipe.Exec(ctx)
	return err
}

// Dequeue pops the oldest job off a specific (tenant,provider) queue.
// Returns ok=false with a nil error when the queue is empty.
func (q *Queue) Dequeue(ctx context.Context, tenant, provider string) (Job, bool, error) {
	key := q.key(tenant, provider)
	raw, err := q.client.LPop(ctx, key).Result()
	if err == redis.Nil {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("dequeue: %w", err)
	}
	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return Job{}, false, fmt.Errorf("unmarshal job: %w", err)
	}
	return job, true, nil
}

// Depth reports the current queue length for one (tenant,provider) pair.
func (q *Queue) Depth(ctx context.Context, tenant, provider string) (int64, error) {
	return q.client.LLen(ctx, q.key(tenant, provider)).Result()
}

// ActiveQueues lists every (tenant,provider) pair with a registered queue,
// the registry-set lookup the worker pool uses instead of scanning keys.
func (q *Queue) ActiveQueues(ctx context.Context) ([]TenantProvider, error) {
	members, err := q.client.SMembers(ctx, registryKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list active queues: %w", err)
	}
	out := make([]TenantProvider, 0, len(members))
	for _, m := range members {
		tp, ok := parseRegistryMember(m)
		if ok {
			out = append(out, tp)
		}
	}
	return out, nil
}

// Unregister drops a (tenant,provider) pair from the registry once its
// queue has been observed empty, so the worker pool stops scanning it
// until the next Enqueue re-adds it.
func (q *Queue) Unregister(ctx context.Context, tenant, provider string) error {
	return q.client.SRem(ctx, registryKey, registryMember(tenant, provider)).Err()
}

// TenantProvider names one (tenant,provider) ingestion queue.
type TenantProvider struct {
	Tenant   string
	Provider string
}

func parseRegistryMember(m string) (TenantProvider, bool) {
	for i := 0; i < len(m); i++ {
		if m[i] == ':' {
			return TenantProvider{Tenant: m[:i], Provider: m[i+1:]}, true
		}
	}
	return TenantProvider{}, false
}

// DLQ is the dead-letter store for jobs that exhausted their retry budget.
type DLQ struct {
	client *redis.Client
}

// NewDLQ builds a DLQ backed by the same Redis client as the queue.
func NewDLQ(client *redis.Client) *DLQ {
	return &DLQ{client: client}
}

func dlqKey(provider string) string {
	return "lattice:connector:dlq:" + provider
}

// Push moves a job (with its final failure reason) onto the DLQ.
func (d *DLQ) Push(ctx context.Context, job Job, reason string) error {
	entry := struct {
		Job    Job    `json:"job"`
		Reason string `json:"reason"`
		At     time.Time `json:"at"`
	}{Job: job, Reason: reason, At: job.EnqueuedAt}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}
	return d.client.RPush(ctx, dlqKey(job.Provider), payload).Err()
}

// Depth reports the current DLQ length for a provider.
func (d *DLQ) Depth(ctx context.Context, provider string) (int64, error) {
	return d.client.LLen(ctx, dlqKey(provider)).Result()
}

// Replay pops up to n jobs off a provider's DLQ and re-enqueues them via q,
// the admin-triggered recovery path after a transient outage is resolved.
func (d *DLQ) Replay(ctx context.Context, q *Queue, provider string, n int) (int, error) {
	replayed := 0
	for i := 0; i < n; i++ {
		raw, err := d.client.LPop(ctx, dlqKey(provider)).Result()
		if err == redis.Nil {
			break
		}
		if err != nil {
			return replayed, fmt.Errorf("dlq replay pop: %w", err)
		}
		var entry struct {
			Job Job `json:"job"`
		}
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			continue
		}
		entry.Job.Attempt = 0
		if err := q.Enqueue(ctx, entry.Job); err != nil {
			return replayed, err
		}
		replayed++
	}
	return replayed, nil
}
