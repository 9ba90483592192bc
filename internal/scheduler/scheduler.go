// Package scheduler runs the background refresh, trigger and purge loops
// that keep node embeddings current, grounded directly on the teacher's
// consolidation/scheduler.go three-ticker select structure and
// maintenance/service.go's Start/Stop/Wait lifecycle.
package scheduler

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/lattice-kg/engine/internal/config"
	"github.com/lattice-kg/engine/internal/embedding"
	"github.com/lattice-kg/engine/internal/store"
	"github.com/lattice-kg/engine/internal/trigger"
)

// Stats exposes the scheduler's last-run state for C9, generalizing the
// teacher's maintenance.Service map-returning Stats() into typed fields.
type Stats struct {
	LastRefreshRun   time.Time
	LastTriggerRun   time.Time
	LastPurgeRun     time.Time
	RefreshedTotal   int64
	DriftHighTotal   int64
	TriggerFiredTotal int64
	PurgedTotal      int64
	RefreshErrors    int64
}

// Scheduler owns the three periodic maintenance loops for node freshness.
// A single instance is meant to run per tenant-isolated deployment; the
// underlying queries are tenant-agnostic so one process may also serve a
// multi-tenant deployment directly (SPEC_FULL.md §4.4).
type Scheduler struct {
	store     store.Store
	embedder  *embedding.Service
	triggers  *trigger.Registry
	cfg       *config.Config
	log       zerolog.Logger

	mu         sync.Mutex
	stats      Stats
	loggedSkip map[string]string

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Scheduler.
func New(st store.Store, embedder *embedding.Service, triggers *trigger.Registry, cfg *config.Config, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		store:      st,
		embedder:   embedder,
		triggers:   triggers,
		cfg:        cfg,
		log:        log.With().Str("component", "scheduler").Logger(),
		loggedSkip: make(map[string]string),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start runs the refresh/trigger/purge loops until ctx is cancelled or Stop
// is called. Intended to be launched in its own goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	defer close(s.doneCh)

	if !s.cfg.RunScheduler {
		s.log.Info().Msg("scheduler disabled, not starting loops")
		return
	}

	refreshInterval := time.Duration(s.cfg.RefreshIntervalSeconds) * time.Second
	triggerInterval := time.Duration(s.cfg.TriggerIntervalSeconds) * time.Second
	purgeInterval := time.Duration(s.cfg.PurgeIntervalSeconds) * time.Second

	s.log.Info().
		Dur("refresh_interval", refreshInterval).
		Dur("trigger_interval", triggerInterval).
		Dur("purge_interval", purgeInterval).
		Msg("scheduler started")

	refreshTicker := time.NewTicker(refreshInterval)
	triggerTicker := time.NewTicker(triggerInterval)
	purgeTicker := time.NewTicker(purgeInterval)
	defer refreshTicker.Stop()
	defer triggerTicker.Stop()
	defer purgeTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler stopping (context done)")
			return
		case <-s.stopCh:
			s.log.Info().Msg("scheduler stopping (stop signal)")
			return
		case <-refreshTicker.C:
			s.runRefresh(ctx)
		case <-triggerTicker.C:
			s.runTriggerSweep(ctx)
		case <-purgeTicker.C:
			s.runPurge(ctx)
		}
	}
}

// Stop signals the scheduler's loops to exit.
func (s *Scheduler) Stop() {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

// Wait blocks until Start has returned.
func (s *Scheduler) Wait() {
	<-s.doneCh
}

// Snapshot returns a copy of the scheduler's current stats.
func (s *Scheduler) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// RefreshNow force-refreshes the given node IDs immediately, bypassing the
// due-for-refresh cadence check, for POST /nodes/{id}/refresh and
// POST /admin/refresh. Each node is refreshed within its own tenant
// context; a failure on one node does not abort the rest.
func (s *Scheduler) RefreshNow(ctx context.Context, nodeIDs []string) (refreshed int, errs []error) {
	for _, id := range nodeIDs {
		n, err := s.store.GetNode(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		if err := s.refreshOne(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		refreshed++
	}
	return refreshed, errs
}

// runRefresh selects due nodes, re-embeds each, records drift and, when the
// policy threshold is crossed, appends a drift_high event; every refreshed
// node is immediately evaluated against triggers.
func (s *Scheduler) runRefresh(ctx context.Context) {
	start := time.Now()
	candidates, err := s.store.DueForRefresh(ctx, s.cfg.RefreshBatchSize*4)
	if err != nil {
		s.log.Error().Err(err).Msg("due_for_refresh query failed")
		return
	}

	var refreshed, driftHigh, errored int64
	budget := s.cfg.RefreshBatchSize
	for _, n := range candidates {
		if budget <= 0 {
			break
		}
		if n.IsDeleted() {
			continue
		}
		if !s.isDue(n, start) {
			continue
		}
		budget--

		if err := s.refreshOne(ctx, n); err != nil {
			errored++
			s.log.Warn().Err(err).Str("node_id", n.ID.String()).Msg("refresh failed")
			continue
		}
		refreshed++
		if n.LastDrift >= driftThreshold(n, s.cfg) {
			driftHigh++
		}
	}

	s.mu.Lock()
	s.stats.LastRefreshRun = start
	s.stats.RefreshedTotal += refreshed
	s.stats.DriftHighTotal += driftHigh
	s.stats.RefreshErrors += errored
	s.mu.Unlock()

	s.log.Info().
		Int64("refreshed", refreshed).
		Int64("drift_high", driftHigh).
		Int64("errors", errored).
		Dur("duration", time.Since(start)).
		Msg("refresh cycle completed")

	// Trigger loop also runs right after every refresh, per SPEC_FULL.md §4.4.
	s.runTriggerSweep(ctx)
}

// refreshOne re-embeds a single node within its own tenant context, computes
// drift against the embedding it replaces, persists the new vector and
// history row, and appends refreshed (and, if crossed, drift_high) events.
func (s *Scheduler) refreshOne(ctx context.Context, n *store.Node) error {
	if n.Tenant == nil {
		return fmt.Errorf("node %s has no tenant", n.ID)
	}
	tctx, err := store.WithTenant(ctx, *n.Tenant)
	if err != nil {
		return err
	}

	current, err := s.store.GetNode(tctx, n.ID.String())
	if err != nil {
		return err
	}
	if current.IsDeleted() {
		return nil
	}

	previous, err := s.store.GetNodeEmbedding(tctx, current.ID.String())
	if err != nil {
		s.log.Warn().Err(err).Str("node_id", current.ID.String()).Msg("failed to read previous embedding, treating as absent")
	}

	result := s.embedder.Embed(tctx, current.ID.String(), nodeText(current))
	if result.Err != nil {
		_ = s.store.MarkEmbeddingFailed(tctx, current.ID.String(), result.Err.Error())
		return result.Err
	}

	drift := 0.0
	if len(previous) > 0 {
		drift = 1 - cosine(previous, result.Vector)
	}
	if err := s.store.UpsertEmbedding(tctx, current.ID.String(), result.Vector, drift); err != nil {
		return err
	}

	if err := s.store.AppendEvent(tctx, &store.Event{
		ID:     uuid.New(),
		NodeID: &current.ID,
		Kind:   store.EventRefreshed,
		Payload: store.Props{"drift": drift},
		Tenant: current.Tenant,
	}); err != nil {
		s.log.Warn().Err(err).Msg("failed to append refreshed event")
	}

	threshold := driftThreshold(current, s.cfg)
	if drift >= threshold {
		if err := s.store.AppendEvent(tctx, &store.Event{
			ID:     uuid.New(),
			NodeID: &current.ID,
			Kind:   store.EventDriftHigh,
			Payload: store.Props{"drift": drift, "threshold": threshold},
			Tenant: current.Tenant,
		}); err != nil {
			s.log.Warn().Err(err).Msg("failed to append drift_high event")
		}
	}

	if s.triggers != nil {
		if _, err := s.evaluateTriggers(tctx, current, result.Vector); err != nil {
			s.log.Warn().Err(err).Str("node_id", current.ID.String()).Msg("trigger evaluation failed")
		}
	}
	return nil
}

// runTriggerSweep re-evaluates triggers for recently refreshed nodes. It is
// invoked standalone on its own ticker and also chained after every refresh
// cycle, matching §4.5's "after each refresh and every T_t seconds" wording.
func (s *Scheduler) runTriggerSweep(ctx context.Context) {
	if s.triggers == nil {
		return
	}
	start := time.Now()
	nodes, err := s.store.DueForRefresh(ctx, s.cfg.RefreshBatchSize)
	if err != nil {
		s.log.Error().Err(err).Msg("trigger sweep query failed")
		return
	}

	var fired int64
	for _, n := range nodes {
		if n.Tenant == nil || n.EmbeddingStatus != store.EmbeddingReady {
			continue
		}
		tctx, err := store.WithTenant(ctx, *n.Tenant)
		if err != nil {
			continue
		}
		vec, err := s.store.GetNodeEmbedding(tctx, n.ID.String())
		if err != nil || len(vec) == 0 {
			continue
		}
		count, err := s.evaluateTriggers(tctx, n, vec)
		if err != nil {
			s.log.Warn().Err(err).Str("node_id", n.ID.String()).Msg("trigger evaluation failed")
			continue
		}
		fired += int64(count)
	}

	s.mu.Lock()
	s.stats.LastTriggerRun = start
	s.stats.TriggerFiredTotal += fired
	s.mu.Unlock()
}

func (s *Scheduler) evaluateTriggers(ctx context.Context, n *store.Node, embedding []float32) (int, error) {
	matches, err := s.triggers.Evaluate(ctx, n, embedding)
	if err != nil {
		return 0, err
	}
	for _, m := range matches {
		if err := s.store.AppendEvent(ctx, &store.Event{
			ID:     uuid.New(),
			NodeID: &n.ID,
			Kind:   store.EventTriggerFired,
			Payload: store.Props{
				"pattern":    m.Pattern.Name,
				"similarity": m.Similarity,
			},
			Tenant: n.Tenant,
		}); err != nil {
			s.log.Warn().Err(err).Msg("failed to append trigger_fired event")
		}
	}
	return len(matches), nil
}

// runPurge hard-deletes soft-deleted nodes whose grace period elapsed.
func (s *Scheduler) runPurge(ctx context.Context) {
	start := time.Now()
	purged, err := s.store.PurgeExpired(ctx, s.cfg.PurgeBatchSize)
	if err != nil {
		s.log.Error().Err(err).Msg("purge cycle failed")
		return
	}

	s.mu.Lock()
	s.stats.LastPurgeRun = start
	s.stats.PurgedTotal += int64(purged)
	s.mu.Unlock()

	if purged > 0 {
		s.log.Info().Int("purged", purged).Dur("duration", time.Since(start)).Msg("purge cycle completed")
	}
}

// isDue applies cron-over-interval precedence: an explicit cron schedule
// wins when both are set; an invalid cron falls back to interval; if
// neither is usable the node is never due and is skipped, with a warning
// logged once per distinct policy rather than on every tick.
func (s *Scheduler) isDue(n *store.Node, now time.Time) bool {
	policy := n.RefreshPolicy
	if policy.Cron != "" {
		sched, err := cron.ParseStandard(policy.Cron)
		if err == nil {
			next := sched.Next(n.LastRefreshed)
			return !next.After(now)
		}
		// invalid cron: fall through to interval
	}
	if policy.Interval != nil && *policy.Interval > 0 {
		return now.Sub(n.LastRefreshed) >= *policy.Interval
	}
	s.logSkippedOnce(n)
	return false
}

// logSkippedOnce warns that a node has no usable refresh policy, once per
// distinct policy value, so an unchanging policy-less node doesn't spam the
// log on every refresh tick.
func (s *Scheduler) logSkippedOnce(n *store.Node) {
	fp := policyFingerprint(n.RefreshPolicy)
	id := n.ID.String()

	s.mu.Lock()
	if last, seen := s.loggedSkip[id]; seen && last == fp {
		s.mu.Unlock()
		return
	}
	s.loggedSkip[id] = fp
	s.mu.Unlock()

	s.log.Warn().Str("node_id", id).Msg("node has no usable cron or interval, skipping refresh")
}

// policyFingerprint identifies a refresh policy's cron/interval shape so
// logSkippedOnce can tell a genuine policy change from a repeated no-op tick.
func policyFingerprint(p store.RefreshPolicy) string {
	interval := ""
	if p.Interval != nil {
		interval = p.Interval.String()
	}
	return p.Cron + "|" + interval
}

func driftThreshold(n *store.Node, cfg *config.Config) float64 {
	if n.RefreshPolicy.DriftThreshold > 0 {
		return n.RefreshPolicy.DriftThreshold
	}
	return cfg.DriftThresholdDefault
}

func nodeText(n *store.Node) string {
	var sb strings.Builder
	for _, c := range n.Classes {
		sb.WriteString(c)
		sb.WriteString(" ")
	}
	for k, v := range n.Props {
		fmt.Fprintf(&sb, "%s=%v ", k, v)
	}
	return sb.String()
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
