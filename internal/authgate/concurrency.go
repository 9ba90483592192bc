package authgate

import (
	"net/http"
	"sync"
	"time"

	"github.com/lattice-kg/engine/internal/store"
)

// ConcurrencyCap bounds in-flight requests per (tenant,endpoint), e.g. 3 for
// ask and 2 for streaming ask per §4.7. Slots untouched for longer than
// reapIdleAfter (10 minutes) are treated as leaked (a handler panicked
// before its defer ran) and force-released by a sweep that runs at most
// once per reapInterval (5 minutes), generalizing PerClientRateLimiter.cleanupLocked's
// idle-entry sweep to in-flight accounting instead of bucket eviction.
type ConcurrencyCap struct {
	mu              sync.Mutex
	slots           map[string]*capSlot
	limit           int
	reapIdleAfter   time.Duration
	lastReap        time.Time
	reapInterval    time.Duration
}

type capSlot struct {
	inFlight   int
	lastTouch  time.Time
}

// NewConcurrencyCap builds a cap of `limit` concurrent requests per key.
func NewConcurrencyCap(limit int) *ConcurrencyCap {
	return &ConcurrencyCap{
		slots:         map[string]*capSlot{},
		limit:         limit,
		reapIdleAfter: 10 * time.Minute,
		reapInterval:  5 * time.Minute,
		lastReap:      time.Now(),
	}
}

// acquire attempts to claim one in-flight slot for key. release must be
// called exactly once if ok is true.
func (c *ConcurrencyCap) acquire(key string) (release func(), ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if time.Since(c.lastReap) > c.reapInterval {
		c.reapLocked()
	}

	slot, exists := c.slots[key]
	if !exists {
		slot = &capSlot{}
		c.slots[key] = slot
	}
	if slot.inFlight >= c.limit {
		return nil, false
	}
	slot.inFlight++
	slot.lastTouch = time.Now()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if slot.inFlight > 0 {
				slot.inFlight--
			}
			slot.lastTouch = time.Now()
		})
	}, true
}

// reapLocked force-releases slots whose in-flight count has not changed
// for reapIdleAfter — a handler that panicked or leaked its release call.
// Must be called with c.mu held.
func (c *ConcurrencyCap) reapLocked() {
	now := time.Now()
	for key, slot := range c.slots {
		if slot.inFlight == 0 {
			delete(c.slots, key)
			continue
		}
		if now.Sub(slot.lastTouch) > c.reapIdleAfter {
			slot.inFlight = 0
			slot.lastTouch = now
		}
	}
	c.lastReap = now
}

// Middleware rejects requests once the bound tenant has `limit` requests
// for endpoint already in flight.
func (c *ConcurrencyCap) Middleware(endpoint string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant, err := store.RequireTenant(r.Context())
			if err != nil {
				http.Error(w, "missing tenant", http.StatusInternalServerError)
				return
			}
			release, ok := c.acquire(tenant + ":" + endpoint)
			if !ok {
				http.Error(w, "too many concurrent requests", http.StatusTooManyRequests)
				return
			}
			defer release()
			next.ServeHTTP(w, r)
		})
	}
}
