// Package gorm provides the PostgreSQL/pgvector-backed implementation of
// internal/store's persistence contract.
package gorm

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/lattice-kg/engine/internal/config"
)

// Store is the GORM-backed persistence layer: one PostgreSQL connection pool
// shared by every component, with tenant binding applied per-operation.
type Store struct {
	DB    *gorm.DB
	sqlDB *sql.DB

	metrics        *PoolMetrics
	healthCacheMu  sync.RWMutex
	cachedHealth   *HealthInfo
	healthCacheAt  time.Time
	healthCacheTTL time.Duration

	embeddingDim int
}

// Options configures Store construction.
type Options struct {
	DSN          string
	MaxConns     int
	LogLevel     gormlogger.LogLevel
	EmbeddingDim int
}

// OptionsFromConfig derives Store Options from process configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		DSN:          cfg.DatabaseURL,
		MaxConns:     20,
		LogLevel:     gormlogger.Warn,
		EmbeddingDim: cfg.EmbeddingDim,
	}
}

// NewStore opens a PostgreSQL connection, configures the pool, enables
// pgvector and runs all migrations.
func NewStore(opts Options) (*Store, error) {
	db, err := gorm.Open(postgres.Open(opts.DSN), &gorm.Config{
		Logger:      gormlogger.Default.LogMode(opts.LogLevel),
		PrepareStmt: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open gorm postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}

	maxConns := opts.MaxConns
	if maxConns <= 0 {
		maxConns = 20
	}
	sqlDB.SetMaxOpenConns(maxConns)
	sqlDB.SetMaxIdleConns(maxConns / 2)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(10 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	dim := opts.EmbeddingDim
	if dim <= 0 {
		dim = 384
	}

	store := &Store{
		DB:             db,
		sqlDB:          sqlDB,
		metrics:        NewPoolMetrics(100),
		healthCacheTTL: 5 * time.Second,
		embeddingDim:   dim,
	}

	if err := runMigrations(db, dim); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return store, nil
}

func (s *Store) Close() error { return s.sqlDB.Close() }
func (s *Store) Ping() error  { return s.sqlDB.Ping() }

// GetDB returns the GORM handle for standard queries.
func (s *Store) GetDB() *gorm.DB { return s.DB }

// GetRawDB returns the underlying *sql.DB for raw SQL (pgvector ordering,
// tsvector ranking) GORM's query builder cannot express cleanly.
func (s *Store) GetRawDB() *sql.DB { return s.sqlDB }

func (s *Store) Stats() sql.DBStats { return s.sqlDB.Stats() }

// Query timeout tiers, grounded on the teacher's three-tier timeout scheme.
const (
	DefaultQueryTimeout = 5 * time.Second
	FastQueryTimeout    = 1 * time.Second
	SlowQueryTimeout    = 30 * time.Second
)

// WithTimeout wraps ctx with timeout and logs the operation if it runs slow.
func (s *Store) WithTimeout(ctx context.Context, timeout time.Duration, operation string) (context.Context, context.CancelFunc) {
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	start := time.Now()
	return timeoutCtx, func() {
		elapsed := time.Since(start)
		cancel()
		if elapsed > 100*time.Millisecond {
			log.Warn().Str("operation", operation).Dur("elapsed", elapsed).Dur("timeout", timeout).
				Msg("slow database operation")
		}
	}
}

// TransactionWithTimeout runs fn inside a transaction bounded by timeout.
func (s *Store) TransactionWithTimeout(ctx context.Context, timeout time.Duration, fn func(*gorm.DB) error) error {
	timeoutCtx, cancel := s.WithTimeout(ctx, timeout, "transaction")
	defer cancel()
	return s.DB.WithContext(timeoutCtx).Transaction(func(tx *gorm.DB) error {
		select {
		case <-timeoutCtx.Done():
			return timeoutCtx.Err()
		default:
		}
		return fn(tx)
	})
}

// HealthInfo reports connection and query health, cached for healthCacheTTL.
type HealthInfo struct {
	Timestamp    time.Time      `json:"timestamp"`
	Status       string         `json:"status"`
	Error        string         `json:"error,omitempty"`
	Warning      string         `json:"warning,omitempty"`
	PoolStats    PoolStats      `json:"pool_stats"`
	QueryLatency time.Duration  `json:"query_latency_ns"`
	Metrics      MetricsSummary `json:"metrics,omitempty"`
}

type PoolStats struct {
	OpenConnections int           `json:"open_connections"`
	InUse           int           `json:"in_use"`
	Idle            int           `json:"idle"`
	WaitCount       int64         `json:"wait_count"`
	WaitDuration    time.Duration `json:"wait_duration_ns"`
}

// HealthCheck returns the cached health snapshot, refreshing it if stale.
func (s *Store) HealthCheck(ctx context.Context) *HealthInfo {
	s.healthCacheMu.RLock()
	if s.cachedHealth != nil && time.Since(s.healthCacheAt) < s.healthCacheTTL {
		cached := s.cachedHealth
		s.healthCacheMu.RUnlock()
		return cached
	}
	s.healthCacheMu.RUnlock()

	info := s.performHealthCheck(ctx)

	s.healthCacheMu.Lock()
	s.cachedHealth = info
	s.healthCacheAt = time.Now()
	s.healthCacheMu.Unlock()

	return info
}

func (s *Store) performHealthCheck(ctx context.Context) *HealthInfo {
	info := &HealthInfo{Status: "healthy", Timestamp: time.Now()}

	stats := s.sqlDB.Stats()
	info.PoolStats = PoolStats{
		OpenConnections: stats.OpenConnections,
		InUse:           stats.InUse,
		Idle:            stats.Idle,
		WaitCount:       stats.WaitCount,
		WaitDuration:    stats.WaitDuration,
	}
	s.metrics.RecordPoolStats(stats)

	start := time.Now()
	var dummy int
	err := s.sqlDB.QueryRowContext(ctx, "SELECT 1").Scan(&dummy)
	info.QueryLatency = time.Since(start)
	s.metrics.RecordLatency(info.QueryLatency)
	info.Metrics = s.metrics.GetMetricsSummary()

	if err != nil {
		info.Status = "unhealthy"
		info.Error = err.Error()
		return info
	}

	if stats.InUse > 0 && float64(stats.InUse)/float64(stats.OpenConnections) > 0.8 {
		info.Status = "degraded"
		info.Warning = "connection pool heavily utilized"
	}
	if info.Metrics.P95Latency > 50*time.Millisecond {
		info.Status = "degraded"
		info.Warning = fmt.Sprintf("high P95 latency: %v", info.Metrics.P95Latency)
	}
	return info
}

// PoolMetrics tracks a sliding window of query latencies for P95 reporting,
// used as the in-process fallback when no OTel collector scrapes metrics.
type PoolMetrics struct {
	mu             sync.RWMutex
	latencySamples []time.Duration
	latencyIdx     int
	latencyCount   int
	totalQueries   int64
	peakInUse      int
	peakWaitCount  int64
	windowSize     int
}

func NewPoolMetrics(windowSize int) *PoolMetrics {
	if windowSize <= 0 {
		windowSize = 100
	}
	return &PoolMetrics{latencySamples: make([]time.Duration, windowSize), windowSize: windowSize}
}

func (m *PoolMetrics) RecordLatency(latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latencySamples[m.latencyIdx] = latency
	m.latencyIdx = (m.latencyIdx + 1) % m.windowSize
	if m.latencyCount < m.windowSize {
		m.latencyCount++
	}
	m.totalQueries++
}

func (m *PoolMetrics) RecordPoolStats(stats sql.DBStats) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stats.InUse > m.peakInUse {
		m.peakInUse = stats.InUse
	}
	if stats.WaitCount > m.peakWaitCount {
		m.peakWaitCount = stats.WaitCount
	}
}

type MetricsSummary struct {
	TotalQueries  int64         `json:"total_queries"`
	SampleCount   int           `json:"sample_count"`
	AvgLatency    time.Duration `json:"avg_latency_ns"`
	P95Latency    time.Duration `json:"p95_latency_ns,omitempty"`
	PeakInUse     int           `json:"peak_in_use"`
	PeakWaitCount int64         `json:"peak_wait_count"`
}

func (m *PoolMetrics) GetMetricsSummary() MetricsSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	summary := MetricsSummary{
		TotalQueries:  m.totalQueries,
		SampleCount:   m.latencyCount,
		PeakInUse:     m.peakInUse,
		PeakWaitCount: m.peakWaitCount,
	}
	if m.latencyCount == 0 {
		return summary
	}
	var total time.Duration
	for i := 0; i < m.latencyCount; i++ {
		total += m.latencySamples[i]
	}
	summary.AvgLatency = total / time.Duration(m.latencyCount)
	if m.latencyCount >= 20 {
		samples := make([]time.Duration, m.latencyCount)
		copy(samples, m.latencySamples[:m.latencyCount])
		slices.Sort(samples)
		summary.P95Latency = samples[int(float64(len(samples))*0.95)]
	}
	return summary
}
