// Package config provides environment-variable-driven configuration for lattice.
package config

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Config holds the full runtime configuration, assembled once at startup
// from environment variables (see SPEC_FULL.md §6).
type Config struct {
	DatabaseURL string
	CacheURL    string
	ServerPort  int
	LogLevel    string

	AuthEnabled   bool
	AuthAlgorithm string
	AuthKey       string
	AuthIssuer    string
	AuthAudience  string
	AuthLeeway    time.Duration
	DevTenantID   string

	RateLimitEnabled bool
	TrustProxy       bool
	RealIPHeader     string

	EmbeddingBackend string
	EmbeddingModel   string
	EmbeddingDim     int
	EmbeddingBaseURL string
	EmbeddingAPIKey  string

	ANNIndexes         []string
	SearchDistance     string
	HNSWM              int
	HNSWEfConstruction int
	HNSWEfSearch       int
	IVFFlatLists       int
	IVFFlatProbes      int

	AutoEmbedOnCreate  bool
	AutoIndexOnStartup bool

	AskUseReranker           bool
	RerankSkipTopSim         float64
	HybridRerankerCandidates int
	AskSimThreshold          float64
	AskMaxSnippets           int
	AskSnippetLen            int
	AskRouterTopSim          float64
	AskLLMTimeout            time.Duration

	WeightedSearchCandidateFactor int

	URLAllowlist    []string
	MaxFetchBytes   int64
	FetchTimeout    time.Duration
	FileBaseDirs    []string
	MaxFileBytes    int64
	MaxRequestBytes int64

	KEKVersions map[int]string
	KEKCurrent  int

	RunScheduler             bool
	RefreshIntervalSeconds   int
	TriggerIntervalSeconds   int
	PurgeIntervalSeconds     int
	RefreshBatchSize         int
	PurgeBatchSize           int
	DriftThresholdDefault    float64
	PurgeGraceDefault        time.Duration
	ConnectorMaxAttempts     int
	ConnectorWorkerPoolSize  int
	ConnectorQueueDepthLimit int
}

// Default returns a Config populated with the spec's documented defaults.
func Default() *Config {
	return &Config{
		ServerPort:    37780,
		LogLevel:      "info",
		DevTenantID:   "dev",
		AuthAlgorithm: "HS256",
		AuthLeeway:    30 * time.Second,

		EmbeddingBackend: "hash",
		EmbeddingModel:   "hash-v1",
		EmbeddingDim:     384,

		ANNIndexes:         []string{"hnsw"},
		SearchDistance:     "cosine",
		HNSWM:              16,
		HNSWEfConstruction: 64,
		HNSWEfSearch:       40,
		IVFFlatLists:       100,
		IVFFlatProbes:      10,

		AutoEmbedOnCreate:  true,
		AutoIndexOnStartup: true,

		AskUseReranker:           true,
		RerankSkipTopSim:         0.80,
		HybridRerankerCandidates: 50,
		AskSimThreshold:          0.20,
		AskMaxSnippets:           6,
		AskSnippetLen:            800,
		AskRouterTopSim:          0.55,
		AskLLMTimeout:            30 * time.Second,

		WeightedSearchCandidateFactor: 4,

		MaxFetchBytes:   10 << 20,
		FetchTimeout:    30 * time.Second,
		MaxFileBytes:    10 << 20,
		MaxRequestBytes: 5 << 20,

		KEKVersions: map[int]string{},
		KEKCurrent:  0,

		RunScheduler:             true,
		RefreshIntervalSeconds:   30,
		TriggerIntervalSeconds:   60,
		PurgeIntervalSeconds:     3600,
		RefreshBatchSize:         50,
		PurgeBatchSize:           200,
		DriftThresholdDefault:    0.3,
		PurgeGraceDefault:        72 * time.Hour,
		ConnectorMaxAttempts:     5,
		ConnectorWorkerPoolSize:  8,
		ConnectorQueueDepthLimit: 10000,
	}
}

// Load overlays environment variables on top of Default().
func Load() *Config {
	cfg := Default()

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("CACHE_URL"); v != "" {
		cfg.CacheURL = v
	}
	if v := envInt("SERVER_PORT"); v != 0 {
		cfg.ServerPort = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	cfg.AuthEnabled = envBool("AUTH_ENABLED", false)
	if v := os.Getenv("AUTH_ALGORITHM"); v != "" {
		cfg.AuthAlgorithm = v
	}
	cfg.AuthKey = os.Getenv("AUTH_KEY")
	cfg.AuthIssuer = os.Getenv("AUTH_ISSUER")
	cfg.AuthAudience = os.Getenv("AUTH_AUDIENCE")
	if v := envInt("AUTH_LEEWAY"); v != 0 {
		cfg.AuthLeeway = time.Duration(v) * time.Second
	}

	cfg.RateLimitEnabled = envBool("RATE_LIMIT_ENABLED", true)
	cfg.TrustProxy = envBool("TRUST_PROXY", false)
	if v := os.Getenv("REAL_IP_HEADER"); v != "" {
		cfg.RealIPHeader = v
	}

	if v := os.Getenv("EMBEDDING_BACKEND"); v != "" {
		cfg.EmbeddingBackend = v
	}
	if v := os.Getenv("EMBEDDING_MODEL"); v != "" {
		cfg.EmbeddingModel = v
	}
	if v := envInt("EMBEDDING_DIM"); v != 0 {
		cfg.EmbeddingDim = v
	}
	cfg.EmbeddingBaseURL = os.Getenv("EMBEDDING_BASE_URL")
	cfg.EmbeddingAPIKey = os.Getenv("EMBEDDING_API_KEY")

	if v := os.Getenv("ANN_INDEXES"); v != "" {
		cfg.ANNIndexes = splitTrim(v)
	}
	if v := os.Getenv("SEARCH_DISTANCE"); v != "" {
		cfg.SearchDistance = v
	}
	if v := envInt("HNSW_M"); v != 0 {
		cfg.HNSWM = v
	}
	if v := envInt("HNSW_EF_CONSTRUCTION"); v != 0 {
		cfg.HNSWEfConstruction = v
	}
	if v := envInt("HNSW_EF_SEARCH"); v != 0 {
		cfg.HNSWEfSearch = v
	}
	if v := envInt("IVFFLAT_LISTS"); v != 0 {
		cfg.IVFFlatLists = v
	}
	if v := envInt("IVFFLAT_PROBES"); v != 0 {
		cfg.IVFFlatProbes = v
	}

	cfg.AutoEmbedOnCreate = envBool("AUTO_EMBED_ON_CREATE", cfg.AutoEmbedOnCreate)
	cfg.AutoIndexOnStartup = envBool("AUTO_INDEX_ON_STARTUP", cfg.AutoIndexOnStartup)

	cfg.AskUseReranker = envBool("ASK_USE_RERANKER", cfg.AskUseReranker)
	if v := envFloat("RERANK_SKIP_TOPSIM"); v != 0 {
		cfg.RerankSkipTopSim = v
	}
	if v := envInt("HYBRID_RERANKER_CANDIDATES"); v != 0 {
		cfg.HybridRerankerCandidates = v
	}
	if v := envFloat("ASK_SIM_THRESHOLD"); v != 0 {
		cfg.AskSimThreshold = v
	}
	if v := envInt("ASK_MAX_SNIPPETS"); v != 0 {
		cfg.AskMaxSnippets = v
	}
	if v := envInt("ASK_SNIPPET_LEN"); v != 0 {
		cfg.AskSnippetLen = v
	}
	if v := envFloat("ASK_ROUTER_TOPSIM"); v != 0 {
		cfg.AskRouterTopSim = v
	}
	if v := envInt("ASK_LLM_TIMEOUT"); v != 0 {
		cfg.AskLLMTimeout = time.Duration(v) * time.Second
	}

	if v := envInt("WEIGHTED_SEARCH_CANDIDATE_FACTOR"); v != 0 {
		cfg.WeightedSearchCandidateFactor = v
	}

	if v := os.Getenv("URL_ALLOWLIST"); v != "" {
		cfg.URLAllowlist = splitTrim(v)
	}
	if v := envInt64("MAX_FETCH_BYTES"); v != 0 {
		cfg.MaxFetchBytes = v
	}
	if v := envInt("FETCH_TIMEOUT"); v != 0 {
		cfg.FetchTimeout = time.Duration(v) * time.Second
	}
	if v := os.Getenv("FILE_BASEDIRS"); v != "" {
		cfg.FileBaseDirs = splitTrim(v)
	}
	if v := envInt64("MAX_FILE_BYTES"); v != 0 {
		cfg.MaxFileBytes = v
	}
	if v := envInt64("MAX_REQUEST_BYTES"); v != 0 {
		cfg.MaxRequestBytes = v
	}

	cfg.KEKVersions = loadKEKVersions()
	cfg.KEKCurrent = latestKEKVersion(cfg.KEKVersions)

	cfg.RunScheduler = envBool("RUN_SCHEDULER", cfg.RunScheduler)
	if v := envInt("REFRESH_INTERVAL_SECONDS"); v != 0 {
		cfg.RefreshIntervalSeconds = v
	}
	if v := envInt("TRIGGER_INTERVAL_SECONDS"); v != 0 {
		cfg.TriggerIntervalSeconds = v
	}
	if v := envInt("PURGE_INTERVAL_SECONDS"); v != 0 {
		cfg.PurgeIntervalSeconds = v
	}
	if v := envInt("REFRESH_BATCH_SIZE"); v != 0 {
		cfg.RefreshBatchSize = v
	}
	if v := envInt("PURGE_BATCH_SIZE"); v != 0 {
		cfg.PurgeBatchSize = v
	}

	return cfg
}

func loadKEKVersions() map[int]string {
	versions := map[int]string{}
	for _, e := range os.Environ() {
		k, v, ok := strings.Cut(e, "=")
		if !ok || !strings.HasPrefix(k, "KEK_V") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimPrefix(k, "KEK_V"))
		if err != nil {
			continue
		}
		versions[n] = v
	}
	return versions
}

func latestKEKVersion(versions map[int]string) int {
	latest := 0
	for n := range versions {
		if n > latest {
			latest = n
		}
	}
	return latest
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string) int {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func envInt64(key string) int64 {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

func envFloat(key string) float64 {
	v := os.Getenv(key)
	if v == "" {
		return 0
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return f
}

func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

var (
	global     *Config
	globalOnce sync.Once
)

// Get returns the process-wide configuration, loading it on first use.
func Get() *Config {
	globalOnce.Do(func() {
		global = Load()
	})
	return global
}

// GetEmbeddingAPIKey returns the configured embedding API key.
func GetEmbeddingAPIKey() string { return Get().EmbeddingAPIKey }

// GetEmbeddingBaseURL returns the configured embedding backend base URL.
func GetEmbeddingBaseURL() string { return Get().EmbeddingBaseURL }

// GetEmbeddingModelName returns the configured embedding model name.
func GetEmbeddingModelName() string { return Get().EmbeddingModel }

// GetEmbeddingDimensions returns the configured embedding dimension.
func GetEmbeddingDimensions() int { return Get().EmbeddingDim }
