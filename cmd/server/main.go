// Package main provides the entry point for the lattice knowledge-graph server.
package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/soheilhy/cmux"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/lattice-kg/engine/internal/api"
	"github.com/lattice-kg/engine/internal/ask"
	"github.com/lattice-kg/engine/internal/authgate"
	"github.com/lattice-kg/engine/internal/config"
	"github.com/lattice-kg/engine/internal/connector"
	"github.com/lattice-kg/engine/internal/embedding"
	"github.com/lattice-kg/engine/internal/observability"
	platformlog "github.com/lattice-kg/engine/internal/platform/log"
	"github.com/lattice-kg/engine/internal/reranking"
	"github.com/lattice-kg/engine/internal/retrieval"
	"github.com/lattice-kg/engine/internal/scheduler"
	"github.com/lattice-kg/engine/internal/store/gorm"
	"github.com/lattice-kg/engine/internal/trigger"
)

var Version = "dev"

func main() {
	platformlog.SetLevel(os.Getenv("LOG_LEVEL"))
	log.Logger = platformlog.Base

	log.Info().Str("version", Version).Msg("Starting lattice server")

	cfg := config.Load()

	st, err := gorm.NewStore(gorm.OptionsFromConfig(cfg))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}

	embedder, err := embedding.NewService(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build embedding service")
	}

	reranker, err := reranking.NewService(reranking.ConfigFromAppConfig(cfg))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build reranking service")
	}

	retrievalSvc := retrieval.NewService(st, embedder, reranker, cfg)

	sink, err := observability.NewSink(noop.NewMeterProvider().Meter("lattice"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build observability sink")
	}

	triggers := trigger.NewRegistry(st, 100, platformlog.Component("trigger"))
	sched := scheduler.New(st, embedder, triggers, cfg, platformlog.Component("scheduler"))

	var connCfg *connector.ConfigStore
	var queue *connector.Queue
	var dlq *connector.DLQ
	var pool *connector.Pool
	verifiers := map[string]*connector.Verifier{}

	if cfg.CacheURL != "" {
		redisClient := redis.NewClient(&redis.Options{Addr: cfg.CacheURL})
		queue = connector.NewQueue(redisClient, cfg.ConnectorQueueDepthLimit)
		dlq = connector.NewDLQ(redisClient)

		keys, err := connector.NewKeyRing(cfg.KEKVersions, cfg.KEKCurrent)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to build connector key ring")
		}
		connCfg = connector.NewConfigStore(st, keys, platformlog.Component("connector-config"), sink)

		fetchers := map[string]connector.Fetcher{"echo": connector.NewEchoFetcher()}
		pool = connector.NewPool(queue, dlq, st, fetchers, embedder, cfg.ConnectorMaxAttempts, cfg.ConnectorWorkerPoolSize, platformlog.Component("connector-worker"), sink)
		pool.Start(context.Background())
	} else {
		log.Info().Msg("CACHE_URL unset, connector runtime disabled")
	}

	gate := authgate.NewGate(cfg, platformlog.Component("authgate"), sink)
	limiter := authgate.NewLimiter(cfg.CacheURL, platformlog.Component("ratelimit"))
	askCap := authgate.NewConcurrencyCap(8)
	streamCap := authgate.NewConcurrencyCap(4)

	llmClient := ask.NewEchoClient("")
	orchestrator := ask.NewOrchestrator(retrievalSvc, llmClient, cfg, platformlog.Component("ask"), sink)

	if cfg.RunScheduler {
		sched.Start(context.Background())
	}

	svc := api.NewService(api.Deps{
		Store:        st,
		Retrieval:    retrievalSvc,
		Embedder:     embedder,
		Orchestrator: orchestrator,
		Scheduler:    sched,
		Triggers:     triggers,
		Connectors:   pool,
		ConnCfg:      connCfg,
		Queue:        queue,
		DLQ:          dlq,
		Verifiers:    verifiers,
		Gate:         gate,
		Limiter:      limiter,
		AskCap:       askCap,
		StreamCap:    streamCap,
		Sink:         sink,
		Cfg:          cfg,
		Log:          log.Logger,
	})

	if err := serve(svc, cfg.ServerPort); err != nil {
		log.Fatal().Err(err).Msg("failed to start server")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Received shutdown signal")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := svc.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}

	log.Info().Msg("lattice server shutdown complete")
}

// serve binds cfg.ServerPort through a cmux multiplexer so a future
// protocol (e.g. a gRPC admin surface) can share the port without moving
// the HTTP listener, matching one cmux.Match against the sole HTTP1
// stream in the meantime.
func serve(svc *api.Service, port int) error {
	lis, err := net.Listen("tcp", addrFor(port))
	if err != nil {
		return err
	}

	m := cmux.New(lis)
	httpL := m.Match(cmux.HTTP1Fast())

	if err := svc.StartOn(httpL); err != nil {
		return err
	}

	go func() {
		if err := m.Serve(); err != nil {
			log.Warn().Err(err).Msg("cmux listener stopped")
		}
	}()

	return nil
}

func addrFor(port int) string {
	return ":" + strconv.Itoa(port)
}
