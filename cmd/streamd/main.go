// Package main is the entry point for the streamd component
// processes. Each subcommand runs exactly one pipeline component
// against the shared database and bus, so operators scale and restart
// components independently.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/homelab/lifestream/internal/buildinfo"
	"github.com/homelab/lifestream/internal/bus"
	"github.com/homelab/lifestream/internal/config"
	"github.com/homelab/lifestream/internal/eventtypes"
	"github.com/homelab/lifestream/internal/ingestapi"
	"github.com/homelab/lifestream/internal/ledger"
	"github.com/homelab/lifestream/internal/lifecycle"
	"github.com/homelab/lifestream/internal/materializer"
	"github.com/homelab/lifestream/internal/metrics"
	"github.com/homelab/lifestream/internal/modelclient"
	"github.com/homelab/lifestream/internal/outbox"
	"github.com/homelab/lifestream/internal/router"
	"github.com/homelab/lifestream/internal/tagcatalog"
	"github.com/homelab/lifestream/internal/worker"
	"github.com/homelab/lifestream/internal/worker/enrichworker"
	"github.com/homelab/lifestream/internal/worker/fetchworker"
	"github.com/homelab/lifestream/internal/worker/publishworker"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "outbox":
			os.Exit(runOutbox(logger, *configPath))
		case "router":
			os.Exit(runRouter(logger, *configPath))
		case "worker-fetch":
			os.Exit(runWorkerFetch(logger, *configPath))
		case "worker-enrich":
			os.Exit(runWorkerEnrich(logger, *configPath))
		case "worker-publish":
			os.Exit(runWorkerPublish(logger, *configPath))
		case "materializer":
			os.Exit(runMaterializer(logger, *configPath))
		case "ingest":
			os.Exit(runIngest(logger, *configPath))
		case "version":
			fmt.Println(buildinfo.String())
			for k, v := range buildinfo.Info() {
				fmt.Printf("  %-12s %s\n", k+":", v)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
		return
	}

	fmt.Println("streamd - life stream processing components")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  outbox          Forward ledger events to the bus")
	fmt.Println("  router          Turn facts into work commands, handle retry/DLQ")
	fmt.Println("  worker-fetch    Fetch and extract link content")
	fmt.Println("  worker-enrich   Tag and summarize fetched content")
	fmt.Println("  worker-publish  Record publication facts")
	fmt.Println("  materializer    Project facts into the read model")
	fmt.Println("  ingest          Serve the capture HTTP endpoint")
	fmt.Println("  version         Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

// setup loads config and rebuilds the logger with the configured level
// and format.
func setup(logger *slog.Logger, configPath, component string) (*config.Config, *slog.Logger, error) {
	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		return nil, logger, err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, logger, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		level, err = config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return nil, logger, err
		}
	}
	opts := &slog.HandlerOptions{Level: level, ReplaceAttr: config.ReplaceLogLevelNames}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger = slog.New(handler).With("component", component)

	logger.Info("config loaded", "path", cfgPath, "brokers", cfg.Bus.Brokers)
	return cfg, logger, nil
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pc, err := pgxpool.ParseConfig(cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}
	pc.MaxConns = cfg.Database.MaxConns
	pc.MinConns = cfg.Database.MinConns
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return pool, nil
}

// serveMetrics starts the component's metrics/debug HTTP listener and
// registers its shutdown with the runner. extra may add debug routes.
func serveMetrics(runner *lifecycle.Runner, cfg *config.Config, logger *slog.Logger, extra func(*http.ServeMux)) {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	if extra != nil {
		extra(mux)
	}

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Metrics.Address, cfg.Metrics.Port),
		Handler: mux,
	}
	runner.Defer(func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	})
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics listener failed", "error", err)
		}
	}()
	logger.Info("metrics listening", "address", srv.Addr)
}

func runOutbox(logger *slog.Logger, configPath string) int {
	cfg, logger, err := setup(logger, configPath, "outbox")
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}

	runner := lifecycle.New(logger)
	defer runner.Close()
	ctx := runner.Context()

	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	runner.Defer(pool.Close)

	led := ledger.NewWithPool(pool, logger)
	if err := led.Migrate(ctx); err != nil {
		logger.Error("ledger migration failed", "error", err)
		return 1
	}

	prod, err := bus.NewProducer(cfg.Bus.Brokers, cfg.Bus.SASLUser, cfg.Bus.SASLPassword)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	runner.Defer(prod.Close)

	serveMetrics(runner, cfg, logger, nil)

	fwd := outbox.New(led, prod, outbox.DefaultConfig(), logger)
	if err := fwd.Run(ctx); err != nil {
		logger.Error("outbox exited fatally", "error", err)
		return 1
	}
	return 0
}

func runRouter(logger *slog.Logger, configPath string) int {
	cfg, logger, err := setup(logger, configPath, "router")
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}

	runner := lifecycle.New(logger)
	defer runner.Close()
	ctx := runner.Context()

	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	runner.Defer(pool.Close)

	led := ledger.NewWithPool(pool, logger)
	if err := led.Migrate(ctx); err != nil {
		logger.Error("ledger migration failed", "error", err)
		return 1
	}
	store := materializer.NewWithPool(pool)
	if err := store.Migrate(ctx); err != nil {
		logger.Error("read model migration failed", "error", err)
		return 1
	}

	consumer, err := bus.NewGroupConsumer(cfg.Bus.Brokers, cfg.Bus.SASLUser, cfg.Bus.SASLPassword,
		consumerGroup(cfg, "router"), []string{router.EventsTopic})
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	runner.Defer(consumer.Close)

	prod, err := bus.NewProducer(cfg.Bus.Brokers, cfg.Bus.SASLUser, cfg.Bus.SASLPassword)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	runner.Defer(prod.Close)

	r := router.New(consumer, prod, store, led, router.Config{MaxAttempts: cfg.Router.MaxAttempts}, logger)

	serveMetrics(runner, cfg, logger, func(mux *http.ServeMux) {
		mux.HandleFunc("GET /v1/router/stats", func(w http.ResponseWriter, _ *http.Request) {
			snap := r.Stats.Snapshot()
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"events_seen":%d,"retries":%d,"dead_letters":%d,"work_emitted":{`,
				snap.EventsSeen, snap.Retries, snap.DeadLetters)
			first := true
			for _, wt := range []string{eventtypes.WorkFetchLink, eventtypes.WorkEnrichLink, eventtypes.WorkPublishLink} {
				if !first {
					fmt.Fprint(w, ",")
				}
				first = false
				fmt.Fprintf(w, `%q:%d`, wt, snap.WorkEmitted[wt])
			}
			fmt.Fprint(w, "}}\n")
		})
	})

	if err := r.Run(ctx); err != nil {
		logger.Error("router exited fatally", "error", err)
		return 1
	}
	return 0
}

func runWorkerFetch(logger *slog.Logger, configPath string) int {
	cfg, logger, err := setup(logger, configPath, "worker-fetch")
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}

	fetcher := fetchworker.New(cfg.Fetch.MaxBodyBytes, cfg.Fetch.MaxChars, cfg.Fetch.MinHostInterval().Seconds())
	return runWorker(logger, cfg, workerSpec{
		agent:    "fetcher",
		group:    "worker-fetch",
		workType: eventtypes.WorkFetchLink,
		stage:    fetcher.Stage,
		timeout:  cfg.Fetch.FetchTimeout(),
	})
}

func runWorkerEnrich(logger *slog.Logger, configPath string) int {
	cfg, logger, err := setup(logger, configPath, "worker-enrich")
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	if cfg.Enrich.ModelAPIKey == "" {
		logger.Error("startup failed", "error", fmt.Errorf("enrich.model_api_key (or ANTHROPIC_API_KEY) is required"))
		return 1
	}

	runner := lifecycle.New(logger)
	defer runner.Close()
	ctx := runner.Context()

	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	runner.Defer(pool.Close)

	led := ledger.NewWithPool(pool, logger)
	if err := led.Migrate(ctx); err != nil {
		logger.Error("ledger migration failed", "error", err)
		return 1
	}

	// Reseed the tag catalog from the compacted topic before the first
	// work command arrives.
	catalog := tagcatalog.New()
	adminClient, err := bus.NewAdminClient(cfg.Bus.Brokers, cfg.Bus.SASLUser, cfg.Bus.SASLPassword)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	seedConsumer, err := bus.NewExplicitConsumer(cfg.Bus.Brokers, cfg.Bus.SASLUser, cfg.Bus.SASLPassword)
	if err != nil {
		adminClient.Close()
		logger.Error("startup failed", "error", err)
		return 1
	}
	seedCtx, cancelSeed := context.WithTimeout(ctx, 10*time.Second)
	err = tagcatalog.SeedLatest(seedCtx, adminClient, seedConsumer, catalog)
	cancelSeed()
	seedConsumer.Close()
	adminClient.Close()
	if err != nil {
		logger.Warn("tag catalog seed failed, starting with an empty vocabulary", "error", err)
	} else {
		logger.Info("tag catalog seeded", "tags", len(catalog.All()))
	}

	prod, err := bus.NewProducer(cfg.Bus.Brokers, cfg.Bus.SASLUser, cfg.Bus.SASLPassword)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	runner.Defer(prod.Close)

	consumer, err := bus.NewGroupConsumer(cfg.Bus.Brokers, cfg.Bus.SASLUser, cfg.Bus.SASLPassword,
		consumerGroup(cfg, "worker-enrich"), []string{router.WorkTopic(eventtypes.WorkEnrichLink)})
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	runner.Defer(consumer.Close)

	serveMetrics(runner, cfg, logger, nil)

	model := modelclient.NewAnthropicClient(cfg.Enrich.ModelAPIKey, cfg.Enrich.Model)
	enricher := enrichworker.New(model, catalog, cfg.Enrich.MaxBodyChars)

	// After a successful enrichment, republish the full catalog to the
	// compacted topic when the stage discovered new tags.
	stage := func(stageCtx context.Context, work eventtypes.WorkCommand) (worker.StageResult, error) {
		result, err := enricher.Stage(stageCtx, work)
		if err == nil && len(enricher.NewTags) > 0 {
			if perr := tagcatalog.Publish(stageCtx, prod, enricher.NewTags); perr != nil {
				logger.Warn("republish tag catalog failed", "error", perr)
			}
		}
		return result, err
	}

	h := &worker.Harness{
		AgentName: "enricher",
		Consumer:  consumer,
		Ledger:    led,
		Stage:     stage,
		Timeout:   cfg.Enrich.EnrichTimeout(),
		Logger:    logger,
	}
	if err := h.Run(ctx); err != nil {
		logger.Error("worker exited fatally", "error", err)
		return 1
	}
	return 0
}

func runWorkerPublish(logger *slog.Logger, configPath string) int {
	cfg, logger, err := setup(logger, configPath, "worker-publish")
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}

	return runWorker(logger, cfg, workerSpec{
		agent:    "publisher",
		group:    "worker-publish",
		workType: eventtypes.WorkPublishLink,
		stage:    publishworker.New().Stage,
		timeout:  10 * time.Second,
	})
}

type workerSpec struct {
	agent    string
	group    string
	workType string
	stage    worker.StageFunc
	timeout  time.Duration
}

// runWorker wires the shared worker skeleton: pool, ledger, group
// consumer on the stage's work topic, harness loop.
func runWorker(logger *slog.Logger, cfg *config.Config, spec workerSpec) int {
	runner := lifecycle.New(logger)
	defer runner.Close()
	ctx := runner.Context()

	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	runner.Defer(pool.Close)

	led := ledger.NewWithPool(pool, logger)
	if err := led.Migrate(ctx); err != nil {
		logger.Error("ledger migration failed", "error", err)
		return 1
	}

	consumer, err := bus.NewGroupConsumer(cfg.Bus.Brokers, cfg.Bus.SASLUser, cfg.Bus.SASLPassword,
		consumerGroup(cfg, spec.group), []string{router.WorkTopic(spec.workType)})
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	runner.Defer(consumer.Close)

	serveMetrics(runner, cfg, logger, nil)

	h := &worker.Harness{
		AgentName: spec.agent,
		Consumer:  consumer,
		Ledger:    led,
		Stage:     spec.stage,
		Timeout:   spec.timeout,
		Logger:    logger,
	}
	if err := h.Run(ctx); err != nil {
		logger.Error("worker exited fatally", "error", err)
		return 1
	}
	return 0
}

func runMaterializer(logger *slog.Logger, configPath string) int {
	cfg, logger, err := setup(logger, configPath, "materializer")
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}

	runner := lifecycle.New(logger)
	defer runner.Close()
	ctx := runner.Context()

	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	runner.Defer(pool.Close)

	store := materializer.NewWithPool(pool)
	if err := store.Migrate(ctx); err != nil {
		logger.Error("read model migration failed", "error", err)
		return 1
	}

	adminClient, err := bus.NewAdminClient(cfg.Bus.Brokers, cfg.Bus.SASLUser, cfg.Bus.SASLPassword)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	runner.Defer(adminClient.Close)

	consumer, err := bus.NewExplicitConsumer(cfg.Bus.Brokers, cfg.Bus.SASLUser, cfg.Bus.SASLPassword)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	runner.Defer(consumer.Close)

	serveMetrics(runner, cfg, logger, nil)

	m := materializer.New(consumer, adminClient, store,
		materializer.Config{MaxMessageRetries: cfg.Materializer.MaxMessageRetries, RetryBackoff: 200 * time.Millisecond}, logger)
	if err := m.Reconcile(ctx); err != nil {
		logger.Error("offset reconciliation failed", "error", err)
		return 1
	}
	if err := m.Run(ctx); err != nil {
		logger.Error("materializer exited fatally", "error", err)
		return 1
	}
	return 0
}

func runIngest(logger *slog.Logger, configPath string) int {
	cfg, logger, err := setup(logger, configPath, "ingest")
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}

	runner := lifecycle.New(logger)
	defer runner.Close()
	ctx := runner.Context()

	pool, err := openPool(ctx, cfg)
	if err != nil {
		logger.Error("startup failed", "error", err)
		return 1
	}
	runner.Defer(pool.Close)

	led := ledger.NewWithPool(pool, logger)
	if err := led.Migrate(ctx); err != nil {
		logger.Error("ledger migration failed", "error", err)
		return 1
	}
	store := materializer.NewWithPool(pool)
	if err := store.Migrate(ctx); err != nil {
		logger.Error("read model migration failed", "error", err)
		return 1
	}

	serveMetrics(runner, cfg, logger, nil)

	srv := ingestapi.New(cfg.Ingest.Address, cfg.Ingest.Port, led, store, store, logger)
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), lifecycle.ShutdownDeadline)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			logger.Error("ingest shutdown failed", "error", err)
		}
	}()
	if err := srv.Start(ctx); err != nil && err != http.ErrServerClosed {
		logger.Error("ingest exited fatally", "error", err)
		return 1
	}
	return 0
}

func consumerGroup(cfg *config.Config, fallback string) string {
	if cfg.Bus.ConsumerRole != "" {
		return cfg.Bus.ConsumerRole
	}
	return fallback
}
