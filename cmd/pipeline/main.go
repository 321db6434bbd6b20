// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/archivewrapped/pipeline/internal/analyzer"
	"github.com/archivewrapped/pipeline/internal/archiveclient"
	"github.com/archivewrapped/pipeline/internal/breaker"
	"github.com/archivewrapped/pipeline/internal/bus"
	"github.com/archivewrapped/pipeline/internal/collector"
	"github.com/archivewrapped/pipeline/internal/config"
	"github.com/archivewrapped/pipeline/internal/eventhooks"
	"github.com/archivewrapped/pipeline/internal/facade"
	"github.com/archivewrapped/pipeline/internal/notifier"
	"github.com/archivewrapped/pipeline/internal/obs"
	"github.com/archivewrapped/pipeline/internal/reaper"
	"github.com/archivewrapped/pipeline/internal/retry"
	"github.com/archivewrapped/pipeline/internal/session"
	"github.com/archivewrapped/pipeline/internal/store"
	"github.com/archivewrapped/pipeline/internal/verifier"
	"go.uber.org/zap"
)

var version = "dev"

// role selects which stage workers (and auxiliary processes) this instance
// runs. "all" is the single-binary default for local/dev use; production
// deployments typically run one role per container, same split as the
// teacher's producer/worker/admin roles.
func main() {
	var role string
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&role, "role", "all", "Role to run: verify|collect|analyze|notify|facade|reaper|all")
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	st, err := store.Open(cfg.Store.DSN, cfg.Store.MaxOpenConns, cfg.Store.MaxIdleConns, cfg.Store.ConnMaxLifetime)
	if err != nil {
		logger.Fatal("failed to open store", obs.Err(err))
	}
	if err := st.Migrate(); err != nil {
		logger.Fatal("failed to apply migrations", obs.Err(err))
	}

	bs := bus.New(cfg)
	defer bs.Close()

	events, err := eventhooks.New(cfg, logger)
	if err != nil {
		logger.Warn("event hooks disabled: connect failed", obs.Err(err))
	}
	defer events.Close()

	if role != "reaper" {
		readyCheck := func(c context.Context) error {
			_, err := bs.RedisClient().Ping(c).Result()
			return err
		}
		httpSrv := obs.StartHTTPServer(cfg, readyCheck)
		defer func() { _ = httpSrv.Shutdown(context.Background()) }()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
		cancel()
		select {
		case sig2 := <-sigCh:
			logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
			os.Exit(1)
		case <-time.After(5 * time.Second):
		}
	}()

	obs.StartQueueLengthUpdater(ctx, cfg, bs.RedisClient(), logger)

	cb := breaker.New(cfg.CircuitBreaker.Window, cfg.CircuitBreaker.CooldownPeriod, cfg.CircuitBreaker.FailureThreshold, cfg.CircuitBreaker.MinSamples)
	re := retry.New(st, st, logger)
	archive := archiveclient.New(cfg, cb, re)

	runWorkers(ctx, cfg, st, bs, archive, events, logger, role)
}

func runWorkers(ctx context.Context, cfg *config.Config, st *store.Store, bs *bus.Bus, archive *archiveclient.Client, events *eventhooks.Publisher, logger *zap.Logger, role string) {
	vw := verifier.New(cfg, st, bs, archive, logger)

	switch role {
	case "verify":
		if err := vw.Run(ctx); err != nil {
			logger.Fatal("verify worker error", obs.Err(err))
		}
	case "collect":
		cw := collector.New(cfg, st, bs, archive, logger)
		if err := cw.Run(ctx); err != nil {
			logger.Fatal("collect worker error", obs.Err(err))
		}
	case "analyze":
		driver := analyzer.NewAnthropicDriver(cfg.LLM.APIKey, cfg.LLM.Model)
		aw := analyzer.New(cfg, st, bs, driver, logger)
		if err := aw.Run(ctx); err != nil {
			logger.Fatal("analyze worker error", obs.Err(err))
		}
	case "notify":
		sender, err := notifier.NewSESSender(cfg)
		if err != nil {
			logger.Fatal("failed to build SES sender", obs.Err(err))
		}
		nw := notifier.New(cfg, st, bs, sender, events, logger)
		if err := nw.Run(ctx); err != nil {
			logger.Fatal("notify worker error", obs.Err(err))
		}
	case "facade":
		runFacade(ctx, cfg, st, bs, archive, vw, logger)
	case "reaper":
		rep := reaper.New(cfg, st, bs, logger)
		if err := rep.Run(ctx); err != nil {
			logger.Fatal("reaper error", obs.Err(err))
		}
	case "all":
		runAll(ctx, cfg, st, bs, archive, vw, events, logger)
	default:
		logger.Fatal("unknown role", obs.String("role", role))
	}
}

// runAll starts every stage worker, the façade and the reaper in one
// process, for local development and small deployments. Each worker's
// Run blocks, so all but the verifier are backgrounded; the first of the
// collect/analyze/notify workers to return an error cancels the shared
// context and brings the rest down, a reaper error is only logged, and a
// verifier error is fatal.
func runAll(ctx context.Context, cfg *config.Config, st *store.Store, bs *bus.Bus, archive *archiveclient.Client, vw *verifier.Worker, events *eventhooks.Publisher, logger *zap.Logger) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cw := collector.New(cfg, st, bs, archive, logger)
	driver := analyzer.NewAnthropicDriver(cfg.LLM.APIKey, cfg.LLM.Model)
	aw := analyzer.New(cfg, st, bs, driver, logger)
	sender, err := notifier.NewSESSender(cfg)
	if err != nil {
		logger.Fatal("failed to build SES sender", obs.Err(err))
	}
	nw := notifier.New(cfg, st, bs, sender, events, logger)
	rep := reaper.New(cfg, st, bs, logger)

	runStage := func(name string, fn func(context.Context) error) {
		go func() {
			if err := fn(ctx); err != nil {
				logger.Error(name+" worker error", obs.Err(err))
				cancel()
			}
		}()
	}
	runStage("collect", cw.Run)
	runStage("analyze", aw.Run)
	runStage("notify", nw.Run)
	go func() {
		if err := rep.Run(ctx); err != nil {
			logger.Error("reaper error", obs.Err(err))
		}
	}()

	go runFacade(ctx, cfg, st, bs, archive, vw, logger)

	if err := vw.Run(ctx); err != nil {
		logger.Fatal("verify worker error", obs.Err(err))
	}
}

func runFacade(ctx context.Context, cfg *config.Config, st *store.Store, bs *bus.Bus, archive *archiveclient.Client, vw *verifier.Worker, logger *zap.Logger) {
	sessionMgr := session.New(cfg, st)
	srv := facade.NewServer(cfg, st, bs, archive, vw, sessionMgr, logger)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Start(); err != nil {
		logger.Error("facade server error", obs.Err(err))
	}
}
