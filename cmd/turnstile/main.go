// Command turnstile runs the turn coordination daemon: SQLite-backed turn
// store, stale lease reaper, deferred job scheduler, and the HTTP/WS
// gateway.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/basket/turnstile/internal/audit"
	"github.com/basket/turnstile/internal/bus"
	"github.com/basket/turnstile/internal/config"
	"github.com/basket/turnstile/internal/gateway"
	"github.com/basket/turnstile/internal/lifecycle"
	"github.com/basket/turnstile/internal/otelx"
	"github.com/basket/turnstile/internal/policy"
	"github.com/basket/turnstile/internal/reaper"
	"github.com/basket/turnstile/internal/sched"
	"github.com/basket/turnstile/internal/store"
	"github.com/basket/turnstile/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println(Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, cfg.Quiet)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	otelProvider, err := otelx.Init(ctx, cfg.Otel)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())

	metrics, err := otelx.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	eventBus := bus.New()

	// Edge and recovery counters are fed from the bus so every producer
	// (gateway, reaper, startup sweep) is counted through one path.
	go func() {
		sub := eventBus.Subscribe("turn.")
		defer eventBus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-sub.Ch():
				switch ev.Topic {
				case bus.TopicTurnEdge:
					metrics.EdgesAppended.Add(ctx, 1)
				case bus.TopicTurnStaleRecovered:
					metrics.StaleRecovered.Add(ctx, 1)
				}
			}
		}
	}()

	st, err := store.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "store_opened", "db", cfg.DBPath)

	trail, err := audit.New(cfg.HomeDir, st.DB(), logger)
	if err != nil {
		fatalStartup(logger, "E_AUDIT_INIT", err)
	}
	defer trail.Close()
	st.SetAuditTrail(trail)

	// Turns orphaned by a crash are reclaimed before anything can race on
	// them.
	if recovered, err := st.RecoverAllStale(ctx, "startup_recovery"); err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	} else if len(recovered) > 0 {
		logger.Info("recovered stale turns at startup", "count", len(recovered))
	}

	pol, err := policy.Load(cfg.PolicyPath)
	if err != nil {
		fatalStartup(logger, "E_POLICY_LOAD", err)
	}
	livePolicy := policy.NewLivePolicy(pol)
	logger.Info("startup phase", "phase", "policy_loaded", "version", livePolicy.PolicyVersion())

	sink, err := telemetry.NewSink(cfg.EventLog, logger)
	if err != nil {
		fatalStartup(logger, "E_SINK_INIT", err)
	}
	defer sink.Close()

	recorder := lifecycle.NewRecorder(st, sink, eventBus, logger)

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range watcher.Events() {
			if filepath.Base(ev.Path) != "policy.yaml" {
				continue
			}
			if err := policy.ReloadFromFile(livePolicy, cfg.PolicyPath); err != nil {
				logger.Error("policy reload failed, keeping previous policy", "error", err)
				continue
			}
			logger.Info("policy reloaded", "version", livePolicy.PolicyVersion())
		}
	}()

	staleReaper := reaper.New(reaper.Config{
		Store:    st,
		Logger:   logger,
		Interval: cfg.Reaper.Interval,
	})
	staleReaper.Start(ctx)
	defer staleReaper.Stop()

	scheduler := sched.New(sched.Config{
		Store:              st,
		Events:             eventBus,
		Logger:             logger,
		Interval:           cfg.Scheduler.PollInterval,
		EdgeRetentionDays:  cfg.Retention.EdgeDays,
		AuditRetentionDays: cfg.Retention.AuditDays,
	})
	if err := scheduler.EnsureRetentionJob(ctx); err != nil {
		fatalStartup(logger, "E_RETENTION_SCHEDULE", err)
	}
	scheduler.Start(ctx)
	defer scheduler.Stop()

	gw := gateway.New(gateway.Config{
		Store:     st,
		Recorder:  recorder,
		Policy:    livePolicy,
		Events:    eventBus,
		Logger:    logger,
		Tracer:    otelProvider.Tracer,
		Metrics:   metrics,
		AuthToken: cfg.AuthToken,
	})

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "ws", "/ws")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("gateway shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"turnstile","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
