package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/basket/newsgraph/internal/config"
	"github.com/basket/newsgraph/internal/cron"
	"github.com/basket/newsgraph/internal/engine"
	"github.com/basket/newsgraph/internal/gateway"
	"github.com/basket/newsgraph/internal/persistence"
)

func runServeCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("newsgraph serve", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	addr := fs.String("addr", "", "listen address (overrides gateway.bind_addr)")
	noWorkers := fs.Bool("no-workers", false, "serve the API without review workers")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: newsgraph serve [-addr host:port] [-no-workers]")
		return 2
	}

	a, err := newApp(ctx, appOptions{quiet: false, withLLM: !*noWorkers})
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup: %v\n", err)
		return 1
	}
	defer a.Close()
	logger := a.logger
	cfg := a.cfg

	ctx, stop := context.WithCancel(ctx)
	defer stop()

	var engines []*engine.Engine
	if !*noWorkers && a.pool != nil {
		proc := a.review.Processor(a.limiter)
		for _, tt := range []persistence.TaskType{persistence.TaskEntityMerge, persistence.TaskEventMerge} {
			eng := engine.New(a.store, proc, engine.Config{
				WorkerCount:  cfg.Review.Workers,
				PollInterval: cfg.Review.PollInterval(),
				TaskTimeout:  cfg.Review.TaskTimeout(),
				StaleAfter:   time.Duration(cfg.Review.StaleMinutes) * time.Minute,
				TaskType:     tt,
				Bus:          a.bus,
				Metrics:      a.metrics,
				Tracer:       a.otel.Tracer,
				Logger:       logger,
			})
			eng.Start(ctx)
			engines = append(engines, eng)
		}
		logger.Info("startup phase", "phase", "workers_started", "pools", len(engines))
	} else {
		logger.Warn("review workers not started", "no_workers_flag", *noWorkers, "providers", a.pool != nil)
	}

	jobs := []cron.Job{cron.RequeueJob(cfg.Review.RequeueCron, a.review, cfg.Review.StaleMinutes)}
	if cfg.Snapshot.Cron != "" {
		jobs = append(jobs, cron.SnapshotJob(cfg.Snapshot.Cron, func(ctx context.Context) error {
			_, err := a.review.WriteSnapshots(ctx)
			return err
		}))
	}
	sched, err := cron.NewScheduler(cron.Config{Jobs: jobs, Logger: logger})
	if err != nil {
		logger.Error("startup failure", "reason_code", "E_CRON_CONFIG", "error", err)
		return 1
	}
	sched.Start(ctx)
	defer sched.Stop()

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Error("startup failure", "reason_code", "E_CONFIG_WATCHER_START", "error", err)
		return 1
	}
	go func() {
		for ev := range watcher.Events() {
			logger.Info("config hot-reload event", "path", ev.Path, "op", ev.Op.String())
			a.reload()
		}
	}()

	srv := gateway.New(gateway.Config{
		Review:            a.review,
		Bus:               a.bus,
		AuthToken:         cfg.Gateway.AuthToken,
		JWTSecret:         cfg.Gateway.JWTSecret,
		AllowOrigins:      cfg.Gateway.AllowOrigins,
		RatePerSecond:     cfg.Gateway.RatePerSecond,
		Burst:             cfg.Gateway.Burst,
		EntityParams:      cfg.Candidates.Entities,
		EventParams:       cfg.Candidates.Events,
		MaxApply:          cfg.Review.MaxApply,
		StaleMinutes:      cfg.Review.StaleMinutes,
		ConfigFingerprint: cfg.Fingerprint(),
		EngineStatus: func() []engine.Status {
			out := make([]engine.Status, 0, len(engines))
			for _, e := range engines {
				out = append(out, e.Status())
			}
			return out
		},
		Metrics: a.metrics,
		Tracer:  a.otel.Tracer,
		Logger:  logger,
	})

	listen := cfg.Gateway.BindAddr
	if *addr != "" {
		listen = *addr
	}
	serveErr := srv.ListenAndServe(ctx, listen)
	if serveErr != nil {
		logger.Error("gateway server error", "error", serveErr, "hint", bindHint(serveErr, listen))
	} else {
		logger.Info("shutdown signal received")
	}

	// Canceling returns interrupted reviews to pending; Drain waits for
	// workers to finish that bookkeeping.
	stop()
	drain := time.Duration(cfg.DrainTimeoutSeconds) * time.Second
	if drain <= 0 {
		drain = 5 * time.Second
	}
	for _, e := range engines {
		e.Drain(drain)
	}
	logger.Info("shutdown complete")
	if serveErr != nil {
		return 1
	}
	return 0
}

// reload applies the settings that are safe to change on a live daemon:
// log level and the shared adjudication rate. Everything else needs a
// restart.
func (a *app) reload() {
	cfg, err := config.Load()
	if err != nil {
		a.logger.Error("config reload rejected; retaining previous config", "error", err)
		return
	}
	a.logging.SetLevel(cfg.LogLevel)
	a.limiter.SetRate(cfg.Review.RatePerSecond, cfg.Review.Burst)
	if cfg.Fingerprint() != a.cfg.Fingerprint() {
		a.logger.Info("config hot-reloaded",
			"log_level", cfg.LogLevel,
			"review_rate_per_second", cfg.Review.RatePerSecond,
			"fingerprint", cfg.Fingerprint(),
		)
	}
}

func bindHint(err error, addr string) string {
	if !isAddrInUse(err) {
		return ""
	}
	_, port, splitErr := net.SplitHostPort(addr)
	if splitErr != nil {
		return fmt.Sprintf("another process is using %s; stop it or change gateway.bind_addr", addr)
	}
	return fmt.Sprintf("port %s is in use; find the owner with: lsof -i :%s", port, port)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}
