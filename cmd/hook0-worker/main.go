// Copyright 2025 James Ross
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/hook0/dispatch-engine/internal/config"
	"github.com/hook0/dispatch-engine/internal/httpclient"
	"github.com/hook0/dispatch-engine/internal/obs"
	"github.com/hook0/dispatch-engine/internal/outputworker"
	"github.com/hook0/dispatch-engine/internal/queue"
	"github.com/hook0/dispatch-engine/internal/reaper"
	"github.com/hook0/dispatch-engine/internal/store"
)

var version = "dev"

func main() {
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
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

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		logger.Fatal("failed to open database", obs.Err(err))
	}
	defer db.Close()
	db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
	db.SetMaxIdleConns(cfg.Postgres.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.Postgres.ConnMaxLifetime)

	if err := store.Migrate(db); err != nil {
		logger.Fatal("failed to migrate database", obs.Err(err))
	}

	pgStore := store.New(db, cfg.AutoDisable.Threshold, cfg.AutoDisable.MinDuration)

	var q queue.Queue
	switch cfg.Worker.QueueType {
	case config.QueueTypeExternal:
		eq, err := queue.NewExternalQueue(pgStore, cfg.NATS.URL, cfg.NATS.Subject)
		if err != nil {
			logger.Fatal("failed to connect to NATS", obs.Err(err))
		}
		defer eq.Close()
		q = eq
	default:
		q = queue.NewPGQueue(pgStore)
	}

	httpc := httpclient.New(httpclient.Options{
		Timeout:              cfg.Worker.HTTPTimeout,
		ResponseBodyCapBytes: cfg.Worker.ResponseBodyCapBytes,
		Concurrency:          cfg.Worker.Concurrency,
		InsecureSkipVerify:   cfg.Worker.InsecureSkipVerify,
		AllowPlainHTTP:       cfg.Worker.AllowPlainHTTP,
		PerSubscriptionRPS:   cfg.Worker.PerSubscriptionRPS,
	})

	readyCheck := func(c context.Context) error {
		return db.PingContext(c)
	}
	httpSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

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
		case <-time.After(cfg.Worker.ShutdownDeadline):
		}
	}()

	obs.StartQueueLengthUpdater(ctx, cfg, db, logger)

	rep := reaper.New(cfg, pgStore, logger)
	go rep.Run(ctx)

	outputworker.New(cfg, q, pgStore, httpc, logger, workerID()).Run(ctx)
}

func workerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
