package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
	_ "modernc.org/sqlite"

	"ratequeue/internal/api"
	"ratequeue/internal/config"
	"ratequeue/internal/domain"
	"ratequeue/internal/gateway"
	httph "ratequeue/internal/handlers/http"
	"ratequeue/internal/handlers/shell"
	"ratequeue/internal/queue"
	"ratequeue/internal/ratelimit"
	"ratequeue/internal/rpc"
	"ratequeue/internal/scheduler"
	"ratequeue/internal/worker"
)

func main() {
	var (
		addr       = flag.String("addr", "", "HTTP bind address (overrides ADDR)")
		dbPath     = flag.String("db", "", "SQLite DB path (overrides DB_PATH)")
		configFile = flag.String("config", "", "YAML file with rules and schedules")
		debug      = flag.Bool("debug", false, "enable pprof routes")
	)
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}
	cfg.Debug = cfg.Debug || *debug

	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(cfg.Level())
	if cfg.LogFormat != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := queue.Migrate(ctx, db, log.Logger); err != nil {
		log.Fatal().Err(err).Msg("migrate db")
	}
	repo := queue.NewSQLiteRepository[domain.Call](db)

	// Handlers registry
	handlers := map[string]worker.Handler{
		"shell": shell.Shell{},
		"http":  httph.HTTP{Client: &http.Client{Timeout: cfg.HandlerTimeout}},
	}
	pool := worker.NewPool(handlers, cfg.Workers, cfg.HandlerTimeout, log.With().Str("component", "worker").Logger())

	// Remote side of the gateway: the worker pool served over an in-process pipe.
	clientEnd, serverEnd := rpc.Pipe[domain.Call, json.RawMessage](0)
	rpcServer := rpc.NewServer[domain.Call, json.RawMessage](serverEnd, pool.Dispatch, log.With().Str("component", "rpc").Logger())
	rpcClient := rpc.NewClient[domain.Call, json.RawMessage](clientEnd, log.With().Str("component", "rpc").Logger())

	strategy, err := ratelimit.NewTimeWindow(cfg.Rules...)
	if err != nil {
		log.Fatal().Err(err).Msg("rate rules")
	}
	gw, err := gateway.New[domain.Call, json.RawMessage](repo, strategy, rpcClient,
		gateway.WithResetInterval(cfg.ResetInterval),
		gateway.WithRetryDelay(cfg.RetryDelay),
		gateway.WithBreaker(gateway.BreakerConfig{Trip: cfg.BreakerTrip}),
		gateway.WithLogger(log.With().Str("component", "gateway").Logger()),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("create gateway")
	}
	if err := gw.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start gateway")
	}
	for _, r := range strategy.Rules() {
		log.Info().Str("rule", r.String()).Msg("rate rule active")
	}

	events, unsubscribe := gw.Subscribe(0)
	go func() {
		for ev := range events {
			e := log.Info()
			if ev.Kind == gateway.EventFailed {
				e = log.Warn().Err(ev.Err)
			}
			e.Str("execution_id", string(ev.ID)).Str("type", ev.Args.Type).Str("event", string(ev.Kind)).Msg("execution fired")
		}
	}()

	sched, err := scheduler.NewService(gw, cfg.Schedules, nil, cfg.ScheduleInterval)
	if err != nil {
		log.Fatal().Err(err).Msg("load schedules")
	}
	go sched.Start(ctx)

	var limiter *rate.Limiter
	if cfg.IngressRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.IngressRPS), cfg.IngressBurst)
	}
	handler := api.NewServerWithDebug(api.Deps{Queue: gw, Repo: repo, Schedules: sched, Limiter: limiter}, cfg.Debug)

	// HTTP server
	srv := &http.Server{Addr: cfg.Addr, Handler: handler}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")

	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
	sched.Stop()
	_ = gw.Close()
	unsubscribe()
	_ = rpcServer.Close()
	_ = clientEnd.Close()
	cancel()

	stats := pool.Stats()
	log.Info().Uint64("served", stats.Served).Uint64("failed", stats.Failed).Msg("worker pool stopped")
}
