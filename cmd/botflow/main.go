package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/oklog/run"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"botflow/internal/actions"
	"botflow/internal/api"
	"botflow/internal/config"
	"botflow/internal/domain"
	"botflow/internal/events"
	"botflow/internal/notify"
	"botflow/internal/ratelimit"
	"botflow/internal/scheduler"
	"botflow/internal/session"
	"botflow/internal/store"
	"botflow/internal/worker"
)

func main() {
	if err := mainRun(); err != nil {
		log.Fatal().Err(err).Msg("botflow exited")
	}
}

func mainRun() error {
	var (
		cfgPath = flag.String("config", "", "config file path (default: botflow.yaml in . or /etc/botflow)")
		addr    = flag.String("addr", "", "HTTP bind address override")
		dbPath  = flag.String("db", "", "SQLite DB path override")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.Database.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	repo := store.NewSQLiteRepo(db)

	if n, err := repo.RecoverStale(context.Background(), cfg.Worker.StaleAfter); err == nil && n > 0 {
		log.Info().Int("recovered", n).Msg("recovered stale running tasks")
	}

	dialer := session.NewCDPDialer()
	dialer.Headless = cfg.Sessions.Headless
	sessions, err := session.NewManager(session.ManagerConfig{
		Store:          repo,
		Dialer:         dialer,
		Capacity:       cfg.Sessions.Capacity,
		ActionInterval: cfg.Sessions.ActionInterval,
		AcquireTimeout: cfg.Sessions.AcquireTimeout,
		Logger:         log.Logger,
	})
	if err != nil {
		return fmt.Errorf("session manager: %w", err)
	}

	bus := events.NewBus()
	if cfg.Telegram.Enabled {
		tg, err := notify.NewTelegram(cfg.Telegram.BotToken, cfg.Telegram.ChatID, log.Logger)
		if err != nil {
			return fmt.Errorf("telegram notifier: %w", err)
		}
		bus.Subscribe(tg.Subscriber())
		log.Info().Int64("chat_id", cfg.Telegram.ChatID).Msg("telegram notifications enabled")
	}

	actionCfg := actions.Config{BaseURL: cfg.Platform.BaseURL}
	handlers := worker.Handlers{
		domain.TypePublish: actions.Publish{Config: actionCfg},
		domain.TypeLike:    actions.Like{Config: actionCfg},
		domain.TypeComment: actions.Comment{Config: actionCfg},
		domain.TypeFollow:  actions.Follow{Config: actionCfg},
		domain.TypeScrape:  actions.Scrape{Config: actionCfg},
		domain.TypeLogin:   actions.Login{Config: actionCfg, Creds: actions.EnvCredentials{}},
	}

	limiter := ratelimit.New(repo, cfg.RateLimits(), nil)
	sched := scheduler.NewService(repo, cfg.Scheduler.SweepInterval, nil, log.Logger)

	pool, err := worker.NewPool(worker.PoolConfig{
		Repo:        repo,
		Sessions:    sessions,
		Limiter:     limiter,
		Handlers:    handlers,
		Backoff:     cfg.BackoffPolicy(),
		Bus:         bus,
		Size:        cfg.Worker.Count,
		PollEvery:   cfg.Worker.PollInterval,
		TaskTimeout: cfg.Worker.TaskTimeout,
		Logger:      log.Logger,
	})
	if err != nil {
		return fmt.Errorf("worker pool: %w", err)
	}

	var g run.Group

	// OS signals.
	{
		signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer signalCancel()
		g.Add(
			func() error {
				<-signalCtx.Done()
				log.Info().Msg("termination signal received")
				return nil
			},
			func(_ error) { signalCancel() },
		)
	}

	// Worker pool.
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(
			func() error { return pool.Run(ctx) },
			func(_ error) { cancel() },
		)
	}

	// Scheduler sweep.
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(
			func() error { return sched.Run(ctx) },
			func(_ error) { cancel() },
		)
	}

	// Session idle janitor.
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(
			func() error {
				ticker := time.NewTicker(cfg.Sessions.EvictInterval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-ticker.C:
						if n := sessions.EvictIdle(ctx, cfg.Sessions.MaxIdle); n > 0 {
							log.Info().Int("evicted", n).Msg("idle sessions evicted")
						}
					}
				}
			},
			func(_ error) { cancel() },
		)
	}

	// HTTP server.
	{
		srv := &http.Server{Addr: cfg.Server.Addr, Handler: api.NewServerWithDebug(repo, sched, cfg.Server.Debug)}
		g.Add(
			func() error {
				log.Info().Str("addr", cfg.Server.Addr).Msg("HTTP server starting")
				return srv.ListenAndServe()
			},
			func(_ error) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(ctx)
			},
		)
	}

	err = g.Run()

	// Browsers are torn down only after every worker has stopped.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if eerr := sessions.EvictAll(shutdownCtx); eerr != nil {
		log.Warn().Err(eerr).Msg("session teardown")
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
