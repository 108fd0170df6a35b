package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"imageflow/realtime/internal/api"
	"imageflow/realtime/internal/config"
	"imageflow/realtime/internal/identity"
	"imageflow/realtime/internal/jobs"
	"imageflow/realtime/internal/models"
	"imageflow/realtime/internal/notify"
	"imageflow/realtime/internal/protocol"
	"imageflow/realtime/internal/repositories"
	"imageflow/realtime/internal/routers"
	"imageflow/realtime/internal/session"
	"imageflow/realtime/internal/utils"
)

var (
	openDatabase = func(dsn string) (*gorm.DB, error) {
		return gorm.Open(postgres.Open(dsn), &gorm.Config{})
	}
	listenAndServe = func(srv *http.Server) error {
		return srv.ListenAndServe()
	}
	dbConnectTimeout = 30 * time.Second
	dbRetryInterval  = 500 * time.Millisecond

	exitFunc = defaultExit
	exit     = os.Exit
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		exitFunc(err)
	}
}

func defaultExit(err error) {
	log := utils.NewLogger()
	log.Error("realtime service stopped", "error", err)
	log.Sync()
	exit(1)
}

func newLogger(env string) *utils.Logger {
	if env == "production" {
		return utils.NewLogger()
	}
	return utils.NewDevelopmentLogger()
}

// connectWithRetry keeps dialing until the database answers a ping or the timeout elapses.
func connectWithRetry(dsn string, timeout time.Duration, log *utils.Logger) (*gorm.DB, error) {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for attempt := 1; ; attempt++ {
		db, err := openDatabase(dsn)
		if err == nil {
			if err = ping(db); err == nil {
				return db, nil
			}
		}
		lastErr = err
		if time.Now().Add(dbRetryInterval).After(deadline) {
			break
		}
		log.Warn("database not ready, retrying", "attempt", attempt, "error", err)
		time.Sleep(dbRetryInterval)
	}
	return nil, fmt.Errorf("connect database: %w", lastErr)
}

func ping(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Ping()
}

func run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := newLogger(cfg.Environment)
	defer log.Sync()

	db, err := connectWithRetry(cfg.Postgres.DSN(), dbConnectTimeout, log)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	if err := models.AutoMigrate(db); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}

	users := &repositories.UserRepository{DB: db}
	directory := repositories.NewGuardedDirectory(repositories.NewSessionRepository(db), cfg.DirectoryBreaker, log)

	broker := notify.NewBroker(log)
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer rdb.Close()

		bridge := notify.NewRedisBridge(rdb, broker, cfg.Redis.ChannelPrefix, log)
		broker.SetRelay(bridge)
		go func() {
			if err := bridge.Run(ctx); err != nil {
				log.Error("topic subscriber stopped", "error", err)
			}
		}()
	} else {
		log.Info("redis disabled, topic events stay on this instance")
	}

	engine := protocol.NewEngine(session.NewRegistry(), session.NewHub(), broker, directory, log)
	verifier := identity.NewJWTVerifier(cfg.JWTSecret, users, log)
	handlers := api.NewHandlers(log, engine, verifier, api.Options{
		InternalAPIToken: cfg.InternalAPIToken,
		SendBuffer:       cfg.ClientSendBuffer,
		AllowedOrigins:   cfg.AllowedOrigins,
	})

	reporter := jobs.NewStatsReporter(engine, cfg.StatsSchedule, log)
	if err := reporter.Start(); err != nil {
		return fmt.Errorf("start stats reporter: %w", err)
	}
	defer reporter.Stop()

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           routers.New(handlers, cfg.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.RegisterOnShutdown(engine.CloseAll)

	errCh := make(chan error, 1)
	go func() {
		log.Info("realtime service listening", "addr", srv.Addr)
		errCh <- listenAndServe(srv)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down realtime service", "grace", cfg.ShutdownGrace)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}
