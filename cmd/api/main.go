package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"insightwatch/api/internal/alert"
	"insightwatch/api/internal/app"
	"insightwatch/api/internal/archive"
	"insightwatch/api/internal/config"
	"insightwatch/api/internal/email"
	"insightwatch/api/internal/lock"
	"insightwatch/api/internal/logx"
	"insightwatch/api/internal/queue"
	"insightwatch/api/internal/search"
	"insightwatch/api/internal/store"
	"insightwatch/api/internal/worker"
)

const reindexWindow = 7 * 24 * time.Hour

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootLogger := logx.New(logx.Config{})
		bootLogger.Fatal().Err(err).Msg("invalid configuration")
	}
	logger := logx.New(logx.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	loc, _ := cfg.Location()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL, store.DefaultPoolConfig())
	if err != nil {
		logger.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, store.Migrations(cfg.MigrationsDir)); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}

	redisClient, err := store.OpenRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis connection failed")
	}
	defer redisClient.Close()

	dataStore := store.NewPostgresStore(db)
	locker := lock.NewRedisLocker(redisClient, cfg.QueuePrefix)
	dispatchQueue := queue.NewRedisQueue(redisClient, locker, queue.Options{
		Prefix:   cfg.QueuePrefix,
		DedupTTL: cfg.DedupTTL,
	})

	service := app.New(cfg, dataStore, dispatchQueue, logx.Component(logger, "sync"))

	pgfts := search.NewPgFTS(db)
	var meiliClient *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logx.Component(logger, "meili"))
	}
	searchService := search.NewService(meiliClient, pgfts, logx.Component(logger, "search"))
	defer searchService.Close()
	service.SetSearch(searchService)
	go searchService.ReindexFromPG(ctx, time.Now().Add(-reindexWindow))

	archiveCfg := archive.Config{
		Endpoint:  cfg.ArchiveEndpoint,
		AccessKey: cfg.ArchiveAccessKey,
		SecretKey: cfg.ArchiveSecretKey,
		Bucket:    cfg.ArchiveBucket,
		UseSSL:    cfg.ArchiveUseSSL,
	}
	if archiveCfg.IsConfigured() {
		rawStore, err := archive.New(ctx, archiveCfg)
		if err != nil {
			logger.Warn().Err(err).Str("endpoint", cfg.ArchiveEndpoint).Msg("raw archive disabled")
		} else {
			service.SetArchive(rawStore)
		}
	}

	var workerDone chan struct{}
	if cfg.WorkerEnabled {
		workerDone = startWorker(ctx, cfg, loc, dataStore, dispatchQueue, sendGuard(cfg, redisClient), logger)
	}

	httpServer := app.NewHTTPServer(service, logx.Component(logger, "http"))
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Addr).Msg("insight API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
	if workerDone != nil {
		select {
		case <-workerDone:
		case <-shutdownCtx.Done():
			logger.Warn().Msg("worker did not stop before shutdown deadline")
		}
	}
}

// sendGuard returns nil when disabled; entries expire with the dedup lock.
func sendGuard(cfg config.Config, client *redis.Client) alert.SendGuard {
	if !cfg.SendGuardEnabled {
		return nil
	}
	return alert.NewRedisSendGuard(client, cfg.QueuePrefix, cfg.DedupTTL)
}

func startWorker(ctx context.Context, cfg config.Config, loc *time.Location, dataStore *store.PostgresStore, q *queue.RedisQueue, guard alert.SendGuard, logger zerolog.Logger) chan struct{} {
	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if !mailer.IsConfigured() {
		logger.Warn().Msg("SMTP not configured, alert emails will fail")
	}

	dispatcher := alert.NewDispatcher(dataStore, dataStore, mailer, alert.Options{
		Location:          loc,
		SkipDisabledTasks: cfg.SkipDisabledTasks,
		SendRate:          cfg.SendRatePerSecond,
		SendConcurrency:   cfg.SendConcurrency,
		Guard:             guard,
		Logger:            logx.Component(logger, "dispatch"),
	})
	pool := worker.NewPool(q, dispatcher, worker.Options{
		Policy: worker.Policy{
			MaxAttempts:   cfg.MaxAttempts,
			Backoff:       cfg.RetryBackoff,
			Timeout:       cfg.JobTimeout,
			MaxExceptions: cfg.MaxExceptions,
			LeaseGrace:    cfg.LeaseGrace,
		},
		Concurrency: cfg.WorkerConcurrency,
		Poll:        cfg.WorkerPoll,
		Logger:      logx.Component(logger, "worker"),
	})

	maintainer := worker.NewMaintainer(q, logx.Component(logger, "maintainer"))
	if err := maintainer.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("queue maintainer failed to start")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer maintainer.Stop()
		logger.Info().Int("concurrency", cfg.WorkerConcurrency).Msg("dispatch worker started")
		if err := pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("dispatch worker stopped")
		}
	}()
	return done
}
