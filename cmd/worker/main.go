package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"task-engine/internal/api"
	"task-engine/internal/breaker"
	"task-engine/internal/config"
	"task-engine/internal/lock"
	"task-engine/internal/pool"
	"task-engine/internal/queue"
	"task-engine/internal/store"
	"task-engine/internal/telemetry"
	"task-engine/internal/worker"
)

func main() {
	cfg := config.Load()
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if cfg.Env == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("connect redis")
	}

	var q queue.Queue
	switch cfg.QueueBackend {
	case "postgres":
		pg, err := store.New(ctx, cfg.PostgresDSN, store.Options{
			MaxAttempts: cfg.MaxAttempts,
			BackoffBase: cfg.BackoffBase,
			BackoffMax:  cfg.BackoffMax,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("connect postgres")
		}
		defer pg.Close()
		if err := pg.RunMigrations(ctx); err != nil {
			log.Fatal().Err(err).Msg("migrations")
		}
		q = pg
	default:
		q = queue.NewRedisQueue(redisClient, queue.RedisOptions{
			MaxAttempts: cfg.MaxAttempts,
			BackoffBase: cfg.BackoffBase,
			BackoffMax:  cfg.BackoffMax,
		})
	}

	breakers := breaker.NewRegistry(breaker.Options{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		VolumeThreshold:  cfg.BreakerVolumeThreshold,
		Timeout:          cfg.BreakerTimeout,
		Window:           cfg.BreakerWindow,
		Observer:         telemetry.BreakerObserver{},
	})
	locks := lock.NewManager(lock.NewRedisLocker(redisClient, "lock"))

	p := pool.New(pool.Options{
		MinWorkers:         cfg.MinWorkers,
		MaxWorkers:         cfg.MaxWorkers,
		ScaleUpThreshold:   cfg.ScaleUpThreshold,
		ScaleDownThreshold: cfg.ScaleDownThreshold,
		ScaleInterval:      cfg.ScaleInterval,
		DefaultTimeout:     cfg.TaskTimeout,
		DefaultMaxRetries:  cfg.TaskMaxRetries,
		Observer:           telemetry.PoolObserver{},
	})

	handlers, err := worker.NewHandlers(ctx, cfg, q, breakers, locks)
	if err != nil {
		log.Fatal().Err(err).Msg("init handlers")
	}
	handlers.RegisterAll(p)
	p.Start()

	adminServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: api.New(q, p, breakers).Router(),
	}
	go func() {
		log.Info().Str("addr", adminServer.Addr).Msg("admin api listening")
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("admin api listen")
		}
	}()
	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Error().Err(err).Msg("metrics server stopped")
		}
	}()

	consumer := worker.NewConsumer(q, p, worker.ConsumerOptions{
		PollInterval:       cfg.PollInterval,
		MaxInFlight:        cfg.MaxWorkers * 2,
		OrphanMaxAge:       cfg.OrphanMaxAge,
		CompletedRetention: cfg.CompletedRetention,
	})
	log.Info().Str("backend", cfg.QueueBackend).Msg("worker started")
	if err := consumer.Run(ctx); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("consumer stopped")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := p.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("pool drain timed out")
	}
	_ = adminServer.Shutdown(shutdownCtx)
}
