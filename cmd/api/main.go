// The api binary serves queue administration without running any workers:
// producers enqueue here, operators inspect and retry. Worker processes
// expose the same surface with live pool and breaker state.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"task-engine/internal/api"
	"task-engine/internal/breaker"
	"task-engine/internal/config"
	"task-engine/internal/queue"
	"task-engine/internal/store"
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
		signal.Notify(ch, os.Interrupt)
		<-ch
		cancel()
	}()

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
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("connect redis")
		}
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
	})

	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: api.New(q, nil, breakers).Router(),
	}
	log.Info().Str("port", cfg.HTTPPort).Str("backend", cfg.QueueBackend).Msg("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
