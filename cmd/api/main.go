package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"time"

	"audio-pipeline/internal/api"
	"audio-pipeline/internal/batch"
	"audio-pipeline/internal/config"
	"audio-pipeline/internal/logger"
	"audio-pipeline/internal/queue"
	"audio-pipeline/internal/ratelimit"
	"audio-pipeline/internal/store"
)

func main() {
	cfg := config.Load()
	log := logger.New("api")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.WithError(err).Fatal("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.WithError(err).Fatal("run migrations")
	}

	q := queue.New(cfg)
	tracker := batch.New(q.Client(), cfg.ScratchRoot, cfg.CounterGraceTTL, log)
	limiter := ratelimit.NewTokenBucket(q.Client(), cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(cfg, st, q, tracker, limiter)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.WithField("port", cfg.HTTPPort).Info("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
