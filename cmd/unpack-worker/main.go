package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"audio-pipeline/internal/batch"
	"audio-pipeline/internal/config"
	"audio-pipeline/internal/convert"
	"audio-pipeline/internal/logger"
	"audio-pipeline/internal/queue"
	"audio-pipeline/internal/storage"
	"audio-pipeline/internal/telemetry"
	"audio-pipeline/internal/unpack"
)

func main() {
	cfg := config.Load()
	log := logger.New("unpack-worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	if err := os.MkdirAll(cfg.ScratchRoot, 0o755); err != nil {
		log.WithError(err).Fatal("create scratch root")
	}

	q := queue.New(cfg)
	if err := q.Ping(ctx); err != nil {
		log.WithError(err).Fatal("connect redis")
	}

	archives, err := storage.New(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("init object storage")
	}

	tracker := batch.New(q.Client(), cfg.ScratchRoot, cfg.CounterGraceTTL, log)
	pool := convert.NewPool(&convert.FFmpeg{Bitrate: cfg.OpusBitrate}, cfg.ConvertWorkers, cfg.ConvertTimeout, log)
	worker := unpack.New(cfg, q, tracker, archives, pool, log)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
		log.WithError(err).Error("worker stopped")
	}
	log.Info("shutdown complete")
}
