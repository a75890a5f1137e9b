package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"audio-pipeline/internal/batch"
	"audio-pipeline/internal/config"
	"audio-pipeline/internal/logger"
	"audio-pipeline/internal/model"
	"audio-pipeline/internal/queue"
	"audio-pipeline/internal/storage"
	"audio-pipeline/internal/store"
	"audio-pipeline/internal/telemetry"
	"audio-pipeline/internal/transcribe"
)

func main() {
	cfg := config.Load()
	log := logger.New("transcribe-worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
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
	if err := q.Ping(ctx); err != nil {
		log.WithError(err).Fatal("connect redis")
	}

	uploader, err := storage.New(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("init object storage")
	}

	tracker := batch.New(q.Client(), cfg.ScratchRoot, cfg.CounterGraceTTL, log)
	transcriber := model.NewHTTPTranscriber(cfg.TranscriberURL, cfg.DelegateTimeout)
	classifier := model.NewHTTPClassifier(cfg.ClassifierURL, cfg.DelegateTimeout)

	worker := transcribe.New(cfg, q, tracker, st, uploader, transcriber, classifier, log)

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
