// Package api exposes the read-only ops surface of the pipeline: health,
// metrics, processing stats, the flagged-review feed, batch progress, and the
// dead-letter queue. It contains no coordination logic.
package api

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"audio-pipeline/internal/batch"
	"audio-pipeline/internal/config"
	"audio-pipeline/internal/queue"
	"audio-pipeline/internal/ratelimit"
	"audio-pipeline/internal/store"
	"audio-pipeline/internal/telemetry"
)

// Server wires HTTP handlers for the ops API.
type Server struct {
	cfg     config.Config
	store   *store.Store
	queue   *queue.RedisQueue
	tracker *batch.Tracker
	limiter *ratelimit.TokenBucket
}

// New constructs the ops API server.
func New(cfg config.Config, st *store.Store, q *queue.RedisQueue, tracker *batch.Tracker, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		queue:   q,
		tracker: tracker,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.rateLimit)

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Get("/stats", s.handleStats)
	r.Get("/flagged", s.handleFlagged)
	r.Get("/batches/{id}", s.handleBatch)
	r.Get("/queues", s.handleQueues)
	r.Get("/dlq", s.handleDLQ)
	return r
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			allowed, err := s.limiter.Allow(r.Context(), "rl:"+host)
			if err == nil && !allowed {
				http.Error(w, "rate limited", http.StatusTooManyRequests)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	health := map[string]string{"redis": "ok", "postgres": "ok"}
	code := http.StatusOK

	if err := s.queue.Ping(ctx); err != nil {
		health["redis"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	if err := s.store.Ping(ctx); err != nil {
		health["postgres"] = err.Error()
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, health)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.ProcessingStats(r.Context())
	if err != nil {
		http.Error(w, "failed to read stats", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleFlagged(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	items, err := s.store.PendingFlagged(r.Context(), limit)
	if err != nil {
		http.Error(w, "failed to read flagged items", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// handleBatch reports a batch's progress counters. Completed batches remain
// observable here for the counter grace window.
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "id")

	total, exists, err := s.tracker.Total(r.Context(), batchID)
	if err != nil {
		http.Error(w, "failed to read batch", http.StatusInternalServerError)
		return
	}
	if !exists {
		http.Error(w, "batch not found", http.StatusNotFound)
		return
	}

	archiveKey, _ := s.tracker.ArchiveKey(r.Context(), batchID)
	processed, _ := s.tracker.Processed(r.Context(), batchID)

	writeJSON(w, http.StatusOK, map[string]any{
		"batch_id":    batchID,
		"total":       total,
		"processed":   processed,
		"archive_key": archiveKey,
		"complete":    processed >= total,
	})
}

func (s *Server) handleQueues(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	depths := map[string]int64{}
	for _, name := range []string{s.cfg.UnpackQueue, s.cfg.TranscribeQueue, s.cfg.DeadLetterQueue} {
		n, err := s.queue.Len(ctx, name)
		if err != nil {
			http.Error(w, "failed to read queue depth", http.StatusInternalServerError)
			return
		}
		depths[name] = n
		telemetry.QueueDepthGauge.WithLabelValues(name).Set(float64(n))
	}
	writeJSON(w, http.StatusOK, depths)
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DeadLetterPeek(r.Context(), 100)
	if err != nil {
		http.Error(w, "failed to read dlq", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
