// Package batch implements the completion-tracking protocol that tells the
// pipeline when every file derived from one archive has been processed.
//
// The unpack stage sets batch:{id}:total once, after conversion finishes and
// before any file job is published. Each processing worker atomically
// increments batch:{id}:processed exactly once per job, success or failure.
// The increment that observes processed >= total runs cleanup. Cleanup is
// idempotent, so an extra increment from a redelivered job cannot double-free
// anything; it just triggers another harmless pass.
package batch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"audio-pipeline/internal/telemetry"
)

// Tracker coordinates batch progress counters in Redis and owns the
// batch-scoped scratch directories on local disk.
type Tracker struct {
	client      *redis.Client
	scratchRoot string
	graceTTL    time.Duration
	log         *logrus.Entry
}

// New constructs a tracker. graceTTL controls how long counter keys linger
// after completion so late duplicate reports and external monitors can still
// observe final state.
func New(client *redis.Client, scratchRoot string, graceTTL time.Duration, log *logrus.Entry) *Tracker {
	if graceTTL <= 0 {
		graceTTL = 60 * time.Second
	}
	return &Tracker{
		client:      client,
		scratchRoot: scratchRoot,
		graceTTL:    graceTTL,
		log:         log,
	}
}

func totalKey(batchID string) string      { return fmt.Sprintf("batch:%s:total", batchID) }
func processedKey(batchID string) string  { return fmt.Sprintf("batch:%s:processed", batchID) }
func archiveKeyKey(batchID string) string { return fmt.Sprintf("batch:%s:archive_key", batchID) }

// ScratchDir returns the batch-scoped working directory. Directories are
// namespaced by batch id so concurrent batches never collide on disk.
func (t *Tracker) ScratchDir(batchID string) string {
	return filepath.Join(t.scratchRoot, batchID)
}

// EnsureScratch creates the batch scratch directory.
func (t *Tracker) EnsureScratch(batchID string) (string, error) {
	dir := t.ScratchDir(batchID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create scratch dir: %w", err)
	}
	return dir, nil
}

// Init establishes the counter pair for a batch. total must be the final count
// of successfully converted files; callers must invoke Init before publishing
// any file job for this batch, and at most once per batch.
func (t *Tracker) Init(ctx context.Context, batchID string, total int, archiveKey string) error {
	if total <= 0 {
		return fmt.Errorf("batch %s: refusing to init with total=%d", batchID, total)
	}
	// total is written first: a worker may never observe processed without
	// total also being set.
	if err := t.client.Set(ctx, totalKey(batchID), total, 0).Err(); err != nil {
		return fmt.Errorf("set total: %w", err)
	}
	if err := t.client.Set(ctx, processedKey(batchID), 0, 0).Err(); err != nil {
		return fmt.Errorf("set processed: %w", err)
	}
	if archiveKey != "" {
		if err := t.client.Set(ctx, archiveKeyKey(batchID), archiveKey, 0).Err(); err != nil {
			return fmt.Errorf("set archive key: %w", err)
		}
	}
	return nil
}

// ReportProgress records that one file job for the batch finished (in either
// direction) and runs completion when this report is the one that crosses the
// expected total. Must be called exactly once per consumed file job.
func (t *Tracker) ReportProgress(ctx context.Context, batchID string) error {
	processed, err := t.client.Incr(ctx, processedKey(batchID)).Result()
	if err != nil {
		return fmt.Errorf("increment processed: %w", err)
	}

	totalRaw, err := t.client.Get(ctx, totalKey(batchID)).Result()
	if errors.Is(err, redis.Nil) {
		// Late or duplicate report after the batch was cleaned up and its
		// keys expired. Not an error; there is nothing left to complete.
		t.log.WithField("batch_id", batchID).Warn("no total key found, skipping completion check")
		return nil
	}
	if err != nil {
		return fmt.Errorf("get total: %w", err)
	}
	total, err := strconv.ParseInt(totalRaw, 10, 64)
	if err != nil {
		return fmt.Errorf("parse total %q: %w", totalRaw, err)
	}

	t.log.WithFields(logrus.Fields{
		"batch_id":  batchID,
		"processed": processed,
		"total":     total,
	}).Debug("batch progress")

	// The increment is atomic and monotonic, so under normal delivery only
	// one report observes the crossing point. Redelivered jobs can push
	// processed past total; completion is idempotent, so running it again
	// is safe.
	if processed >= total {
		return t.Complete(ctx, batchID)
	}
	return nil
}

// Total returns the expected file count for a batch, reporting whether the
// key exists. Absence is distinct from zero: it means the unpack stage has not
// published the batch (or it already expired).
func (t *Tracker) Total(ctx context.Context, batchID string) (int64, bool, error) {
	raw, err := t.client.Get(ctx, totalKey(batchID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse total %q: %w", raw, err)
	}
	return n, true, nil
}

// Processed returns the number of progress reports recorded for a batch.
// A missing key reads as zero.
func (t *Tracker) Processed(ctx context.Context, batchID string) (int64, error) {
	n, err := t.client.Get(ctx, processedKey(batchID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// ArchiveKey returns the source storage key recorded for a batch, if any.
func (t *Tracker) ArchiveKey(ctx context.Context, batchID string) (string, error) {
	key, err := t.client.Get(ctx, archiveKeyKey(batchID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return key, err
}

// Complete runs batch cleanup: remove the scratch tree and put a short expiry
// on the counter keys. Idempotent by construction; calling it on an
// already-cleaned batch succeeds silently.
func (t *Tracker) Complete(ctx context.Context, batchID string) error {
	log := t.log.WithField("batch_id", batchID)
	log.Info("batch complete, cleaning up")

	t.CleanupScratch(batchID)

	// Expire instead of delete so a concurrent duplicate completer or an
	// external monitor can still observe final state during the grace window.
	pipe := t.client.TxPipeline()
	pipe.Expire(ctx, totalKey(batchID), t.graceTTL)
	pipe.Expire(ctx, processedKey(batchID), t.graceTTL)
	pipe.Expire(ctx, archiveKeyKey(batchID), t.graceTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("expire batch keys: %w", err)
	}

	telemetry.BatchesCompleted.Inc()
	log.WithField("grace_ttl", t.graceTTL).Info("scratch cleaned, counter keys expiring")
	return nil
}

// CleanupScratch removes the batch scratch directory tree. A missing
// directory is a no-op, not an error.
func (t *Tracker) CleanupScratch(batchID string) {
	dir := t.ScratchDir(batchID)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		t.log.WithField("batch_id", batchID).WithError(err).Warn("failed to clean scratch directory")
		return
	}
	t.log.WithField("batch_id", batchID).Debug("scratch directory removed")
}
