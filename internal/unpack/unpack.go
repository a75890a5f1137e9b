// Package unpack implements the stage that turns one source archive into a
// tracked batch of file jobs: fetch, extract, convert, then publish the
// batch's counters and exactly total file jobs.
package unpack

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"audio-pipeline/internal/batch"
	"audio-pipeline/internal/config"
	"audio-pipeline/internal/convert"
	"audio-pipeline/internal/metadata"
	"audio-pipeline/internal/models"
	"audio-pipeline/internal/telemetry"

	archivepkg "audio-pipeline/internal/archive"
)

// ArchiveStore is the slice of object storage the unpack stage needs.
type ArchiveStore interface {
	FetchArchive(ctx context.Context, key, localPath string) error
	DeleteArchive(ctx context.Context, key string) error
}

// JobQueue is the slice of the queue the unpack stage uses.
type JobQueue interface {
	Push(ctx context.Context, queueName string, payload any) error
	BlockingPop(ctx context.Context, queueName string, timeout time.Duration) ([]byte, error)
	DeadLetter(ctx context.Context, original []byte, cause error) error
}

// Stats summarizes one processed archive job.
type Stats struct {
	BatchID         string
	AudioFound      int
	Converted       int
	Failed          int
	Queued          int
	MetadataRecords int
	MetadataMatched int
}

// Worker consumes archive jobs and produces batches of file jobs.
type Worker struct {
	cfg      config.Config
	queue    JobQueue
	tracker  *batch.Tracker
	archives ArchiveStore
	pool     *convert.Pool
	log      *logrus.Entry
}

// New wires an unpack worker from its collaborators.
func New(cfg config.Config, q JobQueue, tracker *batch.Tracker, archives ArchiveStore, pool *convert.Pool, log *logrus.Entry) *Worker {
	return &Worker{
		cfg:      cfg,
		queue:    q,
		tracker:  tracker,
		archives: archives,
		pool:     pool,
		log:      log,
	}
}

// Run blocks on the unpack queue until context cancellation.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("unpack worker started, waiting for archive jobs")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		raw, err := w.queue.BlockingPop(ctx, w.cfg.UnpackQueue, 5*time.Second)
		if err != nil {
			w.log.WithError(err).Error("queue pop failed")
			time.Sleep(time.Second)
			continue
		}
		if raw == nil {
			continue
		}

		job, err := models.DecodeArchiveJob(raw)
		if err != nil {
			// Undecodable payloads go to the DLQ; a bad message must never
			// crash the consumer.
			w.log.WithError(err).Error("invalid archive job payload")
			if dlqErr := w.queue.DeadLetter(ctx, raw, err); dlqErr != nil {
				w.log.WithError(dlqErr).Error("dead-letter push failed")
			}
			continue
		}

		stats, err := w.ProcessJob(ctx, job, raw)
		if err != nil {
			w.log.WithField("batch_id", job.BatchID).WithError(err).Error("batch failed")
			continue
		}
		w.log.WithFields(logrus.Fields{
			"batch_id":  stats.BatchID,
			"found":     stats.AudioFound,
			"converted": stats.Converted,
			"failed":    stats.Failed,
			"queued":    stats.Queued,
		}).Info("batch unpacked")
	}
}

// ProcessJob runs the full unpack sequence for one archive. On any fatal
// batch error the original job is dead-lettered, scratch is cleaned, and the
// error is returned; the batch's counters are never left partially
// initialized.
func (w *Worker) ProcessJob(ctx context.Context, job models.ArchiveJob, raw []byte) (Stats, error) {
	stats, err := w.processJob(ctx, job)
	if err != nil {
		telemetry.BatchesDeadLetter.Inc()
		if dlqErr := w.queue.DeadLetter(ctx, raw, err); dlqErr != nil {
			w.log.WithError(dlqErr).Error("dead-letter push failed")
		}
		w.tracker.CleanupScratch(job.BatchID)
		return stats, err
	}
	return stats, nil
}

func (w *Worker) processJob(ctx context.Context, job models.ArchiveJob) (Stats, error) {
	stats := Stats{BatchID: job.BatchID}
	log := w.log.WithField("batch_id", job.BatchID)

	// 1. Fetch the archive into batch-scoped scratch.
	scratchDir, err := w.tracker.EnsureScratch(job.BatchID)
	if err != nil {
		return stats, err
	}
	archivePath := filepath.Join(scratchDir, "archive.tar")
	log.WithField("archive_key", job.ArchiveKey).Info("downloading archive")
	if err := w.archives.FetchArchive(ctx, job.ArchiveKey, archivePath); err != nil {
		return stats, fmt.Errorf("fetch archive: %w", err)
	}

	// 2. Extract with content-sniffed type detection.
	log.Info("extracting archive")
	if err := archivepkg.Extract(archivePath, scratchDir); err != nil {
		return stats, err
	}

	// 3. Side-channel metadata, best effort.
	records := metadata.Load(scratchDir, w.cfg.MetadataFormat, log)
	stats.MetadataRecords = len(records)
	if len(records) > 0 {
		log.WithField("records", len(records)).Info("loaded metadata")
	}

	// 4. Enumerate input audio.
	audioFiles := findAudioFiles(scratchDir)
	stats.AudioFound = len(audioFiles)
	if len(audioFiles) == 0 {
		// Not a failure: the batch simply never becomes visible to the
		// completion protocol. No counters, no jobs, no dangling state.
		log.Warn("no audio files found in archive")
		w.tracker.CleanupScratch(job.BatchID)
		return stats, nil
	}
	log.WithField("files", len(audioFiles)).Info("found audio files")

	// 5. Parallel conversion, bounded, per-file timeout.
	tasks := make([]convert.Task, 0, len(audioFiles))
	for _, src := range audioFiles {
		stem := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
		tasks = append(tasks, convert.Task{
			Src: src,
			Dst: filepath.Join(scratchDir, stem+".opus"),
		})
	}
	results, failed := w.pool.ConvertAll(ctx, tasks)
	stats.Converted = len(results)
	stats.Failed = failed
	log.WithFields(logrus.Fields{"converted": len(results), "failed": failed}).Info("conversion complete")

	if len(results) == 0 {
		return stats, fmt.Errorf("no files converted for batch %s", job.BatchID)
	}

	// 6. Publish counters, then jobs. total is written before any file job
	// is visible to a consumer.
	if err := w.tracker.Init(ctx, job.BatchID, len(results), job.ArchiveKey); err != nil {
		return stats, fmt.Errorf("init batch counters: %w", err)
	}
	log.WithField("total", len(results)).Info("batch counters set")

	for _, result := range results {
		row, ok := metadata.Match(records, result.OpusPath)
		if ok {
			stats.MetadataMatched++
		}
		fileJob := models.FileJob{
			BatchID:          job.BatchID,
			OpusPath:         result.OpusPath,
			OriginalFilename: result.OriginalFilename,
			FileSizeBytes:    result.FileSizeBytes,
			Metadata:         row,
		}
		if err := w.queue.Push(ctx, w.cfg.TranscribeQueue, fileJob); err != nil {
			return stats, fmt.Errorf("enqueue file job: %w", err)
		}
		stats.Queued++
	}
	log.WithFields(logrus.Fields{"queued": stats.Queued, "matched": stats.MetadataMatched}).Info("file jobs queued")
	telemetry.BatchesUnpacked.Inc()

	// 7. Best-effort cleanup of fully consumed inputs. Failures here are
	// logged and ignored; they do not affect the counting protocol.
	if err := os.Remove(archivePath); err != nil {
		log.WithError(err).Warn("failed to delete local archive")
	}
	if err := w.archives.DeleteArchive(ctx, job.ArchiveKey); err != nil {
		log.WithError(err).Warn("failed to delete archive from storage")
	}
	for _, src := range audioFiles {
		if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
			log.WithField("file", filepath.Base(src)).Debug("failed to delete source file")
		}
	}

	return stats, nil
}

// findAudioFiles enumerates input audio by case-insensitive extension match.
func findAudioFiles(dir string) []string {
	var files []string
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".mp3") {
			files = append(files, path)
		}
		return nil
	})
	return files
}
