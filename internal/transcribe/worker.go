// Package transcribe implements the processing stage: dequeue file jobs,
// transcribe and classify each one through the model delegates, persist the
// results, ship the audio to long-term storage, and report progress against
// the batch. Progress is reported once per job no matter how the job ends;
// that is what keeps a batch from stalling on a bad file.
package transcribe

import (
	"context"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"audio-pipeline/internal/batch"
	"audio-pipeline/internal/config"
	"audio-pipeline/internal/model"
	"audio-pipeline/internal/models"
	"audio-pipeline/internal/queue"
	"audio-pipeline/internal/store"
	"audio-pipeline/internal/telemetry"
)

// Persister is the slice of the store the processing stage uses.
type Persister interface {
	InsertAudioFile(ctx context.Context, p store.InsertAudioFileParams) (int64, error)
	InsertTranscript(ctx context.Context, audioID int64, text, language string, confidence float64) error
	InsertClassification(ctx context.Context, audioID int64, flagged bool, score float64, category *string) error
	UpdateStatus(ctx context.Context, audioID int64, status string) error
	UpdateStorageKey(ctx context.Context, audioID int64, key string) error
	UpdateMetadata(ctx context.Context, audioID int64, metadata map[string]any) error
}

// Uploader ships processed audio to long-term object storage.
type Uploader interface {
	UploadProcessed(ctx context.Context, localPath, dateStr string, audioID int64) (string, error)
}

// Worker consumes file jobs and reports batch progress.
type Worker struct {
	cfg         config.Config
	queue       *queue.RedisQueue
	tracker     *batch.Tracker
	store       Persister
	uploader    Uploader
	transcriber model.Transcriber
	classifier  model.Classifier
	log         *logrus.Entry
}

// New wires a processing worker from its collaborators.
func New(cfg config.Config, q *queue.RedisQueue, tracker *batch.Tracker, st Persister, up Uploader, tr model.Transcriber, cl model.Classifier, log *logrus.Entry) *Worker {
	return &Worker{
		cfg:         cfg,
		queue:       q,
		tracker:     tracker,
		store:       st,
		uploader:    up,
		transcriber: tr,
		classifier:  cl,
		log:         log,
	}
}

// Run collects file jobs in small batches and processes them until context
// cancellation. The first pop blocks long, the rest use a short timeout so the
// worker drains whatever is available without waiting on a full batch.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("transcribe worker started, waiting for file jobs")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		jobs := w.collect(ctx)
		if len(jobs) == 0 {
			continue
		}

		w.log.WithField("count", len(jobs)).Info("processing file jobs")
		success, failed := 0, 0
		for _, job := range jobs {
			if err := w.ProcessJob(ctx, job); err != nil {
				failed++
			} else {
				success++
			}
		}
		w.log.WithFields(logrus.Fields{"succeeded": success, "failed": failed}).Info("file jobs done")
	}
}

func (w *Worker) collect(ctx context.Context) []models.FileJob {
	var jobs []models.FileJob
	for len(jobs) < w.cfg.TranscribeBatchSize {
		timeout := w.cfg.PopNextTimeout
		if len(jobs) == 0 {
			timeout = w.cfg.PopFirstTimeout
		}

		raw, err := w.queue.BlockingPop(ctx, w.cfg.TranscribeQueue, timeout)
		if err != nil {
			if ctx.Err() == nil {
				w.log.WithError(err).Error("queue pop failed")
				time.Sleep(time.Second)
			}
			break
		}
		if raw == nil {
			break // timeout, process what we have
		}

		job, err := models.DecodeFileJob(raw)
		if err != nil {
			w.log.WithError(err).Error("invalid file job payload")
			if dlqErr := w.queue.DeadLetter(ctx, raw, err); dlqErr != nil {
				w.log.WithError(dlqErr).Error("dead-letter push failed")
			}
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs
}

// ProcessJob handles one file job end to end. Progress is reported to the
// batch tracker unconditionally: exactly one report per consumed job, success
// or failure.
func (w *Worker) ProcessJob(ctx context.Context, job models.FileJob) error {
	err := w.processItem(ctx, job)
	if err != nil {
		telemetry.FilesFailed.Inc()
		w.log.WithFields(logrus.Fields{
			"batch_id": job.BatchID,
			"file":     job.OriginalFilename,
		}).WithError(err).Error("file processing failed")
	} else {
		telemetry.FilesProcessed.Inc()
	}

	if reportErr := w.tracker.ReportProgress(ctx, job.BatchID); reportErr != nil {
		w.log.WithField("batch_id", job.BatchID).WithError(reportErr).Error("progress report failed")
		if err == nil {
			err = reportErr
		}
	}
	return err
}

func (w *Worker) processItem(ctx context.Context, job models.FileJob) error {
	log := w.log.WithFields(logrus.Fields{"batch_id": job.BatchID, "file": job.OriginalFilename})

	var audioID int64
	err := func() error {
		// 1. Transcribe.
		transcription, err := w.transcriber.Transcribe(ctx, job.OpusPath)
		if err != nil {
			return err
		}

		// 2. Classify. An empty transcript short-circuits to the safe
		// default without invoking the classifier at all.
		classification := model.Classification{}
		if strings.TrimSpace(transcription.Text) != "" {
			classification, err = w.classifier.Classify(ctx, transcription.Text)
			if err != nil {
				return err
			}
		}

		// 3. Persist the file record and results.
		audioID, err = w.store.InsertAudioFile(ctx, store.InsertAudioFileParams{
			OriginalFilename: job.OriginalFilename,
			OpusPath:         job.OpusPath,
			ArchiveSource:    job.BatchID,
			FileSizeBytes:    job.FileSizeBytes,
		})
		if err != nil {
			return err
		}
		if len(job.Metadata) > 0 {
			if err := w.store.UpdateMetadata(ctx, audioID, job.Metadata); err != nil {
				return err
			}
		}
		if err := w.store.InsertTranscript(ctx, audioID, transcription.Text, transcription.Language, transcription.Confidence); err != nil {
			return err
		}
		if err := w.store.InsertClassification(ctx, audioID, classification.Flagged, classification.Score, classification.Category); err != nil {
			return err
		}

		status := models.StatusTranscribed
		if classification.Flagged {
			status = models.StatusFlagged
			telemetry.FilesFlagged.Inc()
		}
		if err := w.store.UpdateStatus(ctx, audioID, status); err != nil {
			return err
		}

		// 4. Long-term storage, keyed by processing date and persisted id.
		dateStr := time.Now().UTC().Format("2006-01-02")
		key, err := w.uploader.UploadProcessed(ctx, job.OpusPath, dateStr, audioID)
		if err != nil {
			return err
		}
		if err := w.store.UpdateStorageKey(ctx, audioID, key); err != nil {
			return err
		}

		log.WithFields(logrus.Fields{"audio_id": audioID, "status": status, "storage_key": key}).Debug("file processed")
		return nil
	}()

	if err != nil && audioID != 0 {
		// Best effort; a secondary failure here must not mask the original.
		if statusErr := w.store.UpdateStatus(ctx, audioID, models.StatusFailed); statusErr != nil {
			log.WithError(statusErr).Warn("failed to mark file as failed")
		}
	}
	return err
}
