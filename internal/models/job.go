package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AudioStatus values persisted on audio_files rows in Postgres.
const (
	StatusPending     = "pending"
	StatusTranscribed = "transcribed"
	StatusFlagged     = "flagged"
	StatusReviewed    = "reviewed"
	StatusFailed      = "failed"
)

// ErrInvalidPayload marks queue messages that cannot be decoded into a known
// job schema. Consumers route these to the dead-letter queue instead of crashing.
var ErrInvalidPayload = errors.New("invalid queue payload")

// ArchiveJob is one source archive waiting to be unpacked.
type ArchiveJob struct {
	BatchID          string `json:"batch_id"`
	ArchiveKey       string `json:"archive_key"`
	OriginalFilename string `json:"original_filename"`
	TransferredAt    string `json:"transferred_at,omitempty"`
}

// FileJob is one converted audio file waiting for transcription and
// classification. Metadata carries the full side-channel row matched by
// filename stem, empty when no match was found.
type FileJob struct {
	BatchID          string         `json:"batch_id"`
	OpusPath         string         `json:"opus_path"`
	OriginalFilename string         `json:"original_filename"`
	FileSizeBytes    int64          `json:"file_size_bytes,omitempty"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// FailedJob wraps an unrecoverable job for the dead-letter queue.
type FailedJob struct {
	Job      json.RawMessage `json:"job"`
	Error    string          `json:"error"`
	FailedAt time.Time       `json:"failed_at"`
}

// NewBatchID produces a globally unique batch identifier. The timestamp prefix
// keeps ids sortable by ingestion time; the random suffix avoids collision
// under clock skew or concurrent ingestion.
func NewBatchID(now time.Time) string {
	return fmt.Sprintf("%s-%s", now.UTC().Format("20060102-150405"), uuid.NewString()[:8])
}

// DecodeArchiveJob parses and validates an archive job payload.
func DecodeArchiveJob(data []byte) (ArchiveJob, error) {
	var job ArchiveJob
	if err := json.Unmarshal(data, &job); err != nil {
		return ArchiveJob{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if job.BatchID == "" || job.ArchiveKey == "" {
		return ArchiveJob{}, fmt.Errorf("%w: archive job missing batch_id or archive_key", ErrInvalidPayload)
	}
	return job, nil
}

// DecodeFileJob parses and validates a file job payload.
func DecodeFileJob(data []byte) (FileJob, error) {
	var job FileJob
	if err := json.Unmarshal(data, &job); err != nil {
		return FileJob{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if job.BatchID == "" || job.OpusPath == "" {
		return FileJob{}, fmt.Errorf("%w: file job missing batch_id or opus_path", ErrInvalidPayload)
	}
	return job, nil
}

// NewFailedJob builds a dead-letter record preserving the original payload.
func NewFailedJob(original []byte, cause error, now time.Time) FailedJob {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	raw := json.RawMessage(original)
	if !json.Valid(original) {
		// Keep undecodable payloads as a JSON string so the DLQ record itself
		// stays parseable.
		quoted, _ := json.Marshal(string(original))
		raw = quoted
	}
	return FailedJob{Job: raw, Error: msg, FailedAt: now.UTC()}
}
