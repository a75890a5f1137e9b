package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"audio-pipeline/internal/models"
)

// Store wraps pgxpool for pipeline persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// InsertAudioFileParams collects inputs for a new audio_files row.
type InsertAudioFileParams struct {
	OriginalFilename string
	OpusPath         string
	ArchiveSource    string
	DurationSeconds  *float64
	FileSizeBytes    int64
}

// InsertAudioFile inserts a file record and returns its id. New rows start in
// status pending.
func (s *Store) InsertAudioFile(ctx context.Context, p InsertAudioFileParams) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO audio_files (original_filename, opus_path, archive_source, duration_seconds, file_size_bytes, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`, p.OriginalFilename, p.OpusPath, p.ArchiveSource, p.DurationSeconds, p.FileSizeBytes, models.StatusPending).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert audio file: %w", err)
	}
	return id, nil
}

// InsertTranscript stores the transcription result for a file.
func (s *Store) InsertTranscript(ctx context.Context, audioID int64, text, language string, confidence float64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO transcripts (audio_file_id, transcript_text, language, confidence)
		VALUES ($1, $2, $3, $4)
	`, audioID, text, language, confidence)
	if err != nil {
		return fmt.Errorf("insert transcript: %w", err)
	}
	return nil
}

// InsertClassification stores the classification result for a file.
func (s *Store) InsertClassification(ctx context.Context, audioID int64, flagged bool, score float64, category *string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO classifications (audio_file_id, flagged, flag_score, flag_category)
		VALUES ($1, $2, $3, $4)
	`, audioID, flagged, score, category)
	if err != nil {
		return fmt.Errorf("insert classification: %w", err)
	}
	return nil
}

// UpdateStatus sets the processing status and stamps processed_at.
func (s *Store) UpdateStatus(ctx context.Context, audioID int64, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE audio_files SET status = $2, processed_at = NOW() WHERE id = $1
	`, audioID, status)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	return nil
}

// UpdateStorageKey records the long-term object storage location of the file.
func (s *Store) UpdateStorageKey(ctx context.Context, audioID int64, key string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE audio_files SET storage_key = $2 WHERE id = $1
	`, audioID, key)
	if err != nil {
		return fmt.Errorf("update storage key: %w", err)
	}
	return nil
}

// UpdateMetadata stores the matched side-channel metadata row as jsonb.
func (s *Store) UpdateMetadata(ctx context.Context, audioID int64, metadata map[string]any) error {
	blob, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE audio_files SET metadata = $2 WHERE id = $1
	`, audioID, blob)
	if err != nil {
		return fmt.Errorf("update metadata: %w", err)
	}
	return nil
}

// FlaggedItem is one flagged file awaiting review.
type FlaggedItem struct {
	ID               int64     `json:"id"`
	OriginalFilename string    `json:"original_filename"`
	OpusPath         string    `json:"opus_path"`
	StorageKey       *string   `json:"storage_key,omitempty"`
	TranscriptText   string    `json:"transcript_text"`
	FlagScore        float64   `json:"flag_score"`
	FlagCategory     *string   `json:"flag_category,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// PendingFlagged returns flagged items from the last 24 hours, highest score
// first, for the review application.
func (s *Store) PendingFlagged(ctx context.Context, limit int) ([]FlaggedItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT af.id, af.original_filename, af.opus_path, af.storage_key,
		       t.transcript_text, c.flag_score, c.flag_category, af.created_at
		FROM audio_files af
		JOIN transcripts t ON t.audio_file_id = af.id
		JOIN classifications c ON c.audio_file_id = af.id
		WHERE c.flagged = true
		  AND af.status = $1
		  AND af.created_at > NOW() - INTERVAL '24 hours'
		ORDER BY c.flag_score DESC
		LIMIT $2
	`, models.StatusFlagged, limit)
	if err != nil {
		return nil, fmt.Errorf("query flagged: %w", err)
	}
	defer rows.Close()

	var items []FlaggedItem
	for rows.Next() {
		var item FlaggedItem
		var storageKey, category pgtype.Text
		if err := rows.Scan(&item.ID, &item.OriginalFilename, &item.OpusPath, &storageKey,
			&item.TranscriptText, &item.FlagScore, &category, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan flagged row: %w", err)
		}
		item.StorageKey = textPtr(storageKey)
		item.FlagCategory = textPtr(category)
		items = append(items, item)
	}
	return items, rows.Err()
}

// Stats summarizes the last 24 hours of processing.
type Stats struct {
	StatusCounts    map[string]int64 `json:"status_counts"`
	FlaggedCount    int64            `json:"flagged_count"`
	TotalClassified int64            `json:"total_classified"`
}

// ProcessingStats aggregates status counts and classification totals.
func (s *Store) ProcessingStats(ctx context.Context) (Stats, error) {
	stats := Stats{StatusCounts: make(map[string]int64)}

	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM audio_files
		WHERE created_at > NOW() - INTERVAL '24 hours'
		GROUP BY status
	`)
	if err != nil {
		return stats, fmt.Errorf("query status counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return stats, fmt.Errorf("scan status count: %w", err)
		}
		stats.StatusCounts[status] = count
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE c.flagged = true), COUNT(*)
		FROM classifications c
		JOIN audio_files af ON af.id = c.audio_file_id
		WHERE af.created_at > NOW() - INTERVAL '24 hours'
	`).Scan(&stats.FlaggedCount, &stats.TotalClassified)
	if err != nil {
		return stats, fmt.Errorf("query classification totals: %w", err)
	}
	return stats, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
