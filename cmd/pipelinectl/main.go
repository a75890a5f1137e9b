// pipelinectl is the operator CLI for the audio pipeline: connectivity
// diagnostics, manual archive enqueue, and dead-letter inspection.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"audio-pipeline/internal/config"
	"audio-pipeline/internal/models"
	"audio-pipeline/internal/queue"
	"audio-pipeline/internal/storage"
	"audio-pipeline/internal/store"
)

func main() {
	root := &cobra.Command{
		Use:   "pipelinectl",
		Short: "Operator tooling for the audio processing pipeline",
	}
	root.AddCommand(checkCmd(), enqueueCmd(), dlqCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify connectivity to Redis, Postgres, and object storage",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			failed := false

			q := queue.New(cfg)
			if err := q.Ping(ctx); err != nil {
				fmt.Printf("redis:    FAIL (%v)\n", err)
				failed = true
			} else {
				fmt.Println("redis:    ok")
			}

			if st, err := store.New(ctx, cfg.PostgresDSN); err != nil {
				fmt.Printf("postgres: FAIL (%v)\n", err)
				failed = true
			} else {
				if err := st.Ping(ctx); err != nil {
					fmt.Printf("postgres: FAIL (%v)\n", err)
					failed = true
				} else {
					fmt.Println("postgres: ok")
				}
				st.Close()
			}

			if s3, err := storage.New(ctx, cfg); err != nil {
				fmt.Printf("s3:       FAIL (%v)\n", err)
				failed = true
			} else if err := s3.CheckBucket(ctx); err != nil {
				fmt.Printf("s3:       FAIL (%v)\n", err)
				failed = true
			} else {
				fmt.Printf("s3:       ok (bucket %s)\n", cfg.S3Bucket)
			}

			if failed {
				return fmt.Errorf("one or more connectivity checks failed")
			}
			return nil
		},
	}
}

func enqueueCmd() *cobra.Command {
	var batchID string
	cmd := &cobra.Command{
		Use:   "enqueue <archive-key>",
		Short: "Queue an already-uploaded archive for unpacking",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			archiveKey := args[0]
			if batchID == "" {
				batchID = models.NewBatchID(time.Now())
			}

			job := models.ArchiveJob{
				BatchID:          batchID,
				ArchiveKey:       archiveKey,
				OriginalFilename: filepath.Base(archiveKey),
				TransferredAt:    time.Now().UTC().Format(time.RFC3339),
			}

			q := queue.New(cfg)
			if err := q.Push(ctx, cfg.UnpackQueue, job); err != nil {
				return err
			}
			fmt.Printf("queued batch %s (%s)\n", batchID, archiveKey)
			return nil
		},
	}
	cmd.Flags().StringVar(&batchID, "batch-id", "", "override the generated batch id")
	return cmd
}

func dlqCmd() *cobra.Command {
	var count int64
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Show recent dead-letter records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := config.Load()
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			q := queue.New(cfg)
			records, err := q.DeadLetterPeek(ctx, count)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				fmt.Println("dead-letter queue is empty")
				return nil
			}
			for _, rec := range records {
				line, _ := json.Marshal(rec)
				fmt.Println(string(line))
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&count, "count", 20, "number of records to show")
	return cmd
}
