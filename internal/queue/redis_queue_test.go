package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"audio-pipeline/internal/models"
)

func testQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewWithClient(client, "queue:failed")
}

func TestPushPopRoundTrip(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t)

	job := models.FileJob{
		BatchID:          "b1",
		OpusPath:         "/data/scratch/b1/x.opus",
		OriginalFilename: "x.mp3",
	}
	if err := q.Push(ctx, "queue:transcribe", job); err != nil {
		t.Fatalf("push: %v", err)
	}

	n, err := q.Len(ctx, "queue:transcribe")
	if err != nil || n != 1 {
		t.Fatalf("expected depth 1, got %d err=%v", n, err)
	}

	raw, err := q.BlockingPop(ctx, "queue:transcribe", time.Second)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	got, err := models.DecodeFileJob(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.BatchID != "b1" || got.OpusPath != job.OpusPath {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestPushPopFIFO(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t)

	for _, id := range []string{"first", "second", "third"} {
		if err := q.Push(ctx, "queue:unpack", models.ArchiveJob{BatchID: id, ArchiveKey: "k"}); err != nil {
			t.Fatalf("push %s: %v", id, err)
		}
	}
	for _, want := range []string{"first", "second", "third"} {
		raw, err := q.BlockingPop(ctx, "queue:unpack", time.Second)
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		job, err := models.DecodeArchiveJob(raw)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if job.BatchID != want {
			t.Fatalf("expected %s, got %s", want, job.BatchID)
		}
	}
}

func TestBlockingPopTimeout(t *testing.T) {
	q := testQueue(t)

	raw, err := q.BlockingPop(context.Background(), "queue:empty", time.Second)
	if err != nil {
		t.Fatalf("timeout must not be an error: %v", err)
	}
	if raw != nil {
		t.Fatalf("expected nil payload on timeout, got %q", raw)
	}
}

func TestDeadLetter(t *testing.T) {
	ctx := context.Background()
	q := testQueue(t)

	original := []byte(`{"batch_id":"b1","archive_key":"archives/b1.tar"}`)
	if err := q.DeadLetter(ctx, original, errors.New("no files converted")); err != nil {
		t.Fatalf("dead letter: %v", err)
	}

	depth, err := q.DeadLetterDepth(ctx)
	if err != nil || depth != 1 {
		t.Fatalf("expected dlq depth 1, got %d err=%v", depth, err)
	}

	records, err := q.DeadLetterPeek(ctx, 10)
	if err != nil {
		t.Fatalf("peek: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].Error != "no files converted" {
		t.Fatalf("unexpected error field: %q", records[0].Error)
	}
	if records[0].FailedAt.IsZero() {
		t.Fatalf("failed_at must be stamped")
	}
}
