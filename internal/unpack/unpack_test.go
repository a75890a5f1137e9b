package unpack

import (
	"archive/tar"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"audio-pipeline/internal/batch"
	"audio-pipeline/internal/config"
	"audio-pipeline/internal/convert"
	"audio-pipeline/internal/models"
	"audio-pipeline/internal/queue"
)

// fakeArchiveStore serves a tar file built in the test instead of S3.
type fakeArchiveStore struct {
	tarPath string
	deleted []string
}

func (s *fakeArchiveStore) FetchArchive(_ context.Context, key, localPath string) error {
	if s.tarPath == "" {
		return errors.New("no such key: " + key)
	}
	data, err := os.ReadFile(s.tarPath)
	if err != nil {
		return err
	}
	return os.WriteFile(localPath, data, 0o644)
}

func (s *fakeArchiveStore) DeleteArchive(_ context.Context, key string) error {
	s.deleted = append(s.deleted, key)
	return nil
}

// fakeConverter copies src to dst, or fails for sources listed in failFor.
type fakeConverter struct {
	failFor map[string]bool
}

func (c *fakeConverter) Convert(ctx context.Context, src, dst string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.failFor[filepath.Base(src)] {
		return errors.New("codec error")
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func buildTar(t *testing.T, path string, entries map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create tar: %v", err)
	}
	defer f.Close()
	tw := tar.NewWriter(f)
	for name, body := range entries {
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(body))}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("tar header: %v", err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatalf("tar body: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
}

type unpackFixture struct {
	worker   *Worker
	queue    *queue.RedisQueue
	tracker  *batch.Tracker
	archives *fakeArchiveStore
	mr       *miniredis.Miniredis
}

func newFixture(t *testing.T, conv convert.Converter, archives *fakeArchiveStore) *unpackFixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := queue.NewWithClient(client, "queue:failed")
	tracker := batch.New(client, t.TempDir(), 60*time.Second, testLogger())

	cfg := config.Config{
		UnpackQueue:     "queue:unpack",
		TranscribeQueue: "queue:transcribe",
		MetadataFormat:  "txt",
	}
	pool := convert.NewPool(conv, 2, 5*time.Second, testLogger())
	w := New(cfg, q, tracker, archives, pool, testLogger())
	return &unpackFixture{worker: w, queue: q, tracker: tracker, archives: archives, mr: mr}
}

func TestProcessJobPublishesBatch(t *testing.T) {
	ctx := context.Background()
	tarPath := filepath.Join(t.TempDir(), "dump.tar")
	buildTar(t, tarPath, map[string]string{
		"call1.mp3":          "audio-one",
		"call2.MP3":          "audio-two",
		"notes.txt":          "ignore me",
		"metadata/call1.txt": "source,plays\nfield-unit-7,3\n",
	})
	fx := newFixture(t, &fakeConverter{}, &fakeArchiveStore{tarPath: tarPath})

	job := models.ArchiveJob{BatchID: "b1", ArchiveKey: "archives/b1.tar"}
	stats, err := fx.worker.ProcessJob(ctx, job, []byte(`{}`))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if stats.AudioFound != 2 || stats.Converted != 2 || stats.Queued != 2 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	// total is published and matches the queued jobs exactly.
	total, exists, err := fx.tracker.Total(ctx, "b1")
	if err != nil || !exists || total != 2 {
		t.Fatalf("expected total=2, got total=%d exists=%v err=%v", total, exists, err)
	}
	depth, err := fx.queue.Len(ctx, "queue:transcribe")
	if err != nil || depth != 2 {
		t.Fatalf("expected 2 file jobs, got %d err=%v", depth, err)
	}

	matched := 0
	for i := int64(0); i < depth; i++ {
		raw, err := fx.queue.BlockingPop(ctx, "queue:transcribe", time.Second)
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		fileJob, err := models.DecodeFileJob(raw)
		if err != nil {
			t.Fatalf("file job must decode: %v", err)
		}
		if fileJob.BatchID != "b1" {
			t.Fatalf("unexpected batch id: %s", fileJob.BatchID)
		}
		if fileJob.Metadata != nil {
			matched++
			if fileJob.Metadata["source"] != "field-unit-7" {
				t.Fatalf("metadata not matched: %v", fileJob.Metadata)
			}
		}
	}
	if matched != 1 || stats.MetadataMatched != 1 {
		t.Fatalf("expected exactly one metadata match, got %d (stats %d)", matched, stats.MetadataMatched)
	}

	if len(fx.archives.deleted) != 1 || fx.archives.deleted[0] != "archives/b1.tar" {
		t.Fatalf("consumed archive should be deleted from storage: %v", fx.archives.deleted)
	}
}

// orderCheckQueue records, for every published file job, whether the batch's
// total was already visible at push time.
type orderCheckQueue struct {
	*queue.RedisQueue
	tracker      *batch.Tracker
	batchID      string
	totalVisible []bool
}

func (q *orderCheckQueue) Push(ctx context.Context, queueName string, payload any) error {
	if queueName == "queue:transcribe" {
		_, exists, err := q.tracker.Total(ctx, q.batchID)
		if err != nil {
			return err
		}
		q.totalVisible = append(q.totalVisible, exists)
	}
	return q.RedisQueue.Push(ctx, queueName, payload)
}

// No file job may be observable before the batch's total is set.
func TestTotalSetBeforeFileJobsVisible(t *testing.T) {
	ctx := context.Background()
	tarPath := filepath.Join(t.TempDir(), "dump.tar")
	buildTar(t, tarPath, map[string]string{"call1.mp3": "x", "call2.mp3": "y"})

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	tracker := batch.New(client, t.TempDir(), 60*time.Second, testLogger())
	ocq := &orderCheckQueue{
		RedisQueue: queue.NewWithClient(client, "queue:failed"),
		tracker:    tracker,
		batchID:    "b1",
	}

	cfg := config.Config{
		UnpackQueue:     "queue:unpack",
		TranscribeQueue: "queue:transcribe",
		MetadataFormat:  "txt",
	}
	pool := convert.NewPool(&fakeConverter{}, 2, 5*time.Second, testLogger())
	w := New(cfg, ocq, tracker, &fakeArchiveStore{tarPath: tarPath}, pool, testLogger())

	if _, err := w.ProcessJob(ctx, models.ArchiveJob{BatchID: "b1", ArchiveKey: "k"}, []byte(`{}`)); err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(ocq.totalVisible) != 2 {
		t.Fatalf("expected 2 observed pushes, got %d", len(ocq.totalVisible))
	}
	for i, visible := range ocq.totalVisible {
		if !visible {
			t.Fatalf("file job %d was published before total was set", i)
		}
	}
}

// An archive with no audio produces no counters and no jobs; the batch never
// becomes visible to the completion protocol.
func TestProcessJobEmptyArchive(t *testing.T) {
	ctx := context.Background()
	tarPath := filepath.Join(t.TempDir(), "dump.tar")
	buildTar(t, tarPath, map[string]string{"readme.txt": "nothing here"})
	fx := newFixture(t, &fakeConverter{}, &fakeArchiveStore{tarPath: tarPath})

	stats, err := fx.worker.ProcessJob(ctx, models.ArchiveJob{BatchID: "b1", ArchiveKey: "k"}, []byte(`{}`))
	if err != nil {
		t.Fatalf("empty archive is not an error: %v", err)
	}
	if stats.AudioFound != 0 || stats.Queued != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if fx.mr.Exists("batch:b1:total") {
		t.Fatalf("no counters may exist for an empty batch")
	}
	if _, err := os.Stat(fx.tracker.ScratchDir("b1")); !os.IsNotExist(err) {
		t.Fatalf("scratch should be cleaned, got %v", err)
	}
}

// Every conversion failing is a batch failure: dead-letter the job, clean
// scratch, publish nothing.
func TestProcessJobAllConversionsFail(t *testing.T) {
	ctx := context.Background()
	tarPath := filepath.Join(t.TempDir(), "dump.tar")
	buildTar(t, tarPath, map[string]string{"call1.mp3": "x", "call2.mp3": "y"})
	fx := newFixture(t,
		&fakeConverter{failFor: map[string]bool{"call1.mp3": true, "call2.mp3": true}},
		&fakeArchiveStore{tarPath: tarPath},
	)

	raw := []byte(`{"batch_id":"b1","archive_key":"k"}`)
	if _, err := fx.worker.ProcessJob(ctx, models.ArchiveJob{BatchID: "b1", ArchiveKey: "k"}, raw); err == nil {
		t.Fatalf("expected batch failure when nothing converts")
	}

	depth, err := fx.queue.DeadLetterDepth(ctx)
	if err != nil || depth != 1 {
		t.Fatalf("expected dlq depth 1, got %d err=%v", depth, err)
	}
	if fx.mr.Exists("batch:b1:total") {
		t.Fatalf("counters must not be published for a failed batch")
	}
	if _, err := os.Stat(fx.tracker.ScratchDir("b1")); !os.IsNotExist(err) {
		t.Fatalf("scratch should be cleaned after failure, got %v", err)
	}
}

// Partial failure shrinks the batch: total reflects successes only, so the
// batch can still complete.
func TestProcessJobPartialConversionFailure(t *testing.T) {
	ctx := context.Background()
	tarPath := filepath.Join(t.TempDir(), "dump.tar")
	buildTar(t, tarPath, map[string]string{"call1.mp3": "x", "call2.mp3": "y"})
	fx := newFixture(t,
		&fakeConverter{failFor: map[string]bool{"call2.mp3": true}},
		&fakeArchiveStore{tarPath: tarPath},
	)

	stats, err := fx.worker.ProcessJob(ctx, models.ArchiveJob{BatchID: "b1", ArchiveKey: "k"}, []byte(`{}`))
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if stats.Converted != 1 || stats.Failed != 1 || stats.Queued != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	total, exists, err := fx.tracker.Total(ctx, "b1")
	if err != nil || !exists || total != 1 {
		t.Fatalf("expected total=1, got total=%d exists=%v err=%v", total, exists, err)
	}
}

func TestProcessJobFetchFailureDeadLetters(t *testing.T) {
	ctx := context.Background()
	fx := newFixture(t, &fakeConverter{}, &fakeArchiveStore{})

	raw := []byte(`{"batch_id":"b1","archive_key":"missing"}`)
	if _, err := fx.worker.ProcessJob(ctx, models.ArchiveJob{BatchID: "b1", ArchiveKey: "missing"}, raw); err == nil {
		t.Fatalf("expected fetch failure")
	}
	depth, err := fx.queue.DeadLetterDepth(ctx)
	if err != nil || depth != 1 {
		t.Fatalf("expected dlq depth 1, got %d err=%v", depth, err)
	}
}
