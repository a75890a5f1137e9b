package batch

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func testTracker(t *testing.T) (*Tracker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, t.TempDir(), 60*time.Second, testLogger()), mr
}

func seedScratch(t *testing.T, tracker *Tracker, batchID string) {
	t.Helper()
	dir, err := tracker.EnsureScratch(batchID)
	if err != nil {
		t.Fatalf("ensure scratch: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a.opus"), []byte("x"), 0o644); err != nil {
		t.Fatalf("seed scratch: %v", err)
	}
}

func TestInitSetsCounters(t *testing.T) {
	ctx := context.Background()
	tracker, mr := testTracker(t)

	if err := tracker.Init(ctx, "b1", 3, "archives/b1.tar"); err != nil {
		t.Fatalf("init: %v", err)
	}

	total, exists, err := tracker.Total(ctx, "b1")
	if err != nil || !exists || total != 3 {
		t.Fatalf("expected total=3 exists=true, got total=%d exists=%v err=%v", total, exists, err)
	}
	if got, _ := mr.Get("batch:b1:processed"); got != "0" {
		t.Fatalf("expected processed=0, got %q", got)
	}
	if n, err := tracker.Processed(ctx, "b1"); err != nil || n != 0 {
		t.Fatalf("expected processed accessor to read 0, got %d err=%v", n, err)
	}
	if n, err := tracker.Processed(ctx, "never-initialized"); err != nil || n != 0 {
		t.Fatalf("missing processed key must read as 0, got %d err=%v", n, err)
	}
	key, err := tracker.ArchiveKey(ctx, "b1")
	if err != nil || key != "archives/b1.tar" {
		t.Fatalf("expected archive key recorded, got %q err=%v", key, err)
	}
}

func TestInitRejectsNonPositiveTotal(t *testing.T) {
	tracker, _ := testTracker(t)
	if err := tracker.Init(context.Background(), "b1", 0, ""); err == nil {
		t.Fatalf("expected error for total=0")
	}
}

// Three reports in arbitrary order complete the batch exactly once, and the
// counter keys expire within the grace window rather than instantly.
func TestReportProgressCompletesBatch(t *testing.T) {
	ctx := context.Background()
	tracker, mr := testTracker(t)

	seedScratch(t, tracker, "b1")
	if err := tracker.Init(ctx, "b1", 3, "archives/b1.tar"); err != nil {
		t.Fatalf("init: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := tracker.ReportProgress(ctx, "b1"); err != nil {
			t.Fatalf("report %d: %v", i, err)
		}
	}
	if mr.TTL("batch:b1:total") != 0 {
		t.Fatalf("total must not expire before the batch completes")
	}
	if _, err := os.Stat(tracker.ScratchDir("b1")); err != nil {
		t.Fatalf("scratch must survive until completion: %v", err)
	}

	if err := tracker.ReportProgress(ctx, "b1"); err != nil {
		t.Fatalf("final report: %v", err)
	}

	if _, err := os.Stat(tracker.ScratchDir("b1")); !os.IsNotExist(err) {
		t.Fatalf("expected scratch removed after completion, got %v", err)
	}
	// Keys linger with a TTL instead of vanishing immediately.
	if !mr.Exists("batch:b1:total") {
		t.Fatalf("total key should remain during the grace window")
	}
	if ttl := mr.TTL("batch:b1:total"); ttl <= 0 || ttl > 60*time.Second {
		t.Fatalf("expected grace TTL on total, got %s", ttl)
	}
	if ttl := mr.TTL("batch:b1:processed"); ttl <= 0 {
		t.Fatalf("expected grace TTL on processed, got %s", ttl)
	}
}

func TestReportProgressMissingTotal(t *testing.T) {
	tracker, mr := testTracker(t)

	// A late report after cleanup and key expiry must be a silent no-op.
	if err := tracker.ReportProgress(context.Background(), "ghost"); err != nil {
		t.Fatalf("missing total must not be an error: %v", err)
	}
	if got, _ := mr.Get("batch:ghost:processed"); got != "1" {
		t.Fatalf("increment should still have happened, got %q", got)
	}
}

// A redelivered job pushes processed past total; the extra completion pass
// must be harmless.
func TestReportProgressOvershoot(t *testing.T) {
	ctx := context.Background()
	tracker, mr := testTracker(t)

	seedScratch(t, tracker, "b2")
	if err := tracker.Init(ctx, "b2", 2, ""); err != nil {
		t.Fatalf("init: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := tracker.ReportProgress(ctx, "b2"); err != nil {
			t.Fatalf("report %d: %v", i, err)
		}
	}
	if got, _ := mr.Get("batch:b2:processed"); got != "3" {
		t.Fatalf("expected processed=3 after overshoot, got %q", got)
	}
	if n, err := tracker.Processed(ctx, "b2"); err != nil || n != 3 {
		t.Fatalf("expected processed accessor to read 3, got %d err=%v", n, err)
	}
	if _, err := os.Stat(tracker.ScratchDir("b2")); !os.IsNotExist(err) {
		t.Fatalf("scratch should be gone, got %v", err)
	}
}

func TestSingleFileBatch(t *testing.T) {
	ctx := context.Background()
	tracker, _ := testTracker(t)

	seedScratch(t, tracker, "b3")
	if err := tracker.Init(ctx, "b3", 1, ""); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := tracker.ReportProgress(ctx, "b3"); err != nil {
		t.Fatalf("report: %v", err)
	}
	if _, err := os.Stat(tracker.ScratchDir("b3")); !os.IsNotExist(err) {
		t.Fatalf("single report should complete the batch")
	}
}

func TestCompleteIdempotent(t *testing.T) {
	ctx := context.Background()
	tracker, _ := testTracker(t)

	// Nothing exists for this batch: no scratch, no counters.
	if err := tracker.Complete(ctx, "already-gone"); err != nil {
		t.Fatalf("first complete: %v", err)
	}
	if err := tracker.Complete(ctx, "already-gone"); err != nil {
		t.Fatalf("second complete: %v", err)
	}
}

func TestCleanupScratchMissingDir(t *testing.T) {
	tracker, _ := testTracker(t)
	tracker.CleanupScratch("never-created") // must not panic or log an error
}
