// Package convert transcodes source audio to the pipeline's canonical opus
// format, running ffmpeg in a bounded worker pool.
package convert

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"audio-pipeline/internal/telemetry"
)

// Converter turns one source audio file into an opus file at dst.
type Converter interface {
	Convert(ctx context.Context, src, dst string) error
}

// FFmpeg shells out to ffmpeg with libopus.
type FFmpeg struct {
	Bitrate string
}

// Convert runs a single transcode. The caller bounds the runtime via ctx.
func (f *FFmpeg) Convert(ctx context.Context, src, dst string) error {
	bitrate := f.Bitrate
	if bitrate == "" {
		bitrate = "16k"
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-y",
		"-i", src,
		"-c:a", "libopus",
		"-b:a", bitrate,
		"-vn",
		dst,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("conversion timed out: %w", ctx.Err())
		}
		return fmt.Errorf("ffmpeg: %w: %s", err, truncate(out, 200))
	}
	if _, err := os.Stat(dst); err != nil {
		return fmt.Errorf("ffmpeg produced no output: %w", err)
	}
	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// Task is one source file to convert.
type Task struct {
	Src string
	Dst string
}

// Result describes one successful conversion.
type Result struct {
	OpusPath         string
	OriginalFilename string
	FileSizeBytes    int64
}

// Pool converts files in parallel with a fixed concurrency bound and a hard
// per-file timeout. A file that fails or times out is dropped from the
// results; it never fails the batch.
type Pool struct {
	conv    Converter
	workers int
	timeout time.Duration
	log     *logrus.Entry
}

// NewPool builds a pool around the given converter.
func NewPool(conv Converter, workers int, timeout time.Duration, log *logrus.Entry) *Pool {
	if workers < 1 {
		workers = 1
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Pool{conv: conv, workers: workers, timeout: timeout, log: log}
}

// ConvertAll runs every task and returns the successes plus the failure count.
func (p *Pool) ConvertAll(ctx context.Context, tasks []Task) ([]Result, int) {
	var (
		mu      sync.Mutex
		results []Result
		failed  int
	)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.workers)

	for _, task := range tasks {
		task := task
		g.Go(func() error {
			taskCtx, cancel := context.WithTimeout(ctx, p.timeout)
			defer cancel()

			err := p.conv.Convert(taskCtx, task.Src, task.Dst)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				telemetry.ConversionFailures.Inc()
				p.log.WithField("file", filepath.Base(task.Src)).WithError(err).Warn("conversion failed")
				return nil // per-file failure, not a pool failure
			}
			size := int64(0)
			if info, statErr := os.Stat(task.Dst); statErr == nil {
				size = info.Size()
			}
			results = append(results, Result{
				OpusPath:         task.Dst,
				OriginalFilename: filepath.Base(task.Src),
				FileSizeBytes:    size,
			})
			telemetry.FilesConverted.Inc()
			return nil
		})
	}

	_ = g.Wait()
	return results, failed
}
