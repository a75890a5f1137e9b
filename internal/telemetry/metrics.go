package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	BatchesUnpacked    = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_batches_unpacked_total", Help: "Archives unpacked and published as file jobs"})
	BatchesCompleted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_batches_completed_total", Help: "Batches fully processed and cleaned up"})
	BatchesDeadLetter  = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_batches_dead_letter_total", Help: "Archive jobs pushed to the dead-letter queue"})
	FilesConverted     = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_files_converted_total", Help: "Audio files converted to opus"})
	ConversionFailures = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_conversion_failures_total", Help: "Per-file conversion failures and timeouts"})
	FilesProcessed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_files_processed_total", Help: "File jobs processed successfully"})
	FilesFailed        = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_files_failed_total", Help: "File jobs that failed processing"})
	FilesFlagged       = prometheus.NewCounter(prometheus.CounterOpts{Name: "pipeline_files_flagged_total", Help: "Files whose transcript was flagged by the classifier"})
	QueueDepthGauge    = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "pipeline_queue_depth", Help: "Depth of each pipeline queue"}, []string{"queue"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			BatchesUnpacked,
			BatchesCompleted,
			BatchesDeadLetter,
			FilesConverted,
			ConversionFailures,
			FilesProcessed,
			FilesFailed,
			FilesFlagged,
			QueueDepthGauge,
		)
	})
	return promhttp.Handler()
}
