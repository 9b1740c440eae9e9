package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "processor_http_requests_total",
	Help: "Total number of requests labelled by route and status",
}, []string{"route", "status"})

var uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "processor_uploads_total",
	Help: "Accepted uploads labelled by whether the content was already stored",
}, []string{"deduplicated"})

var bytesStored = promauto.NewCounter(prometheus.CounterOpts{
	Name: "processor_bytes_stored_total",
	Help: "Bytes written to the content store for new blobs",
})

var jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "processor_jobs_processed_total",
	Help: "Job attempts labelled by type and outcome",
}, []string{"type", "outcome"})

var jobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "processor_job_duration_seconds",
	Help:    "Time spent executing one job attempt.",
	Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30, 60, 300},
}, []string{"type"})

var artifactsWritten = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "processor_artifacts_written_total",
	Help: "Artifacts published to the cache store labelled by preset",
}, []string{"preset"})

var queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "processor_queue_depth",
	Help: "Unfinished jobs across all types at the last health check",
})

func CaptureUpload(deduplicated bool, size int64) {
	uploadsTotal.WithLabelValues(strconv.FormatBool(deduplicated)).Inc()
	if !deduplicated {
		bytesStored.Add(float64(size))
	}
}

// CaptureJob records one attempt. outcome is "completed", "retry" or "failed".
func CaptureJob(jobType, outcome string, elapsed time.Duration) {
	jobsProcessed.WithLabelValues(jobType, outcome).Inc()
	jobDuration.WithLabelValues(jobType).Observe(elapsed.Seconds())
}

func CaptureArtifact(preset string) {
	artifactsWritten.WithLabelValues(preset).Inc()
}

func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}
