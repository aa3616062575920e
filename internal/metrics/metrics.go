package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline metrics
var (
	// PipelineRuns counts finished pipeline runs by result.
	PipelineRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kino",
			Name:      "pipeline_runs_total",
			Help:      "Total number of pipeline runs by result",
		},
		[]string{"result"},
	)

	// StageDuration tracks the time spent in each pipeline stage.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kino",
			Name:      "pipeline_stage_duration_seconds",
			Help:      "Time taken by each pipeline stage",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"stage"},
	)

	// ActiveRuns tracks the number of pipeline runs in flight.
	ActiveRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "kino",
			Name:      "active_runs",
			Help:      "Number of pipeline runs currently executing",
		},
	)

	// SceneRenders counts render units by result.
	SceneRenders = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kino",
			Name:      "scene_renders_total",
			Help:      "Total number of scene render units by result",
		},
		[]string{"result"},
	)

	// TimecodeRepairs counts scenes and poster hints whose timecodes were rewritten.
	TimecodeRepairs = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kino",
			Name:      "timecode_repairs_total",
			Help:      "Total number of repaired scene or poster timecodes",
		},
	)

	// PosterCandidatesRendered counts poster candidate stills by result.
	PosterCandidatesRendered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kino",
			Name:      "poster_candidates_rendered_total",
			Help:      "Total number of poster candidate stills by result",
		},
		[]string{"result"},
	)

	// TranscoderDuration tracks ffmpeg invocation time by kind.
	TranscoderDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kino",
			Name:      "transcoder_duration_seconds",
			Help:      "Time taken by ffmpeg invocations",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"kind"},
	)

	// TranscoderFailures counts failed ffmpeg invocations by kind.
	TranscoderFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kino",
			Name:      "transcoder_failures_total",
			Help:      "Total number of failed ffmpeg invocations",
		},
		[]string{"kind"},
	)

	// DownloadDuration tracks the time taken to fetch source videos from S3.
	DownloadDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "kino",
			Name:      "video_download_duration_seconds",
			Help:      "Time taken to download source videos from S3",
			Buckets:   []float64{1, 5, 10, 30, 60, 120},
		},
	)

	// PublishDuration tracks the time taken to mirror rendered assets to S3.
	PublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "kino",
			Name:      "asset_publish_duration_seconds",
			Help:      "Time taken to publish rendered assets to S3",
			Buckets:   []float64{1, 5, 10, 30, 60, 120},
		},
	)
)

// API metrics
var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kino",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration tracks HTTP request duration.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kino",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// AuthFailures counts authentication failures by type.
	AuthFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kino",
			Subsystem: "api",
			Name:      "auth_failures_total",
			Help:      "Total number of authentication failures",
		},
		[]string{"reason"},
	)

	// UploadsCompleted counts accepted video uploads.
	UploadsCompleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kino",
			Subsystem: "api",
			Name:      "uploads_completed_total",
			Help:      "Total number of video uploads accepted",
		},
	)

	// PostersGenerated counts generated poster images.
	PostersGenerated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kino",
			Subsystem: "api",
			Name:      "posters_generated_total",
			Help:      "Total number of generated poster images",
		},
	)
)

// RecordSuccess records a pipeline run that reached ready.
func RecordSuccess() {
	PipelineRuns.WithLabelValues("success").Inc()
}

// RecordFailure records a pipeline run that reached failed.
func RecordFailure() {
	PipelineRuns.WithLabelValues("failed").Inc()
}

// RecordScene records the outcome of one render unit.
func RecordScene(ok bool) {
	if ok {
		SceneRenders.WithLabelValues("success").Inc()
		return
	}
	SceneRenders.WithLabelValues("failed").Inc()
}

// RecordTranscoderFailure records a failed ffmpeg invocation.
func RecordTranscoderFailure(kind string) {
	TranscoderFailures.WithLabelValues(kind).Inc()
}
