package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "toniebridge",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, path and status code.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "toniebridge",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.3, 0.5, 1, 2, 5, 10, 30},
	}, []string{"method", "path"})

	ActiveStreams = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "toniebridge",
		Name:      "active_streams",
		Help:      "Number of readers with a tag currently placed.",
	})

	ScansTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "toniebridge",
		Name:      "scans_total",
		Help:      "Total tag scans by outcome (found / unknown / removal).",
	}, []string{"outcome"})

	EncodeActiveJobs = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "toniebridge",
		Name:      "encode_active_jobs",
		Help:      "Number of album encodes currently running.",
	})

	EncodeJobStartsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "toniebridge",
		Name:      "encode_job_starts_total",
		Help:      "Total number of album encodes started.",
	})

	EncodeJobFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "toniebridge",
		Name:      "encode_job_failures_total",
		Help:      "Total number of album encode failures.",
	})

	EncodeTrackDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "toniebridge",
		Name:      "encode_track_duration_seconds",
		Help:      "Duration of single-track ffmpeg encodes in seconds.",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300},
	})

	CacheSizeBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "toniebridge",
		Name:      "cache_size_bytes",
		Help:      "Current total size of the album cache in bytes.",
	})

	CacheAlbums = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "toniebridge",
		Name:      "cache_albums",
		Help:      "Number of albums in the cache.",
	})

	CacheEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "toniebridge",
		Name:      "cache_evictions_total",
		Help:      "Total number of albums evicted to free cache space.",
	})

	UploadActiveTransfers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "toniebridge",
		Name:      "upload_active_transfers",
		Help:      "Number of SD card transfers currently running.",
	})

	UploadBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "toniebridge",
		Name:      "upload_bytes_total",
		Help:      "Total bytes transferred to reader SD cards.",
	})

	UploadFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "toniebridge",
		Name:      "upload_failures_total",
		Help:      "Total number of failed SD card transfers.",
	})

	DevicesOnline = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "toniebridge",
		Name:      "devices_online",
		Help:      "Known playback devices currently reachable, by family.",
	}, []string{"type"})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ActiveStreams,
		ScansTotal,
		EncodeActiveJobs,
		EncodeJobStartsTotal,
		EncodeJobFailuresTotal,
		EncodeTrackDuration,
		CacheSizeBytes,
		CacheAlbums,
		CacheEvictionsTotal,
		UploadActiveTransfers,
		UploadBytesTotal,
		UploadFailuresTotal,
		DevicesOnline,
	)
}
