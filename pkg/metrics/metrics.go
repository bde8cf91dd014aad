package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	URLsPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawler_urls_pending",
			Help: "Current number of URLs waiting in the frontier.",
		},
	)

	URLsVisited = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawler_urls_visited",
			Help: "Number of URLs fetched successfully or failed permanently.",
		},
	)

	// CrawlsTotal counts fetch attempts. status: success, failure.
	CrawlsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawls_total",
			Help: "Total number of crawl attempts.",
		},
		[]string{"status", "error_type"},
	)

	CrawlDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "crawl_duration_seconds",
			Help:    "Duration of crawl operations.",
			Buckets: []float64{0.5, 1, 5, 10, 15, 30, 60, 120},
		},
		[]string{"domain"},
	)

	RetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_retries_total",
			Help: "Fetches rescheduled after a transient failure.",
		},
	)

	PagesClassified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_pages_classified_total",
			Help: "Classified pages by role.",
		},
		[]string{"role"},
	)

	EntitiesFinalized = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_entities_finalized_total",
			Help: "Merged entities frozen and handed to the writer.",
		},
	)

	MergeConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_merge_conflicts_total",
			Help: "Field merges that flagged a conflict.",
		},
		[]string{"field"},
	)

	// DedupLookups counts registry lookups. result: hit, miss, error.
	DedupLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_dedup_lookups_total",
			Help: "Content-hash registry lookups.",
		},
		[]string{"result"},
	)

	SnapshotsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_snapshots_total",
			Help: "Crawl state snapshots written.",
		},
		[]string{"status"},
	)
)
