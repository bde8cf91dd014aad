package entity

import "time"

// Crawl status values reported for a single URL.
const (
	StatusPending   = "pending"
	StatusCrawling  = "crawling"
	StatusCompleted = "completed"
	StatusRetrying  = "retrying"
	StatusFailed    = "failed"
	StatusNotFound  = "not_found"
)

type CrawlStatus struct {
	URL                string
	CurrentStatus      string // one of the Status* constants
	AttemptCount       int
	LastCrawlTimestamp *time.Time
	NextRetryAt        *time.Time
	FailureReason      string
}

// CrawlStats is a point-in-time summary of the frontier.
type CrawlStats struct {
	Visited           int `json:"visited"`
	Pending           int `json:"pending"`
	InFlight          int `json:"in_flight"`
	Failed            int `json:"failed"`
	Exhausted         int `json:"exhausted"`
	ProcessedEntities int `json:"processed_entities"`
	ActiveProducers   int `json:"active_producers"`
}
