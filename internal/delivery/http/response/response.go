package response

import (
	"time"

	"github.com/user/catalog-crawler/internal/entity"
)

type SubmitCrawlResponse struct {
	Status         string `json:"status"`
	Message        string `json:"message"`
	CrawlRequestID string `json:"crawl_request_id"`
}

// CrawlStatusResponse is a DTO for crawl status, mirroring entity.CrawlStatus
type CrawlStatusResponse struct {
	URL                string     `json:"url"`
	CurrentStatus      string     `json:"current_status"` // "pending", "crawling", "completed", "retrying", "failed"
	AttemptCount       int        `json:"attempt_count,omitempty"`
	LastCrawlTimestamp *time.Time `json:"last_crawl_timestamp,omitempty"`
	NextRetryAt        *time.Time `json:"next_retry_at,omitempty"`
	FailureReason      string     `json:"failure_reason,omitempty"`
}

func NewCrawlStatusResponse(s *entity.CrawlStatus) CrawlStatusResponse {
	return CrawlStatusResponse{
		URL:                s.URL,
		CurrentStatus:      s.CurrentStatus,
		AttemptCount:       s.AttemptCount,
		LastCrawlTimestamp: s.LastCrawlTimestamp,
		NextRetryAt:        s.NextRetryAt,
		FailureReason:      s.FailureReason,
	}
}

// EntityResponse wraps a merged entity with its lookup key and conflict list.
type EntityResponse struct {
	Key       string               `json:"key"`
	Finalized bool                 `json:"finalized"`
	Conflicts []string             `json:"conflicts"`
	Entity    *entity.MergedEntity `json:"entity"`
}

func NewEntityResponse(e *entity.MergedEntity) EntityResponse {
	conflicts := e.Conflicts()
	if conflicts == nil {
		conflicts = []string{}
	}
	return EntityResponse{
		Key:       e.Key.String(),
		Finalized: e.FinalizedAt != nil,
		Conflicts: conflicts,
		Entity:    e,
	}
}
