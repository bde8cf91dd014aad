package entity

import "time"

// FailureRecord tracks fetch failures for one URL. AttemptCount counts
// failed attempts and never exceeds the retry policy maximum.
type FailureRecord struct {
	URL            string    `json:"url"`
	AttemptCount   int       `json:"attempt_count"`
	LastError      string    `json:"last_error"`
	HTTPStatusCode int       `json:"http_status_code,omitempty"`
	LastAttemptAt  time.Time `json:"last_attempt_at"`
	NextRetryAt    time.Time `json:"next_retry_at,omitempty"`
	Exhausted      bool      `json:"exhausted"`
}

// FailedURL mirrors the `failed_urls` table schema.
type FailedURL struct {
	ID                   int64
	URL                  string
	FailureReason        string
	HTTPStatusCode       int
	LastAttemptTimestamp time.Time
	RetryCount           int
	NextRetryAt          *time.Time
	Permanent            bool
}

// ToFailedURL converts a frontier record into its table form.
func (r FailureRecord) ToFailedURL(permanent bool) *FailedURL {
	fu := &FailedURL{
		URL:                  r.URL,
		FailureReason:        r.LastError,
		HTTPStatusCode:       r.HTTPStatusCode,
		LastAttemptTimestamp: r.LastAttemptAt,
		RetryCount:           r.AttemptCount,
		Permanent:            permanent,
	}
	if !r.NextRetryAt.IsZero() {
		t := r.NextRetryAt
		fu.NextRetryAt = &t
	}
	return fu
}
