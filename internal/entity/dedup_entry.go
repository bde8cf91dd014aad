package entity

import "time"

// DedupEntry records one stored asset keyed by the SHA-256 of its bytes.
type DedupEntry struct {
	ContentHash    string    `json:"content_hash"`
	CanonicalPath  string    `json:"canonical_path"`
	ReferenceCount int       `json:"reference_count"`
	FirstSourceURL string    `json:"first_source_url,omitempty"`
	SizeBytes      int64     `json:"size_bytes"`
	CreatedAt      time.Time `json:"created_at"`
}
