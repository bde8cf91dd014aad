package entity

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SnapshotVersion is bumped whenever CrawlSnapshot changes incompatibly.
const SnapshotVersion = 1

// ErrSnapshotCorrupt is returned when persisted crawl state cannot be used.
var ErrSnapshotCorrupt = errors.New("crawl snapshot is corrupt")

// PendingEntry is a queued URL with its link depth.
type PendingEntry struct {
	URL   string `json:"url"`
	Depth int    `json:"depth"`
}

// CrawlSnapshot is the persisted form of CrawlState plus in-progress entities.
type CrawlSnapshot struct {
	Version           int             `json:"version"`
	BaseURL           string          `json:"base_url"`
	Namespace         string          `json:"namespace"`
	TakenAt           time.Time       `json:"taken_at"`
	Visited           []string        `json:"visited"`
	Pending           []PendingEntry  `json:"pending"`
	Failed            []FailureRecord `json:"failed"`
	ProcessedEntities []string        `json:"processed_entities"`
	Entities          []*MergedEntity `json:"entities,omitempty"`
}

// Validate checks structural sanity. It does not compare against the current run.
func (s *CrawlSnapshot) Validate() error {
	if s.Version != SnapshotVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrSnapshotCorrupt, s.Version)
	}
	if s.TakenAt.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrSnapshotCorrupt)
	}
	for _, p := range s.Pending {
		if p.URL == "" || p.Depth < 0 {
			return fmt.Errorf("%w: bad pending entry %+v", ErrSnapshotCorrupt, p)
		}
	}
	for _, v := range s.Visited {
		if v == "" {
			return fmt.Errorf("%w: empty visited entry", ErrSnapshotCorrupt)
		}
	}
	for _, f := range s.Failed {
		if f.URL == "" || f.AttemptCount < 0 {
			return fmt.Errorf("%w: bad failure record for %q", ErrSnapshotCorrupt, f.URL)
		}
	}
	for _, k := range s.ProcessedEntities {
		if _, err := ParseEntityKey(k); err != nil {
			return fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
		}
	}
	for _, e := range s.Entities {
		if e == nil || !e.Key.Valid() {
			return fmt.Errorf("%w: entity without key", ErrSnapshotCorrupt)
		}
	}
	return nil
}

// EncodeSnapshot serializes s as JSON.
func EncodeSnapshot(s *CrawlSnapshot) ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSnapshot parses and validates a serialized snapshot. Any failure is
// reported as ErrSnapshotCorrupt.
func DecodeSnapshot(data []byte) (*CrawlSnapshot, error) {
	var s CrawlSnapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSnapshotCorrupt, err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}
