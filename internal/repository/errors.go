package repository

import (
	"errors"

	"github.com/user/catalog-crawler/internal/entity"
)

var (
	// ErrCrawlTimeout is returned when a page does not finish loading in time.
	ErrCrawlTimeout = errors.New("crawl timed out")
	// ErrNavigationFailed is returned when the fetcher cannot reach the page at all.
	ErrNavigationFailed = errors.New("navigation failed")
	// ErrExtractionFailed is returned when a fetched page cannot be read.
	ErrExtractionFailed = errors.New("content extraction failed")
	// ErrContentRestricted is wrapped by fetch errors for 401/403 responses.
	ErrContentRestricted = entity.ErrContentRestricted
	// ErrNotFound is returned by repositories when a record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrFrontierEmpty signals that nothing is pending, nothing is in flight
	// and every discovery strategy is exhausted.
	ErrFrontierEmpty = errors.New("frontier is empty")
	// ErrSeedUnreachable is returned when no seed URL answers on first contact.
	ErrSeedUnreachable = errors.New("no seed URL is reachable")
	// ErrSnapshotCorrupt aliases the entity error so callers need one import.
	ErrSnapshotCorrupt = entity.ErrSnapshotCorrupt
)
