package models

import "time"

// RawItem is the ephemeral output of a fetcher, before normalization.
type RawItem struct {
	SourceID    string            `json:"source_id"`
	FetchedAt   time.Time         `json:"fetched_at"`
	ExternalID  string            `json:"external_id,omitempty"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	URL         string            `json:"url"`
	PublishedAt *time.Time        `json:"published_at,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Extras      map[string]string `json:"extras,omitempty"`
}

// Watermark is the per-source state driving conditional fetching. It is
// persisted in the hot store and mutated only through Periscope operations.
type Watermark struct {
	SourceID            string    `json:"source_id"`
	LastFetchedAt       time.Time `json:"last_fetched_at"`
	ETag                string    `json:"etag,omitempty"`
	LastModified        string    `json:"last_modified,omitempty"`
	Cursor              string    `json:"cursor,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}
