package models

import (
	"fmt"
	"net/url"
	"time"
)

// SourceKind selects the fetcher used for a source.
type SourceKind string

const (
	KindFeed   SourceKind = "feed"
	KindWeb    SourceKind = "web"
	KindAPI    SourceKind = "api"
	KindSocial SourceKind = "social"
)

// APIMapping declares per-source JSON paths (jq expressions) that map a
// response element onto raw item fields. Required for kind=api and
// kind=social.
type APIMapping struct {
	ID          string `yaml:"id" json:"id"`
	Title       string `yaml:"title" json:"title"`
	Body        string `yaml:"body" json:"body"`
	PublishedAt string `yaml:"published_at" json:"published_at"`
	// Cursor optionally extracts the next pagination cursor from the
	// response root (social sources).
	Cursor string `yaml:"cursor,omitempty" json:"cursor,omitempty"`
}

// Source describes one configured intelligence source.
type Source struct {
	ID             string      `yaml:"id" json:"id"`
	Kind           SourceKind  `yaml:"kind" json:"kind"`
	Endpoint       string      `yaml:"endpoint" json:"endpoint"`
	CadenceSeconds int         `yaml:"cadence_seconds" json:"cadence_seconds"`
	Credibility    float64     `yaml:"credibility" json:"credibility"`
	IndustryTags   []string    `yaml:"industry_tags,omitempty" json:"industry_tags,omitempty"`
	TimeoutMS      int         `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`
	MaxConcurrency int         `yaml:"max_concurrency,omitempty" json:"max_concurrency,omitempty"`
	AuthRef        string      `yaml:"auth_ref,omitempty" json:"auth_ref,omitempty"`
	Mapping        *APIMapping `yaml:"mapping,omitempty" json:"mapping,omitempty"`
	// WebStrategies orders the extraction cascade for kind=web. Empty means
	// the default readability -> structural cascade.
	WebStrategies []string `yaml:"web_strategies,omitempty" json:"web_strategies,omitempty"`
}

const (
	DefaultTimeoutMS      = 15000
	DefaultMaxConcurrency = 4
	MinCadenceSeconds     = 30
)

// Cadence returns the configured fetch interval.
func (s Source) Cadence() time.Duration {
	return time.Duration(s.CadenceSeconds) * time.Second
}

// Timeout returns the per-fetch deadline, applying the default when unset.
func (s Source) Timeout() time.Duration {
	if s.TimeoutMS <= 0 {
		return time.Duration(DefaultTimeoutMS) * time.Millisecond
	}
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// Host returns the endpoint host used to key per-host semaphores.
func (s Source) Host() string {
	u, err := url.Parse(s.Endpoint)
	if err != nil || u.Host == "" {
		return s.Endpoint
	}
	return u.Host
}

// Validate checks the descriptor's required fields and ranges.
func (s Source) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("source missing id")
	}
	switch s.Kind {
	case KindFeed, KindWeb, KindAPI, KindSocial:
	default:
		return fmt.Errorf("source %s: unknown kind %q", s.ID, s.Kind)
	}
	if s.Endpoint == "" {
		return fmt.Errorf("source %s: missing endpoint", s.ID)
	}
	if _, err := url.Parse(s.Endpoint); err != nil {
		return fmt.Errorf("source %s: invalid endpoint: %w", s.ID, err)
	}
	if s.CadenceSeconds < MinCadenceSeconds {
		return fmt.Errorf("source %s: cadence_seconds must be >= %d", s.ID, MinCadenceSeconds)
	}
	if s.Credibility < 0 || s.Credibility > 1 {
		return fmt.Errorf("source %s: credibility must be in [0,1]", s.ID)
	}
	if (s.Kind == KindAPI || s.Kind == KindSocial) && s.Mapping == nil {
		return fmt.Errorf("source %s: kind %s requires a mapping", s.ID, s.Kind)
	}
	return nil
}
