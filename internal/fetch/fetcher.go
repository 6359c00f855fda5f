// Package fetch implements the per-kind source fetchers behind a shared
// contract: feed (RSS/Atom with conditional GET), web (extraction cascade),
// api (declarative JSON mapping), and social (rate-limited, cursor-paged).
package fetch

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/periscope-sec/periscope/internal/models"
)

// Status classifies a fetch outcome.
type Status int

const (
	StatusOK Status = iota
	StatusNotModified
	StatusRetryable
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNotModified:
		return "not_modified"
	case StatusRetryable:
		return "retryable"
	case StatusFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Outcome is the result classification of one fetch attempt. RetryAfter is
// honored over the computed backoff when the server provided one.
type Outcome struct {
	Status     Status
	Reason     string
	RetryAfter time.Duration
}

// OK reports a successful fetch.
func OK() Outcome { return Outcome{Status: StatusOK} }

// NotModified reports a 304 conditional-GET short circuit.
func NotModified() Outcome { return Outcome{Status: StatusNotModified} }

// Retryable reports a transient failure with its reason.
func Retryable(reason string) Outcome { return Outcome{Status: StatusRetryable, Reason: reason} }

// Fatal reports a permanent failure with its reason.
func Fatal(reason string) Outcome { return Outcome{Status: StatusFatal, Reason: reason} }

// Fetcher is the shared contract of the four polymorphic fetchers. The
// returned watermark carries forward conditional-fetch state (etag, cursor);
// the engine persists it only after the pipeline accepted the items.
type Fetcher interface {
	Kind() models.SourceKind
	Fetch(ctx context.Context, src models.Source, wm models.Watermark) ([]models.RawItem, models.Watermark, Outcome)
}

// classifyResponse maps an HTTP status to an outcome: 429 and 5xx are
// retryable, other 4xx are fatal.
func classifyResponse(resp *http.Response) Outcome {
	switch {
	case resp.StatusCode == http.StatusNotModified:
		return NotModified()
	case resp.StatusCode == http.StatusTooManyRequests:
		out := Retryable("rate_limited")
		out.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		return out
	case resp.StatusCode >= 500:
		out := Retryable("server_error_" + strconv.Itoa(resp.StatusCode))
		out.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		return out
	case resp.StatusCode >= 400:
		return Fatal("http_" + strconv.Itoa(resp.StatusCode))
	default:
		return OK()
	}
}

// classifyError maps a transport error to an outcome. Timeouts and context
// deadlines are retryable.
func classifyError(ctx context.Context, err error) Outcome {
	if ctx.Err() == context.DeadlineExceeded {
		return Retryable("timeout")
	}
	return Retryable("network: " + err.Error())
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
