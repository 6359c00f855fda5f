package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/periscope-sec/periscope/internal/models"
)

const rssBody = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>Example Advisories</title>
  <item>
    <title>Critical RCE in Gateway</title>
    <link>https://example.com/advisories/rce</link>
    <guid>adv-001</guid>
    <description>Remote code execution, patch immediately.</description>
    <pubDate>Mon, 02 Mar 2026 09:00:00 GMT</pubDate>
    <category>vulnerability</category>
  </item>
  <item>
    <title>Old advisory</title>
    <link>https://example.com/advisories/old</link>
    <guid>adv-000</guid>
    <pubDate>Mon, 02 Feb 2026 09:00:00 GMT</pubDate>
  </item>
</channel>
</rss>`

func feedSource(endpoint string) models.Source {
	return models.Source{ID: "feed-1", Kind: models.KindFeed, Endpoint: endpoint, CadenceSeconds: 300, Credibility: 0.9}
}

func TestFeedFetchParsesEntries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		w.Header().Set("Last-Modified", "Mon, 02 Mar 2026 09:00:00 GMT")
		w.Write([]byte(rssBody))
	}))
	defer srv.Close()

	f := NewFeedFetcher(srv.Client())
	items, wm, out := f.Fetch(context.Background(), feedSource(srv.URL), models.Watermark{SourceID: "feed-1"})

	assert.Equal(t, StatusOK, out.Status)
	require.Len(t, items, 2)
	assert.Equal(t, "Critical RCE in Gateway", items[0].Title)
	assert.Equal(t, "adv-001", items[0].ExternalID)
	assert.Equal(t, "https://example.com/advisories/rce", items[0].URL)
	assert.Equal(t, []string{"vulnerability"}, items[0].Tags)
	require.NotNil(t, items[0].PublishedAt)

	assert.Equal(t, `"v1"`, wm.ETag)
	assert.Equal(t, "Mon, 02 Mar 2026 09:00:00 GMT", wm.LastModified)
}

func TestFeedFetchSkipsEntriesAtOrBeforeWatermark(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(rssBody))
	}))
	defer srv.Close()

	f := NewFeedFetcher(srv.Client())
	wm := models.Watermark{SourceID: "feed-1", LastFetchedAt: time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC)}
	items, _, out := f.Fetch(context.Background(), feedSource(srv.URL), wm)

	assert.Equal(t, StatusOK, out.Status)
	require.Len(t, items, 1)
	assert.Equal(t, "Critical RCE in Gateway", items[0].Title)
}

func TestFeedFetchConditionalGet(t *testing.T) {
	var gotETag string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotETag = r.Header.Get("If-None-Match")
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	f := NewFeedFetcher(srv.Client())
	items, wm, out := f.Fetch(context.Background(), feedSource(srv.URL), models.Watermark{SourceID: "feed-1", ETag: `"v1"`})

	assert.Equal(t, StatusNotModified, out.Status)
	assert.Empty(t, items)
	assert.Equal(t, `"v1"`, gotETag)
	assert.Equal(t, `"v1"`, wm.ETag)
}

func TestFeedFetchRateLimitHonorsRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	f := NewFeedFetcher(srv.Client())
	_, _, out := f.Fetch(context.Background(), feedSource(srv.URL), models.Watermark{})

	assert.Equal(t, StatusRetryable, out.Status)
	assert.Equal(t, 7*time.Second, out.RetryAfter)
}

func TestFeedFetchClientErrorIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := NewFeedFetcher(srv.Client())
	_, _, out := f.Fetch(context.Background(), feedSource(srv.URL), models.Watermark{})
	assert.Equal(t, StatusFatal, out.Status)
	assert.Equal(t, "http_404", out.Reason)
}

func TestFeedFetchGarbageIsFatal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not a feed"))
	}))
	defer srv.Close()

	f := NewFeedFetcher(srv.Client())
	_, _, out := f.Fetch(context.Background(), feedSource(srv.URL), models.Watermark{})
	assert.Equal(t, StatusFatal, out.Status)
}
