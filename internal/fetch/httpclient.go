package fetch

import (
	"net"
	"net/http"
	"time"
)

const userAgent = "periscope/1.0 (+https://github.com/periscope-sec/periscope)"

// NewHTTPClient builds the pooled transport shared by all fetchers. Per-fetch
// deadlines come from the request context, not the client.
func NewHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 8,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}
