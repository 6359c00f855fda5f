package fetch

import (
	"context"
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/periscope-sec/periscope/internal/models"
	"github.com/periscope-sec/periscope/internal/secrets"
)

// socialRate is the per-platform request budget: steady-state well under the
// posted platform limits, with a small burst for catch-up after downtime.
var socialRate = rate.Limit(0.5) // 1 request / 2s per platform host

const socialBurst = 3

// SocialFetcher polls social platform APIs. It shares the API fetcher's
// mapping machinery and adds two platform-specific behaviors: a token-bucket
// limiter keyed by platform host, and cursor pagination persisted on the
// watermark so restarts resume where they left off.
type SocialFetcher struct {
	api *APIFetcher

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewSocialFetcher creates a social fetcher.
func NewSocialFetcher(client *http.Client, provider secrets.Provider) *SocialFetcher {
	return &SocialFetcher{
		api:      NewAPIFetcher(client, provider),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Kind identifies the source kind this fetcher serves.
func (f *SocialFetcher) Kind() models.SourceKind { return models.KindSocial }

// Fetch performs one rate-limited, cursor-resumed page fetch. One page per
// cycle: the next cursor goes on the watermark and the following cycle
// continues from it, which keeps a single noisy platform from starving the
// rest of the schedule.
func (f *SocialFetcher) Fetch(ctx context.Context, src models.Source, wm models.Watermark) ([]models.RawItem, models.Watermark, Outcome) {
	if err := f.limiter(src.Host()).Wait(ctx); err != nil {
		return nil, wm, Retryable("rate_wait: " + err.Error())
	}

	items, nextCursor, next, out := f.api.fetchMapped(ctx, src, wm, wm.Cursor)
	if out.Status != StatusOK {
		return nil, wm, out
	}
	if nextCursor != "" && nextCursor != wm.Cursor {
		next.Cursor = nextCursor
	} else {
		// Exhausted or cursorless pagination restarts from the head.
		next.Cursor = ""
	}
	return items, next, out
}

func (f *SocialFetcher) limiter(host string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[host]
	if !ok {
		lim = rate.NewLimiter(socialRate, socialBurst)
		f.limiters[host] = lim
	}
	return lim
}
