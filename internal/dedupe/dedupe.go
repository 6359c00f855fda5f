// Package dedupe collapses duplicate items across sources and
// re-observations, merging provenance and boosting confidence.
package dedupe

import (
	"container/list"
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/periscope-sec/periscope/internal/metrics"
	"github.com/periscope-sec/periscope/internal/models"
	"github.com/periscope-sec/periscope/internal/normalize"
	"github.com/periscope-sec/periscope/internal/periscope"
	"github.com/periscope-sec/periscope/internal/score"
)

// Outcome labels the dedupe decision for one incoming item.
type Outcome string

const (
	OutcomeNew           Outcome = "new"
	OutcomeReobservation Outcome = "reobservation"
	OutcomeNearDuplicate Outcome = "near_duplicate"
)

// maxHammingDistance bounds near-duplicate matching: distance 3 merges,
// distance 4 does not.
const maxHammingDistance = 3

// Store is the subset of the Periscope surface the deduper needs.
type Store interface {
	Put(ctx context.Context, item *models.Item) (models.Tier, error)
	Update(ctx context.Context, id string, mutate func(*models.Item) error) (*models.Item, error)
	LookupByFingerprint(ctx context.Context, fp uint64) (string, error)
}

// Config tunes the deduper.
type Config struct {
	// LRUSize bounds the in-memory fingerprint map.
	LRUSize int
	// Window bounds near-duplicate matching in time; items last seen
	// further back than this never merge by similarity.
	Window time.Duration
}

// DefaultConfig returns the production dedupe configuration.
func DefaultConfig() Config {
	return Config{
		LRUSize: 50000,
		Window:  30 * 24 * time.Hour,
	}
}

type lruEntry struct {
	fingerprint uint64
	itemID      string
	lastSeen    time.Time
}

// Deduper maintains an LRU-bounded fingerprint map backed by the hot store
// for cold fingerprints.
type Deduper struct {
	mu      sync.Mutex
	order   *list.List // of *lruEntry, front = most recent
	byFP    map[uint64]*list.Element
	cfg     Config
	store   Store
	metrics *metrics.Registry
	now     func() time.Time
}

// New creates a deduper over the given store.
func New(cfg Config, store Store, m *metrics.Registry) *Deduper {
	if cfg.LRUSize <= 0 {
		cfg.LRUSize = DefaultConfig().LRUSize
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultConfig().Window
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Deduper{
		order:   list.New(),
		byFP:    make(map[uint64]*list.Element),
		cfg:     cfg,
		store:   store,
		metrics: m,
		now:     time.Now,
	}
}

// Apply routes an incoming normalized item: merge into an existing item on
// re-observation or near-duplicate, otherwise persist it as new in L1.
// Merging is commutative and idempotent per (item_id, source_id).
func (d *Deduper) Apply(ctx context.Context, incoming *models.Item) (*models.Item, Outcome, error) {
	// Re-observation: same canonical identity.
	merged, err := d.merge(ctx, incoming.ItemID, incoming)
	if err == nil {
		d.remember(merged)
		d.metrics.DedupeMerges.WithLabelValues(string(OutcomeReobservation)).Inc()
		return merged, OutcomeReobservation, nil
	}
	if !errors.Is(err, periscope.ErrNotFound) {
		return nil, "", err
	}

	// Near-duplicate: exact fingerprint, then nearest neighbor over the
	// LRU-resident set.
	if targetID, ok := d.findSimilar(ctx, incoming); ok {
		merged, err := d.merge(ctx, targetID, incoming)
		if err == nil {
			d.remember(merged)
			d.metrics.DedupeMerges.WithLabelValues(string(OutcomeNearDuplicate)).Inc()
			return merged, OutcomeNearDuplicate, nil
		}
		if !errors.Is(err, periscope.ErrNotFound) {
			return nil, "", err
		}
		// Stale LRU entry; fall through to insert.
	}

	score.Apply(incoming, d.now())
	if _, err := d.store.Put(ctx, incoming); err != nil {
		return nil, "", err
	}
	d.remember(incoming)
	d.metrics.DedupeMerges.WithLabelValues(string(OutcomeNew)).Inc()
	return incoming, OutcomeNew, nil
}

// merge folds the incoming observation into the stored item id.
func (d *Deduper) merge(ctx context.Context, id string, incoming *models.Item) (*models.Item, error) {
	now := d.now()
	return d.store.Update(ctx, id, func(item *models.Item) error {
		if incoming.LastSeen.After(item.LastSeen) {
			item.LastSeen = incoming.LastSeen
		}
		for _, ref := range incoming.Sources {
			item.ObserveSource(ref.SourceID, ref.Credibility, ref.SeenAt)
		}
		item.Confidence = item.CombinedConfidence()
		if len(item.Sources) >= 3 || item.Interactions.Escalations.Count > 0 {
			item.Validated = true
		}
		item.IOCs = item.IOCs.Merge(incoming.IOCs)
		item.IndustryTags = mergeTags(item.IndustryTags, incoming.IndustryTags)
		if item.PublishedAt == nil {
			item.PublishedAt = incoming.PublishedAt
		}
		item.Score, item.Severity = score.Compute(item, now)
		return nil
	})
}

// findSimilar looks up the fingerprint exactly (LRU, then hot store), then
// scans the LRU-resident set for the nearest neighbor within the Hamming
// bound and the temporal window.
func (d *Deduper) findSimilar(ctx context.Context, incoming *models.Item) (string, bool) {
	d.mu.Lock()
	if el, ok := d.byFP[incoming.Fingerprint]; ok {
		entry := el.Value.(*lruEntry)
		d.order.MoveToFront(el)
		d.mu.Unlock()
		return entry.itemID, true
	}
	d.mu.Unlock()

	if id, err := d.store.LookupByFingerprint(ctx, incoming.Fingerprint); err == nil {
		return id, true
	} else if !errors.Is(err, periscope.ErrNotFound) {
		log.Warn().Err(err).Msg("Fingerprint lookup failed, falling back to LRU scan")
	}

	horizon := d.now().Add(-d.cfg.Window)
	bestDist := maxHammingDistance + 1
	bestID := ""

	d.mu.Lock()
	defer d.mu.Unlock()
	for el := d.order.Front(); el != nil; el = el.Next() {
		entry := el.Value.(*lruEntry)
		if entry.lastSeen.Before(horizon) {
			continue
		}
		if dist := normalize.HammingDistance(entry.fingerprint, incoming.Fingerprint); dist < bestDist {
			bestDist = dist
			bestID = entry.itemID
		}
	}
	if bestDist <= maxHammingDistance {
		return bestID, true
	}
	return "", false
}

// remember records the item's fingerprint in the LRU.
func (d *Deduper) remember(item *models.Item) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if el, ok := d.byFP[item.Fingerprint]; ok {
		entry := el.Value.(*lruEntry)
		entry.itemID = item.ItemID
		entry.lastSeen = item.LastSeen
		d.order.MoveToFront(el)
		return
	}
	el := d.order.PushFront(&lruEntry{
		fingerprint: item.Fingerprint,
		itemID:      item.ItemID,
		lastSeen:    item.LastSeen,
	})
	d.byFP[item.Fingerprint] = el

	for d.order.Len() > d.cfg.LRUSize {
		oldest := d.order.Back()
		d.order.Remove(oldest)
		delete(d.byFP, oldest.Value.(*lruEntry).fingerprint)
	}
}

func mergeTags(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, set := range [][]string{a, b} {
		for _, t := range set {
			if _, ok := seen[t]; !ok {
				seen[t] = struct{}{}
				out = append(out, t)
			}
		}
	}
	sort.Strings(out)
	return out
}
