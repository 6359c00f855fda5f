// Package decay keeps the tiered store healthy over time: confidence decay
// for unvalidated items, re-scoring, and tier moves per the promotion rules.
package decay

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/periscope-sec/periscope/internal/metrics"
	"github.com/periscope-sec/periscope/internal/models"
	"github.com/periscope-sec/periscope/internal/periscope"
	"github.com/periscope-sec/periscope/internal/score"
)

const (
	// Per-tier decay rates. L1 items do not decay; the short TTL handles
	// that.
	rateWarm = 0.02
	rateCold = 0.05

	// confidenceFloor stops decay from zeroing an item out entirely.
	confidenceFloor = 0.3

	// Warm-to-cold criteria.
	coldAgeInTier        = 7 * 24 * time.Hour
	coldInteractionQuiet = 24 * time.Hour
)

// Config tunes the worker.
type Config struct {
	Period    time.Duration
	BatchSize int64
}

// DefaultConfig returns the production decay settings.
func DefaultConfig() Config {
	return Config{
		Period:    time.Hour,
		BatchSize: 500,
	}
}

// Stats summarizes one decay cycle.
type Stats struct {
	Scanned      int
	Decayed      int
	PromotedCold int
	Skipped      int
	IndexPruned  int
}

// Worker is the periodic decay job.
type Worker struct {
	store   *periscope.Store
	cfg     Config
	metrics *metrics.Registry
	now     func() time.Time
}

// New creates a decay worker over the store.
func New(store *periscope.Store, cfg Config, m *metrics.Registry) *Worker {
	if cfg.Period <= 0 {
		cfg.Period = DefaultConfig().Period
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if m == nil {
		m = metrics.Default()
	}
	return &Worker{store: store, cfg: cfg, metrics: m, now: time.Now}
}

// Run executes decay cycles on the configured period until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Period)
	defer ticker.Stop()

	log.Info().Dur("period", w.cfg.Period).Msg("Decay worker started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Decay worker stopped")
			return
		case <-ticker.C:
			stats, err := w.RunOnce(ctx)
			if err != nil {
				log.Error().Err(err).Msg("Decay cycle failed")
				continue
			}
			log.Info().
				Int("scanned", stats.Scanned).
				Int("decayed", stats.Decayed).
				Int("promoted_cold", stats.PromotedCold).
				Int("skipped_validated", stats.Skipped).
				Int("index_pruned", stats.IndexPruned).
				Msg("Decay cycle complete")
		}
	}
}

// RunOnce performs a single decay cycle over the warm and cold tiers. Scans
// are bounded per run by the configured batch size.
func (w *Worker) RunOnce(ctx context.Context) (Stats, error) {
	var stats Stats

	for _, tier := range []models.Tier{models.TierL2, models.TierL3} {
		if err := w.scanTier(ctx, tier, &stats); err != nil {
			return stats, err
		}
	}

	pruned, err := w.store.PruneStaleIndexEntries(ctx, int(w.cfg.BatchSize))
	if err != nil {
		return stats, err
	}
	stats.IndexPruned = pruned
	return stats, nil
}

func (w *Worker) scanTier(ctx context.Context, tier models.Tier, stats *Stats) error {
	var cursor uint64
	scanned := int64(0)
	for {
		ids, next, err := w.store.ScanTier(ctx, tier, cursor, w.cfg.BatchSize)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if err := w.processItem(ctx, tier, id, stats); err != nil {
				log.Warn().Err(err).Str("item_id", id).Str("tier", string(tier)).Msg("Decay skipped item")
			}
			stats.Scanned++
		}
		scanned += int64(len(ids))
		cursor = next
		if cursor == 0 || scanned >= w.cfg.BatchSize {
			return nil
		}
	}
}

func (w *Worker) processItem(ctx context.Context, tier models.Tier, id string, stats *Stats) error {
	item, err := w.store.LoadTier(ctx, tier, id)
	if err != nil {
		return err
	}
	now := w.now()

	if item.Validated {
		// Validated items never decay; only tier eligibility is
		// re-evaluated, and they always reach L3 before the L2 copy
		// expires.
		stats.Skipped++
		if tier == models.TierL2 {
			if _, err := w.store.LoadTier(ctx, models.TierL3, id); err != nil {
				if err := w.store.PromoteToTier(ctx, item, models.TierL3); err != nil {
					return err
				}
				w.metrics.TierMoves.WithLabelValues(string(models.TierL2), string(models.TierL3)).Inc()
				stats.PromotedCold++
			}
		}
		return nil
	}

	decayed := false
	updated, err := w.store.Update(ctx, id, func(it *models.Item) error {
		newConf := Decay(it.Confidence, tier, now.Sub(it.LastSeen))
		if newConf < it.Confidence {
			it.Confidence = newConf
			decayed = true
		}
		it.Score, it.Severity = score.Recompute(it, now)
		return nil
	})
	if err != nil {
		return err
	}
	if decayed {
		stats.Decayed++
		w.metrics.DecayedItems.Inc()
	}

	if tier == models.TierL2 && w.coldEligible(updated, now) {
		if _, err := w.store.LoadTier(ctx, models.TierL3, id); err != nil {
			if err := w.store.PromoteToTier(ctx, updated, models.TierL3); err != nil {
				return err
			}
			w.metrics.TierMoves.WithLabelValues(string(models.TierL2), string(models.TierL3)).Inc()
			stats.PromotedCold++
		}
	}
	return nil
}

// Decay applies the per-tier confidence decay for the elapsed time since the
// item was last seen, floored at 0.3. L1 confidence is returned unchanged.
func Decay(confidence float64, tier models.Tier, sinceLastSeen time.Duration) float64 {
	var r float64
	switch tier {
	case models.TierL2:
		r = rateWarm
	case models.TierL3:
		r = rateCold
	default:
		return confidence
	}
	days := sinceLastSeen.Hours() / 24
	if days <= 0 {
		return confidence
	}
	decayed := confidence * math.Pow(1-r, days)
	if decayed < confidenceFloor {
		return confidenceFloor
	}
	return decayed
}

// coldEligible implements the warm-to-cold criteria: resident long enough
// and no interactions within the quiet window.
func (w *Worker) coldEligible(item *models.Item, now time.Time) bool {
	if now.Sub(item.TierSince) < coldAgeInTier {
		return false
	}
	last := lastInteraction(item.Interactions)
	return last.IsZero() || now.Sub(last) >= coldInteractionQuiet
}

func lastInteraction(in models.Interactions) time.Time {
	last := in.Views.LastAt
	if in.Escalations.LastAt.After(last) {
		last = in.Escalations.LastAt
	}
	if in.Dismissals.LastAt.After(last) {
		last = in.Dismissals.LastAt
	}
	return last
}
