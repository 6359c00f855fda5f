// Package engine schedules and executes source fetches: cadence-driven with
// manual triggers, bounded by a global and per-host concurrency budget, with
// retry, cooldown, and graceful drain.
package engine

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/periscope-sec/periscope/internal/fetch"
	"github.com/periscope-sec/periscope/internal/metrics"
	"github.com/periscope-sec/periscope/internal/models"
	"github.com/periscope-sec/periscope/internal/registry"
)

// Retry policy: up to retryMax attempts with doubling backoff from retryBase,
// jittered +/-25%. A server-provided Retry-After overrides the computed wait.
const (
	retryMax  = 4
	retryBase = 500 * time.Millisecond
)

// WatermarkStore is the slice of the tiered store the engine depends on.
type WatermarkStore interface {
	GetWatermark(ctx context.Context, sourceID string) (models.Watermark, error)
	PutWatermark(ctx context.Context, wm models.Watermark) error
	Backpressure() bool
}

// Config tunes the engine.
type Config struct {
	// GlobalConcurrency caps fetches in flight across all sources.
	GlobalConcurrency int64
	// PerHostDefault caps concurrent fetches against one endpoint host when
	// the source does not set its own max_concurrency.
	PerHostDefault int64
	// Tick is the scheduler resolution.
	Tick time.Duration
	// DrainGrace bounds how long in-flight fetches may finish after shutdown.
	DrainGrace time.Duration
}

// DefaultConfig returns the production engine settings.
func DefaultConfig() Config {
	return Config{
		GlobalConcurrency: 16,
		PerHostDefault:    models.DefaultMaxConcurrency,
		Tick:              time.Second,
		DrainGrace:        10 * time.Second,
	}
}

// Engine runs the collection schedule over the registry snapshot, pushing raw
// items to the output channel.
type Engine struct {
	cfg      Config
	reg      *registry.Registry
	fetchers map[models.SourceKind]fetch.Fetcher
	wmStore  WatermarkStore
	out      chan<- models.RawItem
	metrics  *metrics.Registry
	stats    *statsTracker

	global *semaphore.Weighted

	mu       sync.Mutex
	hosts    map[string]*semaphore.Weighted
	running  map[string]bool
	pending  map[string]struct{}
	lastRun  map[string]time.Time
	cooldown map[string]time.Time

	wg  sync.WaitGroup
	now func() time.Time
}

// New creates an engine. Fetchers are keyed by the source kind they serve.
func New(cfg Config, reg *registry.Registry, fetchers []fetch.Fetcher, wmStore WatermarkStore, out chan<- models.RawItem, m *metrics.Registry) *Engine {
	if cfg.GlobalConcurrency <= 0 {
		cfg.GlobalConcurrency = DefaultConfig().GlobalConcurrency
	}
	if cfg.PerHostDefault <= 0 {
		cfg.PerHostDefault = DefaultConfig().PerHostDefault
	}
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultConfig().Tick
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = DefaultConfig().DrainGrace
	}
	if m == nil {
		m = metrics.Default()
	}
	byKind := make(map[models.SourceKind]fetch.Fetcher, len(fetchers))
	for _, f := range fetchers {
		byKind[f.Kind()] = f
	}
	return &Engine{
		cfg:      cfg,
		reg:      reg,
		fetchers: byKind,
		wmStore:  wmStore,
		out:      out,
		metrics:  m,
		stats:    newStatsTracker(),
		global:   semaphore.NewWeighted(cfg.GlobalConcurrency),
		hosts:    make(map[string]*semaphore.Weighted),
		running:  make(map[string]bool),
		pending:  make(map[string]struct{}),
		lastRun:  make(map[string]time.Time),
		cooldown: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Trigger requests an immediate fetch of the source, outside its cadence.
// Triggers for a source that is already queued or running coalesce into one.
func (e *Engine) Trigger(sourceID string) {
	e.mu.Lock()
	e.pending[sourceID] = struct{}{}
	e.mu.Unlock()
}

// Stats returns a point-in-time snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	return e.stats.snapshot()
}

// Run executes the scheduler until ctx is cancelled, then drains in-flight
// fetches for up to the configured grace.
func (e *Engine) Run(ctx context.Context) {
	// Jobs outlive ctx by the drain grace so late results still reach the
	// pipeline.
	jobsCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()

	ticker := time.NewTicker(e.cfg.Tick)
	defer ticker.Stop()

	log.Info().Int64("global_concurrency", e.cfg.GlobalConcurrency).Msg("Collection engine started")
	for {
		select {
		case <-ctx.Done():
			e.drain(cancelJobs)
			return
		case <-ticker.C:
			e.schedule(jobsCtx)
		}
	}
}

func (e *Engine) drain(cancelJobs context.CancelFunc) {
	log.Info().Dur("grace", e.cfg.DrainGrace).Msg("Collection engine draining")
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("Collection engine drained")
	case <-time.After(e.cfg.DrainGrace):
		log.Warn().Msg("Drain grace elapsed, abandoning in-flight fetches")
		cancelJobs()
		<-done
	}
}

// schedule launches jobs for every due source. An empty snapshot is a no-op.
func (e *Engine) schedule(ctx context.Context) {
	if e.wmStore != nil && e.wmStore.Backpressure() {
		log.Warn().Msg("Store backpressure, pausing collection this tick")
		return
	}
	now := e.now()
	snapshot := e.reg.Snapshot()

	e.mu.Lock()
	triggered := e.pending
	e.pending = make(map[string]struct{})
	e.mu.Unlock()

	for _, src := range snapshot {
		_, manual := triggered[src.ID]
		if !manual && !e.due(src, now) {
			continue
		}
		e.mu.Lock()
		if e.running[src.ID] {
			// Coalesce: at most one in-flight fetch per source.
			e.mu.Unlock()
			continue
		}
		e.running[src.ID] = true
		e.lastRun[src.ID] = now
		e.mu.Unlock()

		e.wg.Add(1)
		go e.runJob(ctx, src)
	}
}

func (e *Engine) due(src models.Source, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if until, ok := e.cooldown[src.ID]; ok && now.Before(until) {
		return false
	}
	last, ok := e.lastRun[src.ID]
	if !ok {
		return true
	}
	return now.Sub(last) >= src.Cadence()
}

func (e *Engine) hostSem(src models.Source) *semaphore.Weighted {
	e.mu.Lock()
	defer e.mu.Unlock()
	host := src.Host()
	sem, ok := e.hosts[host]
	if !ok {
		limit := int64(src.MaxConcurrency)
		if limit <= 0 {
			limit = e.cfg.PerHostDefault
		}
		sem = semaphore.NewWeighted(limit)
		e.hosts[host] = sem
	}
	return sem
}

func (e *Engine) runJob(ctx context.Context, src models.Source) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		delete(e.running, src.ID)
		e.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			e.metrics.JobPanics.Inc()
			log.Error().Str("source", src.ID).Interface("panic", r).Msg("Fetch job panicked")
			e.stats.recordDone(src.ID, "panic", false, 0, 0, e.now())
		}
	}()

	fetcher, ok := e.fetchers[src.Kind]
	if !ok {
		log.Error().Str("source", src.ID).Str("kind", string(src.Kind)).Msg("No fetcher for source kind")
		return
	}

	if err := e.global.Acquire(ctx, 1); err != nil {
		return
	}
	defer e.global.Release(1)
	hostSem := e.hostSem(src)
	if err := hostSem.Acquire(ctx, 1); err != nil {
		return
	}
	defer hostSem.Release(1)

	e.stats.recordAttempt(src.ID)
	start := e.now()

	wm, err := e.wmStore.GetWatermark(ctx, src.ID)
	if err != nil {
		log.Warn().Err(err).Str("source", src.ID).Msg("Watermark load failed, fetching unconditionally")
		wm = models.Watermark{SourceID: src.ID}
	}

	items, next, outcome := e.fetchWithRetry(ctx, fetcher, src, wm)
	latency := e.now().Sub(start)
	e.metrics.FetchLatency.WithLabelValues(string(src.Kind)).Observe(latency.Seconds())
	e.metrics.FetchAttempts.WithLabelValues(src.ID, outcome.Status.String()).Inc()

	switch outcome.Status {
	case fetch.StatusOK:
		emitted := e.emit(ctx, items)
		next.SourceID = src.ID
		next.LastFetchedAt = start
		next.ConsecutiveFailures = 0
		if err := e.wmStore.PutWatermark(ctx, next); err != nil {
			// Watermark stays behind; the next cycle refetches and the
			// deduper absorbs the replay.
			log.Warn().Err(err).Str("source", src.ID).Msg("Watermark write failed")
		}
		e.metrics.ItemsEmitted.WithLabelValues(src.ID).Add(float64(emitted))
		e.stats.recordDone(src.ID, outcome.Status.String(), true, emitted, latency, start)
		e.clearCooldown(src.ID)

	case fetch.StatusNotModified:
		next.SourceID = src.ID
		next.ConsecutiveFailures = 0
		if err := e.wmStore.PutWatermark(ctx, next); err != nil {
			log.Warn().Err(err).Str("source", src.ID).Msg("Watermark write failed")
		}
		e.stats.recordDone(src.ID, outcome.Status.String(), true, 0, latency, start)
		e.clearCooldown(src.ID)

	default:
		e.recordFailure(ctx, src, wm, outcome, latency, start)
	}
}

// fetchWithRetry runs attempts against the per-attempt timeout, backing off
// between retryable failures. Fatal outcomes stop immediately.
func (e *Engine) fetchWithRetry(ctx context.Context, fetcher fetch.Fetcher, src models.Source, wm models.Watermark) ([]models.RawItem, models.Watermark, fetch.Outcome) {
	var outcome fetch.Outcome
	for attempt := 0; attempt < retryMax; attempt++ {
		if attempt > 0 {
			e.stats.recordRetry(src.ID)
			e.metrics.FetchRetries.WithLabelValues(src.ID).Inc()
			wait := backoff(attempt, outcome.RetryAfter)
			select {
			case <-ctx.Done():
				return nil, wm, fetch.Retryable("cancelled")
			case <-time.After(wait):
			}
		}
		attemptCtx, cancel := context.WithTimeout(ctx, src.Timeout())
		items, next, out := fetcher.Fetch(attemptCtx, src, wm)
		cancel()
		outcome = out
		switch out.Status {
		case fetch.StatusOK, fetch.StatusNotModified, fetch.StatusFatal:
			return items, next, out
		}
		if ctx.Err() != nil {
			return nil, wm, outcome
		}
	}
	return nil, wm, outcome
}

func backoff(attempt int, retryAfter time.Duration) time.Duration {
	if retryAfter > 0 {
		return retryAfter
	}
	base := retryBase << (attempt - 1)
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(base) * jitter)
}

// emit pushes items onto the pipeline channel, honoring cancellation.
func (e *Engine) emit(ctx context.Context, items []models.RawItem) int {
	emitted := 0
	for _, item := range items {
		select {
		case e.out <- item:
			emitted++
		case <-ctx.Done():
			return emitted
		}
	}
	return emitted
}

// recordFailure bumps the consecutive-failure count and applies the cooldown:
// one cadence for a fatal outcome, scaling with the failure streak for
// exhausted retries, capped at five cadences.
func (e *Engine) recordFailure(ctx context.Context, src models.Source, wm models.Watermark, outcome fetch.Outcome, latency time.Duration, at time.Time) {
	wm.SourceID = src.ID
	wm.ConsecutiveFailures++
	if err := e.wmStore.PutWatermark(ctx, wm); err != nil {
		log.Warn().Err(err).Str("source", src.ID).Msg("Watermark write failed")
	}

	multiplier := wm.ConsecutiveFailures
	if outcome.Status == fetch.StatusFatal {
		multiplier = 1
	}
	if multiplier > 5 {
		multiplier = 5
	}
	until := e.now().Add(time.Duration(multiplier) * src.Cadence())
	e.mu.Lock()
	e.cooldown[src.ID] = until
	e.mu.Unlock()

	log.Warn().
		Str("source", src.ID).
		Str("outcome", outcome.Status.String()).
		Str("reason", outcome.Reason).
		Int("consecutive_failures", wm.ConsecutiveFailures).
		Time("cooldown_until", until).
		Msg("Fetch failed")
	e.stats.recordDone(src.ID, outcome.Status.String(), false, 0, latency, at)
}

func (e *Engine) clearCooldown(sourceID string) {
	e.mu.Lock()
	delete(e.cooldown, sourceID)
	e.mu.Unlock()
}
