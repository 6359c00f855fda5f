// Package periscope implements the three-level tiered store: hot (L1), warm
// (L2), and cold (L3) keyspaces on a single key-value engine, with mandatory
// auto-promotion on read, per-item serialization, and a bounded write buffer
// for store outages.
package periscope

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/periscope-sec/periscope/internal/metrics"
	"github.com/periscope-sec/periscope/internal/models"
	"github.com/periscope-sec/periscope/internal/normalize"
)

var (
	// ErrNotFound is returned when an item exists in no tier.
	ErrNotFound = errors.New("item not found")
	// ErrValidatedItem is the specific refusal returned when Remove is
	// called on a validated item.
	ErrValidatedItem = errors.New("validated items cannot be removed")
	// ErrBufferFull is returned when the outage buffer rejects a write.
	ErrBufferFull = errors.New("store write buffer full")
)

// Per-tier TTLs. Validated items carry no expiry in L3.
const (
	TTLHot  = time.Hour
	TTLWarm = 7 * 24 * time.Hour
	TTLCold = 90 * 24 * time.Hour
)

// tierOrder walks hottest to coldest.
var tierOrder = []models.Tier{models.TierL1, models.TierL2, models.TierL3}

// warmScoreThreshold is the minimum score for warm-tier residency on its own.
const warmScoreThreshold = 60

// warmEligible reports whether the item qualifies for a warm-tier copy:
// score at or above the threshold, validated, or observed by at least two
// distinct sources. Ineligible items expire with the hot tier.
func warmEligible(item *models.Item) bool {
	return item.Validated || item.Score >= warmScoreThreshold || len(item.Sources) >= 2
}

// Config tunes the store.
type Config struct {
	Endpoint string
	Password string
	DB       int
	// BufferSize bounds the local write buffer used during store outages.
	BufferSize int
	// L3ValidatedBudget caps validated items in L3 before the store raises
	// backpressure instead of evicting. Zero disables the check.
	L3ValidatedBudget int
}

// DefaultConfig returns production store settings.
func DefaultConfig(endpoint string) Config {
	return Config{
		Endpoint:   endpoint,
		BufferSize: 10000,
	}
}

// Store is the tiered Periscope store.
type Store struct {
	rdb     redis.UniversalClient
	locks   *keyedMutex
	buffer  *writeBuffer
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Registry
	cfg     Config
	now     func() time.Time
}

// New connects to the key-value engine and returns the store.
func New(cfg Config, m *metrics.Registry) *Store {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Endpoint,
		Password: cfg.Password,
		DB:       cfg.DB,

		PoolSize:     10,
		MinIdleConns: 2,

		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	return NewWithClient(client, cfg, m)
}

// NewWithClient wraps an existing client, used by tests with miniredis.
func NewWithClient(client redis.UniversalClient, cfg Config, m *metrics.Registry) *Store {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 10000
	}
	if m == nil {
		m = metrics.Default()
	}
	st := gobreaker.Settings{Name: "periscope-store", Timeout: 5 * time.Second}
	st.ReadyToTrip = func(counts gobreaker.Counts) bool {
		return counts.ConsecutiveFailures >= 3
	}
	return &Store{
		rdb:     client,
		locks:   newKeyedMutex(),
		buffer:  newWriteBuffer(cfg.BufferSize),
		breaker: gobreaker.NewCircuitBreaker(st),
		metrics: m,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Ping checks engine reachability.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Backpressure reports whether the engine should stop enqueuing new fetches:
// the outage buffer is full, or validated items exceed the L3 budget.
func (s *Store) Backpressure() bool {
	if s.buffer.Full() {
		return true
	}
	return s.overL3Budget()
}

// BufferDepth returns the number of writes pending flush.
func (s *Store) BufferDepth() int {
	return s.buffer.Len()
}

func itemKey(tier models.Tier, id string) string {
	switch tier {
	case models.TierL1:
		return "l1:item:" + id
	case models.TierL2:
		return "l2:item:" + id
	default:
		return "l3:item:" + id
	}
}

func (s *Store) tierTTL(tier models.Tier, item *models.Item) time.Duration {
	switch tier {
	case models.TierL1:
		return TTLHot
	case models.TierL2:
		return TTLWarm
	default:
		if item.Validated {
			return 0 // no expiry
		}
		return TTLCold
	}
}

// Put writes the item to L1, with a write-through warm copy for items that
// qualify for L2 residency (so a hot-tier expiry lands in the warm tier) and
// an L3 copy for validated items, updates the secondary indices, and returns
// the assigned tier. During a store outage the item is parked in the bounded
// write buffer.
func (s *Store) Put(ctx context.Context, item *models.Item) (models.Tier, error) {
	s.locks.Lock(item.ItemID)
	defer s.locks.Unlock(item.ItemID)

	item.Tier = models.TierL1
	if item.TierSince.IsZero() {
		item.TierSince = s.now()
	}

	if err := s.writeThrough(ctx, item); err != nil {
		s.metrics.StoreErrors.Inc()
		if !s.buffer.Add(item.Clone()) {
			s.metrics.BufferDropped.Inc()
			return "", models.NewError(models.ErrStore, "put", ErrBufferFull)
		}
		s.metrics.BufferDepth.Set(float64(s.buffer.Len()))
		return models.TierL1, models.NewError(models.ErrStore, "put", err)
	}
	s.metrics.StoreWrites.WithLabelValues(string(models.TierL1)).Inc()
	return models.TierL1, nil
}

func (s *Store) writeThrough(ctx context.Context, item *models.Item) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		data, err := json.Marshal(item)
		if err != nil {
			return nil, err
		}
		pipe := s.rdb.TxPipeline()
		pipe.Set(ctx, itemKey(models.TierL1, item.ItemID), data, TTLHot)
		if warmEligible(item) {
			pipe.Set(ctx, itemKey(models.TierL2, item.ItemID), data, TTLWarm)
		} else {
			// A stale warm copy from an earlier, eligible version must not
			// outlive the hot one.
			pipe.Del(ctx, itemKey(models.TierL2, item.ItemID))
		}
		if item.Validated {
			pipe.Set(ctx, itemKey(models.TierL3, item.ItemID), data, s.tierTTL(models.TierL3, item))
		}
		s.indexCmds(ctx, pipe, item)
		_, err = pipe.Exec(ctx)
		return nil, err
	})
	return err
}

func (s *Store) indexCmds(ctx context.Context, pipe redis.Pipeliner, item *models.Item) {
	pipe.ZAdd(ctx, "idx:score", redis.Z{Score: float64(item.Score), Member: item.ItemID})
	pipe.SAdd(ctx, "idx:severity:"+string(item.Severity), item.ItemID)
	pipe.SAdd(ctx, "idx:category:"+string(item.Category), item.ItemID)
	for _, ref := range item.Sources {
		pipe.SAdd(ctx, "idx:source:"+ref.SourceID, item.ItemID)
	}
	for _, tag := range item.IndustryTags {
		pipe.SAdd(ctx, "idx:tag:"+tag, item.ItemID)
	}
	pipe.Set(ctx, "idx:fp:"+normalize.FingerprintKey(item.Fingerprint), item.ItemID, 0)
}

func (s *Store) dropIndexCmds(ctx context.Context, pipe redis.Pipeliner, item *models.Item) {
	pipe.ZRem(ctx, "idx:score", item.ItemID)
	pipe.SRem(ctx, "idx:severity:"+string(item.Severity), item.ItemID)
	pipe.SRem(ctx, "idx:category:"+string(item.Category), item.ItemID)
	for _, ref := range item.Sources {
		pipe.SRem(ctx, "idx:source:"+ref.SourceID, item.ItemID)
	}
	for _, tag := range item.IndustryTags {
		pipe.SRem(ctx, "idx:tag:"+tag, item.ItemID)
	}
	pipe.Del(ctx, "idx:fp:"+normalize.FingerprintKey(item.Fingerprint))
}

// Get checks L1, then L2, then L3. A hit in a colder tier copies the item to
// every hotter tier (auto-promotion; mandatory and not disableable) and
// returns the item together with the tier where it was first found.
func (s *Store) Get(ctx context.Context, id string) (*models.Item, models.Tier, error) {
	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	item, foundTier, err := s.loadAny(ctx, id)
	if err != nil {
		return nil, "", err
	}
	s.metrics.TierHits.WithLabelValues(string(foundTier)).Inc()

	if foundTier != models.TierL1 {
		if err := s.copyUp(ctx, item, foundTier); err != nil {
			log.Warn().Err(err).Str("item_id", id).Msg("Auto-promotion write failed")
		} else {
			s.metrics.Promotions.WithLabelValues(string(foundTier)).Inc()
		}
	}
	return item, foundTier, nil
}

// loadAny fetches the item from the hottest tier holding it, without
// promotion. Callers that mutate hold the per-item lock.
func (s *Store) loadAny(ctx context.Context, id string) (*models.Item, models.Tier, error) {
	for _, tier := range tierOrder {
		item, err := s.loadTier(ctx, tier, id)
		if err == nil {
			return item, tier, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, "", err
		}
	}
	return nil, "", ErrNotFound
}

func (s *Store) loadTier(ctx context.Context, tier models.Tier, id string) (*models.Item, error) {
	data, err := s.rdb.Get(ctx, itemKey(tier, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		s.metrics.StoreErrors.Inc()
		return nil, models.NewError(models.ErrStore, "get", err)
	}
	var item models.Item
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, models.NewError(models.ErrStore, "get", fmt.Errorf("corrupt item %s: %w", id, err))
	}
	item.Tier = tier
	return &item, nil
}

// copyUp writes the item into every tier hotter than from.
func (s *Store) copyUp(ctx context.Context, item *models.Item, from models.Tier) error {
	item.Tier = models.TierL1
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	pipe.Set(ctx, itemKey(models.TierL1, item.ItemID), data, TTLHot)
	if from == models.TierL3 {
		pipe.Set(ctx, itemKey(models.TierL2, item.ItemID), data, TTLWarm)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// Update applies mutate to the item under its per-item lock and writes the
// result back to every tier currently holding it. Changing the item_id is an
// invariant violation and is rejected.
func (s *Store) Update(ctx context.Context, id string, mutate func(*models.Item) error) (*models.Item, error) {
	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	current, _, err := s.loadAny(ctx, id)
	if err != nil {
		return nil, err
	}

	updated := current.Clone()
	if err := mutate(updated); err != nil {
		return nil, err
	}
	if updated.ItemID != id {
		return nil, models.NewError(models.ErrInvariant, "update", fmt.Errorf("item_id is immutable: %s -> %s", id, updated.ItemID))
	}

	if err := s.writeBack(ctx, current, updated); err != nil {
		s.metrics.StoreErrors.Inc()
		return nil, models.NewError(models.ErrStore, "update", err)
	}
	return updated, nil
}

// writeBack rewrites the item in each tier where it exists, refreshing
// indices if the indexed fields changed.
func (s *Store) writeBack(ctx context.Context, old, item *models.Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	pipe := s.rdb.TxPipeline()
	for _, tier := range tierOrder {
		key := itemKey(tier, item.ItemID)
		ttl, err := s.rdb.TTL(ctx, key).Result()
		if err != nil {
			return err
		}
		if ttl == -2 { // key does not exist in this tier
			if tier == models.TierL2 && warmEligible(item) && !warmEligible(old) {
				// The update earned warm residency (new source, validation,
				// or score crossing the threshold).
				pipe.Set(ctx, key, data, TTLWarm)
			}
			if tier == models.TierL3 && item.Validated && !old.Validated {
				// Newly validated items are pinned into the cold tier.
				pipe.Set(ctx, key, data, 0)
			}
			continue
		}
		if tier == models.TierL3 && item.Validated {
			ttl = 0
		}
		if ttl < 0 {
			ttl = 0
		}
		pipe.Set(ctx, key, data, ttl)
	}
	s.dropIndexCmds(ctx, pipe, old)
	s.indexCmds(ctx, pipe, item)
	_, err = pipe.Exec(ctx)
	return err
}

// Remove deletes an unvalidated item from all tiers and indices. Validated
// items are refused with ErrValidatedItem and left untouched.
func (s *Store) Remove(ctx context.Context, id string) error {
	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	item, _, err := s.loadAny(ctx, id)
	if err != nil {
		return err
	}
	if item.Validated {
		return ErrValidatedItem
	}
	return s.purge(ctx, item)
}

func (s *Store) purge(ctx context.Context, item *models.Item) error {
	pipe := s.rdb.TxPipeline()
	for _, tier := range tierOrder {
		pipe.Del(ctx, itemKey(tier, item.ItemID))
	}
	s.dropIndexCmds(ctx, pipe, item)
	_, err := pipe.Exec(ctx)
	return err
}

// LookupByFingerprint resolves an exact fingerprint to an item id.
func (s *Store) LookupByFingerprint(ctx context.Context, fp uint64) (string, error) {
	id, err := s.rdb.Get(ctx, "idx:fp:"+normalize.FingerprintKey(fp)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", models.NewError(models.ErrStore, "lookup_fingerprint", err)
	}
	return id, nil
}

// ScanTier iterates item ids resident in a tier, batch by batch.
func (s *Store) ScanTier(ctx context.Context, tier models.Tier, cursor uint64, count int64) ([]string, uint64, error) {
	prefix := itemKey(tier, "")
	keys, next, err := s.rdb.Scan(ctx, cursor, prefix+"*", count).Result()
	if err != nil {
		return nil, 0, models.NewError(models.ErrStore, "scan", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k[len(prefix):])
	}
	return ids, next, nil
}

// LoadTier fetches an item from one specific tier without promotion.
func (s *Store) LoadTier(ctx context.Context, tier models.Tier, id string) (*models.Item, error) {
	return s.loadTier(ctx, tier, id)
}

// PromoteToTier copies the item into the target tier with that tier's TTL.
// The colder copy (if any) is left to its own expiry.
func (s *Store) PromoteToTier(ctx context.Context, item *models.Item, to models.Tier) error {
	s.locks.Lock(item.ItemID)
	defer s.locks.Unlock(item.ItemID)

	clone := item.Clone()
	clone.Tier = to
	clone.TierSince = s.now()
	data, err := json.Marshal(clone)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, itemKey(to, item.ItemID), data, s.tierTTL(to, clone)).Err(); err != nil {
		s.metrics.StoreErrors.Inc()
		return models.NewError(models.ErrStore, "promote", err)
	}
	s.metrics.StoreWrites.WithLabelValues(string(to)).Inc()
	return nil
}

// DropFromIndices removes dangling index entries for an expired item.
func (s *Store) DropFromIndices(ctx context.Context, item *models.Item) error {
	pipe := s.rdb.TxPipeline()
	s.dropIndexCmds(ctx, pipe, item)
	_, err := pipe.Exec(ctx)
	return err
}

// FlushBuffer retries buffered writes after an outage. Returns the number of
// items flushed.
func (s *Store) FlushBuffer(ctx context.Context) (int, error) {
	flushed := 0
	for {
		batch := s.buffer.Drain(100)
		if len(batch) == 0 {
			break
		}
		for i, item := range batch {
			if err := s.writeThrough(ctx, item); err != nil {
				s.buffer.Requeue(batch[i:])
				s.metrics.BufferDepth.Set(float64(s.buffer.Len()))
				return flushed, models.NewError(models.ErrStore, "flush", err)
			}
			flushed++
		}
	}
	s.metrics.BufferDepth.Set(float64(s.buffer.Len()))
	if flushed > 0 {
		log.Info().Int("flushed", flushed).Msg("Store outage buffer drained")
	}
	return flushed, nil
}

// RunFlusher periodically drains the outage buffer until ctx is cancelled.
func (s *Store) RunFlusher(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.buffer.Len() == 0 {
				continue
			}
			if _, err := s.FlushBuffer(ctx); err != nil {
				log.Warn().Err(err).Int("pending", s.buffer.Len()).Msg("Buffer flush failed, store still unavailable")
			}
		}
	}
}

// PruneStaleIndexEntries removes index members whose item has expired from
// every tier. At most limit entries are examined per call.
func (s *Store) PruneStaleIndexEntries(ctx context.Context, limit int) (int, error) {
	ids, err := s.rdb.ZRange(ctx, "idx:score", 0, int64(limit-1)).Result()
	if err != nil {
		return 0, models.NewError(models.ErrStore, "prune", err)
	}
	pruned := 0
	for _, id := range ids {
		_, _, err := s.loadAny(ctx, id)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrNotFound) {
			return pruned, err
		}
		if err := s.rdb.ZRem(ctx, "idx:score", id).Err(); err != nil {
			return pruned, models.NewError(models.ErrStore, "prune", err)
		}
		pruned++
	}
	return pruned, nil
}

// overL3Budget reports whether validated items exceed the configured L3
// budget. Eviction is forbidden for validated items, so the only remedy is
// backpressure.
func (s *Store) overL3Budget() bool {
	if s.cfg.L3ValidatedBudget <= 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	count := 0
	var cursor uint64
	for {
		ids, next, err := s.ScanTier(ctx, models.TierL3, cursor, 500)
		if err != nil {
			return false
		}
		count += len(ids)
		if count > s.cfg.L3ValidatedBudget {
			s.metrics.L3Backpressure.Set(1)
			return true
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	s.metrics.L3Backpressure.Set(0)
	return false
}
