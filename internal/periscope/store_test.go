package periscope

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/periscope-sec/periscope/internal/metrics"
	"github.com/periscope-sec/periscope/internal/models"
)

func testStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewWithClient(client, Config{Endpoint: mr.Addr()}, metrics.NewRegistry(nil))
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func testItem(id string, score int) *models.Item {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &models.Item{
		ItemID:      id,
		Fingerprint: 0xabc0 + uint64(score),
		Title:       "item " + id,
		URL:         "https://example.com/" + id,
		FirstSeen:   now,
		LastSeen:    now,
		Sources:     []models.SourceRef{{SourceID: "feed-a", Credibility: 0.8, SeenAt: now}},
		Category:    models.CategoryVulnerability,
		Severity:    models.SeverityForScore(score),
		Score:       score,
		Confidence:  0.8,
		Tier:        models.TierL1,
	}
}

func TestPutGetRoundtrip(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	tier, err := store.Put(ctx, testItem("a1", 60))
	require.NoError(t, err)
	assert.Equal(t, models.TierL1, tier)

	got, foundTier, err := store.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, models.TierL1, foundTier)
	assert.Equal(t, "a1", got.ItemID)
	assert.Equal(t, 60, got.Score)
}

func TestGetMissReturnsNotFound(t *testing.T) {
	store, _ := testStore(t)
	_, _, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestHotExpiryLandsInWarmAndGetPromotes(t *testing.T) {
	store, mr := testStore(t)
	ctx := context.Background()

	_, err := store.Put(ctx, testItem("a2", 65))
	require.NoError(t, err)

	// Past the hot TTL but inside the warm TTL.
	mr.FastForward(TTLHot + time.Minute)

	_, err = store.LoadTier(ctx, models.TierL1, "a2")
	assert.ErrorIs(t, err, ErrNotFound)

	got, foundTier, err := store.Get(ctx, "a2")
	require.NoError(t, err)
	assert.Equal(t, models.TierL2, foundTier)
	assert.Equal(t, "a2", got.ItemID)

	// Auto-promotion copied it back into the hot tier.
	promoted, err := store.LoadTier(ctx, models.TierL1, "a2")
	require.NoError(t, err)
	assert.Equal(t, "a2", promoted.ItemID)
}

func TestPutIneligibleItemExpiresWithHotTier(t *testing.T) {
	store, mr := testStore(t)
	ctx := context.Background()

	// Unvalidated, one source, score below the warm threshold: no warm copy.
	_, err := store.Put(ctx, testItem("w1", 10))
	require.NoError(t, err)

	_, err = store.LoadTier(ctx, models.TierL2, "w1")
	assert.ErrorIs(t, err, ErrNotFound)

	mr.FastForward(TTLHot + time.Minute)

	_, _, err = store.Get(ctx, "w1")
	assert.ErrorIs(t, err, ErrNotFound, "ineligible items expire with the hot tier")
}

func TestPutWarmEligibilityCriteria(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	byScore := testItem("w2", warmScoreThreshold)
	_, err := store.Put(ctx, byScore)
	require.NoError(t, err)
	_, err = store.LoadTier(ctx, models.TierL2, "w2")
	assert.NoError(t, err, "score at the threshold qualifies")

	bySources := testItem("w3", 10)
	bySources.Sources = append(bySources.Sources, models.SourceRef{SourceID: "feed-b", Credibility: 0.5, SeenAt: bySources.LastSeen})
	_, err = store.Put(ctx, bySources)
	require.NoError(t, err)
	_, err = store.LoadTier(ctx, models.TierL2, "w3")
	assert.NoError(t, err, "a second distinct source qualifies")

	byValidation := testItem("w4", 10)
	byValidation.Validated = true
	_, err = store.Put(ctx, byValidation)
	require.NoError(t, err)
	_, err = store.LoadTier(ctx, models.TierL2, "w4")
	assert.NoError(t, err, "validated items always qualify")
}

func TestUpdateEarnsWarmCopyOnNewEligibility(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	_, err := store.Put(ctx, testItem("w5", 10))
	require.NoError(t, err)
	_, err = store.LoadTier(ctx, models.TierL2, "w5")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = store.Update(ctx, "w5", func(it *models.Item) error {
		it.Sources = append(it.Sources, models.SourceRef{SourceID: "feed-b", Credibility: 0.6, SeenAt: it.LastSeen})
		return nil
	})
	require.NoError(t, err)

	_, err = store.LoadTier(ctx, models.TierL2, "w5")
	assert.NoError(t, err, "a second source earns the warm copy on update")
}

func TestGetFromColdRefillsWarmAndHot(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	item := testItem("a3", 40)
	require.NoError(t, store.PromoteToTier(ctx, item, models.TierL3))

	_, foundTier, err := store.Get(ctx, "a3")
	require.NoError(t, err)
	assert.Equal(t, models.TierL3, foundTier)

	_, err = store.LoadTier(ctx, models.TierL1, "a3")
	assert.NoError(t, err)
	_, err = store.LoadTier(ctx, models.TierL2, "a3")
	assert.NoError(t, err)
}

func TestUpdateRejectsItemIDChange(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()
	_, err := store.Put(ctx, testItem("a4", 30))
	require.NoError(t, err)

	_, err = store.Update(ctx, "a4", func(it *models.Item) error {
		it.ItemID = "different"
		return nil
	})
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrInvariant))

	// Unchanged on disk.
	got, _, err := store.Get(ctx, "a4")
	require.NoError(t, err)
	assert.Equal(t, "a4", got.ItemID)
}

func TestRemoveRefusesValidated(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	item := testItem("a5", 70)
	item.Validated = true
	_, err := store.Put(ctx, item)
	require.NoError(t, err)

	err = store.Remove(ctx, "a5")
	assert.ErrorIs(t, err, ErrValidatedItem)

	_, _, err = store.Get(ctx, "a5")
	assert.NoError(t, err)
}

func TestRemoveDeletesUnvalidated(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()
	_, err := store.Put(ctx, testItem("a6", 20))
	require.NoError(t, err)

	require.NoError(t, store.Remove(ctx, "a6"))
	_, _, err = store.Get(ctx, "a6")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.LookupByFingerprint(ctx, 0xabc0+20)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestValidatedItemHasNoExpiryInCold(t *testing.T) {
	store, mr := testStore(t)
	ctx := context.Background()

	item := testItem("a7", 85)
	item.Validated = true
	_, err := store.Put(ctx, item)
	require.NoError(t, err)

	mr.FastForward(200 * 24 * time.Hour)

	got, foundTier, err := store.Get(ctx, "a7")
	require.NoError(t, err)
	assert.Equal(t, models.TierL3, foundTier)
	assert.True(t, got.Validated)
}

func TestLookupByFingerprint(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()
	item := testItem("a8", 55)
	item.Fingerprint = 0xdeadbeef
	_, err := store.Put(ctx, item)
	require.NoError(t, err)

	id, err := store.LookupByFingerprint(ctx, 0xdeadbeef)
	require.NoError(t, err)
	assert.Equal(t, "a8", id)
}

func TestQueryOrderingAndPagination(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	for i, score := range []int{30, 90, 60, 60, 10} {
		item := testItem(fmt.Sprintf("q%d", i), score)
		if i == 3 {
			// Same score as q2 but seen later: wins the tiebreak.
			item.LastSeen = item.LastSeen.Add(time.Hour)
		}
		_, err := store.Put(ctx, item)
		require.NoError(t, err)
	}

	res, err := store.Query(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Total)
	ids := make([]string, 0, len(res.Items))
	for _, it := range res.Items {
		ids = append(ids, it.ItemID)
	}
	assert.Equal(t, []string{"q1", "q3", "q2", "q0", "q4"}, ids)

	page, err := store.Query(ctx, Filter{Offset: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "q3", page.Items[0].ItemID)
	assert.Equal(t, "q2", page.Items[1].ItemID)
}

func TestQueryFilters(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	high := testItem("f1", 75)
	low := testItem("f2", 20)
	low.Category = models.CategoryPhishing
	low.IndustryTags = []string{"finance"}
	for _, it := range []*models.Item{high, low} {
		_, err := store.Put(ctx, it)
		require.NoError(t, err)
	}

	bySeverity, err := store.Query(ctx, Filter{Severities: []models.Severity{models.SeverityHigh}})
	require.NoError(t, err)
	require.Len(t, bySeverity.Items, 1)
	assert.Equal(t, "f1", bySeverity.Items[0].ItemID)

	byCategory, err := store.Query(ctx, Filter{Categories: []models.Category{models.CategoryPhishing}})
	require.NoError(t, err)
	require.Len(t, byCategory.Items, 1)
	assert.Equal(t, "f2", byCategory.Items[0].ItemID)

	byScore, err := store.Query(ctx, Filter{MinScore: 50})
	require.NoError(t, err)
	require.Len(t, byScore.Items, 1)
	assert.Equal(t, "f1", byScore.Items[0].ItemID)
}

func TestQueryIndustryBonusOrdersButNeverPersists(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	tagged := testItem("b1", 55)
	tagged.IndustryTags = []string{"healthcare"}
	plain := testItem("b2", 60)
	for _, it := range []*models.Item{tagged, plain} {
		_, err := store.Put(ctx, it)
		require.NoError(t, err)
	}

	res, err := store.Query(ctx, Filter{IndustryTags: []string{"healthcare"}})
	require.NoError(t, err)
	require.Len(t, res.Items, 2)
	// 55+10=65 beats 60; the stored score stays 55.
	assert.Equal(t, "b1", res.Items[0].ItemID)
	assert.Equal(t, 55, res.Items[0].Score)
}

func TestRecordInteractionIdempotentWithinSecond(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()
	_, err := store.Put(ctx, testItem("i1", 40))
	require.NoError(t, err)

	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }

	_, err = store.RecordInteraction(ctx, "i1", "alice", models.InteractionView)
	require.NoError(t, err)
	updated, err := store.RecordInteraction(ctx, "i1", "alice", models.InteractionView)
	require.NoError(t, err)
	assert.Equal(t, int64(1), updated.Interactions.Views.Count)

	store.now = func() time.Time { return fixed.Add(2 * time.Second) }
	updated, err = store.RecordInteraction(ctx, "i1", "alice", models.InteractionView)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Interactions.Views.Count)
}

func TestEscalationByDistinctActorsValidates(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()
	_, err := store.Put(ctx, testItem("i2", 40))
	require.NoError(t, err)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return base }
	first, err := store.RecordInteraction(ctx, "i2", "alice", models.InteractionEscalate)
	require.NoError(t, err)
	assert.False(t, first.Validated)

	store.now = func() time.Time { return base.Add(time.Minute) }
	second, err := store.RecordInteraction(ctx, "i2", "bob", models.InteractionEscalate)
	require.NoError(t, err)
	assert.True(t, second.Validated, "two distinct escalating actors validate")
	assert.Equal(t, []string{"alice", "bob"}, second.Interactions.EscalationActors)

	// Validated via escalation is pinned into the cold tier.
	_, err = store.LoadTier(ctx, models.TierL3, "i2")
	assert.NoError(t, err)
}

func TestWatermarkRoundtrip(t *testing.T) {
	store, _ := testStore(t)
	ctx := context.Background()

	missing, err := store.GetWatermark(ctx, "feed-a")
	require.NoError(t, err)
	assert.Equal(t, "feed-a", missing.SourceID)
	assert.True(t, missing.LastFetchedAt.IsZero())

	wm := models.Watermark{
		SourceID:      "feed-a",
		LastFetchedAt: time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC),
		ETag:          `"abc"`,
		Cursor:        "page2",
	}
	require.NoError(t, store.PutWatermark(ctx, wm))

	got, err := store.GetWatermark(ctx, "feed-a")
	require.NoError(t, err)
	assert.Equal(t, wm, got)
}

func TestWriteBufferReplaceDrainRequeue(t *testing.T) {
	b := newWriteBuffer(2)

	require.True(t, b.Add(testItem("b1", 70)))
	newer := testItem("b1", 70)
	newer.Confidence = 0.95
	require.True(t, b.Add(newer), "same id replaces the buffered version in place")
	assert.Equal(t, 1, b.Len())

	require.True(t, b.Add(testItem("b2", 70)))
	assert.True(t, b.Full())
	assert.False(t, b.Add(testItem("b3", 70)), "new ids are rejected at capacity")

	batch := b.Drain(10)
	require.Len(t, batch, 2)
	assert.Equal(t, "b1", batch[0].ItemID, "insertion order preserved")
	assert.Equal(t, 0.95, batch[0].Confidence)
	assert.Equal(t, "b2", batch[1].ItemID)

	// A failed flush puts the unwritten remainder back at the front.
	b.Requeue(batch[1:])
	assert.Equal(t, 1, b.Len())
	again := b.Drain(10)
	require.Len(t, again, 1)
	assert.Equal(t, "b2", again[0].ItemID)
}

func TestStoreOutageBuffersWritesUntilRecovery(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewWithClient(client, Config{Endpoint: mr.Addr(), BufferSize: 2}, metrics.NewRegistry(nil))
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()

	mr.Close()

	_, err := store.Put(ctx, testItem("o1", 70))
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrStore))
	assert.Equal(t, 1, store.BufferDepth())
	assert.False(t, store.Backpressure())

	_, err = store.Put(ctx, testItem("o2", 70))
	require.Error(t, err)
	assert.Equal(t, 2, store.BufferDepth())
	assert.True(t, store.Backpressure(), "full buffer raises backpressure")

	require.NoError(t, mr.Restart())

	flushed, err := store.FlushBuffer(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, flushed)
	assert.Equal(t, 0, store.BufferDepth())
	assert.False(t, store.Backpressure())

	for _, id := range []string{"o1", "o2"} {
		got, _, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, id, got.ItemID)
	}
}

func TestPruneStaleIndexEntries(t *testing.T) {
	store, mr := testStore(t)
	ctx := context.Background()

	item := testItem("p1", 35)
	_, err := store.Put(ctx, item)
	require.NoError(t, err)

	// Expire the item out of every tier; the score index entry goes stale.
	mr.FastForward(TTLCold + time.Hour)

	pruned, err := store.PruneStaleIndexEntries(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, pruned)
}
