package dedupe

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/periscope-sec/periscope/internal/metrics"
	"github.com/periscope-sec/periscope/internal/models"
	"github.com/periscope-sec/periscope/internal/periscope"
)

func testDeduper(t *testing.T) (*Deduper, *periscope.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := periscope.NewWithClient(client, periscope.Config{Endpoint: mr.Addr()}, metrics.NewRegistry(nil))
	t.Cleanup(func() { store.Close() })
	return New(DefaultConfig(), store, metrics.NewRegistry(nil)), store
}

func incomingItem(id string, fp uint64, sourceID string, cred float64, seen time.Time) *models.Item {
	published := seen.Add(-2 * time.Hour)
	return &models.Item{
		ItemID:      id,
		Fingerprint: fp,
		Title:       "Critical RCE in ExampleCorp Gateway",
		URL:         "https://example.com/rce-advisory",
		PublishedAt: &published,
		FirstSeen:   seen,
		LastSeen:    seen,
		Sources:     []models.SourceRef{{SourceID: sourceID, Credibility: cred, SeenAt: seen}},
		Category:    models.CategoryVulnerability,
		Confidence:  cred,
		Tier:        models.TierL1,
	}
}

func TestApplyNewItemScoresAndStores(t *testing.T) {
	d, store := testDeduper(t)
	ctx := context.Background()
	seen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return seen }

	stored, outcome, err := d.Apply(ctx, incomingItem("n1", 0x1111, "feed-a", 0.9, seen))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNew, outcome)
	// round(30*0.9)=27 + category 20 + recency 15 = 62
	assert.Equal(t, 62, stored.Score)
	assert.Equal(t, models.SeverityHigh, stored.Severity)

	_, _, err = store.Get(ctx, "n1")
	assert.NoError(t, err)
}

func TestApplyTwoSourcesCombinesConfidence(t *testing.T) {
	d, _ := testDeduper(t)
	ctx := context.Background()
	seen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return seen }

	_, _, err := d.Apply(ctx, incomingItem("m1", 0x2222, "feed-a", 0.9, seen))
	require.NoError(t, err)

	merged, outcome, err := d.Apply(ctx, incomingItem("m1", 0x2222, "feed-b", 0.6, seen.Add(time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReobservation, outcome)
	require.Len(t, merged.Sources, 2)
	// 1 - (1-0.9)*(1-0.6) = 0.96
	assert.InDelta(t, 0.96, merged.Confidence, 1e-9)
	assert.False(t, merged.Validated)
	assert.Equal(t, 62, merged.Score)
}

func TestApplyReobservationIdempotentPerSource(t *testing.T) {
	d, _ := testDeduper(t)
	ctx := context.Background()
	seen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return seen }

	_, _, err := d.Apply(ctx, incomingItem("m2", 0x3333, "feed-a", 0.9, seen))
	require.NoError(t, err)
	merged, outcome, err := d.Apply(ctx, incomingItem("m2", 0x3333, "feed-a", 0.9, seen.Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReobservation, outcome)
	require.Len(t, merged.Sources, 1)
	assert.InDelta(t, 0.9, merged.Confidence, 1e-9)
	assert.Equal(t, seen.Add(time.Hour), merged.LastSeen)
}

func TestThreeSourcesValidate(t *testing.T) {
	d, _ := testDeduper(t)
	ctx := context.Background()
	seen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return seen }

	_, _, err := d.Apply(ctx, incomingItem("m3", 0x4444, "feed-a", 0.9, seen))
	require.NoError(t, err)
	two, _, err := d.Apply(ctx, incomingItem("m3", 0x4444, "feed-b", 0.6, seen))
	require.NoError(t, err)
	assert.False(t, two.Validated)
	three, _, err := d.Apply(ctx, incomingItem("m3", 0x4444, "feed-c", 0.5, seen))
	require.NoError(t, err)
	assert.True(t, three.Validated)
}

func TestNearDuplicateWithinHammingBoundMerges(t *testing.T) {
	d, _ := testDeduper(t)
	ctx := context.Background()
	seen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return seen }

	base := incomingItem("nd1", 0b1111000, "feed-a", 0.8, seen)
	_, _, err := d.Apply(ctx, base)
	require.NoError(t, err)

	// Distance 3: different identity, similar content.
	similar := incomingItem("nd2", 0b1111000^0b0000111, "feed-b", 0.6, seen.Add(time.Minute))
	similar.URL = "https://mirror.example.org/rce-advisory"
	merged, outcome, err := d.Apply(ctx, similar)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNearDuplicate, outcome)
	assert.Equal(t, "nd1", merged.ItemID)
	assert.Len(t, merged.Sources, 2)
}

func TestNearDuplicateBeyondHammingBoundStaysSeparate(t *testing.T) {
	d, _ := testDeduper(t)
	ctx := context.Background()
	seen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return seen }

	_, _, err := d.Apply(ctx, incomingItem("nd3", 0b1111000, "feed-a", 0.8, seen))
	require.NoError(t, err)

	// Distance 4: not a near duplicate.
	far := incomingItem("nd4", 0b1111000^0b0001111, "feed-b", 0.6, seen.Add(time.Minute))
	far.URL = "https://other.example.org/story"
	stored, outcome, err := d.Apply(ctx, far)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNew, outcome)
	assert.Equal(t, "nd4", stored.ItemID)
}

func TestNearDuplicateOutsideWindowStaysSeparate(t *testing.T) {
	d, _ := testDeduper(t)
	ctx := context.Background()
	old := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return old }

	_, _, err := d.Apply(ctx, incomingItem("w1", 0b1010, "feed-a", 0.8, old))
	require.NoError(t, err)

	// 40 days later: past the 30-day near-duplicate window. The exact
	// fingerprint also differs, so only the NN path could match.
	now := old.Add(40 * 24 * time.Hour)
	d.now = func() time.Time { return now }
	late := incomingItem("w2", 0b1010^0b1, "feed-b", 0.6, now)
	late.URL = "https://late.example.org/story"
	_, outcome, err := d.Apply(ctx, late)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNew, outcome)
}

func TestMergeUnionsIOCsAndTags(t *testing.T) {
	d, _ := testDeduper(t)
	ctx := context.Background()
	seen := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return seen }

	first := incomingItem("u1", 0x5555, "feed-a", 0.8, seen)
	first.IOCs = models.IOCSet{Domains: []string{"a.example.com"}}
	first.IndustryTags = []string{"finance"}
	_, _, err := d.Apply(ctx, first)
	require.NoError(t, err)

	second := incomingItem("u1", 0x5555, "feed-b", 0.5, seen)
	second.IOCs = models.IOCSet{Domains: []string{"b.example.com"}, CVEs: []string{"CVE-2026-1"}}
	second.IndustryTags = []string{"energy"}
	merged, _, err := d.Apply(ctx, second)
	require.NoError(t, err)

	assert.Equal(t, []string{"a.example.com", "b.example.com"}, merged.IOCs.Domains)
	assert.Equal(t, []string{"CVE-2026-1"}, merged.IOCs.CVEs)
	assert.Equal(t, []string{"energy", "finance"}, merged.IndustryTags)
}
