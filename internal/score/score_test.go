package score

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/periscope-sec/periscope/internal/models"
)

func newVulnItem(now time.Time) *models.Item {
	published := now.Add(-2 * time.Hour)
	return &models.Item{
		ItemID:      "item-1",
		Title:       "Critical RCE in ExampleCorp Gateway",
		Category:    models.CategoryVulnerability,
		PublishedAt: &published,
		Sources: []models.SourceRef{
			{SourceID: "feed-a", Credibility: 0.9, SeenAt: now},
			{SourceID: "feed-b", Credibility: 0.6, SeenAt: now},
		},
	}
}

func TestComputeVulnerabilityFreshTwoSources(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	item := newVulnItem(now)

	// round(30*0.9)=27 + category 20 + iocs 0 + recency 15 = 62
	score, severity := Compute(item, now)
	assert.Equal(t, 62, score)
	assert.Equal(t, models.SeverityHigh, severity)
}

func TestComputeCapsAtHundred(t *testing.T) {
	now := time.Now()
	published := now.Add(-time.Hour)
	item := &models.Item{
		Category:    models.CategoryRansomware,
		PublishedAt: &published,
		Sources:     []models.SourceRef{{SourceID: "s", Credibility: 1.0}},
		IOCs: models.IOCSet{
			IPs:     []string{"10.0.0.1"},
			Domains: []string{"evil.example.com"},
			Hashes:  []string{"d41d8cd98f00b204e9800998ecf8427e"},
			CVEs:    []string{"CVE-2026-0001", "CVE-2026-0002", "CVE-2026-0003", "CVE-2026-0004", "CVE-2026-0005", "CVE-2026-0006", "CVE-2026-0007"},
		},
		Interactions: models.Interactions{Escalations: models.Counter{Count: 9}},
	}

	score, severity := Compute(item, now)
	assert.Equal(t, 100, score)
	assert.Equal(t, models.SeverityCritical, severity)
}

func TestIOCContributionCapped(t *testing.T) {
	iocs := models.IOCSet{
		IPs:    []string{"10.0.0.1"},
		CVEs:   []string{"CVE-2026-0001", "CVE-2026-0002"},
		Hashes: []string{"d41d8cd98f00b204e9800998ecf8427e"},
	}
	// 3 kinds * 2 + 2 CVEs * 2 = 10
	assert.Equal(t, 10, iocContribution(iocs))

	many := models.IOCSet{CVEs: []string{
		"CVE-2026-1", "CVE-2026-2", "CVE-2026-3", "CVE-2026-4", "CVE-2026-5",
		"CVE-2026-6", "CVE-2026-7", "CVE-2026-8", "CVE-2026-9", "CVE-2026-10",
	}}
	assert.Equal(t, 20, iocContribution(many))
}

func TestRecencyBuckets(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name string
		age  time.Duration
		want int
	}{
		{"fresh", 12 * time.Hour, 15},
		{"recent", 48 * time.Hour, 10},
		{"stale", 100 * time.Hour, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			published := now.Add(-tc.age)
			assert.Equal(t, tc.want, recencyContribution(&published, now))
		})
	}
	assert.Equal(t, 0, recencyContribution(nil, now))
}

func TestRecomputeScalesByConfidence(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	item := newVulnItem(now)
	item.Confidence = 0.5

	full, _ := Compute(item, now)
	decayed, _ := Recompute(item, now)
	assert.Less(t, decayed, full)
	// round(30*0.9*0.5)=14 + 20 + 15 = 49
	assert.Equal(t, 49, decayed)
}

func TestSeverityThresholds(t *testing.T) {
	assert.Equal(t, models.SeverityLow, models.SeverityForScore(24))
	assert.Equal(t, models.SeverityMedium, models.SeverityForScore(25))
	assert.Equal(t, models.SeverityMedium, models.SeverityForScore(49))
	assert.Equal(t, models.SeverityHigh, models.SeverityForScore(50))
	assert.Equal(t, models.SeverityHigh, models.SeverityForScore(79))
	assert.Equal(t, models.SeverityCritical, models.SeverityForScore(80))
}

func TestIndustryBonusAppliesOnIntersection(t *testing.T) {
	item := &models.Item{IndustryTags: []string{"finance", "healthcare"}}
	assert.Equal(t, 10, IndustryBonus(item, []string{"healthcare"}))
	assert.Equal(t, 0, IndustryBonus(item, []string{"energy"}))
	assert.Equal(t, 0, IndustryBonus(item, nil))
	assert.Equal(t, 0, IndustryBonus(&models.Item{}, []string{"finance"}))
}
