// Package score assigns each item a priority in [0,100] and the derived
// severity, feeding tier promotion decisions and analyst-facing views.
package score

import (
	"math"
	"time"

	"github.com/periscope-sec/periscope/internal/models"
)

// categoryWeights are the bounded per-category contributions.
var categoryWeights = map[models.Category]int{
	models.CategoryVulnerability: 20,
	models.CategoryRansomware:    25,
	models.CategoryBreach:        20,
	models.CategoryMalware:       15,
	models.CategoryPhishing:      10,
	models.CategoryAPT:           20,
	models.CategoryAdvisory:      10,
	models.CategoryOther:         0,
}

const (
	credibilityWeight = 30
	iocCap            = 20
	interactionCap    = 10
	industryBonus     = 10
	maxScore          = 100
)

// Compute returns the item's score and severity at the given time. The
// credibility contribution uses the item's strongest source.
func Compute(item *models.Item, now time.Time) (int, models.Severity) {
	return compute(item, now, item.MaxCredibility())
}

// Recompute is the decay-path variant: the credibility contribution is
// scaled by the item's current confidence.
func Recompute(item *models.Item, now time.Time) (int, models.Severity) {
	return compute(item, now, item.MaxCredibility()*item.Confidence)
}

func compute(item *models.Item, now time.Time, credFactor float64) (int, models.Severity) {
	score := int(math.Round(credibilityWeight * credFactor))
	score += categoryWeights[item.Category]
	score += iocContribution(item.IOCs)
	score += recencyContribution(item.PublishedAt, now)
	score += interactionContribution(item.Interactions)

	if score > maxScore {
		score = maxScore
	}
	if score < 0 {
		score = 0
	}
	return score, models.SeverityForScore(score)
}

// Apply recomputes and stores score and severity on the item.
func Apply(item *models.Item, now time.Time) {
	item.Score, item.Severity = Compute(item, now)
}

func iocContribution(iocs models.IOCSet) int {
	c := 2*iocs.Kinds() + 2*len(iocs.CVEs)
	if c > iocCap {
		return iocCap
	}
	return c
}

func recencyContribution(publishedAt *time.Time, now time.Time) int {
	if publishedAt == nil {
		return 0
	}
	age := now.Sub(*publishedAt)
	switch {
	case age <= 24*time.Hour:
		return 15
	case age <= 72*time.Hour:
		return 10
	default:
		return 0
	}
}

func interactionContribution(in models.Interactions) int {
	c := 2 * int(in.Escalations.Count)
	if c > interactionCap {
		return interactionCap
	}
	return c
}

// IndustryBonus returns the consumer-driven +10 bonus when the item's
// industry tags intersect the subscriber's filter. Applied at query time,
// never persisted.
func IndustryBonus(item *models.Item, filterTags []string) int {
	if len(filterTags) == 0 || len(item.IndustryTags) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(filterTags))
	for _, t := range filterTags {
		set[t] = struct{}{}
	}
	for _, t := range item.IndustryTags {
		if _, ok := set[t]; ok {
			return industryBonus
		}
	}
	return 0
}
