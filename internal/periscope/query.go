package periscope

import (
	"context"
	"errors"
	"sort"

	"github.com/periscope-sec/periscope/internal/models"
	"github.com/periscope-sec/periscope/internal/score"
)

// Filter selects items for the downstream query surface. Zero values mean
// "no constraint". IndustryTags additionally apply the consumer-driven
// score bonus when matched.
type Filter struct {
	Severities   []models.Severity
	Categories   []models.Category
	SourceIDs    []string
	Tags         []string
	IndustryTags []string
	MinScore     int
	MaxScore     int

	Offset int
	Limit  int
}

// QueryResult carries one page of matches plus the total count.
type QueryResult struct {
	Items []*models.Item
	Total int
}

// queryCandidate pairs an item with its query-time effective score.
type queryCandidate struct {
	item      *models.Item
	effective int
}

// Query filters the corpus and returns items ordered by (score desc,
// last_seen desc, item_id asc). The score ordering uses the query-time
// industry bonus; the persisted score is never mutated. Reads do not
// auto-promote: promotion is a Get-path contract.
func (s *Store) Query(ctx context.Context, f Filter) (*QueryResult, error) {
	ids, err := s.rdb.ZRevRange(ctx, "idx:score", 0, -1).Result()
	if err != nil {
		s.metrics.StoreErrors.Inc()
		return nil, models.NewError(models.ErrStore, "query", err)
	}

	candidates := make([]queryCandidate, 0, len(ids))
	for _, id := range ids {
		item, _, err := s.loadAny(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Expired in all tiers; the index entry is stale and will be
			// pruned by the decay worker.
			continue
		}
		if err != nil {
			return nil, err
		}
		if !matches(item, f) {
			continue
		}
		eff := item.Score + score.IndustryBonus(item, f.IndustryTags)
		if eff > 100 {
			eff = 100
		}
		candidates = append(candidates, queryCandidate{item: item, effective: eff})
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.effective != b.effective {
			return a.effective > b.effective
		}
		if !a.item.LastSeen.Equal(b.item.LastSeen) {
			return a.item.LastSeen.After(b.item.LastSeen)
		}
		return a.item.ItemID < b.item.ItemID
	})

	total := len(candidates)
	start := f.Offset
	if start > total {
		start = total
	}
	end := total
	if f.Limit > 0 && start+f.Limit < end {
		end = start + f.Limit
	}

	items := make([]*models.Item, 0, end-start)
	for _, c := range candidates[start:end] {
		items = append(items, c.item)
	}
	return &QueryResult{Items: items, Total: total}, nil
}

func matches(item *models.Item, f Filter) bool {
	if len(f.Severities) > 0 && !containsSeverity(f.Severities, item.Severity) {
		return false
	}
	if len(f.Categories) > 0 && !containsCategory(f.Categories, item.Category) {
		return false
	}
	if len(f.SourceIDs) > 0 {
		hit := false
		for _, sid := range f.SourceIDs {
			if item.HasSource(sid) {
				hit = true
				break
			}
		}
		if !hit {
			return false
		}
	}
	if len(f.Tags) > 0 {
		hit := false
		for _, want := range f.Tags {
			for _, have := range item.IndustryTags {
				if want == have {
					hit = true
					break
				}
			}
		}
		if !hit {
			return false
		}
	}
	if f.MinScore > 0 && item.Score < f.MinScore {
		return false
	}
	if f.MaxScore > 0 && item.Score > f.MaxScore {
		return false
	}
	return true
}

func containsSeverity(list []models.Severity, v models.Severity) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func containsCategory(list []models.Category, v models.Category) bool {
	for _, c := range list {
		if c == v {
			return true
		}
	}
	return false
}
