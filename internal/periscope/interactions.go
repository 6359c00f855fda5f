package periscope

import (
	"context"
	"fmt"
	"sort"

	"github.com/periscope-sec/periscope/internal/models"
	"github.com/periscope-sec/periscope/internal/score"
)

// escalation thresholds that flip an item to validated.
const (
	validateEscalations    = 3
	validateDistinctActors = 2
)

// RecordInteraction atomically bumps the counter for kind. Two identical
// (id, actor, kind) calls within the same second are idempotent; across
// seconds they are additive. Escalations can flip the item to validated,
// which also pins it into the cold tier via the update write path.
func (s *Store) RecordInteraction(ctx context.Context, id, actor string, kind models.InteractionKind) (*models.Item, error) {
	now := s.now().UTC()

	updated, err := s.Update(ctx, id, func(item *models.Item) error {
		var counter *models.Counter
		switch kind {
		case models.InteractionView:
			counter = &item.Interactions.Views
		case models.InteractionEscalate:
			counter = &item.Interactions.Escalations
		case models.InteractionDismiss:
			counter = &item.Interactions.Dismissals
		default:
			return fmt.Errorf("unknown interaction kind %q", kind)
		}

		// Same actor, same kind, same second: duplicate delivery, drop it.
		if counter.LastActor == actor && counter.LastAt.Unix() == now.Unix() {
			return nil
		}

		counter.Count++
		counter.LastActor = actor
		counter.LastAt = now

		if kind == models.InteractionEscalate {
			item.Interactions.EscalationActors = addActor(item.Interactions.EscalationActors, actor)
			if item.Interactions.Escalations.Count >= validateEscalations ||
				len(item.Interactions.EscalationActors) >= validateDistinctActors {
				item.Validated = true
			}
			item.Score, item.Severity = score.Compute(item, now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.Interactions.WithLabelValues(string(kind)).Inc()
	return updated, nil
}

func addActor(actors []string, actor string) []string {
	for _, a := range actors {
		if a == actor {
			return actors
		}
	}
	actors = append(actors, actor)
	sort.Strings(actors)
	return actors
}
