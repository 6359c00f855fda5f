package periscope

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"

	"github.com/periscope-sec/periscope/internal/models"
)

// Watermarks live in the hot store without expiry; they are mutated only
// through these operations.

func watermarkKey(sourceID string) string { return "wm:" + sourceID }

// GetWatermark returns the persisted conditional-fetch state for a source.
// A missing watermark returns a zero value keyed to the source.
func (s *Store) GetWatermark(ctx context.Context, sourceID string) (models.Watermark, error) {
	data, err := s.rdb.Get(ctx, watermarkKey(sourceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.Watermark{SourceID: sourceID}, nil
	}
	if err != nil {
		s.metrics.StoreErrors.Inc()
		return models.Watermark{}, models.NewError(models.ErrStore, "get_watermark", err)
	}
	var wm models.Watermark
	if err := json.Unmarshal(data, &wm); err != nil {
		return models.Watermark{SourceID: sourceID}, nil
	}
	return wm, nil
}

// PutWatermark persists the watermark. Callers must not advance a watermark
// for items that have not been flushed to the store; during an outage this
// write fails, which is what preserves the replay.
func (s *Store) PutWatermark(ctx context.Context, wm models.Watermark) error {
	data, err := json.Marshal(wm)
	if err != nil {
		return err
	}
	if err := s.rdb.Set(ctx, watermarkKey(wm.SourceID), data, 0).Err(); err != nil {
		s.metrics.StoreErrors.Inc()
		return models.NewError(models.ErrStore, "put_watermark", err)
	}
	return nil
}
