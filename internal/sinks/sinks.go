// Package sinks fans validated and scored items out to downstream consumers:
// the relational graph store and the vector index. Sink failures never block
// the pipeline; failed deliveries land in a bounded per-sink dead-letter
// queue and are retried in the background.
package sinks

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/periscope-sec/periscope/internal/metrics"
	"github.com/periscope-sec/periscope/internal/models"
)

const (
	deliverRetryMax  = 4
	deliverRetryBase = 500 * time.Millisecond
	deadLetterMax    = 1000
	redriveInterval  = time.Minute
)

// Sink delivers one item to a downstream consumer.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, item *models.Item) error
}

// deadLetter is one failed delivery parked for redrive.
type deadLetter struct {
	ID       string
	Item     *models.Item
	Reason   string
	FirstAt  time.Time
	Attempts int
}

type sinkState struct {
	sink    Sink
	breaker *gobreaker.CircuitBreaker

	mu  sync.Mutex
	dlq []deadLetter
}

// Dispatcher drives delivery to all registered sinks with retry, a per-sink
// circuit breaker, and dead-lettering.
type Dispatcher struct {
	sinks   []*sinkState
	metrics *metrics.Registry
}

// NewDispatcher wires the sinks.
func NewDispatcher(m *metrics.Registry, sinks ...Sink) *Dispatcher {
	if m == nil {
		m = metrics.Default()
	}
	d := &Dispatcher{metrics: m}
	for _, s := range sinks {
		d.sinks = append(d.sinks, &sinkState{
			sink: s,
			breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
				Name:    "sink-" + s.Name(),
				Timeout: 30 * time.Second,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					return counts.ConsecutiveFailures >= 5
				},
			}),
		})
	}
	return d
}

// Dispatch delivers the item to every sink. Failures are dead-lettered, never
// returned; the pipeline does not stall on a slow consumer.
func (d *Dispatcher) Dispatch(ctx context.Context, item *models.Item) {
	for _, st := range d.sinks {
		if err := d.deliver(ctx, st, item); err != nil {
			d.metrics.SinkFailures.WithLabelValues(st.sink.Name()).Inc()
			d.park(st, item, err.Error())
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, st *sinkState, item *models.Item) error {
	var lastErr error
	for attempt := 0; attempt < deliverRetryMax; attempt++ {
		if attempt > 0 {
			wait := time.Duration(float64(deliverRetryBase<<(attempt-1)) * (0.75 + rand.Float64()*0.5))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		_, err := st.breaker.Execute(func() (any, error) {
			return nil, st.sink.Deliver(ctx, item)
		})
		if err == nil {
			return nil
		}
		lastErr = err
		if err == gobreaker.ErrOpenState {
			// Breaker open: retrying within this dispatch cannot help.
			return err
		}
	}
	return lastErr
}

// park appends to the sink's dead-letter queue, dropping the oldest entry
// when full.
func (d *Dispatcher) park(st *sinkState, item *models.Item, reason string) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if len(st.dlq) >= deadLetterMax {
		st.dlq = st.dlq[1:]
	}
	st.dlq = append(st.dlq, deadLetter{
		ID:       uuid.NewString(),
		Item:     item.Clone(),
		Reason:   reason,
		FirstAt:  time.Now(),
		Attempts: 1,
	})
	d.metrics.DeadLetterSize.WithLabelValues(st.sink.Name()).Set(float64(len(st.dlq)))
	log.Warn().Str("sink", st.sink.Name()).Str("item_id", item.ItemID).Str("reason", reason).Msg("Delivery dead-lettered")
}

// RunRedrive periodically retries dead-lettered deliveries until ctx is
// cancelled.
func (d *Dispatcher) RunRedrive(ctx context.Context) {
	ticker := time.NewTicker(redriveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, st := range d.sinks {
				d.redrive(ctx, st)
			}
		}
	}
}

func (d *Dispatcher) redrive(ctx context.Context, st *sinkState) {
	st.mu.Lock()
	batch := st.dlq
	st.dlq = nil
	st.mu.Unlock()

	var remaining []deadLetter
	for _, dl := range batch {
		if _, err := st.breaker.Execute(func() (any, error) {
			return nil, st.sink.Deliver(ctx, dl.Item)
		}); err != nil {
			dl.Attempts++
			remaining = append(remaining, dl)
			continue
		}
	}

	st.mu.Lock()
	st.dlq = append(remaining, st.dlq...)
	depth := len(st.dlq)
	st.mu.Unlock()
	d.metrics.DeadLetterSize.WithLabelValues(st.sink.Name()).Set(float64(depth))
	if redelivered := len(batch) - len(remaining); redelivered > 0 {
		log.Info().Str("sink", st.sink.Name()).Int("redelivered", redelivered).Int("remaining", depth).Msg("Dead-letter redrive complete")
	}
}

// DeadLetterDepth reports the queue depth for one sink, for the debug
// surface.
func (d *Dispatcher) DeadLetterDepth(name string) int {
	for _, st := range d.sinks {
		if st.sink.Name() == name {
			st.mu.Lock()
			defer st.mu.Unlock()
			return len(st.dlq)
		}
	}
	return 0
}
