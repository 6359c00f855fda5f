// Package metrics holds the Prometheus instrumentation shared by the
// pipeline stages.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds all Prometheus metrics for the periscope pipeline.
type Registry struct {
	// Collection engine
	FetchAttempts *prometheus.CounterVec
	FetchRetries  *prometheus.CounterVec
	FetchLatency  *prometheus.HistogramVec
	ItemsEmitted  *prometheus.CounterVec
	JobPanics     prometheus.Counter

	// Normalization and dedupe
	ParseErrors  *prometheus.CounterVec
	ItemsDropped prometheus.Counter
	DedupeMerges *prometheus.CounterVec

	// Periscope store
	StoreWrites    *prometheus.CounterVec
	StoreErrors    prometheus.Counter
	TierHits       *prometheus.CounterVec
	Promotions     *prometheus.CounterVec
	BufferDepth    prometheus.Gauge
	BufferDropped  prometheus.Counter
	L3Backpressure prometheus.Gauge

	// Decay worker
	DecayedItems prometheus.Counter
	TierMoves    *prometheus.CounterVec

	// Sinks
	SinkFailures   *prometheus.CounterVec
	DeadLetterSize *prometheus.GaugeVec

	// Interactions
	Interactions *prometheus.CounterVec
}

// NewRegistry creates the pipeline metrics and registers them with reg.
func NewRegistry(reg prometheus.Registerer) *Registry {
	r := &Registry{
		FetchAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "periscope_fetch_attempts_total",
				Help: "Fetch attempts by source and outcome",
			},
			[]string{"source", "outcome"},
		),
		FetchRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "periscope_fetch_retries_total",
				Help: "Fetch retries by source",
			},
			[]string{"source"},
		),
		FetchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "periscope_fetch_duration_seconds",
				Help:    "Fetch duration by source kind",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"kind"},
		),
		ItemsEmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "periscope_items_emitted_total",
				Help: "Raw items emitted to the pipeline by source",
			},
			[]string{"source"},
		),
		JobPanics: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "periscope_fetch_panics_total",
				Help: "Fetch jobs terminated by a recovered panic",
			},
		),
		ParseErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "periscope_parse_errors_total",
				Help: "Normalization failures by reason",
			},
			[]string{"reason"},
		),
		ItemsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "periscope_items_dropped_total",
				Help: "Raw items dropped during normalization",
			},
		),
		DedupeMerges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "periscope_dedupe_merges_total",
				Help: "Dedupe outcomes: new, reobservation, near_duplicate",
			},
			[]string{"kind"},
		),
		StoreWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "periscope_store_writes_total",
				Help: "Store writes by tier",
			},
			[]string{"tier"},
		),
		StoreErrors: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "periscope_store_errors_total",
				Help: "Key-value engine failures",
			},
		),
		TierHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "periscope_tier_hits_total",
				Help: "Read hits by tier",
			},
			[]string{"tier"},
		),
		Promotions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "periscope_promotions_total",
				Help: "Auto-promotions on read by origin tier",
			},
			[]string{"from"},
		),
		BufferDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "periscope_store_buffer_depth",
				Help: "Pending writes buffered during store outage",
			},
		),
		BufferDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "periscope_store_buffer_rejected_total",
				Help: "Writes rejected because the outage buffer was full",
			},
		),
		L3Backpressure: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "periscope_l3_backpressure",
				Help: "1 when validated items exceed the L3 budget",
			},
		),
		DecayedItems: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "periscope_decayed_items_total",
				Help: "Items whose confidence was reduced by the decay worker",
			},
		),
		TierMoves: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "periscope_tier_moves_total",
				Help: "Tier transitions by from/to",
			},
			[]string{"from", "to"},
		),
		SinkFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "periscope_sink_failures_total",
				Help: "Downstream sink failures by sink",
			},
			[]string{"sink"},
		),
		DeadLetterSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "periscope_sink_dead_letter_depth",
				Help: "Dead-letter queue depth by sink",
			},
			[]string{"sink"},
		),
		Interactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "periscope_interactions_total",
				Help: "Analyst interactions by kind",
			},
			[]string{"kind"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			r.FetchAttempts, r.FetchRetries, r.FetchLatency, r.ItemsEmitted, r.JobPanics,
			r.ParseErrors, r.ItemsDropped, r.DedupeMerges,
			r.StoreWrites, r.StoreErrors, r.TierHits, r.Promotions,
			r.BufferDepth, r.BufferDropped, r.L3Backpressure,
			r.DecayedItems, r.TierMoves,
			r.SinkFailures, r.DeadLetterSize, r.Interactions,
		)
	}
	return r
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
)

// Default returns the process-wide registry backed by the default Prometheus
// registerer. Tests construct their own via NewRegistry(nil).
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultReg = NewRegistry(prometheus.DefaultRegisterer)
	})
	return defaultReg
}
