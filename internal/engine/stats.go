package engine

import (
	"sort"
	"sync"
	"time"
)

// SourceStats accumulates per-source fetch counters for the debug surface.
type SourceStats struct {
	Attempted    int64     `json:"attempted"`
	Succeeded    int64     `json:"succeeded"`
	Retried      int64     `json:"retried"`
	Failed       int64     `json:"failed"`
	ItemsEmitted int64     `json:"items_emitted"`
	LastOutcome  string    `json:"last_outcome,omitempty"`
	LastRun      time.Time `json:"last_run,omitempty"`
}

// Stats is a point-in-time snapshot of the engine's counters.
type Stats struct {
	Sources      map[string]SourceStats `json:"sources"`
	LatencyP50MS float64                `json:"latency_p50_ms"`
	LatencyP95MS float64                `json:"latency_p95_ms"`
	LatencyP99MS float64                `json:"latency_p99_ms"`
	InFlight     int64                  `json:"in_flight"`
}

const latencyRingSize = 1024

// statsTracker keeps counters and a bounded ring of recent fetch latencies.
type statsTracker struct {
	mu        sync.Mutex
	sources   map[string]*SourceStats
	latencies []time.Duration
	ringNext  int
	inFlight  int64
}

func newStatsTracker() *statsTracker {
	return &statsTracker{
		sources:   make(map[string]*SourceStats),
		latencies: make([]time.Duration, 0, latencyRingSize),
	}
}

func (t *statsTracker) source(id string) *SourceStats {
	st, ok := t.sources[id]
	if !ok {
		st = &SourceStats{}
		t.sources[id] = st
	}
	return st
}

func (t *statsTracker) recordAttempt(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.source(id).Attempted++
	t.inFlight++
}

func (t *statsTracker) recordRetry(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.source(id).Retried++
}

func (t *statsTracker) recordDone(id, outcome string, succeeded bool, emitted int, latency time.Duration, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.source(id)
	if succeeded {
		st.Succeeded++
	} else {
		st.Failed++
	}
	st.ItemsEmitted += int64(emitted)
	st.LastOutcome = outcome
	st.LastRun = at
	t.inFlight--

	if len(t.latencies) < latencyRingSize {
		t.latencies = append(t.latencies, latency)
	} else {
		t.latencies[t.ringNext] = latency
		t.ringNext = (t.ringNext + 1) % latencyRingSize
	}
}

func (t *statsTracker) snapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := Stats{Sources: make(map[string]SourceStats, len(t.sources)), InFlight: t.inFlight}
	for id, st := range t.sources {
		out.Sources[id] = *st
	}
	if len(t.latencies) > 0 {
		sorted := make([]time.Duration, len(t.latencies))
		copy(sorted, t.latencies)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		out.LatencyP50MS = percentileMS(sorted, 0.50)
		out.LatencyP95MS = percentileMS(sorted, 0.95)
		out.LatencyP99MS = percentileMS(sorted, 0.99)
	}
	return out
}

func percentileMS(sorted []time.Duration, p float64) float64 {
	idx := int(p * float64(len(sorted)-1))
	return float64(sorted[idx]) / float64(time.Millisecond)
}
