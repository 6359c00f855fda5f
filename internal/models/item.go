package models

import (
	"sort"
	"time"
)

// Tier identifies a Periscope storage tier.
type Tier string

const (
	TierL1 Tier = "L1" // hot, 1h TTL
	TierL2 Tier = "L2" // warm, 7d TTL
	TierL3 Tier = "L3" // cold, 90d TTL (validated items never expire)
)

// Category classifies an intelligence item.
type Category string

const (
	CategoryVulnerability Category = "VULNERABILITY"
	CategoryMalware       Category = "MALWARE"
	CategoryBreach        Category = "BREACH"
	CategoryRansomware    Category = "RANSOMWARE"
	CategoryPhishing      Category = "PHISHING"
	CategoryAPT           Category = "APT"
	CategoryAdvisory      Category = "ADVISORY"
	CategoryOther         Category = "OTHER"
)

// Severity is the coarse projection of an item's score.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// SeverityForScore maps a score to its severity bucket at thresholds {25, 50, 80}.
func SeverityForScore(score int) Severity {
	switch {
	case score < 25:
		return SeverityLow
	case score < 50:
		return SeverityMedium
	case score < 80:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// SourceRef records one source's observation of an item. Credibility is
// captured at observation time so removing a source from the registry never
// orphans the items it reported.
type SourceRef struct {
	SourceID    string    `json:"source_id"`
	SeenAt      time.Time `json:"seen_at"`
	Credibility float64   `json:"credibility"`
}

// IOCSet holds the indicators extracted from an item. Each slice is kept
// sorted and deduplicated.
type IOCSet struct {
	IPs     []string `json:"ips"`
	Domains []string `json:"domains"`
	URLs    []string `json:"urls"`
	Hashes  []string `json:"hashes"`
	Emails  []string `json:"emails"`
	CVEs    []string `json:"cves"`
}

// Kinds returns the number of IOC kinds that are non-empty.
func (s IOCSet) Kinds() int {
	n := 0
	for _, set := range [][]string{s.IPs, s.Domains, s.URLs, s.Hashes, s.Emails, s.CVEs} {
		if len(set) > 0 {
			n++
		}
	}
	return n
}

// Empty reports whether no indicators were extracted.
func (s IOCSet) Empty() bool {
	return s.Kinds() == 0
}

// Merge folds other into s, keeping each set sorted and deduplicated.
func (s IOCSet) Merge(other IOCSet) IOCSet {
	return IOCSet{
		IPs:     mergeSorted(s.IPs, other.IPs),
		Domains: mergeSorted(s.Domains, other.Domains),
		URLs:    mergeSorted(s.URLs, other.URLs),
		Hashes:  mergeSorted(s.Hashes, other.Hashes),
		Emails:  mergeSorted(s.Emails, other.Emails),
		CVEs:    mergeSorted(s.CVEs, other.CVEs),
	}
}

func mergeSorted(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, v := range a {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	for _, v := range b {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

// Counter tracks one interaction kind with last-actor attribution.
type Counter struct {
	Count     int64     `json:"count"`
	LastActor string    `json:"last_actor,omitempty"`
	LastAt    time.Time `json:"last_at,omitempty"`
}

// Interactions aggregates analyst activity on an item. EscalationActors is
// the distinct set of actors that escalated, kept sorted.
type Interactions struct {
	Views            Counter  `json:"views"`
	Escalations      Counter  `json:"escalations"`
	Dismissals       Counter  `json:"dismissals"`
	EscalationActors []string `json:"escalation_actors,omitempty"`
}

// InteractionKind enumerates the recordable analyst interactions.
type InteractionKind string

const (
	InteractionView     InteractionKind = "view"
	InteractionEscalate InteractionKind = "escalate"
	InteractionDismiss  InteractionKind = "dismiss"
)

// Item is the canonical intelligence record, the atomic unit of the pipeline
// and the tiered store. ItemID is immutable for the lifetime of the item.
type Item struct {
	ItemID      string    `json:"item_id"`
	Fingerprint uint64    `json:"fingerprint"`

	Title       string     `json:"title"`
	Body        string     `json:"body"`
	URL         string     `json:"url"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	FirstSeen   time.Time  `json:"first_seen"`
	LastSeen    time.Time  `json:"last_seen"`

	Sources []SourceRef `json:"sources"`

	Category   Category `json:"category"`
	Severity   Severity `json:"severity"`
	Score      int      `json:"score"`
	Confidence float64  `json:"confidence"`
	Validated  bool     `json:"validated"`

	IOCs         IOCSet       `json:"iocs"`
	IndustryTags []string     `json:"industry_tags,omitempty"`
	Interactions Interactions `json:"interactions"`

	Tier      Tier      `json:"tier"`
	TierSince time.Time `json:"tier_since"`

	// Flags records normalization anomalies (e.g. published_at fallback,
	// encoding replacement, body truncation).
	Flags []string `json:"flags,omitempty"`
}

// HasSource reports whether sourceID already appears in Sources.
func (it *Item) HasSource(sourceID string) bool {
	for _, ref := range it.Sources {
		if ref.SourceID == sourceID {
			return true
		}
	}
	return false
}

// MaxCredibility returns the highest observation-time credibility across the
// item's sources.
func (it *Item) MaxCredibility() float64 {
	max := 0.0
	for _, ref := range it.Sources {
		if ref.Credibility > max {
			max = ref.Credibility
		}
	}
	return max
}

// ObserveSource appends or refreshes a source reference. Appending is
// idempotent per (item_id, source_id): a re-observation only bumps the
// per-source timestamp.
func (it *Item) ObserveSource(sourceID string, credibility float64, at time.Time) {
	for i := range it.Sources {
		if it.Sources[i].SourceID == sourceID {
			it.Sources[i].SeenAt = at
			if credibility > it.Sources[i].Credibility {
				it.Sources[i].Credibility = credibility
			}
			return
		}
	}
	it.Sources = append(it.Sources, SourceRef{SourceID: sourceID, SeenAt: at, Credibility: credibility})
}

// CombinedConfidence computes 1 - prod(1 - credibility_i) over the item's
// distinct sources.
func (it *Item) CombinedConfidence() float64 {
	p := 1.0
	for _, ref := range it.Sources {
		p *= 1.0 - ref.Credibility
	}
	return 1.0 - p
}

// Clone returns a deep copy safe for concurrent mutation.
func (it *Item) Clone() *Item {
	cp := *it
	cp.Sources = append([]SourceRef(nil), it.Sources...)
	cp.IndustryTags = append([]string(nil), it.IndustryTags...)
	cp.Flags = append([]string(nil), it.Flags...)
	cp.Interactions.EscalationActors = append([]string(nil), it.Interactions.EscalationActors...)
	cp.IOCs = IOCSet{}.Merge(it.IOCs)
	if it.PublishedAt != nil {
		t := *it.PublishedAt
		cp.PublishedAt = &t
	}
	return &cp
}
