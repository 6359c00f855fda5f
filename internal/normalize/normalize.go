// Package normalize turns raw source items into canonical items: URL and
// body cleanup, timestamp parsing, IOC extraction, categorization, content
// fingerprinting and identity assignment.
package normalize

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/periscope-sec/periscope/internal/metrics"
	"github.com/periscope-sec/periscope/internal/models"
)

// Flags recorded on items for normalization anomalies.
const (
	FlagPublishedAtFallback = "published_at_fallback"
	FlagEncodingReplaced    = "encoding_replaced"
	FlagBodyTruncated       = "body_truncated"
)

// Config tunes the normalizer.
type Config struct {
	// MaxBodyBytes truncates oversized bodies, appending a marker.
	MaxBodyBytes int
	// TrackingParams are query parameters stripped during URL normalization.
	TrackingParams []string
	// RedirectAllowList maps a redirector host to the query parameter that
	// carries the target URL (e.g. "out.reddit.com" -> "url").
	RedirectAllowList map[string]string
}

// DefaultConfig returns the production normalizer configuration.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes: 16 * 1024,
		TrackingParams: []string{
			"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content",
			"fbclid", "gclid", "mc_cid", "mc_eid", "igshid", "ref", "ref_src",
		},
		RedirectAllowList: map[string]string{},
	}
}

// Normalizer converts raw source items into canonical items.
type Normalizer struct {
	cfg        Config
	classifier Classifier
	tracking   map[string]struct{}
	metrics    *metrics.Registry
}

// New creates a normalizer. A nil classifier falls back to the keyword
// classifier; a nil metrics registry falls back to the process default.
func New(cfg Config, classifier Classifier, m *metrics.Registry) *Normalizer {
	if classifier == nil {
		classifier = NewKeywordClassifier()
	}
	if m == nil {
		m = metrics.Default()
	}
	tracking := make(map[string]struct{}, len(cfg.TrackingParams))
	for _, p := range cfg.TrackingParams {
		tracking[strings.ToLower(p)] = struct{}{}
	}
	return &Normalizer{cfg: cfg, classifier: classifier, tracking: tracking, metrics: m}
}

// Normalize converts raw into a canonical item. A raw item missing both
// title and url is dropped: the returned item is nil and the error carries
// the parse kind.
func (n *Normalizer) Normalize(raw models.RawItem, src models.Source) (*models.Item, error) {
	if strings.TrimSpace(raw.Title) == "" && strings.TrimSpace(raw.URL) == "" {
		n.metrics.ItemsDropped.Inc()
		n.metrics.ParseErrors.WithLabelValues("missing_title_and_url").Inc()
		return nil, models.NewError(models.ErrParse, "normalize", fmt.Errorf("source %s: raw item missing both title and url", raw.SourceID))
	}

	var flags []string

	title, replaced := sanitizeText(raw.Title)
	body, bodyReplaced := sanitizeText(raw.Body)
	if replaced || bodyReplaced {
		flags = append(flags, FlagEncodingReplaced)
	}

	body = CleanBody(body)
	if n.cfg.MaxBodyBytes > 0 && len(body) > n.cfg.MaxBodyBytes {
		body = truncateUTF8(body, n.cfg.MaxBodyBytes) + " [truncated]"
		flags = append(flags, FlagBodyTruncated)
	}

	normURL := n.NormalizeURL(raw.URL)

	publishedAt := raw.PublishedAt
	if publishedAt == nil {
		t := raw.FetchedAt
		publishedAt = &t
		flags = append(flags, FlagPublishedAtFallback)
	}

	category, _ := n.classifier.Classify(title + " " + body)
	fp := Fingerprint(title, body)
	id := ItemID(normURL, raw.ExternalID, fp)

	tags := append([]string(nil), src.IndustryTags...)
	sort.Strings(tags)

	item := &models.Item{
		ItemID:      id,
		Fingerprint: fp,
		Title:       title,
		Body:        body,
		URL:         normURL,
		PublishedAt: publishedAt,
		FirstSeen:   raw.FetchedAt,
		LastSeen:    raw.FetchedAt,
		Sources: []models.SourceRef{{
			SourceID:    raw.SourceID,
			SeenAt:      raw.FetchedAt,
			Credibility: src.Credibility,
		}},
		Category:     category,
		Confidence:   src.Credibility,
		IOCs:         ExtractIOCs(title + " " + body),
		IndustryTags: tags,
		Tier:         models.TierL1,
		Flags:        flags,
	}
	return item, nil
}

// NormalizeURL lowercases scheme and host, strips known tracking parameters
// and fragments, removes default ports, and resolves allow-listed trivial
// redirects.
func (n *Normalizer) NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}

	if param, ok := n.cfg.RedirectAllowList[strings.ToLower(u.Host)]; ok {
		if target := u.Query().Get(param); target != "" {
			if tu, err := url.Parse(target); err == nil && tu.Host != "" {
				u = tu
			}
		}
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	switch {
	case u.Scheme == "http" && strings.HasSuffix(u.Host, ":80"):
		u.Host = strings.TrimSuffix(u.Host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(u.Host, ":443"):
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	q := u.Query()
	for key := range q {
		if _, tracked := n.tracking[strings.ToLower(key)]; tracked {
			q.Del(key)
		}
	}
	u.RawQuery = q.Encode()

	if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	return u.String()
}

var (
	scriptRe = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	tagRe    = regexp.MustCompile(`<[^>]*>`)
	spaceRe  = regexp.MustCompile(`\s+`)
)

// CleanBody strips markup boilerplate and collapses whitespace.
func CleanBody(body string) string {
	body = scriptRe.ReplaceAllString(body, " ")
	body = tagRe.ReplaceAllString(body, " ")
	body = strings.NewReplacer("&nbsp;", " ", "&amp;", "&", "&lt;", "<", "&gt;", ">", "&quot;", `"`, "&#39;", "'").Replace(body)
	return strings.TrimSpace(spaceRe.ReplaceAllString(body, " "))
}

// sanitizeText replaces invalid UTF-8 with the replacement character and
// reports whether anything was replaced.
func sanitizeText(s string) (string, bool) {
	if utf8.ValidString(s) {
		return s, false
	}
	return strings.ToValidUTF8(s, "�"), true
}

// truncateUTF8 cuts s to at most max bytes without splitting a rune.
func truncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// timeFormats are tried in order when parsing published_at values.
var timeFormats = []string{
	time.RFC3339,
	time.RFC3339Nano,
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	time.RFC822,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006 15:04:05",
	"January 2, 2006",
}

// ParseTime attempts each known format in sequence, returning UTC.
func ParseTime(value string) (time.Time, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range timeFormats {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
