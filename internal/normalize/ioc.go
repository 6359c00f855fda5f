package normalize

import (
	"net"
	"regexp"
	"sort"
	"strings"

	"github.com/periscope-sec/periscope/internal/models"
)

// Conservative extraction patterns. Every match still passes a validator
// before it is accepted.
var (
	ipv4Re   = regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)
	domainRe = regexp.MustCompile(`\b(?:[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}\b`)
	urlRe    = regexp.MustCompile(`\bhttps?://[^\s<>"')\]]+`)
	hashRe   = regexp.MustCompile(`\b[a-fA-F0-9]{32,64}\b`)
	emailRe  = regexp.MustCompile(`\b[a-zA-Z0-9._%+-]+@(?:[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z]{2,}\b`)
	cveRe    = regexp.MustCompile(`\bCVE-\d{4}-\d{4,}\b`)
)

// ExtractIOCs pulls validated indicators of compromise from text.
func ExtractIOCs(text string) models.IOCSet {
	var set models.IOCSet

	for _, m := range ipv4Re.FindAllString(text, -1) {
		if ValidIP(m) {
			set.IPs = append(set.IPs, m)
		}
	}
	for _, m := range urlRe.FindAllString(text, -1) {
		set.URLs = append(set.URLs, strings.TrimRight(m, ".,;"))
	}

	// Strip matched URLs before domain extraction so hostnames are not
	// double-counted from full links.
	stripped := urlRe.ReplaceAllString(text, " ")
	stripped = emailRe.ReplaceAllString(stripped, " ")
	for _, m := range domainRe.FindAllString(stripped, -1) {
		if ValidDomain(m) {
			set.Domains = append(set.Domains, strings.ToLower(m))
		}
	}

	for _, m := range hashRe.FindAllString(text, -1) {
		if ValidHash(m) {
			set.Hashes = append(set.Hashes, strings.ToLower(m))
		}
	}
	for _, m := range emailRe.FindAllString(text, -1) {
		set.Emails = append(set.Emails, strings.ToLower(m))
	}
	for _, m := range cveRe.FindAllString(strings.ToUpper(text), -1) {
		set.CVEs = append(set.CVEs, m)
	}

	set.IPs = dedupeSorted(set.IPs)
	set.Domains = dedupeSorted(set.Domains)
	set.URLs = dedupeSorted(set.URLs)
	set.Hashes = dedupeSorted(set.Hashes)
	set.Emails = dedupeSorted(set.Emails)
	set.CVEs = dedupeSorted(set.CVEs)
	return set
}

// ValidIP accepts RFC-valid IPv4 addresses, rejecting version-number lookalikes
// by requiring a parseable address.
func ValidIP(s string) bool {
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() != nil
}

// commonFileExts rejects filenames that match the domain pattern.
var commonFileExts = map[string]struct{}{
	"exe": {}, "dll": {}, "zip": {}, "rar": {}, "pdf": {}, "doc": {},
	"docx": {}, "xls": {}, "xlsx": {}, "js": {}, "py": {}, "sh": {},
	"bat": {}, "ps1": {}, "txt": {}, "png": {}, "jpg": {}, "gif": {},
	"html": {}, "php": {}, "json": {}, "xml": {}, "yaml": {}, "yml": {},
}

// ValidDomain checks label lengths, a plausible alphabetic TLD, and rejects
// common filename extensions and bare numeric labels.
func ValidDomain(s string) bool {
	s = strings.ToLower(strings.TrimSuffix(s, "."))
	if len(s) < 4 || len(s) > 253 {
		return false
	}
	labels := strings.Split(s, ".")
	if len(labels) < 2 {
		return false
	}
	tld := labels[len(labels)-1]
	if _, isExt := commonFileExts[tld]; isExt {
		return false
	}
	for _, r := range tld {
		if r < 'a' || r > 'z' {
			return false
		}
	}
	for _, label := range labels {
		if label == "" || len(label) > 63 {
			return false
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return false
		}
	}
	return true
}

// ValidHash accepts hex strings of MD5, SHA-1, or SHA-256 length.
func ValidHash(s string) bool {
	switch len(s) {
	case 32, 40, 64:
	default:
		return false
	}
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')) {
			return false
		}
	}
	return true
}

func dedupeSorted(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := in[:0]
	for _, v := range in {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
