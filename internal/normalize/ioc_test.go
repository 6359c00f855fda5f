package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractIOCs(t *testing.T) {
	text := `The campaign dropped a loader from 203.0.113.7 using evil-cdn.example.net
and http://malware.example.org/payload.bin. Contact ops@attacker.example.com.
Sample hash d41d8cd98f00b204e9800998ecf8427e, exploiting CVE-2026-12345 and cve-2026-67890.`

	set := ExtractIOCs(text)

	assert.Equal(t, []string{"203.0.113.7"}, set.IPs)
	assert.Contains(t, set.Domains, "evil-cdn.example.net")
	assert.Contains(t, set.URLs, "http://malware.example.org/payload.bin")
	assert.Equal(t, []string{"d41d8cd98f00b204e9800998ecf8427e"}, set.Hashes)
	assert.Equal(t, []string{"ops@attacker.example.com"}, set.Emails)
	assert.Equal(t, []string{"CVE-2026-12345", "CVE-2026-67890"}, set.CVEs)
}

func TestExtractIOCsDoesNotDoubleCountURLHosts(t *testing.T) {
	set := ExtractIOCs("see https://tracker.example.io/report for details")
	assert.Contains(t, set.URLs, "https://tracker.example.io/report")
	assert.NotContains(t, set.Domains, "tracker.example.io")
}

func TestValidIPRejectsVersionNumbers(t *testing.T) {
	assert.True(t, ValidIP("10.0.0.1"))
	assert.False(t, ValidIP("300.1.2.3"))
	assert.False(t, ValidIP("1.2.3"))
}

func TestValidDomain(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"example.com", true},
		{"sub.example.co.uk", true},
		{"payload.exe", false},
		{"setup.dll", false},
		{"a.b", false}, // too short
		{"-bad.example.com", false},
		{"example.123", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ValidDomain(tc.in), "input %q", tc.in)
	}
}

func TestValidHashLengths(t *testing.T) {
	assert.True(t, ValidHash("d41d8cd98f00b204e9800998ecf8427e"))                                 // md5
	assert.True(t, ValidHash("da39a3ee5e6b4b0d3255bfef95601890afd80709"))                         // sha1
	assert.True(t, ValidHash("e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855")) // sha256
	assert.False(t, ValidHash("abc123"))
	assert.False(t, ValidHash("zzzz8cd98f00b204e9800998ecf8427e"))
}

func TestExtractIOCsSortedAndDeduplicated(t *testing.T) {
	set := ExtractIOCs("b.example.com a.example.com b.example.com")
	assert.Equal(t, []string{"a.example.com", "b.example.com"}, set.Domains)
}
