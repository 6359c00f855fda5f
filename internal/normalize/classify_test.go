package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/periscope-sec/periscope/internal/models"
)

func TestKeywordClassifier(t *testing.T) {
	c := NewKeywordClassifier()

	cases := []struct {
		name string
		text string
		want models.Category
	}{
		{"ransomware", "LockBit ransomware encrypts hospital network, ransom demanded", models.CategoryRansomware},
		{"vulnerability", "Zero-day RCE vulnerability CVE-2026-1111 exploited in the wild, patch now", models.CategoryVulnerability},
		{"malware", "New stealer trojan distributed through botnet with c2 server infrastructure", models.CategoryMalware},
		{"breach", "Massive breach: stolen data from millions of compromised accounts leaked", models.CategoryBreach},
		{"phishing", "Phishing campaign uses spoofed invoices for credential harvest", models.CategoryPhishing},
		{"advisory", "CISA advisory: security update and mitigation guidance published", models.CategoryAdvisory},
		{"no signal", "quarterly earnings report shows steady growth", models.CategoryOther},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, conf := c.Classify(tc.text)
			assert.Equal(t, tc.want, got)
			if tc.want == models.CategoryOther {
				assert.Zero(t, conf)
			} else {
				assert.Greater(t, conf, 0.0)
			}
		})
	}
}

func TestClassifierTieBreaksByPriority(t *testing.T) {
	c := NewKeywordClassifier()
	// "ransom" (3) vs "exploit" (3): equal weight resolves to ransomware by
	// the fixed priority order.
	got, _ := c.Classify("ransom exploit")
	assert.Equal(t, models.CategoryRansomware, got)
}

func TestStaticClassifier(t *testing.T) {
	c := StaticClassifier{Category: models.CategoryAPT, Confidence: 0.9}
	got, conf := c.Classify("anything")
	assert.Equal(t, models.CategoryAPT, got)
	assert.Equal(t, 0.9, conf)
}
