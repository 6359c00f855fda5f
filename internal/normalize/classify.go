package normalize

import (
	"strings"

	"github.com/periscope-sec/periscope/internal/models"
)

// Classifier assigns a category with a confidence. The pipeline works with
// stubs that return fixed values.
type Classifier interface {
	Classify(text string) (models.Category, float64)
}

// tieBreak orders categories for equal-weight ties, highest priority first.
var tieBreak = []models.Category{
	models.CategoryRansomware,
	models.CategoryVulnerability,
	models.CategoryMalware,
	models.CategoryAPT,
	models.CategoryBreach,
	models.CategoryPhishing,
	models.CategoryAdvisory,
	models.CategoryOther,
}

// keywordWeights drive the default classifier. Multi-word keywords match as
// substrings of the lowercased text.
var keywordWeights = map[models.Category]map[string]int{
	models.CategoryRansomware: {
		"ransomware": 5, "ransom": 3, "lockbit": 4, "encryptor": 3,
		"double extortion": 4, "data encrypted": 2,
	},
	models.CategoryVulnerability: {
		"vulnerability": 4, "cve-": 5, "rce": 4, "remote code execution": 5,
		"zero-day": 5, "exploit": 3, "cvss": 3, "privilege escalation": 3,
		"patch": 2, "proof-of-concept": 2,
	},
	models.CategoryMalware: {
		"malware": 4, "trojan": 4, "botnet": 4, "backdoor": 3, "stealer": 4,
		"loader": 2, "rootkit": 4, "dropper": 3, "command and control": 3, "c2 server": 3,
	},
	models.CategoryAPT: {
		"apt": 4, "nation-state": 4, "espionage": 4, "threat actor": 3,
		"state-sponsored": 4, "lazarus": 3, "campaign": 1,
	},
	models.CategoryBreach: {
		"breach": 5, "data leak": 4, "leaked": 3, "exfiltrat": 4,
		"stolen data": 4, "compromised accounts": 3,
	},
	models.CategoryPhishing: {
		"phishing": 5, "credential harvest": 4, "spoofed": 3, "smishing": 4,
		"business email compromise": 4, "lure": 2,
	},
	models.CategoryAdvisory: {
		"advisory": 4, "security update": 3, "bulletin": 3, "mitigation": 2,
		"guidance": 2, "cisa": 2,
	},
}

// KeywordClassifier is the default weighted keyword classifier over
// title+body. Ties break by the fixed category priority.
type KeywordClassifier struct{}

// NewKeywordClassifier returns the default classifier.
func NewKeywordClassifier() *KeywordClassifier { return &KeywordClassifier{} }

// Classify scores each category by keyword weight and returns the winner.
// Confidence is the winner's share of the total weight.
func (c *KeywordClassifier) Classify(text string) (models.Category, float64) {
	lower := strings.ToLower(text)

	scores := make(map[models.Category]int, len(keywordWeights))
	total := 0
	for cat, words := range keywordWeights {
		for word, weight := range words {
			if n := strings.Count(lower, word); n > 0 {
				scores[cat] += weight * n
				total += weight * n
			}
		}
	}
	if total == 0 {
		return models.CategoryOther, 0
	}

	best := models.CategoryOther
	bestScore := 0
	for _, cat := range tieBreak {
		if s := scores[cat]; s > bestScore {
			best = cat
			bestScore = s
		}
	}
	return best, float64(bestScore) / float64(total)
}

// StaticClassifier returns a fixed classification, for tests and stubbed
// deployments.
type StaticClassifier struct {
	Category   models.Category
	Confidence float64
}

// Classify returns the configured values.
func (c StaticClassifier) Classify(string) (models.Category, float64) {
	return c.Category, c.Confidence
}
