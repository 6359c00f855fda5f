package normalize

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"math/bits"
	"strings"
	"unicode"
)

// stopwords removed before shingling. Short closed-class English words only;
// domain terms are never stopwords.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "for": {}, "from": {}, "has": {}, "have": {}, "in": {}, "is": {},
	"it": {}, "its": {}, "of": {}, "on": {}, "or": {}, "that": {}, "the": {},
	"this": {}, "to": {}, "was": {}, "were": {}, "will": {}, "with": {},
}

const shingleSize = 3

// Fingerprint computes a 64-bit simhash over token shingles of size 3 after
// stopword removal, over the normalized title and body.
func Fingerprint(title, body string) uint64 {
	tokens := tokenize(title + " " + body)
	if len(tokens) == 0 {
		return 0
	}

	var vector [64]int
	addShingle := func(shingle string) {
		h := fnv.New64a()
		h.Write([]byte(shingle))
		sum := h.Sum64()
		for bit := 0; bit < 64; bit++ {
			if sum&(1<<uint(bit)) != 0 {
				vector[bit]++
			} else {
				vector[bit]--
			}
		}
	}

	if len(tokens) < shingleSize {
		addShingle(strings.Join(tokens, " "))
	} else {
		for i := 0; i+shingleSize <= len(tokens); i++ {
			addShingle(strings.Join(tokens[i:i+shingleSize], " "))
		}
	}

	var fp uint64
	for bit := 0; bit < 64; bit++ {
		if vector[bit] > 0 {
			fp |= 1 << uint(bit)
		}
	}
	return fp
}

// HammingDistance counts differing bits between two fingerprints.
func HammingDistance(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// tokenize lowercases, splits on non-alphanumeric runes, and removes
// stopwords.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if _, stop := stopwords[f]; !stop {
			out = append(out, f)
		}
	}
	return out
}

// ItemID derives the stable item identity from the normalized URL, the
// external id, or the content fingerprint, in that precedence. The identity
// is immutable for the lifetime of the item.
func ItemID(normalizedURL, externalID string, fingerprint uint64) string {
	var key []byte
	switch {
	case normalizedURL != "":
		key = append([]byte("url:"), normalizedURL...)
	case externalID != "":
		key = append([]byte("ext:"), externalID...)
	default:
		key = make([]byte, 3+8)
		copy(key, "fp:")
		binary.BigEndian.PutUint64(key[3:], fingerprint)
	}
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:16])
}

// FingerprintKey renders a fingerprint for use as a store key.
func FingerprintKey(fp uint64) string {
	return fmt.Sprintf("%016x", fp)
}
