package shared

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
)

// IDKey is the normalization applied before hashing a canonical id: trim
// and collapse internal whitespace. Punctuation and case are preserved, so
// "Apple Inc." and "Apple Inc" stay distinct records until a reviewer
// merges them.
func IDKey(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// EntityID derives the canonical entity id from a name.
func EntityID(name string) string {
	return sha1Hex("ent:" + IDKey(name))
}

// EventID derives the canonical event id from an abstract.
func EventID(abstract string) string {
	return sha1Hex("evt:" + IDKey(abstract))
}

// MentionID derives a mention id from its text and provenance.
func MentionID(text, source, reportedAt string) string {
	return sha1Hex("mention:" + text + ":" + source + ":" + reportedAt)
}

// DecisionHash hashes the canonical JSON form of v (object keys sorted).
func DecisionHash(v any) (string, error) {
	canon, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return sha1Hex(string(canon)), nil
}

// CanonicalJSON re-encodes v through a generic value so that object keys
// are emitted in sorted order regardless of struct field order.
func CanonicalJSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("canonical json: %w", err)
	}
	return out, nil
}

const nameStripChars = "·•-_.,，。（）()[]{}\"'"

// NormalizeName folds a surface form for candidate matching. It is never
// used to derive ids.
func NormalizeName(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if unicode.IsSpace(r) || strings.ContainsRune(nameStripChars, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func sha1Hex(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
