// Package dedup drops near-duplicate raw text before extraction output is
// trusted. Similarity is measured as the Hamming distance between 64-bit
// SimHash fingerprints.
package dedup

import (
	"crypto/md5"
	"encoding/binary"
	"math/bits"
	"strings"
	"sync"
)

// DefaultThreshold is the largest Hamming distance still treated as a
// duplicate. Kept small so distinct stories are rarely dropped.
const DefaultThreshold = 3

// SimHash fingerprints text over its lower-cased whitespace tokens. Each
// token votes on every bit with the low 64 bits of its MD5 digest.
func SimHash(text string) uint64 {
	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) == 0 {
		return 0
	}
	var votes [64]int
	for _, tok := range tokens {
		sum := md5.Sum([]byte(tok))
		h := binary.BigEndian.Uint64(sum[8:])
		for i := 0; i < 64; i++ {
			if h&(1<<uint(i)) != 0 {
				votes[i]++
			} else {
				votes[i]--
			}
		}
	}
	var out uint64
	for i, v := range votes {
		if v > 0 {
			out |= 1 << uint(i)
		}
	}
	return out
}

// Hamming counts the differing bits of a and b.
func Hamming(a, b uint64) int {
	return bits.OnesCount64(a ^ b)
}

// Deduplicator remembers the fingerprints seen in one batch. Create one
// per run; the working set is never shared across batches.
type Deduplicator struct {
	mu        sync.Mutex
	threshold int
	seen      []uint64
}

// New returns a Deduplicator. A negative threshold selects DefaultThreshold.
func New(threshold int) *Deduplicator {
	if threshold < 0 {
		threshold = DefaultThreshold
	}
	return &Deduplicator{threshold: threshold}
}

func (d *Deduplicator) Threshold() int { return d.threshold }

// IsDuplicate reports whether text is within the threshold of anything
// already seen. New fingerprints are remembered; duplicates are not.
func (d *Deduplicator) IsDuplicate(text string) bool {
	h := SimHash(text)
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.seen {
		if Hamming(h, s) <= d.threshold {
			return true
		}
	}
	d.seen = append(d.seen, h)
	return false
}

func (d *Deduplicator) Reset() {
	d.mu.Lock()
	d.seen = nil
	d.mu.Unlock()
}

// Len is the number of distinct fingerprints held.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
