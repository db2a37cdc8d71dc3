package candidates

import "github.com/basket/newsgraph/internal/shared"

// Ratio is the matching-blocks similarity 2*M/T over the runes of a and b,
// where M counts runes in the recursively found longest common blocks and
// T is the combined length. Identical inputs score 1, disjoint ones 0.
func Ratio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	total := len(ra) + len(rb)
	if total == 0 {
		return 1
	}
	return 2 * float64(matchingRunes(ra, rb)) / float64(total)
}

// NameRatio compares two names after NormalizeName folding.
func NameRatio(a, b string) float64 {
	return Ratio(shared.NormalizeName(a), shared.NormalizeName(b))
}

func matchingRunes(a, b []rune) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	i, j, k := longestBlock(a, b)
	if k == 0 {
		return 0
	}
	return k + matchingRunes(a[:i], b[:j]) + matchingRunes(a[i+k:], b[j+k:])
}

// longestBlock finds the leftmost longest common run of a and b.
func longestBlock(a, b []rune) (bestI, bestJ, bestK int) {
	prev := make([]int, len(b)+1)
	cur := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				cur[j] = prev[j-1] + 1
				if cur[j] > bestK {
					bestK = cur[j]
					bestI, bestJ = i-cur[j], j-cur[j]
				}
			} else {
				cur[j] = 0
			}
		}
		prev, cur = cur, prev
	}
	return bestI, bestJ, bestK
}
