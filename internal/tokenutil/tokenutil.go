// Package tokenutil estimates token counts for providers that do not
// report usage.
package tokenutil

import (
	"strings"
	"unicode"
)

// EstimateTokens returns max(words*1.33, bytes/4, hanRunes). Chinese news
// text has few spaces, so the Han rune count keeps it from being
// undercounted.
func EstimateTokens(content string) int {
	if content == "" {
		return 0
	}
	words := len(strings.Fields(content))
	estimate := int(float64(words) * 1.33)
	if chars := len(content) / 4; chars > estimate {
		estimate = chars
	}
	han := 0
	for _, r := range content {
		if unicode.Is(unicode.Han, r) {
			han++
		}
	}
	if han > estimate {
		estimate = han
	}
	return estimate
}
