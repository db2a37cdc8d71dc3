package shared

import "regexp"

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches provider keys and tokens that may leak into logs,
// task error columns, or bus payloads.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|jwt[_-]?secret)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{16,})"?`),
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// OpenAI-compatible keys (openai, moonshot, dashscope) and anthropic keys.
	regexp.MustCompile(`sk-(ant-)?[A-Za-z0-9_\-]{20,}`),
	// Gemini/Google API keys.
	regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
	// Bare JWTs.
	regexp.MustCompile(`eyJ[A-Za-z0-9_\-]{8,}\.[A-Za-z0-9_\-]{8,}\.[A-Za-z0-9_\-]{8,}`),
}

// Redact replaces secret-bearing substrings with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			// Patterns with a prefix group keep the prefix.
			if pat.NumSubexp() >= 2 {
				return pat.FindStringSubmatch(match)[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}
