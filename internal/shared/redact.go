package shared

import (
	"regexp"
	"unicode/utf8"
)

const redactedPlaceholder = "[REDACTED]"

// secretPatterns matches secret-bearing fragments that show up in executor
// output, task content and error strings.
var secretPatterns = []*regexp.Regexp{
	// key=value style credentials
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|auth[_-]?token|access[_-]?token|password|passwd)\s*[:=]\s*"?([A-Za-z0-9_\-./+=]{8,})"?`),
	// Authorization: Bearer <token>
	regexp.MustCompile(`(?i)(Bearer\s+)([A-Za-z0-9_\-./+=]{16,})`),
	// GitHub personal/app tokens
	regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{30,}\b`),
	// AWS access key ids
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	// Private key blocks
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----`),
}

// Redact replaces secret-bearing patterns in the input string with [REDACTED].
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range secretPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			// Keep the key prefix so the redacted line stays readable.
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// Truncate shortens s to at most max bytes without splitting a rune,
// appending an ellipsis marker when it cut anything.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "...[truncated]"
}
