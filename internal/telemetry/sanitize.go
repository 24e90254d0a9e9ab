package telemetry

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// maxStringLength caps every sanitized string value; longer values are
// truncated with a marker so the log cannot be bloated by one payload.
const maxStringLength = 200

const (
	redactedMarker  = "[redacted]"
	truncatedMarker = "...[truncated]"
)

// Secret-like value patterns. A match anywhere in a string replaces the
// whole value with the redaction marker — partial redaction would leak
// surrounding context.
var secretValuePatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bsk-[A-Za-z0-9]{16,}\b`),
	regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
	regexp.MustCompile(`\bAIza[0-9A-Za-z\-_]{20,}\b`),
	regexp.MustCompile(`-----BEGIN (?:RSA|EC|OPENSSH|PRIVATE) KEY-----`),
}

// Credential-solicitation phrases are treated the same as secret values:
// a quest payload asking the user to paste a key is itself a risk signal.
var secretRequestPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)paste\s+your\s+(api\s*key|token|private\s*key|seed\s*phrase)`),
	regexp.MustCompile(`(?i)share\s+your\s+\.env`),
	regexp.MustCompile(`(?i)copy\s+your\s+credentials?\s+here`),
}

var emailPattern = regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)

// SanitizeStats counts redactions and truncations performed during one
// sanitization pass. Not persisted; used only to decide whether to append a
// follow-up risk.flagged event.
type SanitizeStats struct {
	RedactedFields  int
	TruncatedFields int
}

func (s SanitizeStats) add(other SanitizeStats) SanitizeStats {
	return SanitizeStats{
		RedactedFields:  s.RedactedFields + other.RedactedFields,
		TruncatedFields: s.TruncatedFields + other.TruncatedFields,
	}
}

// Dirty reports whether anything was redacted or truncated.
func (s SanitizeStats) Dirty() bool {
	return s.RedactedFields > 0 || s.TruncatedFields > 0
}

func isSecretLike(text string) bool {
	for _, pattern := range secretValuePatterns {
		if pattern.MatchString(text) {
			return true
		}
	}
	for _, pattern := range secretRequestPatterns {
		if pattern.MatchString(text) {
			return true
		}
	}
	return false
}

func isPIILike(text string) bool {
	return emailPattern.MatchString(text)
}

// stripControlChars removes every rune in the Unicode "Other" categories
// (control, format, surrogate, private use), which covers bidi override and
// zero-width characters that could disguise log content.
func stripControlChars(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		if unicode.In(r, unicode.C) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// sanitizeText applies the string rules in order: strip controls, redact on
// secret/PII match, truncate over the length cap. emptyFallback substitutes
// for values that are empty after stripping.
func sanitizeText(value, emptyFallback string) (string, SanitizeStats) {
	cleaned := strings.TrimSpace(stripControlChars(value))
	if cleaned == "" {
		cleaned = emptyFallback
	}
	if isSecretLike(cleaned) || isPIILike(cleaned) {
		return redactedMarker, SanitizeStats{RedactedFields: 1}
	}
	if runes := []rune(cleaned); len(runes) > maxStringLength {
		return string(runes[:maxStringLength]) + truncatedMarker, SanitizeStats{TruncatedFields: 1}
	}
	return cleaned, SanitizeStats{}
}

// toText coerces a non-string scalar to text for pattern checks.
func toText(value any) string {
	if s, ok := value.(string); ok {
		return s
	}
	return fmt.Sprint(value)
}

func sanitizeScalar(value any) (any, SanitizeStats) {
	switch v := value.(type) {
	case nil, bool, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, float32, float64:
		return v, SanitizeStats{}
	case string:
		return sanitizeTextAny(v)
	default:
		// Unknown scalar types are coerced to text and re-checked; they can
		// only be stored as strings anyway once serialized.
		return sanitizeTextAny(toText(v))
	}
}

func sanitizeTextAny(value string) (any, SanitizeStats) {
	sanitized, stats := sanitizeText(value, "")
	return sanitized, stats
}

// SanitizeValue recursively sanitizes an arbitrary JSON-like payload:
// objects and arrays are walked structurally, string values (and map keys)
// go through the redact/truncate rules, safe scalars pass through unchanged.
func SanitizeValue(data any) (any, SanitizeStats) {
	switch v := data.(type) {
	case map[string]any:
		sanitized := make(map[string]any, len(v))
		var stats SanitizeStats
		for key, value := range v {
			keyText, keyStats := sanitizeText(key, "")
			valueSanitized, valueStats := SanitizeValue(value)
			sanitized[keyText] = valueSanitized
			stats = stats.add(keyStats).add(valueStats)
		}
		return sanitized, stats
	case []any:
		sanitized := make([]any, 0, len(v))
		var stats SanitizeStats
		for _, item := range v {
			itemSanitized, itemStats := SanitizeValue(item)
			sanitized = append(sanitized, itemSanitized)
			stats = stats.add(itemStats)
		}
		return sanitized, stats
	default:
		return sanitizeScalar(v)
	}
}
