package audit

import "regexp"

// redaction replaces one secret shape with a typed placeholder. The
// placeholder preserves field presence and is stable under re-redaction:
// running a payload through Redact twice changes nothing. An optional
// valid predicate confirms a regexp match before it is replaced.
type redaction struct {
	kind    string
	re      *regexp.Regexp
	replace string
	valid   func(match string) bool
}

// Known secret shapes. Order matters: key=value secrets run last so that
// typed token placeholders are already in place and survive the generic
// pass (the SECRET replacement keeps whatever value text follows the key,
// so an already-typed placeholder value is rewritten to the same string).
var redactions = []redaction{
	{"AWS_ACCESS_KEY", regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`), "[REDACTED:AWS_ACCESS_KEY]", nil},
	{"GITHUB_PAT", regexp.MustCompile(`\bghp_[A-Za-z0-9]{20,}\b`), "[REDACTED:GITHUB_PAT]", nil},
	{"SLACK_TOKEN", regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`), "[REDACTED:SLACK_TOKEN]", nil},
	{"API_KEY", regexp.MustCompile(`\b[sp]k-[A-Za-z0-9]{16,}\b`), "[REDACTED:API_KEY]", nil},
	{"JWT", regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{4,}\.[A-Za-z0-9_-]{4,}\.[A-Za-z0-9_-]{4,}\b`), "[REDACTED:JWT]", nil},
	{"BEARER", regexp.MustCompile(`(?i)\bbearer[ \t]+[A-Za-z0-9._~+/=-]{8,}`), "[REDACTED:BEARER]", nil},
	{"EMAIL", regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), "[REDACTED:EMAIL]", nil},
	{"CARD", regexp.MustCompile(`\b\d{4}[ -]?\d{4}[ -]?\d{4}[ -]?\d{2,4}\b`), "[REDACTED:CARD]", luhnValid},
	{"SECRET", regexp.MustCompile(`(?i)\b(password|passwd|secret|api_key|apikey|token|auth)([ \t]*[=:][ \t]*)[^\s,;"']+`), "$1$2[REDACTED:SECRET]", nil},
}

// luhnValid reports whether the digits of s pass the Luhn checksum.
// Separates card numbers from bare numeric ids of the same length.
func luhnValid(s string) bool {
	sum, digits := 0, 0
	double := false
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		if c == ' ' || c == '-' {
			continue
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		digits++
		double = !double
	}
	return digits >= 13 && sum%10 == 0
}

// RedactString replaces every known secret shape in s with its typed
// placeholder. Idempotent: placeholders themselves match no pattern, and
// the key=value pattern rewrites an already-redacted pair to itself.
func RedactString(s string) string {
	for _, r := range redactions {
		if r.valid == nil {
			s = r.re.ReplaceAllString(s, r.replace)
			continue
		}
		s = r.re.ReplaceAllStringFunc(s, func(m string) string {
			if r.valid(m) {
				return r.replace
			}
			return m
		})
	}
	return s
}

// RedactValue walks an arbitrary JSON-shaped value, redacting every string
// while preserving structure and field presence.
func RedactValue(v any) any {
	switch t := v.(type) {
	case string:
		return RedactString(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = RedactValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = RedactValue(val)
		}
		return out
	default:
		return v
	}
}

// RedactParams redacts a parameter map without mutating the original.
func RedactParams(params map[string]any) map[string]any {
	if params == nil {
		return nil
	}
	return RedactValue(params).(map[string]any)
}
