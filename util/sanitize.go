// Package util holds small helpers shared by the pipeline packages.
package util

import (
	"fmt"
	"regexp"
)

// MaxSanitizeLength caps the input inspected; longer input is truncated first.
const MaxSanitizeLength = 64 * 1024

var redactions = []struct {
	pattern     *regexp.Regexp
	replacement string
}{
	// Passwords
	{regexp.MustCompile(`(?i)"(password|passwd)"\s*:\s*"[^"]*"`), `"$1":"REDACTED"`},
	{regexp.MustCompile(`(?i)(password|passwd|pwd)=[^\s&]+`), "$1=REDACTED"},

	// Bearer and JWT credentials
	{regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.]+`), "bearer REDACTED"},
	{regexp.MustCompile(`eyJ[a-zA-Z0-9_\-]+\.eyJ[a-zA-Z0-9_\-]+\.[a-zA-Z0-9_\-]+`), "REDACTED_JWT"},

	// CSRF secrets in headers, cookies, bodies and query strings
	{regexp.MustCompile(`(?i)(x-csrf-token|csrf-token|_csrf)([\s:="]+)[0-9a-f]{64}`), "$1${2}REDACTED"},
	{regexp.MustCompile(`(?i)"csrfToken"\s*:\s*"[^"]*"`), `"csrfToken":"REDACTED"`},

	// Generic secrets and session identifiers
	{regexp.MustCompile(`(?i)(secret|api[_-]?key|sessionId)=[^\s&;]+`), "$1=REDACTED"},
}

// SanitizeString redacts credentials from s before it is logged.
func SanitizeString(s string) string {
	if s == "" {
		return ""
	}
	if len(s) > MaxSanitizeLength {
		s = s[:MaxSanitizeLength] + "... [truncated]"
	}
	for _, r := range redactions {
		s = r.pattern.ReplaceAllString(s, r.replacement)
	}
	return s
}

// SanitizeError is SanitizeString applied to err's message.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return SanitizeString(err.Error())
}

// SanitizeValue formats an arbitrary value, such as a recovered panic, and redacts it.
func SanitizeValue(v any) string {
	return SanitizeString(fmt.Sprint(v))
}
