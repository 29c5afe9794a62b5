// Package validate implements the pure, synchronous string-validation rules
// applied to every externally sourced string (IDs, commands, arguments)
// before it is trusted anywhere else in the worker.
package validate

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/agenix-sh/agw-worker/internal/agwerr"
)

// dangerousUnicode lists codepoints rejected in every validated string:
// bidirectional overrides/embeddings, zero-width spaces/joiners, and the
// byte-order-mark lookalike U+FEFF. All are legitimate-looking ways to hide
// or reorder text that a naive byte-length check would miss.
var dangerousUnicode = []rune{
	'\u202A', '\u202B', '\u202C', '\u202D', '\u202E', // bidi embeddings/overrides
	'\u200B', '\u200C', '\u200D', // zero-width space/non-joiner/joiner
	'\uFEFF', // zero-width no-break space / BOM
}

// dangerousChars are shell metacharacters that must never appear in a
// command, argument, or identifier that eventually reaches exec.Command.
var dangerousChars = []rune{'&', '|', ';', '$', '`', '\n', '\r'}

// StringFieldOpts configures ValidateStringField.
type StringFieldOpts struct {
	MaxLen           int
	CheckEmpty       bool
	AlphanumericOnly bool
}

// ValidateStringField rejects empty (if requested), length overflow, embedded
// NUL, ASCII control characters (except tab and newline), dangerous Unicode,
// and — when AlphanumericOnly is set — anything outside [A-Za-z0-9_-].
func ValidateStringField(value, fieldName string, opts StringFieldOpts) error {
	if opts.CheckEmpty && value == "" {
		return agwerr.New(agwerr.Worker, fmt.Sprintf("%s cannot be empty", fieldName))
	}

	if len(value) > opts.MaxLen {
		return agwerr.New(agwerr.Worker, fmt.Sprintf("%s exceeds maximum length of %d", fieldName, opts.MaxLen))
	}

	if strings.ContainsRune(value, 0) {
		return agwerr.New(agwerr.Worker, fmt.Sprintf("%s contains null byte", fieldName))
	}

	for _, ch := range value {
		if unicode.IsControl(ch) && ch != '\t' && ch != '\n' {
			return agwerr.New(agwerr.Worker, fmt.Sprintf("%s contains control character", fieldName))
		}
	}

	for _, bad := range dangerousUnicode {
		if strings.ContainsRune(value, bad) {
			return agwerr.New(agwerr.Worker, fmt.Sprintf("%s contains dangerous Unicode character", fieldName))
		}
	}

	if opts.AlphanumericOnly {
		for _, ch := range value {
			if !isAlphanumericOrDashUnderscore(ch) {
				return agwerr.New(agwerr.Worker, fmt.Sprintf("%s must contain only letters, digits, '-' or '_'", fieldName))
			}
		}
	}

	return nil
}

func isAlphanumericOrDashUnderscore(ch rune) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') || ch == '-' || ch == '_'
}

// CheckDangerousPatterns rejects shell metacharacters (& | ; $ ` \n \r) and
// path-traversal sequences (../, ..\, or a leading ..). The path-traversal
// check is intentionally narrow so expressions like "echo 1..10" pass.
func CheckDangerousPatterns(value, fieldName string) error {
	for _, ch := range dangerousChars {
		if strings.ContainsRune(value, ch) {
			return agwerr.New(agwerr.Worker, fmt.Sprintf("%s contains dangerous character: %q", fieldName, ch))
		}
	}

	if strings.Contains(value, "../") || strings.Contains(value, "..\\") || strings.HasPrefix(value, "..") {
		return agwerr.New(agwerr.Worker, fmt.Sprintf("%s contains path traversal sequence", fieldName))
	}

	return nil
}
