// Package subject implements dot-separated subject validation and
// NATS-style wildcard matching for subscriptions and access rules.
package subject

import (
	"fmt"
	"strings"
)

const (
	// WildcardToken matches exactly one token
	WildcardToken = "*"

	// WildcardTail matches one or more trailing tokens; valid only as
	// the final token of a pattern
	WildcardTail = ">"
)

// Validate checks that a subject is well formed: dot-separated tokens of
// [a-z0-9-], no empty tokens, no wildcards.
func Validate(subject string) error {
	if subject == "" {
		return fmt.Errorf("subject is empty")
	}
	for _, tok := range strings.Split(subject, ".") {
		if tok == "" {
			return fmt.Errorf("subject %q contains an empty token", subject)
		}
		if tok == WildcardToken || tok == WildcardTail {
			return fmt.Errorf("subject %q contains wildcard token %q", subject, tok)
		}
		if !validToken(tok) {
			return fmt.Errorf("subject %q contains invalid token %q", subject, tok)
		}
	}
	return nil
}

// ValidatePattern checks that a subscription or access-rule pattern is
// well formed. Patterns allow "*" anywhere and ">" as the final token.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return fmt.Errorf("pattern is empty")
	}
	toks := strings.Split(pattern, ".")
	for i, tok := range toks {
		switch tok {
		case "":
			return fmt.Errorf("pattern %q contains an empty token", pattern)
		case WildcardToken:
		case WildcardTail:
			if i != len(toks)-1 {
				return fmt.Errorf("pattern %q uses %q before the final token", pattern, WildcardTail)
			}
		default:
			if !validToken(tok) {
				return fmt.Errorf("pattern %q contains invalid token %q", pattern, tok)
			}
		}
	}
	return nil
}

// Match reports whether subject matches pattern. "*" matches exactly one
// token, ">" matches one or more trailing tokens, and neither matches
// zero tokens. Patterns without wildcards are literal matches.
func Match(pattern, subject string) bool {
	if pattern == subject {
		return true
	}

	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")

	for i, tok := range pt {
		if tok == WildcardTail {
			// ">" must consume at least one token
			return i == len(pt)-1 && len(st) > i
		}
		if i >= len(st) {
			return false
		}
		if tok != WildcardToken && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}

func validToken(tok string) bool {
	for _, r := range tok {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' {
			return false
		}
	}
	return true
}
