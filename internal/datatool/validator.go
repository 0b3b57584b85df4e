// Package datatool implements the read-only structured data tool:
// a query validator paired with execution against the structured store.
package datatool

import (
	"fmt"
	"strings"
)

// readOnlyKeywords are the statement-leading keywords that are allowed
// to reach the store. Anything else, or an empty/whitespace string, is
// rejected before it ever touches a connection.
var readOnlyKeywords = []string{"select", "show", "explain", "with", "pragma"}

// QueryValidator checks that a query string begins with a read-only
// keyword before it is handed to the store for execution. Only the
// leading keyword is inspected.
type QueryValidator struct{}

// NewQueryValidator creates a new query validator.
func NewQueryValidator() *QueryValidator {
	return &QueryValidator{}
}

// Validate rejects an empty, whitespace-only, or non-read-only
// statement. It does not rewrite the query: truncation to the first
// statement happens at execution time (see Tool.QueryData), since the
// contract is "the first statement alone is dispatched," not "every
// statement is forbidden."
func (v *QueryValidator) Validate(statement string) error {
	trimmed := strings.TrimSpace(statement)
	if trimmed == "" {
		return fmt.Errorf("query validation failed: statement is empty")
	}

	leading := firstWord(trimmed)
	for _, kw := range readOnlyKeywords {
		if strings.EqualFold(leading, kw) {
			return nil
		}
	}

	return fmt.Errorf("query validation failed: statement must begin with a read-only keyword (select, show, explain, with, pragma), got %q", leading)
}

// firstWord returns the first token of s, ending at a space, tab,
// newline or '(', or s itself if it has no such delimiter (e.g. "select*" is its own word,
// which simply fails the keyword match above).
func firstWord(s string) string {
	for i, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '(' {
			return s[:i]
		}
	}
	return s
}

// FirstStatement returns the portion of statement up to (but not
// including) the first ';', trimmed of surrounding whitespace. Quotes
// are not parsed, so a ';' inside a string literal also ends the
// statement. A statement with no ';' is returned trimmed. This is
// what enforces "trailing statements are not executed" without needing
// a SQL parser: only the first statement is ever handed to the driver.
func FirstStatement(statement string) string {
	if idx := strings.Index(statement, ";"); idx != -1 {
		return strings.TrimSpace(statement[:idx])
	}
	return strings.TrimSpace(statement)
}
