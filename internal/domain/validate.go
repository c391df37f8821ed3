package domain

import (
	"fmt"
	"strings"
	"unicode"
)

// injectionMarkers are sequences that have no business appearing in an
// identifier or server name. Queries are parameterized regardless; input
// carrying these is rejected as hostile rather than stored.
var injectionMarkers = []string{
	"';", "\";", "--", "/*", "*/", " or 1=1", "union select", "drop table",
	"<script",
}

// CheckSafeText rejects null bytes, control characters and
// injection-shaped sequences with ErrSecurityViolation.
func CheckSafeText(field, s string) error {
	for _, r := range s {
		if r == 0 || (unicode.IsControl(r) && r != '\n' && r != '\t') {
			return fmt.Errorf("%w: control character in %s", ErrSecurityViolation, field)
		}
	}
	lower := strings.ToLower(s)
	for _, marker := range injectionMarkers {
		if strings.Contains(lower, marker) {
			return fmt.Errorf("%w: suspicious sequence %q in %s", ErrSecurityViolation, marker, field)
		}
	}
	return nil
}

// CheckIdentifier validates a caller-supplied assessment id: non-empty,
// bounded length, limited charset.
func CheckIdentifier(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty assessment id", ErrValidation)
	}
	if len(id) > 128 {
		return fmt.Errorf("%w: assessment id longer than 128 characters", ErrValidation)
	}
	if err := CheckSafeText("assessment_id", id); err != nil {
		return err
	}
	for _, r := range id {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' && r != '.' {
			return fmt.Errorf("%w: invalid character %q in assessment id", ErrValidation, r)
		}
	}
	return nil
}
