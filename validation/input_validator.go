// Package validation checks the text the browser sends before it reaches a
// selector page or the medication backend.
package validation

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/giygas/mediract/medication"
)

const (
	MaxQueryLength = 100
	MaxNameLength  = 200
)

var (
	// Identifiers are opaque backend ids: RxCUI or Medscape numbers, sometimes prefixed
	idRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9\-_.:]{0,63}$`)

	// Markup never appears in a medication name
	markupPatterns = []string{"<", ">", "javascript:", "vbscript:"}
)

// ValidateQuery checks a search query. The empty query is valid: it clears
// the suggestions.
func ValidateQuery(query string) error {
	if query == "" {
		return nil
	}

	if err := validateText(query, MaxQueryLength); err != nil {
		return fmt.Errorf("invalid query: %w", err)
	}

	// Additional check for repeated characters (potential DoS)
	if hasExcessiveRepetition(query) {
		return fmt.Errorf("invalid query: excessive character repetition")
	}

	return nil
}

// ValidateCandidate checks a name and optional id posted by the browser and
// returns the candidate they describe
func ValidateCandidate(name, id string) (medication.Candidate, error) {
	if strings.TrimSpace(name) == "" {
		return medication.Candidate{}, fmt.Errorf("medication name cannot be empty")
	}

	if err := validateText(name, MaxNameLength); err != nil {
		return medication.Candidate{}, fmt.Errorf("invalid medication name: %w", err)
	}

	id = strings.TrimSpace(id)
	if id != "" && !idRegex.MatchString(id) {
		return medication.Candidate{}, fmt.Errorf("invalid medication id: %q", id)
	}

	return medication.New(name, id), nil
}

func validateText(input string, maxLength int) error {
	if !utf8.ValidString(input) {
		return fmt.Errorf("not valid UTF-8")
	}

	if n := utf8.RuneCountInString(input); n > maxLength {
		return fmt.Errorf("too long: %d characters, maximum %d", n, maxLength)
	}

	for _, r := range input {
		if unicode.IsControl(r) {
			return fmt.Errorf("contains control characters")
		}
	}

	lower := strings.ToLower(input)
	for _, pattern := range markupPatterns {
		if strings.Contains(lower, pattern) {
			return fmt.Errorf("contains markup")
		}
	}

	return nil
}

// hasExcessiveRepetition reports the same rune repeated more than 10 times in a row
func hasExcessiveRepetition(input string) bool {
	var prev rune
	run := 0
	for _, r := range input {
		if r == prev {
			run++
			if run > 10 {
				return true
			}
			continue
		}
		prev = r
		run = 1
	}
	return false
}
