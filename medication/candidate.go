// Package medication holds the entities exchanged with the medication backend:
// suggestion candidates and interaction records.
package medication

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// trailingParenthetical matches " (OTC)" or " (161)" at the end of a suggestion
var trailingParenthetical = regexp.MustCompile(`\s*\([^()]*\)\s*$`)

// Candidate is a medication the user can select.
// Label is what the dropdown shows; Name is what gets selected and sent.
type Candidate struct {
	Name  string `json:"name"`
	ID    string `json:"medscape_id,omitempty"`
	Label string `json:"-"`
}

// ExtractName strips a trailing parenthetical and normalizes the result:
// "Aspirin (OTC)" becomes "Aspirin".
func ExtractName(raw string) string {
	name := strings.TrimSpace(norm.NFC.String(raw))
	if stripped := strings.TrimSpace(trailingParenthetical.ReplaceAllString(name, "")); stripped != "" {
		name = stripped
	}
	return name
}

// FromText builds a candidate from a plain-string suggestion
func FromText(raw string) Candidate {
	return Candidate{
		Name:  ExtractName(raw),
		Label: strings.TrimSpace(raw),
	}
}

// New builds a candidate from a name and an optional identifier
func New(name, id string) Candidate {
	name = strings.TrimSpace(norm.NFC.String(name))
	return Candidate{
		Name:  name,
		ID:    strings.TrimSpace(id),
		Label: name,
	}
}

// Key is the identity used for de-duplication: the identifier when present,
// otherwise the name. Names are extracted once, when the candidate is built,
// so "Vitamin A (as acetate)" stays distinct from "Vitamin A (as palmitate)".
func (c Candidate) Key() string {
	if c.ID != "" {
		return "id:" + c.ID
	}
	return "name:" + c.Name
}

// Same reports whether both candidates have the same identity
func (c Candidate) Same(other Candidate) bool {
	return c.Key() == other.Key()
}

// DisplayName is the text to show for the candidate
func (c Candidate) DisplayName() string {
	if c.Label != "" {
		return c.Label
	}
	return c.Name
}

func (c Candidate) String() string {
	if c.ID == "" {
		return c.Name
	}
	return fmt.Sprintf("%s (%s)", c.Name, c.ID)
}

// UnmarshalJSON accepts both suggestion shapes the backend has used:
// a plain string or a {name, medscape_id} object. Numeric ids are kept as text.
func (c *Candidate) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var raw string
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		*c = FromText(raw)
		return nil
	}

	var obj struct {
		Name string          `json:"name"`
		ID   json.RawMessage `json:"medscape_id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("medication candidate must be a string or an object: %w", err)
	}

	id, err := rawID(obj.ID)
	if err != nil {
		return err
	}
	*c = New(obj.Name, id)
	return nil
}

func rawID(raw json.RawMessage) (string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), nil
	}
	return "", fmt.Errorf("medscape_id must be a string or a number, got %s", raw)
}

// Names returns the candidate names in order
func Names(candidates []Candidate) []string {
	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.Name
	}
	return names
}

// IndexOf returns the position of the candidate with the same identity, or -1
func IndexOf(list []Candidate, c Candidate) int {
	key := c.Key()
	for i, item := range list {
		if item.Key() == key {
			return i
		}
	}
	return -1
}
