package medication

// InteractionRecord describes one interacting pair as reported by the backend
type InteractionRecord struct {
	Medication1 string `json:"medication1"`
	Medication2 string `json:"medication2"`
	Interaction string `json:"interaction"`
	Severity    string `json:"severity,omitempty"`
}

// InteractionResponse is the result of one interaction check. A nil
// *InteractionResponse means no check result is shown at all.
type InteractionResponse struct {
	Interactions []InteractionRecord `json:"interactions"`
}

// Count returns the number of records, treating nil as empty
func (r *InteractionResponse) Count() int {
	if r == nil {
		return 0
	}
	return len(r.Interactions)
}

// Clone copies the response so snapshots never share the backing array
func (r *InteractionResponse) Clone() *InteractionResponse {
	if r == nil {
		return nil
	}
	out := &InteractionResponse{}
	if r.Interactions != nil {
		out.Interactions = append([]InteractionRecord(nil), r.Interactions...)
	}
	return out
}
