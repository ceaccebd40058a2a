package model

// Contributor is one rule that added points to a pain score.
type Contributor struct {
	Rule   string     `json:"rule"`
	Kind   SignalKind `json:"kind"`
	Value  any        `json:"value"`
	Source string     `json:"source"`
	Points int        `json:"points"`
}

// PainScore is a 0-100 opportunity score with its derivation.
type PainScore struct {
	Score        int           `json:"score"`
	Category     string        `json:"category"`
	Contributors []Contributor `json:"contributors"`
	TableHash    string        `json:"table_hash,omitempty"`
}
