package qualify

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/sells-group/qualify-cli/internal/model"
)

// Subject is everything the engine needs to decide one lead.
type Subject struct {
	Lead  model.Lead
	RunID string
	// Signals is the lead's current signal set.
	Signals []model.Signal
	Score   model.PainScore
	// Confidence is the aggregation's overall confidence.
	Confidence       float64
	Missing          []model.EnrichmentResult
	Conflicts        []model.SignalKind
	DeadlineExceeded bool
}

// LeadSummary is the lead identity shown to the adjudicator.
type LeadSummary struct {
	Name        string   `json:"name"`
	Website     string   `json:"website,omitempty"`
	City        string   `json:"city,omitempty"`
	State       string   `json:"state,omitempty"`
	Rating      *float64 `json:"rating,omitempty"`
	ReviewCount *int     `json:"review_count,omitempty"`
}

// SignalFact is a signal stripped of run-specific metadata.
type SignalFact struct {
	Kind       model.SignalKind `json:"kind"`
	Value      any              `json:"value"`
	Source     string           `json:"source"`
	Confidence model.Confidence `json:"confidence"`
}

// Request is an adjudication request. Its hash depends only on the lead
// identity, the score and the signal set, so re-running on an unchanged
// signal set yields the same hash.
type Request struct {
	LeadID        string              `json:"lead_id"`
	Lead          LeadSummary         `json:"lead"`
	Score         int                 `json:"score"`
	Category      string              `json:"category"`
	Contributors  []model.Contributor `json:"contributors"`
	Signals       []SignalFact        `json:"signals"`
	Uncertainties []string            `json:"uncertainties,omitempty"`
	Bands         Bands               `json:"bands"`
}

// BuildRequest assembles the adjudication request for s.
func BuildRequest(s Subject, bands Bands) Request {
	facts := make([]SignalFact, 0, len(s.Signals))
	for _, sig := range s.Signals {
		facts = append(facts, SignalFact{Kind: sig.Kind, Value: sig.Value, Source: sig.Source, Confidence: sig.Confidence})
	}
	sort.Slice(facts, func(i, j int) bool {
		if facts[i].Kind != facts[j].Kind {
			return facts[i].Kind < facts[j].Kind
		}
		return facts[i].Source < facts[j].Source
	})

	contributors := s.Score.Contributors
	if contributors == nil {
		contributors = []model.Contributor{}
	}

	return Request{
		LeadID: s.Lead.ID,
		Lead: LeadSummary{
			Name:        s.Lead.Name,
			Website:     s.Lead.Website,
			City:        s.Lead.City,
			State:       s.Lead.State,
			Rating:      s.Lead.Rating,
			ReviewCount: s.Lead.ReviewCount,
		},
		Score:         s.Score.Score,
		Category:      s.Score.Category,
		Contributors:  contributors,
		Signals:       facts,
		Uncertainties: Uncertainties(s),
		Bands:         bands,
	}
}

// Hash returns the SHA-256 of the request's canonical JSON encoding.
func (r Request) Hash() string {
	data, err := json.Marshal(r)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Uncertainties lists what the adjudicator should weigh against the score:
// missing sources, conflicting values and weakly supported contributors.
func Uncertainties(s Subject) []string {
	var out []string
	if s.DeadlineExceeded {
		out = append(out, "aggregation deadline exceeded; some sources did not report")
	}
	for _, r := range s.Missing {
		detail := string(r.Outcome)
		if r.SkipReason != "" {
			detail += " (" + string(r.SkipReason) + ")"
		}
		out = append(out, fmt.Sprintf("source %s missing: %s", r.Source, detail))
	}
	for _, k := range s.Conflicts {
		out = append(out, fmt.Sprintf("sources disagree on %s", k))
	}
	bySignal := make(map[model.SignalKind]model.Signal, len(s.Signals))
	for _, sig := range s.Signals {
		bySignal[sig.Kind] = sig
	}
	for _, c := range s.Score.Contributors {
		if sig, ok := bySignal[c.Kind]; ok && !sig.Confidence.AtLeast(model.ConfidenceMedium) {
			out = append(out, fmt.Sprintf("%s from %s has %s confidence", c.Kind, c.Source, sig.Confidence))
		}
	}
	return out
}
