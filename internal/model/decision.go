package model

import "time"

// DecisionOutcome is how a decision was reached.
type DecisionOutcome string

const (
	DecisionQualified         DecisionOutcome = "qualified"
	DecisionDisqualified      DecisionOutcome = "disqualified"
	DecisionMarginalEscalated DecisionOutcome = "marginal_escalated"
	DecisionMarginalResolved  DecisionOutcome = "marginal_resolved"
)

// Verdict is the binary qualification result.
type Verdict string

const (
	VerdictQualified    Verdict = "qualified"
	VerdictDisqualified Verdict = "disqualified"
)

// CaveatKind classifies a note attached to a decision.
type CaveatKind string

const (
	CaveatAggregationDeadlineExceeded CaveatKind = "aggregation_deadline_exceeded"
	CaveatAdjudicationFailed          CaveatKind = "adjudication_failed"
	CaveatSourceMissing               CaveatKind = "source_missing"
)

// Caveat qualifies a decision for downstream consumers.
type Caveat struct {
	Kind   CaveatKind `json:"kind"`
	Source string     `json:"source,omitempty"`
	Detail string     `json:"detail,omitempty"`
}

// Adjudication is the transcript of an escalated review.
type Adjudication struct {
	RequestHash string  `json:"request_hash"`
	Prompt      string  `json:"prompt"`
	Response    string  `json:"response,omitempty"`
	Verdict     Verdict `json:"verdict,omitempty"`
	Confidence  float64 `json:"confidence"`
	Rationale   string  `json:"rationale,omitempty"`
	Model       string  `json:"model,omitempty"`
	Cached      bool    `json:"cached,omitempty"`
	Attempts    int     `json:"attempts"`
	DurationMs  int64   `json:"duration_ms"`
	Error       string  `json:"error,omitempty"`
}

// Decision is the final, immutable qualification record for one run.
type Decision struct {
	ID           string          `json:"id"`
	LeadID       string          `json:"lead_id"`
	RunID        string          `json:"run_id"`
	Outcome      DecisionOutcome `json:"outcome"`
	Verdict      Verdict         `json:"verdict"`
	PainScore    PainScore       `json:"pain_score"`
	Confidence   float64         `json:"confidence"`
	Caveats      []Caveat        `json:"caveats,omitempty"`
	Adjudication *Adjudication   `json:"adjudication,omitempty"`
	DecidedAt    time.Time       `json:"decided_at"`
}

// Qualified reports whether the lead should go to outreach.
func (d Decision) Qualified() bool {
	return d.Verdict == VerdictQualified
}

// HasCaveat reports whether a caveat of kind is present.
func (d Decision) HasCaveat(kind CaveatKind) bool {
	for _, c := range d.Caveats {
		if c.Kind == kind {
			return true
		}
	}
	return false
}

// PendingReview reports a marginal lead whose adjudication did not complete.
func (d Decision) PendingReview() bool {
	return d.Outcome == DecisionMarginalEscalated
}
