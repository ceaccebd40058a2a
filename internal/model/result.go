package model

// Outcome is the per-source result of an enrichment attempt.
type Outcome string

const (
	OutcomeSuccess  Outcome = "success"
	OutcomePartial  Outcome = "partial"
	OutcomeFailed   Outcome = "failed"
	OutcomeTimedOut Outcome = "timed_out"
	OutcomeSkipped  Outcome = "skipped"
)

// SkipReason explains a skipped outcome.
type SkipReason string

const (
	SkipInsufficientInput SkipReason = "insufficient_input"
	SkipCircuitOpen       SkipReason = "circuit_open"
	SkipNotApplicable     SkipReason = "not_applicable"
	SkipDisabled          SkipReason = "disabled"
)

// Attempt records one strategy attempt inside a waterfall.
type Attempt struct {
	Strategy   string     `json:"strategy"`
	Outcome    Outcome    `json:"outcome"`
	SkipReason SkipReason `json:"skip_reason,omitempty"`
	Confidence float64    `json:"confidence"`
	Threshold  float64    `json:"threshold"`
	Met        bool       `json:"met"`
	Error      string     `json:"error,omitempty"`
}

// EnrichmentResult is the outcome of consulting one source for one lead.
type EnrichmentResult struct {
	Source     string     `json:"source"`
	Outcome    Outcome    `json:"outcome"`
	SkipReason SkipReason `json:"skip_reason,omitempty"`
	Strategy   string     `json:"strategy,omitempty"`
	Confidence float64    `json:"confidence"`
	Signals    []Signal   `json:"signals,omitempty"`
	Attempts   []Attempt  `json:"attempts,omitempty"`
	Retries    int        `json:"retries,omitempty"`
	DurationMs int64      `json:"duration_ms"`
	Error      string     `json:"error,omitempty"`
}

// Produced reports whether the result carries usable signals.
func (r EnrichmentResult) Produced() bool {
	return (r.Outcome == OutcomeSuccess || r.Outcome == OutcomePartial) && len(r.Signals) > 0
}

// Skipped builds a skipped result.
func Skipped(source string, reason SkipReason) EnrichmentResult {
	return EnrichmentResult{Source: source, Outcome: OutcomeSkipped, SkipReason: reason}
}
