// Package adjudicate implements the language-model reviewer that resolves
// marginal qualification decisions.
package adjudicate

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/qualify-cli/internal/model"
	"github.com/sells-group/qualify-cli/internal/qualify"
	"github.com/sells-group/qualify-cli/internal/resilience"
	"github.com/sells-group/qualify-cli/pkg/anthropic"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "claude-haiku-4-5-20251001"

const systemPrompt = `You review small-business sales leads for a web agency.
Each lead has a pain score computed from enrichment signals (licensing,
reputation, website performance and design, address checks). Scores in the
marginal band are ambiguous; decide whether the lead is worth outreach.

Weigh the contributing signals against the listed uncertainties. Missing data
is not evidence of pain. Prefer "disqualified" when the evidence is thin.

Respond with a single JSON object and nothing else:
{"verdict": "qualified" | "disqualified", "confidence": <0..1>, "rationale": "<one or two sentences>"}`

// Reviewer adjudicates through the Anthropic messages API.
type Reviewer struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// Option configures a Reviewer.
type Option func(*Reviewer)

// WithModel sets the model ID.
func WithModel(m string) Option {
	return func(r *Reviewer) {
		if m != "" {
			r.model = m
		}
	}
}

// WithMaxTokens caps the response length.
func WithMaxTokens(n int64) Option {
	return func(r *Reviewer) {
		if n > 0 {
			r.maxTokens = n
		}
	}
}

// NewReviewer creates a reviewer over client.
func NewReviewer(client anthropic.Client, opts ...Option) *Reviewer {
	r := &Reviewer{client: client, model: DefaultModel, maxTokens: 512}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Adjudicate implements qualify.Adjudicator.
func (r *Reviewer) Adjudicate(ctx context.Context, req qualify.Request) (*qualify.Verdict, error) {
	body, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		return nil, eris.Wrap(err, "adjudicate: marshal request")
	}
	prompt := "Lead under review:\n\n" + string(body)

	temp := 0.0
	resp, err := r.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:       r.model,
		MaxTokens:   r.maxTokens,
		System:      anthropic.BuildCachedSystemBlocks(systemPrompt),
		Messages:    []anthropic.Message{{Role: "user", Content: prompt}},
		Temperature: &temp,
	})
	if err != nil {
		if code := anthropic.StatusCode(err); resilience.IsTransientHTTPStatus(code) || code == 529 {
			return nil, resilience.NewTransientError(err, code)
		}
		return nil, eris.Wrap(err, "adjudicate: create message")
	}
	resp.Usage.LogCost(r.model, "adjudicate")

	text := resp.Text()
	v, err := ParseVerdict(text)
	if err != nil {
		return &qualify.Verdict{Prompt: prompt, Response: text, Model: resp.Model}, err
	}
	v.Prompt = prompt
	v.Response = text
	v.Model = resp.Model
	return v, nil
}

// ParseVerdict extracts the JSON verdict object from a model response,
// tolerating surrounding prose or code fences.
func ParseVerdict(text string) (*qualify.Verdict, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, eris.New("adjudicate: no JSON object in response")
	}

	var raw struct {
		Verdict    string   `json:"verdict"`
		Confidence *float64 `json:"confidence"`
		Rationale  string   `json:"rationale"`
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil, eris.Wrap(err, "adjudicate: parse verdict")
	}

	v := &qualify.Verdict{
		Verdict:   model.Verdict(strings.ToLower(strings.TrimSpace(raw.Verdict))),
		Rationale: strings.TrimSpace(raw.Rationale),
	}
	if v.Verdict != model.VerdictQualified && v.Verdict != model.VerdictDisqualified {
		return nil, eris.Errorf("adjudicate: unknown verdict %q", raw.Verdict)
	}
	if raw.Confidence == nil {
		return nil, eris.New("adjudicate: verdict missing confidence")
	}
	v.Confidence = *raw.Confidence
	if v.Confidence < 0 || v.Confidence > 1 {
		return nil, eris.Errorf("adjudicate: confidence %.2f outside 0..1", v.Confidence)
	}
	return v, nil
}
