package qualify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/qualify-cli/internal/metrics"
	"github.com/sells-group/qualify-cli/internal/model"
	"github.com/sells-group/qualify-cli/internal/resilience"
)

// DefaultAdjudicationTimeout bounds the wait for an adjudicator verdict,
// retries included.
const DefaultAdjudicationTimeout = 30 * time.Second

// Verdict is an adjudicator's answer.
type Verdict struct {
	Verdict    model.Verdict `json:"verdict"`
	Confidence float64       `json:"confidence"`
	Rationale  string        `json:"rationale"`
	// Prompt and Response are the raw exchange, kept for the transcript.
	Prompt   string `json:"-"`
	Response string `json:"-"`
	Model    string `json:"-"`
}

// Adjudicator reviews marginal leads.
type Adjudicator interface {
	Adjudicate(ctx context.Context, req Request) (*Verdict, error)
}

// VerdictCache stores adjudications by request hash so escalation is
// idempotent.
type VerdictCache interface {
	GetAdjudication(ctx context.Context, requestHash string) (*model.Adjudication, error)
	PutAdjudication(ctx context.Context, adj model.Adjudication) error
}

// Options configures an Engine.
type Options struct {
	Timeout time.Duration
	Retry   resilience.RetryConfig
}

// Engine applies score bands and escalates marginal scores.
type Engine struct {
	bands   Bands
	adj     Adjudicator
	cache   VerdictCache
	opts    Options
	nowFunc func() time.Time
}

// NewEngine validates bands and builds an engine. adj and cache may be nil:
// without an adjudicator every marginal lead takes the fallback.
func NewEngine(bands Bands, adj Adjudicator, cache VerdictCache, opts Options) (*Engine, error) {
	if err := bands.Validate(); err != nil {
		return nil, err
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultAdjudicationTimeout
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	return &Engine{bands: bands, adj: adj, cache: cache, opts: opts, nowFunc: time.Now}, nil
}

// Bands returns the engine's thresholds.
func (e *Engine) Bands() Bands {
	return e.bands
}

// Decide produces the decision for s. It never blocks longer than the
// adjudication timeout and never fails.
func (e *Engine) Decide(ctx context.Context, s Subject) model.Decision {
	d := model.Decision{
		ID:         uuid.New().String(),
		LeadID:     s.Lead.ID,
		RunID:      s.RunID,
		PainScore:  s.Score,
		Confidence: s.Confidence,
		Caveats:    caveats(s),
	}

	switch e.bands.Classify(s.Score.Score) {
	case BandLow:
		d.Outcome = model.DecisionDisqualified
		d.Verdict = model.VerdictDisqualified
	case BandHigh:
		d.Outcome = model.DecisionQualified
		d.Verdict = model.VerdictQualified
	default:
		e.escalate(ctx, s, &d)
	}

	d.DecidedAt = e.nowFunc().UTC()
	metrics.ObserveDecision(string(d.Outcome), string(d.Verdict), d.PainScore.Score)
	zap.L().Info("qualify: decided",
		zap.String("lead_id", d.LeadID),
		zap.String("run_id", d.RunID),
		zap.String("outcome", string(d.Outcome)),
		zap.String("verdict", string(d.Verdict)),
		zap.Int("score", d.PainScore.Score),
		zap.Int("caveats", len(d.Caveats)),
	)
	return d
}

func (e *Engine) escalate(ctx context.Context, s Subject, d *model.Decision) {
	adj, err := e.Adjudicate(ctx, BuildRequest(s, e.bands))
	d.Adjudication = adj
	if err != nil {
		zap.L().Warn("qualify: adjudication failed, falling back",
			zap.String("lead_id", s.Lead.ID), zap.Error(err))
		d.Outcome = model.DecisionMarginalEscalated
		d.Verdict = model.VerdictDisqualified
		d.Confidence = 0
		d.Caveats = append(d.Caveats, model.Caveat{Kind: model.CaveatAdjudicationFailed, Detail: err.Error()})
		return
	}
	d.Outcome = model.DecisionMarginalResolved
	d.Verdict = adj.Verdict
	d.Confidence = adj.Confidence
}

// Adjudicate obtains a verdict for req within the configured timeout,
// consulting the cache first. The returned transcript is non-nil whenever an
// adjudicator was consulted. Errors wrap resilience.ErrAdjudicationFailed.
func (e *Engine) Adjudicate(ctx context.Context, req Request) (*model.Adjudication, error) {
	hash := req.Hash()
	log := zap.L().With(zap.String("lead_id", req.LeadID), zap.String("request_hash", hash))

	if e.cache != nil {
		cached, err := e.cache.GetAdjudication(ctx, hash)
		switch {
		case err != nil:
			log.Warn("qualify: adjudication cache lookup failed", zap.Error(err))
		case cached != nil:
			log.Debug("qualify: adjudication cache hit")
			metrics.ObserveAdjudication("cached")
			out := *cached
			out.Cached = true
			return &out, nil
		}
	}

	if e.adj == nil {
		metrics.ObserveAdjudication("failed")
		return nil, eris.Wrap(resilience.ErrAdjudicationFailed, "no adjudicator configured")
	}

	start := e.nowFunc()
	actx, cancel := context.WithTimeout(ctx, e.opts.Timeout)
	defer cancel()

	retry := e.opts.Retry
	if retry.OnRetry == nil {
		retry.OnRetry = resilience.RetryLogger("adjudicator", "adjudicate")
	}
	// last keeps the transcript of a rejected answer.
	var last *Verdict
	v, retries, err := resilience.DoCount(actx, retry, func(ctx context.Context) (*Verdict, error) {
		out, aerr := e.adj.Adjudicate(ctx, req)
		if out != nil {
			last = out
		}
		return out, aerr
	})

	adj := &model.Adjudication{
		RequestHash: hash,
		Attempts:    retries + 1,
		DurationMs:  e.nowFunc().Sub(start).Milliseconds(),
	}
	if err == nil {
		err = validVerdict(v)
	}
	if v == nil {
		v = last
	}
	if v != nil {
		adj.Prompt = v.Prompt
		adj.Response = v.Response
		adj.Model = v.Model
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || actx.Err() != nil {
			err = eris.Wrapf(resilience.ErrAdjudicationFailed, "timed out after %s: %v", e.opts.Timeout, err)
		} else {
			err = eris.Wrap(resilience.ErrAdjudicationFailed, err.Error())
		}
		adj.Error = err.Error()
		metrics.ObserveAdjudication("failed")
		return adj, err
	}

	adj.Verdict = v.Verdict
	adj.Confidence = v.Confidence
	adj.Rationale = v.Rationale
	metrics.ObserveAdjudication("resolved")

	if e.cache != nil {
		if cerr := e.cache.PutAdjudication(ctx, *adj); cerr != nil {
			log.Warn("qualify: adjudication cache write failed", zap.Error(cerr))
		}
	}
	return adj, nil
}

func validVerdict(v *Verdict) error {
	if v == nil {
		return eris.New("qualify: empty verdict")
	}
	if v.Verdict != model.VerdictQualified && v.Verdict != model.VerdictDisqualified {
		return eris.Errorf("qualify: unknown verdict %q", v.Verdict)
	}
	if v.Confidence < 0 || v.Confidence > 1 {
		return eris.Errorf("qualify: verdict confidence %.2f outside 0..1", v.Confidence)
	}
	return nil
}

// caveats records the surfaced aggregation failure and, informationally,
// every applicable source that produced nothing.
func caveats(s Subject) []model.Caveat {
	var out []model.Caveat
	if s.DeadlineExceeded {
		out = append(out, model.Caveat{
			Kind:   model.CaveatAggregationDeadlineExceeded,
			Detail: resilience.ErrAggregationDeadlineExceeded.Error(),
		})
	}
	for _, r := range s.Missing {
		detail := string(r.Outcome)
		switch {
		case r.SkipReason != "":
			detail = fmt.Sprintf("%s: %s", r.Outcome, r.SkipReason)
		case r.Error != "":
			detail = fmt.Sprintf("%s: %s", r.Outcome, r.Error)
		}
		out = append(out, model.Caveat{Kind: model.CaveatSourceMissing, Source: r.Source, Detail: detail})
	}
	return out
}
