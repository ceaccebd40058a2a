package source

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/qualify-cli/internal/metrics"
	"github.com/sells-group/qualify-cli/internal/model"
	"github.com/sells-group/qualify-cli/internal/resilience"
)

// Adapter is the uniform client wrapper around one Source. Fetch never
// returns an error: every failure is folded into the EnrichmentResult.
type Adapter struct {
	src      Source
	fields   FieldMap
	breakers *resilience.SourceBreakers
	retry    resilience.RetryConfig
	decay    DecayConfig
	// defaultConfidence applies when the source reports none.
	defaultConfidence float64
	nowFunc           func() time.Time
}

// AdapterOption configures an Adapter.
type AdapterOption func(*Adapter)

// WithRetry sets the retry policy.
func WithRetry(cfg resilience.RetryConfig) AdapterOption {
	return func(a *Adapter) { a.retry = cfg }
}

// WithDecay sets the confidence decay applied to dated responses.
func WithDecay(d DecayConfig) AdapterOption {
	return func(a *Adapter) { a.decay = d }
}

// WithDefaultConfidence sets the confidence used when a response carries none.
func WithDefaultConfidence(c float64) AdapterOption {
	return func(a *Adapter) { a.defaultConfidence = c }
}

// WithClock sets the adapter's time source.
func WithClock(now func() time.Time) AdapterOption {
	return func(a *Adapter) { a.nowFunc = now }
}

// NewAdapter wraps src. breakers is shared across every lead and adapter.
func NewAdapter(src Source, fields FieldMap, breakers *resilience.SourceBreakers, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		src:               src,
		fields:            fields,
		breakers:          breakers,
		retry:             resilience.DefaultRetryConfig(),
		decay:             DecayConfig{HalfLifeDays: 365, Floor: 0.2},
		defaultConfidence: 0.8,
		nowFunc:           time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name returns the wrapped source's name.
func (a *Adapter) Name() string {
	return a.src.Name()
}

// Kinds returns the signal kinds this adapter can produce.
func (a *Adapter) Kinds() []model.SignalKind {
	return a.fields.Kinds()
}

// Fetch attempts req within ctx's deadline.
func (a *Adapter) Fetch(ctx context.Context, req Request) model.EnrichmentResult {
	name := a.Name()
	start := a.nowFunc()
	log := zap.L().With(zap.String("source", name), zap.String("lead_id", req.LeadID), zap.String("strategy", req.Strategy))

	res := model.EnrichmentResult{Source: name, Strategy: req.Strategy}
	defer func() {
		res.DurationMs = a.nowFunc().Sub(start).Milliseconds()
		metrics.ObserveSourceCall(name, string(res.Outcome), res.DurationMs)
	}()

	if missing := req.Missing(); len(missing) > 0 {
		res.Outcome = model.OutcomeSkipped
		res.SkipReason = model.SkipInsufficientInput
		res.Error = eris.Wrapf(resilience.ErrInsufficientInput, "missing %s", strings.Join(missing, ", ")).Error()
		return res
	}

	cb := a.breakers.Get(name)
	if err := cb.Allow(); err != nil {
		log.Debug("source: circuit open, skipping")
		res.Outcome = model.OutcomeSkipped
		res.SkipReason = model.SkipCircuitOpen
		res.Error = err.Error()
		return res
	}

	retryCfg := a.retry
	if retryCfg.OnRetry == nil {
		retryCfg.OnRetry = resilience.RetryLogger(name, "fetch")
	}
	resp, retries, err := resilience.DoCount(ctx, retryCfg, func(ctx context.Context) (*Response, error) {
		return a.src.Fetch(ctx, req)
	})
	res.Retries = retries

	// Cancellation by the caller, or the whole lead running out of time,
	// says nothing about source health.
	if errors.Is(err, context.Canceled) || callerExpired(ctx) {
		cb.Release()
	} else {
		cb.Record(err)
	}

	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled), ctx.Err() != nil:
			res.Outcome = model.OutcomeTimedOut
			res.Error = eris.Wrap(resilience.ErrSourceTimedOut, err.Error()).Error()
			log.Info("source: timed out", zap.Error(err))
		default:
			res.Outcome = model.OutcomeFailed
			res.Error = eris.Wrap(resilience.ErrSourceUnavailable, err.Error()).Error()
			log.Warn("source: fetch failed", zap.Int("retries", retries), zap.Error(err))
		}
		return res
	}

	a.mapResponse(&res, resp)
	return res
}

// callerExpired reports whether ctx ended because the aggregation deadline
// passed rather than the source's own timeout.
func callerExpired(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), resilience.ErrAggregationDeadlineExceeded)
}

func (a *Adapter) mapResponse(res *model.EnrichmentResult, resp *Response) {
	now := a.nowFunc()

	raw := a.defaultConfidence
	if resp.Confidence != nil {
		raw = *resp.Confidence
	}
	var asOf time.Time
	if resp.DataAsOf != nil {
		asOf = *resp.DataAsOf
	}
	conf := EffectiveConfidence(raw, asOf, now, a.decay)
	res.Confidence = conf

	for _, field := range a.fields.sortedFields() {
		v, ok := resp.Fields[field]
		if !ok || v == nil {
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			continue
		}
		res.Signals = append(res.Signals, model.Signal{
			Kind:       a.fields[field],
			Value:      v,
			Source:     res.Source,
			Strategy:   res.Strategy,
			Confidence: model.ConfidenceFromScore(conf),
			Score:      conf,
			ObservedAt: now,
			DataAsOf:   resp.DataAsOf,
		})
	}

	switch {
	case len(res.Signals) == 0:
		res.Outcome = model.OutcomeFailed
		res.Confidence = 0
		res.Error = "source: no match"
	case len(res.Signals) < len(a.fields):
		res.Outcome = model.OutcomePartial
	default:
		res.Outcome = model.OutcomeSuccess
	}
}
