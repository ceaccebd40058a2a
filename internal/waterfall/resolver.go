// Package waterfall resolves one source's identity lookup by trying its
// ordered strategies until one meets its confidence threshold.
package waterfall

import (
	"context"
	"math"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/qualify-cli/internal/model"
	"github.com/sells-group/qualify-cli/internal/resilience"
	"github.com/sells-group/qualify-cli/internal/source"
)

// State is the resolver's state after a run.
type State string

const (
	StatePending   State = "pending"
	StateResolved  State = "resolved"
	StateExhausted State = "exhausted"
)

// Inputs supplies identity fields to strategies. Get may block until the
// source providing key has finished or ctx is done.
type Inputs interface {
	Get(ctx context.Context, key string) (string, bool)
}

// StaticInputs is an Inputs backed by a plain map.
type StaticInputs map[string]string

// Get implements Inputs.
func (s StaticInputs) Get(_ context.Context, key string) (string, bool) {
	v, ok := s[key]
	return v, ok && v != ""
}

// Fetcher performs one attempt against a source.
type Fetcher interface {
	Fetch(ctx context.Context, req source.Request) model.EnrichmentResult
}

// Resolution is the terminal outcome of a waterfall.
type Resolution struct {
	State  State
	Result model.EnrichmentResult
}

// ErrNoConfidentMatch marks a waterfall whose candidates all fell below
// their strategy thresholds.
var ErrNoConfidentMatch = eris.New("waterfall: no strategy met its confidence threshold")

// Resolver drives one source's strategies strictly in declared order.
type Resolver struct {
	fetcher Fetcher
	cfg     SourceConfig
	nowFunc func() time.Time
}

// NewResolver creates a resolver for the source described by cfg.
func NewResolver(f Fetcher, cfg SourceConfig) *Resolver {
	return &Resolver{fetcher: f, cfg: cfg, nowFunc: time.Now}
}

// Resolve runs the waterfall. Strategy i+1 is attempted only when strategy i
// did not meet its threshold. A resolved result carries the strategy used; an
// exhausted one carries no signals, its candidates survive only in Attempts.
//
// The source timeout is charged only while a fetch is in flight. Waiting on
// an input provided by another source is bounded by ctx alone.
func (r *Resolver) Resolve(ctx context.Context, leadID string, in Inputs) Resolution {
	start := r.nowFunc()
	log := zap.L().With(zap.String("lead_id", leadID), zap.String("source", r.cfg.Name))

	var (
		attempts       []model.Attempt
		retries        int
		belowThreshold bool
		budgetSpent    bool
		lastFailure    *model.EnrichmentResult
	)
	remaining := r.cfg.Timeout

	finish := func(state State, res model.EnrichmentResult) Resolution {
		res.Source = r.cfg.Name
		res.Attempts = attempts
		res.Retries = retries
		res.DurationMs = r.nowFunc().Sub(start).Milliseconds()
		return Resolution{State: state, Result: res}
	}

	for _, st := range r.cfg.Strategies {
		if ctx.Err() != nil {
			break
		}

		req := st.Request(ctx, leadID, in)
		charged := r.cfg.Timeout > 0 && len(req.Missing()) == 0
		if charged && remaining <= 0 {
			budgetSpent = true
			break
		}
		t0 := r.nowFunc()
		fetchCtx, cancel := ctx, context.CancelFunc(func() {})
		if charged {
			fetchCtx, cancel = context.WithTimeout(ctx, remaining)
		}
		res := r.fetcher.Fetch(fetchCtx, req)
		cancel()
		if charged {
			remaining -= r.nowFunc().Sub(t0)
		}
		retries += res.Retries
		st.Cap(&res)

		met := res.Produced() && res.Confidence >= st.Threshold
		attempts = append(attempts, model.Attempt{
			Strategy:   st.Name,
			Outcome:    res.Outcome,
			SkipReason: res.SkipReason,
			Confidence: res.Confidence,
			Threshold:  st.Threshold,
			Met:        met,
			Error:      res.Error,
		})

		switch {
		case met:
			log.Debug("waterfall: resolved", zap.String("strategy", st.Name), zap.Float64("confidence", res.Confidence))
			return finish(StateResolved, res)
		case res.Outcome == model.OutcomeSkipped && res.SkipReason == model.SkipCircuitOpen:
			// Every later strategy hits the same breaker.
			return finish(StateExhausted, model.Skipped(r.cfg.Name, model.SkipCircuitOpen))
		case res.Produced():
			belowThreshold = true
		case res.Outcome == model.OutcomeFailed || res.Outcome == model.OutcomeTimedOut:
			f := res
			lastFailure = &f
		}
		log.Debug("waterfall: advancing", zap.String("strategy", st.Name), zap.String("outcome", string(res.Outcome)))
	}

	switch {
	case belowThreshold:
		return finish(StateExhausted, model.EnrichmentResult{Outcome: model.OutcomeFailed, Error: ErrNoConfidentMatch.Error()})
	case lastFailure != nil:
		out := model.EnrichmentResult{Outcome: lastFailure.Outcome, Error: lastFailure.Error}
		if ctx.Err() != nil {
			out.Outcome = model.OutcomeTimedOut
		}
		return finish(StateExhausted, out)
	case budgetSpent:
		return finish(StateExhausted, model.EnrichmentResult{
			Outcome: model.OutcomeTimedOut,
			Error:   eris.Wrapf(resilience.ErrSourceTimedOut, "timeout %s spent", r.cfg.Timeout).Error(),
		})
	case ctx.Err() != nil:
		return finish(StateExhausted, model.EnrichmentResult{Outcome: model.OutcomeTimedOut, Error: ctx.Err().Error()})
	default:
		return finish(StateExhausted, model.Skipped(r.cfg.Name, model.SkipInsufficientInput))
	}
}

// Request gathers and normalizes the strategy's inputs into a source request.
// Get may block on inputs provided by another source.
func (st Strategy) Request(ctx context.Context, leadID string, in Inputs) source.Request {
	fields := make(map[string]string, len(st.Inputs)+len(st.Optional))
	for _, keys := range [][]string{st.Inputs, st.Optional} {
		for _, key := range keys {
			v, ok := in.Get(ctx, key)
			if !ok {
				continue
			}
			if v = Normalize(st.Normalize[key], v); v != "" {
				fields[key] = v
			}
		}
	}
	return source.Request{
		LeadID:   leadID,
		Strategy: st.Name,
		Fields:   fields,
		Required: st.Inputs,
	}
}

// Cap limits the result and its signals to the strategy ceiling.
func (st Strategy) Cap(res *model.EnrichmentResult) {
	if st.Ceiling <= 0 || res.Confidence <= st.Ceiling {
		return
	}
	res.Confidence = st.Ceiling
	for i := range res.Signals {
		res.Signals[i].Score = math.Min(res.Signals[i].Score, st.Ceiling)
		res.Signals[i].Confidence = model.ConfidenceFromScore(res.Signals[i].Score)
	}
}
