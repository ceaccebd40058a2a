// Package aggregate fans a lead out to every applicable enrichment source and
// merges whatever completes within the aggregation deadline.
package aggregate

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/qualify-cli/internal/metrics"
	"github.com/sells-group/qualify-cli/internal/model"
	"github.com/sells-group/qualify-cli/internal/resilience"
	"github.com/sells-group/qualify-cli/internal/source"
	"github.com/sells-group/qualify-cli/internal/waterfall"
)

// DefaultDeadline bounds one lead's aggregation.
const DefaultDeadline = 45 * time.Second

// DefaultPriority ranks sources for conflict resolution, strongest first.
var DefaultPriority = model.Priority{
	"license", "address", "reputation", source.OwnerSourceName, "performance", "visual", model.SourceIntake,
}

// Options configures an Aggregator.
type Options struct {
	// Deadline is the hard upper bound for one lead's fan-out.
	Deadline time.Duration
	// Priority is the source ranking used to merge conflicting signals.
	Priority model.Priority
}

// Aggregation is the merged, partial-tolerant outcome of one fan-out.
type Aggregation struct {
	LeadID string `json:"lead_id"`
	RunID  string `json:"run_id"`
	// Results holds one entry per configured source, sorted by source name.
	Results []model.EnrichmentResult `json:"results"`
	// Signals is the lead's prior bag with this run's signals merged in.
	Signals          model.SignalBag `json:"signals"`
	DeadlineExceeded bool            `json:"deadline_exceeded"`
	// Coverage is the fraction of applicable sources that produced signals.
	Coverage   float64 `json:"coverage"`
	Confidence float64 `json:"confidence"`
	DurationMs int64   `json:"duration_ms"`
}

// Result returns the result for the named source.
func (a Aggregation) Result(name string) (model.EnrichmentResult, bool) {
	for _, r := range a.Results {
		if r.Source == name {
			return r, true
		}
	}
	return model.EnrichmentResult{}, false
}

// Missing returns applicable sources that produced nothing.
func (a Aggregation) Missing() []model.EnrichmentResult {
	var out []model.EnrichmentResult
	for _, r := range a.Results {
		if r.Produced() || !applicable(r) {
			continue
		}
		out = append(out, r)
	}
	return out
}

func applicable(r model.EnrichmentResult) bool {
	return !(r.Outcome == model.OutcomeSkipped &&
		(r.SkipReason == model.SkipNotApplicable || r.SkipReason == model.SkipDisabled))
}

// Aggregator dispatches a lead to its applicable sources concurrently.
type Aggregator struct {
	sources *source.Registry
	cfg     *waterfall.Config
	opts    Options
	nowFunc func() time.Time
}

// New creates an aggregator over the registered adapters described by cfg.
func New(sources *source.Registry, cfg *waterfall.Config, opts Options) *Aggregator {
	if opts.Deadline <= 0 {
		opts.Deadline = DefaultDeadline
	}
	if len(opts.Priority) == 0 {
		opts.Priority = DefaultPriority
	}
	return &Aggregator{sources: sources, cfg: cfg, opts: opts, nowFunc: time.Now}
}

// Priority returns the source ranking used for merging.
func (a *Aggregator) Priority() model.Priority {
	return a.opts.Priority
}

// Plan splits the configured sources into those applicable to inputs and the
// skipped results for the rest. A source is applicable when some strategy's
// required inputs are present or provided by another applicable source.
func (a *Aggregator) Plan(inputs map[string]string) (run []waterfall.SourceConfig, skipped []model.EnrichmentResult) {
	candidates := map[string]waterfall.SourceConfig{}
	for _, name := range a.cfg.SourceNames() {
		sc := a.cfg.Sources[name]
		if !sc.IsEnabled() || a.sources.Get(name) == nil {
			skipped = append(skipped, model.Skipped(name, model.SkipDisabled))
			continue
		}
		candidates[name] = sc
	}

	available := make(map[string]bool, len(inputs))
	for k, v := range inputs {
		available[k] = v != ""
	}
	chosen := map[string]bool{}
	for changed := true; changed; {
		changed = false
		for name, sc := range candidates {
			if chosen[name] || !satisfiable(sc, available) {
				continue
			}
			chosen[name] = true
			changed = true
			for _, p := range sc.Provides {
				available[p] = true
			}
		}
	}

	for _, name := range a.cfg.SourceNames() {
		sc, ok := candidates[name]
		if !ok {
			continue
		}
		if chosen[name] {
			run = append(run, sc)
		} else {
			skipped = append(skipped, model.Skipped(name, model.SkipNotApplicable))
		}
	}
	return run, skipped
}

func satisfiable(sc waterfall.SourceConfig, available map[string]bool) bool {
	for _, st := range sc.Strategies {
		ok := true
		for _, in := range st.Inputs {
			if !available[in] {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

// Aggregate enriches lead. It never fails: missing sources are tagged on the
// returned results. Results arriving after the deadline are discarded and
// their in-flight calls cancelled.
func (a *Aggregator) Aggregate(ctx context.Context, runID string, lead model.Lead) Aggregation {
	start := a.nowFunc()
	log := zap.L().With(zap.String("lead_id", lead.ID), zap.String("run_id", runID))

	inputs := lead.Inputs()
	plan, skipped := a.Plan(inputs)

	var provided []string
	for _, sc := range plan {
		provided = append(provided, sc.Provides...)
	}
	in := newLeadInputs(inputs, provided)

	runCtx, cancel := context.WithTimeoutCause(ctx, a.opts.Deadline, resilience.ErrAggregationDeadlineExceeded)
	defer cancel()

	// Buffered so late senders never block after we stop receiving.
	out := make(chan model.EnrichmentResult, len(plan))
	for _, sc := range plan {
		go func(sc waterfall.SourceConfig) {
			res := a.dispatch(runCtx, sc, lead.ID, in)
			in.publish(sc.Provides, res)
			out <- res
		}(sc)
	}

	results := make(map[string]model.EnrichmentResult, len(plan)+len(skipped))
	for _, r := range skipped {
		results[r.Source] = r
	}
	pending := make(map[string]bool, len(plan))
	for _, sc := range plan {
		pending[sc.Name] = true
	}

collect:
	for len(pending) > 0 {
		select {
		case res := <-out:
			results[res.Source] = res
			delete(pending, res.Source)
		case <-runCtx.Done():
			break collect
		}
	}

	agg := Aggregation{LeadID: lead.ID, RunID: runID}
	if len(pending) > 0 {
		agg.DeadlineExceeded = true
		metrics.ObserveAggregationDeadline()
		for name := range pending {
			log.Warn("aggregate: source missed deadline", zap.String("source", name))
			results[name] = model.EnrichmentResult{
				Source:     name,
				Outcome:    model.OutcomeTimedOut,
				Error:      eris.Wrap(resilience.ErrAggregationDeadlineExceeded, resilience.ErrSourceTimedOut.Error()).Error(),
				DurationMs: a.nowFunc().Sub(start).Milliseconds(),
			}
		}
	}

	agg.Results = make([]model.EnrichmentResult, 0, len(results))
	for _, r := range results {
		agg.Results = append(agg.Results, r)
	}
	sort.Slice(agg.Results, func(i, j int) bool { return agg.Results[i].Source < agg.Results[j].Source })

	agg.Signals = lead.Signals.Clone()
	agg.Signals.ApplyAll(a.collectSignals(agg.Results, lead, runID), a.opts.Priority)

	agg.Coverage, agg.Confidence = coverage(agg.Results, len(plan))
	agg.DurationMs = a.nowFunc().Sub(start).Milliseconds()

	log.Info("aggregate: complete",
		zap.Int("applicable", len(plan)),
		zap.Float64("coverage", agg.Coverage),
		zap.Bool("deadline_exceeded", agg.DeadlineExceeded),
		zap.Int64("duration_ms", agg.DurationMs),
	)
	return agg
}

// dispatch runs one source through its waterfall. The source timeout is
// applied per fetch by the resolver so waiting on a provided input does not
// consume it.
func (a *Aggregator) dispatch(ctx context.Context, sc waterfall.SourceConfig, leadID string, in waterfall.Inputs) model.EnrichmentResult {
	return waterfall.NewResolver(a.sources.Get(sc.Name), sc).Resolve(ctx, leadID, in).Result
}

func (a *Aggregator) collectSignals(results []model.EnrichmentResult, lead model.Lead, runID string) []model.Signal {
	sigs := IntakeSignals(lead, runID, a.nowFunc())
	for _, r := range results {
		if !r.Produced() {
			continue
		}
		for _, s := range r.Signals {
			s.RunID = runID
			sigs = append(sigs, s)
		}
	}
	return sigs
}

// coverage returns the produced fraction of applicable sources and the mean
// result confidence across them, counting missing sources as zero.
func coverage(results []model.EnrichmentResult, applicableCount int) (float64, float64) {
	if applicableCount == 0 {
		return 0, 0
	}
	var produced int
	var conf float64
	for _, r := range results {
		if r.Produced() {
			produced++
			conf += r.Confidence
		}
	}
	return float64(produced) / float64(applicableCount), conf / float64(applicableCount)
}
