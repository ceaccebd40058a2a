// Package pipeline wires aggregation, scoring and qualification into a single
// per-lead run and persists its outcome.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/qualify-cli/internal/aggregate"
	"github.com/sells-group/qualify-cli/internal/model"
	"github.com/sells-group/qualify-cli/internal/qualify"
	"github.com/sells-group/qualify-cli/internal/resilience"
	"github.com/sells-group/qualify-cli/internal/store"
)

// DefaultDLQMaxRetries is how many times a dead-lettered lead is retried.
const DefaultDLQMaxRetries = 3

// Phases recorded on dead-letter entries.
const (
	PhaseCreateRun   = "create_run"
	PhaseLoadSignals = "load_signals"
	PhasePersist     = "persist"
)

// Aggregator enriches a lead from its applicable sources.
type Aggregator interface {
	Aggregate(ctx context.Context, runID string, lead model.Lead) aggregate.Aggregation
}

// Scorer computes a pain score from current signals.
type Scorer interface {
	Score(signals []model.Signal) model.PainScore
}

// Decider turns a scored lead into a decision.
type Decider interface {
	Decide(ctx context.Context, s qualify.Subject) model.Decision
}

// Emitter publishes a persisted decision downstream.
type Emitter interface {
	Emit(ctx context.Context, lead model.Lead, d model.Decision) error
}

// Options configures an Orchestrator.
type Options struct {
	DLQMaxRetries int
	// Persist retries transient store failures when saving a decision.
	Persist resilience.RetryConfig
	// Emitter is optional.
	Emitter Emitter
}

// Orchestrator runs leads through aggregate, score and decide.
type Orchestrator struct {
	store   store.Store
	agg     Aggregator
	scorer  Scorer
	decider Decider
	opts    Options
	nowFunc func() time.Time
}

// New creates an orchestrator.
func New(st store.Store, agg Aggregator, scorer Scorer, decider Decider, opts Options) *Orchestrator {
	if opts.DLQMaxRetries <= 0 {
		opts.DLQMaxRetries = DefaultDLQMaxRetries
	}
	if opts.Persist.MaxAttempts <= 0 {
		opts.Persist = resilience.DefaultRetryConfig()
	}
	return &Orchestrator{
		store:   st,
		agg:     agg,
		scorer:  scorer,
		decider: decider,
		opts:    opts,
		nowFunc: time.Now,
	}
}

// runError carries the phase a run failed in.
type runError struct {
	phase string
	runID string
	err   error
}

func (e *runError) Error() string { return e.err.Error() }
func (e *runError) Unwrap() error { return e.err }

// Run qualifies one lead. A returned error means the lead was invalid or its
// decision could not be persisted; in the latter case the lead is
// dead-lettered and the unpersisted decision is still returned.
func (o *Orchestrator) Run(ctx context.Context, lead model.Lead) (*model.Decision, error) {
	d, err := o.run(ctx, &lead)
	if err == nil {
		return d, nil
	}

	var re *runError
	if !errors.As(err, &re) {
		return d, err
	}
	o.deadLetter(ctx, lead, re)
	return d, re.err
}

func (o *Orchestrator) run(ctx context.Context, lead *model.Lead) (*model.Decision, error) {
	lead.Normalize()
	if lead.ID == "" {
		lead.ID = uuid.New().String()
	}
	if err := lead.Validate(); err != nil {
		return nil, eris.Wrap(resilience.ErrInsufficientInput, err.Error())
	}

	log := zap.L().With(zap.String("lead_id", lead.ID), zap.String("name", lead.Name))
	log.Info("pipeline: starting run")
	start := o.nowFunc()

	run, err := o.store.CreateRun(ctx, *lead)
	if err != nil {
		return nil, &runError{phase: PhaseCreateRun, err: eris.Wrap(err, "pipeline: create run")}
	}
	log = log.With(zap.String("run_id", run.ID))

	prior, err := o.store.LoadSignals(ctx, lead.ID)
	if err != nil {
		// Saving without the prior history would drop it.
		err = eris.Wrap(err, "pipeline: load signals")
		o.setStatus(ctx, run.ID, model.LeadStatusFailed, err.Error())
		return nil, &runError{phase: PhaseLoadSignals, runID: run.ID, err: err}
	}
	if prior.Len() > 0 {
		lead.Signals = prior
	}

	o.setStatus(ctx, run.ID, model.LeadStatusEnriching, "")
	agg := o.agg.Aggregate(ctx, run.ID, *lead)
	lead.Signals = agg.Signals

	current := agg.Signals.Current()
	score := o.scorer.Score(current)
	o.setStatus(ctx, run.ID, model.LeadStatusScored, "")
	log.Info("pipeline: scored",
		zap.Int("score", score.Score),
		zap.String("category", score.Category),
		zap.Int("signals", len(current)),
		zap.Float64("coverage", agg.Coverage),
	)

	d := o.decider.Decide(ctx, qualify.Subject{
		Lead:             *lead,
		RunID:            run.ID,
		Signals:          current,
		Score:            score,
		Confidence:       agg.Confidence,
		Missing:          agg.Missing(),
		Conflicts:        agg.Signals.Conflicts(),
		DeadlineExceeded: agg.DeadlineExceeded,
	})

	perr := resilience.Do(ctx, o.persistRetry(), func(ctx context.Context) error {
		return o.store.SaveDecision(ctx, d, agg.Signals)
	})
	if perr != nil {
		perr = eris.Wrap(perr, "pipeline: persist decision")
		o.setStatus(ctx, run.ID, model.LeadStatusFailed, perr.Error())
		return &d, &runError{phase: PhasePersist, runID: run.ID, err: perr}
	}
	lead.Status = model.LeadStatusDecided
	lead.Decision = &d

	if o.opts.Emitter != nil {
		if err := o.opts.Emitter.Emit(ctx, *lead, d); err != nil {
			log.Warn("pipeline: emit verdict failed", zap.Error(err))
		}
	}

	log.Info("pipeline: run complete",
		zap.String("outcome", string(d.Outcome)),
		zap.String("verdict", string(d.Verdict)),
		zap.Duration("elapsed", o.nowFunc().Sub(start)),
	)
	return &d, nil
}

func (o *Orchestrator) persistRetry() resilience.RetryConfig {
	cfg := o.opts.Persist
	if cfg.OnRetry == nil {
		cfg.OnRetry = resilience.RetryLogger("store", "save_decision")
	}
	return cfg
}

// setStatus updates the run status, logging failures without aborting.
func (o *Orchestrator) setStatus(ctx context.Context, runID string, status model.LeadStatus, msg string) {
	if err := o.store.UpdateRunStatus(ctx, runID, status, msg); err != nil {
		zap.L().Warn("pipeline: failed to update run status",
			zap.String("run_id", runID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) deadLetter(ctx context.Context, lead model.Lead, re *runError) {
	entry := resilience.NewDLQEntry(uuid.New().String(), lead, re.runID, re.phase, re.err, o.opts.DLQMaxRetries, o.nowFunc().UTC())
	// The caller's context may be what failed the run.
	dctx := context.WithoutCancel(ctx)
	if err := o.store.EnqueueDLQ(dctx, entry); err != nil {
		zap.L().Error("pipeline: failed to dead-letter lead",
			zap.String("lead_id", lead.ID),
			zap.String("phase", re.phase),
			zap.NamedError("cause", re.err),
			zap.Error(err),
		)
		return
	}
	zap.L().Warn("pipeline: lead dead-lettered",
		zap.String("lead_id", lead.ID),
		zap.String("phase", re.phase),
		zap.String("error_type", entry.ErrorType),
	)
}

// RetryResult summarizes one pass over the dead letter queue.
type RetryResult struct {
	Retried   int `json:"retried"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// RetryDLQ re-runs dead-lettered leads that are due. Successful entries are
// removed; failed ones are rescheduled with backoff.
func (o *Orchestrator) RetryDLQ(ctx context.Context, limit int) (RetryResult, error) {
	var res RetryResult
	entries, err := o.store.DequeueDLQ(ctx, resilience.DLQFilter{Limit: limit})
	if err != nil {
		return res, eris.Wrap(err, "pipeline: dequeue dlq")
	}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return res, eris.Wrap(err, "pipeline: retry dlq")
		}
		res.Retried++
		lead := entry.Lead

		_, rerr := o.run(ctx, &lead)
		if rerr == nil {
			res.Succeeded++
			if err := o.store.RemoveDLQ(ctx, entry.ID); err != nil {
				zap.L().Warn("pipeline: failed to remove dlq entry", zap.String("id", entry.ID), zap.Error(err))
			}
			continue
		}

		res.Failed++
		entry.Failed(rerr, o.nowFunc().UTC())
		var re *runError
		if errors.As(rerr, &re) {
			entry.FailedPhase = re.phase
			if re.runID != "" {
				entry.RunID = re.runID
			}
		}
		if err := o.store.EnqueueDLQ(ctx, entry); err != nil {
			return res, eris.Wrap(err, "pipeline: reschedule dlq entry")
		}
		zap.L().Warn("pipeline: dlq retry failed",
			zap.String("id", entry.ID),
			zap.Int("retry_count", entry.RetryCount),
			zap.Bool("exhausted", !entry.CanRetry()),
			zap.Error(rerr),
		)
	}
	return res, nil
}
