package main

import (
	"context"

	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/qualify-cli/internal/adjudicate"
	"github.com/sells-group/qualify-cli/internal/aggregate"
	"github.com/sells-group/qualify-cli/internal/config"
	"github.com/sells-group/qualify-cli/internal/metrics"
	"github.com/sells-group/qualify-cli/internal/model"
	"github.com/sells-group/qualify-cli/internal/painscore"
	"github.com/sells-group/qualify-cli/internal/pipeline"
	"github.com/sells-group/qualify-cli/internal/qualify"
	"github.com/sells-group/qualify-cli/internal/resilience"
	"github.com/sells-group/qualify-cli/internal/source"
	"github.com/sells-group/qualify-cli/internal/store"
	"github.com/sells-group/qualify-cli/internal/waterfall"
	anthropicpkg "github.com/sells-group/qualify-cli/pkg/anthropic"
	"github.com/sells-group/qualify-cli/pkg/notion"
	"github.com/sells-group/qualify-cli/pkg/sourcerpc"
)

// pipelineEnv holds the store, breakers and orchestrator needed by the
// qualify/batch/serve/dlq commands.
type pipelineEnv struct {
	Store        store.Store
	Orchestrator *pipeline.Orchestrator
	Breakers     *resilience.SourceBreakers
	Notion       notion.Client // nil when notion is not configured
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initPipeline validates config for mode, loads the declarative tables and
// builds the orchestrator. Configuration errors are fatal. Callers should
// defer env.Close().
func initPipeline(ctx context.Context, mode string) (*pipelineEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	wf, err := loadWaterfall(cfg.WaterfallPath)
	if err != nil {
		return nil, err
	}
	table, err := loadScoring(cfg.ScoringPath)
	if err != nil {
		return nil, err
	}
	scorer, err := painscore.NewEngine(table)
	if err != nil {
		return nil, eris.Wrap(err, "init pain score engine")
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	breakers := resilience.NewSourceBreakers(resilience.FromCircuitConfig(
		cfg.Circuit.FailureThreshold, cfg.Circuit.ResetTimeoutSecs, cfg.Circuit.CooldownCalls,
	)).OnStateChange(func(src string, from, to resilience.CircuitState) {
		metrics.SetCircuitState(src, int(to))
		zap.L().Warn("circuit state changed",
			zap.String("source", src),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	})

	reg := buildRegistry(cfg, wf, breakers)
	priority := model.Priority(cfg.Priority)
	if len(priority) == 0 {
		priority = aggregate.DefaultPriority
	}
	agg := aggregate.New(reg, wf, aggregate.Options{
		Deadline: cfg.Aggregate.Deadline(),
		Priority: priority,
	})

	var adj qualify.Adjudicator
	if cfg.Adjudication.Enabled {
		client := anthropicpkg.NewClient(cfg.Anthropic.Key, option.WithMaxRetries(0))
		adj = adjudicate.NewReviewer(client,
			adjudicate.WithModel(cfg.Anthropic.Model),
			adjudicate.WithMaxTokens(cfg.Anthropic.MaxTokens),
		)
	} else {
		zap.L().Warn("adjudication disabled, marginal leads are disqualified pending review")
	}
	decider, err := qualify.NewEngine(qualify.Bands{Low: cfg.Bands.Low, High: cfg.Bands.High}, adj, st, qualify.Options{
		Timeout: cfg.Adjudication.Timeout(),
		Retry:   resilience.FromRetryConfig(cfg.Adjudication.MaxAttempts, cfg.Retry.InitialBackoffMs, cfg.Retry.MaxBackoffMs, cfg.Retry.Multiplier, cfg.Retry.JitterFraction),
	})
	if err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "init decision engine")
	}

	opts := pipeline.Options{DLQMaxRetries: cfg.DLQ.MaxRetries}
	var notionClient notion.Client
	if cfg.Notion.Token != "" {
		notionClient = notion.NewClient(cfg.Notion.Token, notion.WithRateLimit(cfg.Notion.RateLimit))
		opts.Emitter = pipeline.NewNotionEmitter(notionClient)
	}

	zap.L().Info("pipeline initialized",
		zap.Strings("sources", reg.List()),
		zap.String("scoring_table", scorer.TableHash()),
		zap.Int("low_threshold", cfg.Bands.Low),
		zap.Int("high_threshold", cfg.Bands.High),
		zap.Bool("adjudication", adj != nil),
	)

	return &pipelineEnv{
		Store:        st,
		Orchestrator: pipeline.New(st, agg, scorer, decider, opts),
		Breakers:     breakers,
		Notion:       notionClient,
	}, nil
}

func loadWaterfall(path string) (*waterfall.Config, error) {
	if path == "" {
		return waterfall.DefaultConfig(), nil
	}
	wf, err := waterfall.LoadConfig(path)
	if err != nil {
		return nil, eris.Wrap(err, "load waterfall config")
	}
	return wf, nil
}

func loadScoring(path string) (*painscore.Table, error) {
	if path == "" {
		return painscore.DefaultTable(), nil
	}
	t, err := painscore.LoadTable(path)
	if err != nil {
		return nil, eris.Wrap(err, "load scoring table")
	}
	return t, nil
}

// buildRegistry registers an adapter for every waterfall source that has an
// endpoint. The owner source falls back to scraping the lead's website.
// Sources left unregistered are skipped as disabled.
func buildRegistry(c *config.Config, wf *waterfall.Config, breakers *resilience.SourceBreakers) *source.Registry {
	reg := source.NewRegistry()
	retry := resilience.FromRetryConfig(c.Retry.MaxAttempts, c.Retry.InitialBackoffMs, c.Retry.MaxBackoffMs, c.Retry.Multiplier, c.Retry.JitterFraction)

	for _, name := range wf.SourceNames() {
		sc := wf.Sources[name]
		if !sc.IsEnabled() {
			continue
		}
		ep := c.Sources[name]

		var src source.Source
		switch {
		case ep.Endpoint != "":
			var rpcOpts []sourcerpc.Option
			if ep.RateLimit > 0 {
				rpcOpts = append(rpcOpts, sourcerpc.WithRateLimit(ep.RateLimit))
			}
			if ep.APIKey != "" {
				rpcOpts = append(rpcOpts, sourcerpc.WithAPIKey(ep.APIKey))
			}
			src = source.NewRPCSource(name, sourcerpc.NewClient(ep.Endpoint, rpcOpts...))
		case name == source.OwnerSourceName:
			src = source.NewWebOwnerSource()
		default:
			zap.L().Debug("source not configured, skipping", zap.String("source", name))
			continue
		}

		adapterOpts := []source.AdapterOption{source.WithRetry(retry)}
		if sc.TimeDecay != nil {
			adapterOpts = append(adapterOpts, source.WithDecay(*sc.TimeDecay))
		}
		reg.Register(source.NewAdapter(src, source.FieldMap(sc.Fields), breakers, adapterOpts...))
	}
	return reg
}
