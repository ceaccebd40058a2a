package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/qualify-cli/internal/aggregate"
	"github.com/sells-group/qualify-cli/internal/model"
	"github.com/sells-group/qualify-cli/internal/painscore"
	"github.com/sells-group/qualify-cli/internal/qualify"
	"github.com/sells-group/qualify-cli/internal/resilience"
	"github.com/sells-group/qualify-cli/internal/source"
	"github.com/sells-group/qualify-cli/internal/store"
	"github.com/sells-group/qualify-cli/internal/waterfall"
)

type stubSource struct {
	name  string
	delay time.Duration
	fn    func(req source.Request) (*source.Response, error)
	calls atomic.Int32
}

func (s *stubSource) Name() string { return s.name }

func (s *stubSource) Fetch(ctx context.Context, req source.Request) (*source.Response, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.fn == nil {
		return nil, errors.New("no match")
	}
	return s.fn(req)
}

func respond(conf float64, fields map[string]any) func(source.Request) (*source.Response, error) {
	return func(source.Request) (*source.Response, error) {
		return &source.Response{Fields: fields, Confidence: &conf}, nil
	}
}

type funcAdjudicator struct {
	calls atomic.Int32
	fn    func(ctx context.Context, req qualify.Request) (*qualify.Verdict, error)
}

func (f *funcAdjudicator) Adjudicate(ctx context.Context, req qualify.Request) (*qualify.Verdict, error) {
	f.calls.Add(1)
	return f.fn(ctx, req)
}

// failingStore fails SaveDecision while fail is set.
type failingStore struct {
	store.Store
	fail atomic.Bool
}

func (s *failingStore) SaveDecision(ctx context.Context, d model.Decision, bag model.SignalBag) error {
	if s.fail.Load() {
		return resilience.NewTransientError(errors.New("database is locked"), 0)
	}
	return s.Store.SaveDecision(ctx, d, bag)
}

type harness struct {
	t        *testing.T
	cfg      *waterfall.Config
	stubs    map[string]*stubSource
	deadline time.Duration
	adj      *funcAdjudicator
	store    store.Store
	emitter  Emitter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "qualify.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	cfg := waterfall.DefaultConfig()
	h := &harness{
		t:        t,
		cfg:      cfg,
		stubs:    map[string]*stubSource{},
		deadline: 2 * time.Second,
		adj: &funcAdjudicator{fn: func(context.Context, qualify.Request) (*qualify.Verdict, error) {
			return &qualify.Verdict{Verdict: model.VerdictQualified, Confidence: 0.8, Rationale: "expired license and complaints"}, nil
		}},
		store: st,
	}
	for _, name := range cfg.SourceNames() {
		h.stubs[name] = &stubSource{name: name}
	}
	return h
}

func (h *harness) orchestrator() *Orchestrator {
	h.t.Helper()
	reg := source.NewRegistry()
	breakers := resilience.NewSourceBreakers(resilience.FromCircuitConfig(5, 60, 0))
	for name, stub := range h.stubs {
		reg.Register(source.NewAdapter(stub, source.FieldMap(h.cfg.Sources[name].Fields), breakers,
			source.WithRetry(resilience.RetryConfig{MaxAttempts: 1})))
	}
	agg := aggregate.New(reg, h.cfg, aggregate.Options{Deadline: h.deadline})

	scorer, err := painscore.NewEngine(painscore.DefaultTable())
	require.NoError(h.t, err)

	decider, err := qualify.NewEngine(qualify.DefaultBands(), h.adj, h.store, qualify.Options{
		Timeout: time.Second,
		Retry:   resilience.RetryConfig{MaxAttempts: 1},
	})
	require.NoError(h.t, err)

	return New(h.store, agg, scorer, decider, Options{
		Persist: resilience.RetryConfig{MaxAttempts: 1},
		Emitter: h.emitter,
	})
}

func fullLead() model.Lead {
	rating := 3.9
	return model.Lead{
		ID:      "lead-b",
		Name:    "Acme Plumbing LLC",
		Website: "https://acmeplumbing.example",
		Street:  "1 Main St",
		City:    "Austin",
		State:   "TX",
		ZipCode: "78701",
		Phone:   "(512) 555-0100",
		Rating:  &rating,
	}
}

// healthyWebsite wires every non-license source with answers that add no
// pain points.
func (h *harness) healthyWebsite() {
	h.stubs["reputation"].fn = respond(0.9, map[string]any{
		"bbb_rating": "A+", "bbb_complaints_3yr": int64(0), "bbb_accredited": true,
	})
	h.stubs["performance"].fn = respond(0.9, map[string]any{"performance_score": int64(90), "mobile_friendly": true})
	h.stubs["visual"].fn = respond(0.9, map[string]any{"visual_score": int64(85), "design_era": "2020s"})
	h.stubs["address"].fn = respond(0.9, map[string]any{"address_verified": true, "address_type": "commercial"})
	h.stubs["owner"].fn = respond(0.9, map[string]any{"owner_name": "Jane Doe"})
}

func TestRun_ScenarioA_ActiveLicenseOnly(t *testing.T) {
	h := newHarness(t)
	h.stubs["license"].fn = respond(0.9, map[string]any{"license_status": "active"})
	o := h.orchestrator()

	d, err := o.Run(context.Background(), model.Lead{ID: "lead-a", Name: "Acme Plumbing", State: "TX"})
	require.NoError(t, err)
	require.NotNil(t, d)

	assert.Equal(t, model.DecisionDisqualified, d.Outcome)
	assert.Equal(t, model.VerdictDisqualified, d.Verdict)
	assert.Equal(t, 0, d.PainScore.Score)
	assert.Nil(t, d.Adjudication)
	assert.Zero(t, h.adj.calls.Load())
	assert.False(t, d.HasCaveat(model.CaveatAggregationDeadlineExceeded))
	assert.False(t, d.HasCaveat(model.CaveatSourceMissing))

	for _, name := range []string{"reputation", "performance", "visual", "address", "owner"} {
		assert.Zero(t, h.stubs[name].calls.Load(), name)
	}

	saved, err := h.store.GetDecision(context.Background(), "lead-a")
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, d.ID, saved.ID)

	run, err := h.store.GetRun(context.Background(), d.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.LeadStatusDecided, run.Status)

	bag, err := h.store.LoadSignals(context.Background(), "lead-a")
	require.NoError(t, err)
	sig, ok := bag.Get(model.SignalLicenseStatus)
	require.True(t, ok)
	assert.Equal(t, "active", sig.Value)
	assert.Equal(t, "license", sig.Source)
}

func TestRun_ScenarioB_MarginalResolvedByAdjudication(t *testing.T) {
	h := newHarness(t)
	h.healthyWebsite()
	h.stubs["license"].fn = respond(0.9, map[string]any{"license_status": "expired"})
	h.stubs["reputation"].fn = respond(0.9, map[string]any{
		"bbb_rating": "B", "bbb_complaints_3yr": int64(3), "bbb_accredited": true,
	})
	h.stubs["performance"].fn = respond(0.9, map[string]any{"performance_score": int64(40), "mobile_friendly": true})
	o := h.orchestrator()

	d, err := o.Run(context.Background(), fullLead())
	require.NoError(t, err)

	assert.Equal(t, 6, d.PainScore.Score)
	assert.Equal(t, model.DecisionMarginalResolved, d.Outcome)
	assert.Equal(t, model.VerdictQualified, d.Verdict)
	assert.InDelta(t, 0.8, d.Confidence, 1e-9)
	require.NotNil(t, d.Adjudication)
	assert.Equal(t, "expired license and complaints", d.Adjudication.Rationale)
	assert.Equal(t, int32(1), h.adj.calls.Load())
	assert.Empty(t, d.Caveats)

	rules := map[string]bool{}
	for _, c := range d.PainScore.Contributors {
		rules[c.Rule] = true
	}
	assert.Equal(t, map[string]bool{"license_not_active": true, "bbb_complaints": true, "slow_website": true}, rules)

	cached, err := h.store.GetAdjudication(context.Background(), d.Adjudication.RequestHash)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, model.VerdictQualified, cached.Verdict)
}

func TestRun_ScenarioB_RepeatRunUsesCachedVerdict(t *testing.T) {
	h := newHarness(t)
	h.healthyWebsite()
	h.stubs["license"].fn = respond(0.9, map[string]any{"license_status": "expired"})
	h.stubs["reputation"].fn = respond(0.9, map[string]any{
		"bbb_rating": "B", "bbb_complaints_3yr": int64(3), "bbb_accredited": true,
	})
	h.stubs["performance"].fn = respond(0.9, map[string]any{"performance_score": int64(40), "mobile_friendly": true})
	o := h.orchestrator()

	first, err := o.Run(context.Background(), fullLead())
	require.NoError(t, err)
	second, err := o.Run(context.Background(), fullLead())
	require.NoError(t, err)

	assert.Equal(t, first.Verdict, second.Verdict)
	assert.NotEqual(t, first.RunID, second.RunID)
	require.NotNil(t, second.Adjudication)
	assert.True(t, second.Adjudication.Cached)
	assert.Equal(t, int32(1), h.adj.calls.Load())

	history, err := h.store.ListDecisions(context.Background(), "lead-b", 10)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestRun_ScenarioB_AdjudicatorDownFallsBack(t *testing.T) {
	h := newHarness(t)
	h.healthyWebsite()
	h.stubs["license"].fn = respond(0.9, map[string]any{"license_status": "expired"})
	h.stubs["reputation"].fn = respond(0.9, map[string]any{
		"bbb_rating": "B", "bbb_complaints_3yr": int64(3), "bbb_accredited": true,
	})
	h.stubs["performance"].fn = respond(0.9, map[string]any{"performance_score": int64(40), "mobile_friendly": true})
	h.adj.fn = func(context.Context, qualify.Request) (*qualify.Verdict, error) {
		return nil, errors.New("connection refused")
	}
	o := h.orchestrator()

	d, err := o.Run(context.Background(), fullLead())
	require.NoError(t, err)

	assert.Equal(t, model.DecisionMarginalEscalated, d.Outcome)
	assert.Equal(t, model.VerdictDisqualified, d.Verdict)
	assert.True(t, d.HasCaveat(model.CaveatAdjudicationFailed))
	assert.True(t, d.PendingReview())
}

func TestRun_ScenarioC_LicenseTimesOut(t *testing.T) {
	h := newHarness(t)
	h.healthyWebsite()
	h.deadline = 150 * time.Millisecond
	h.stubs["license"].delay = 5 * time.Second
	h.stubs["license"].fn = respond(0.9, map[string]any{"license_status": "expired"})
	o := h.orchestrator()

	start := time.Now()
	d, err := o.Run(context.Background(), fullLead())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.Equal(t, model.DecisionDisqualified, d.Outcome)
	assert.True(t, d.HasCaveat(model.CaveatAggregationDeadlineExceeded))

	var missing []string
	for _, c := range d.Caveats {
		if c.Kind == model.CaveatSourceMissing {
			missing = append(missing, c.Source)
		}
	}
	assert.Equal(t, []string{"license"}, missing)

	bag, err := h.store.LoadSignals(context.Background(), "lead-b")
	require.NoError(t, err)
	_, ok := bag.Get(model.SignalLicenseStatus)
	assert.False(t, ok)
	_, ok = bag.Get(model.SignalPerformanceScore)
	assert.True(t, ok)
}

func TestRun_NoSourcesStillDecides(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator()

	d, err := o.Run(context.Background(), fullLead())
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, model.DecisionDisqualified, d.Outcome)
	assert.Zero(t, d.Confidence)
	assert.True(t, d.HasCaveat(model.CaveatSourceMissing))
}

func TestRun_SignalHistoryAcrossRuns(t *testing.T) {
	h := newHarness(t)
	h.stubs["license"].fn = respond(0.9, map[string]any{"license_status": "active"})
	o := h.orchestrator()
	lead := model.Lead{ID: "lead-h", Name: "Acme Plumbing", State: "TX"}

	_, err := o.Run(context.Background(), lead)
	require.NoError(t, err)

	h.stubs["license"].fn = respond(0.9, map[string]any{"license_status": "expired"})
	d, err := o.Run(context.Background(), lead)
	require.NoError(t, err)
	assert.Equal(t, 2, d.PainScore.Score)

	bag, err := h.store.LoadSignals(context.Background(), "lead-h")
	require.NoError(t, err)
	sig, ok := bag.Get(model.SignalLicenseStatus)
	require.True(t, ok)
	assert.Equal(t, "expired", sig.Value)

	var superseded int
	for _, r := range bag.Records() {
		if r.Signal.Kind == model.SignalLicenseStatus && r.Status == model.RecordSuperseded {
			superseded++
		}
	}
	assert.Equal(t, 1, superseded)
}

func TestRun_AssignsLeadID(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator()

	d, err := o.Run(context.Background(), model.Lead{Name: "  Acme Plumbing "})
	require.NoError(t, err)
	assert.NotEmpty(t, d.LeadID)

	run, err := h.store.GetRun(context.Background(), d.RunID)
	require.NoError(t, err)
	assert.Equal(t, "Acme Plumbing", run.Lead.Name)
}

func TestRun_InvalidLead(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator()

	d, err := o.Run(context.Background(), model.Lead{State: "Texas"})
	require.Error(t, err)
	assert.Nil(t, d)
	assert.True(t, errors.Is(err, resilience.ErrInsufficientInput))

	n, err := h.store.CountDLQ(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRun_PersistFailureDeadLetters(t *testing.T) {
	h := newHarness(t)
	fs := &failingStore{Store: h.store}
	fs.fail.Store(true)
	h.store = fs
	h.stubs["license"].fn = respond(0.9, map[string]any{"license_status": "active"})
	o := h.orchestrator()

	d, err := o.Run(context.Background(), model.Lead{ID: "lead-f", Name: "Acme Plumbing", State: "TX"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline: persist decision")
	require.NotNil(t, d)

	run, err := h.store.GetRun(context.Background(), d.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.LeadStatusFailed, run.Status)
	assert.Contains(t, run.Error, "database is locked")

	entries, err := h.store.ListDLQ(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "lead-f", entries[0].Lead.ID)
	assert.Equal(t, PhasePersist, entries[0].FailedPhase)
	assert.Equal(t, "transient", entries[0].ErrorType)
	assert.Equal(t, d.RunID, entries[0].RunID)

	saved, err := h.store.GetDecision(context.Background(), "lead-f")
	require.NoError(t, err)
	assert.Nil(t, saved)
}

func TestRetryDLQ(t *testing.T) {
	h := newHarness(t)
	fs := &failingStore{Store: h.store}
	fs.fail.Store(true)
	h.store = fs
	h.stubs["license"].fn = respond(0.9, map[string]any{"license_status": "active"})
	o := h.orchestrator()
	// Entries become due immediately.
	o.nowFunc = func() time.Time { return time.Now().Add(-2 * time.Hour) }

	_, err := o.Run(context.Background(), model.Lead{ID: "lead-r", Name: "Acme Plumbing", State: "TX"})
	require.Error(t, err)

	res, err := o.RetryDLQ(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, RetryResult{Retried: 1, Failed: 1}, res)

	entries, err := h.store.ListDLQ(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].RetryCount)

	fs.fail.Store(false)
	res, err = o.RetryDLQ(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, RetryResult{Retried: 1, Succeeded: 1}, res)

	n, err := h.store.CountDLQ(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	saved, err := h.store.GetDecision(context.Background(), "lead-r")
	require.NoError(t, err)
	require.NotNil(t, saved)
}
