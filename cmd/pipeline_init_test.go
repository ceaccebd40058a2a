package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/qualify-cli/internal/config"
	"github.com/sells-group/qualify-cli/internal/resilience"
	"github.com/sells-group/qualify-cli/internal/waterfall"
)

// testConfig returns a config that passes Validate("qualify") against a
// temp-dir SQLite database.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	c := &config.Config{}
	c.Store = config.StoreConfig{Driver: "sqlite", DatabaseURL: filepath.Join(t.TempDir(), "test.db")}
	c.Server.Port = 8080
	c.Batch.MaxConcurrentLeads = 5
	c.Aggregate.DeadlineSecs = 45
	c.Bands = config.BandsConfig{Low: 4, High: 8}
	c.Retry = config.RetryConfig{MaxAttempts: 2, InitialBackoffMs: 10, MaxBackoffMs: 50, Multiplier: 2}
	c.Circuit = config.CircuitConfig{FailureThreshold: 5, ResetTimeoutSecs: 60, CooldownCalls: 1}
	c.Adjudication = config.AdjudicationConfig{Enabled: false, TimeoutSecs: 5, MaxAttempts: 1}
	c.DLQ.MaxRetries = 3
	return c
}

func TestInitStore_SQLite(t *testing.T) {
	cfg = testConfig(t)

	st, err := initStore(context.Background())
	require.NoError(t, err)
	require.NotNil(t, st)
	defer st.Close() //nolint:errcheck

	assert.NoError(t, st.Ping(context.Background()))
}

func TestInitStore_SQLiteDefaultDSN(t *testing.T) {
	tmpDir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(tmpDir))
	defer os.Chdir(origDir) //nolint:errcheck

	cfg = &config.Config{Store: config.StoreConfig{Driver: "sqlite"}}

	st, err := initStore(context.Background())
	require.NoError(t, err)
	defer st.Close() //nolint:errcheck

	_, statErr := os.Stat(filepath.Join(tmpDir, "qualify.db"))
	assert.NoError(t, statErr)
}

func TestInitStore_UnsupportedDriver(t *testing.T) {
	cfg = &config.Config{Store: config.StoreConfig{Driver: "mysql"}}

	st, err := initStore(context.Background())
	assert.Nil(t, st)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported store driver")
}

func TestPipelineEnv_Close_Nil(t *testing.T) {
	pe := &pipelineEnv{}
	assert.NotPanics(t, func() { pe.Close() })
}

func TestInitPipeline_Defaults(t *testing.T) {
	cfg = testConfig(t)

	env, err := initPipeline(context.Background(), "qualify")
	require.NoError(t, err)
	defer env.Close()

	assert.NotNil(t, env.Orchestrator)
	assert.NotNil(t, env.Breakers)
	assert.Nil(t, env.Notion)
}

func TestInitPipeline_WithNotion(t *testing.T) {
	cfg = testConfig(t)
	cfg.Notion = config.NotionConfig{Token: "ntn_test", LeadDB: "db-1", RateLimit: 3}

	env, err := initPipeline(context.Background(), "notion")
	require.NoError(t, err)
	defer env.Close()

	assert.NotNil(t, env.Notion)
}

func TestInitPipeline_InvalidConfig(t *testing.T) {
	cfg = testConfig(t)
	cfg.Bands = config.BandsConfig{Low: 8, High: 4}

	env, err := initPipeline(context.Background(), "qualify")
	assert.Nil(t, env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bands.low_threshold")
}

func TestInitPipeline_MissingWaterfallFile(t *testing.T) {
	cfg = testConfig(t)
	cfg.WaterfallPath = filepath.Join(t.TempDir(), "missing.yaml")

	env, err := initPipeline(context.Background(), "qualify")
	assert.Nil(t, env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load waterfall config")
}

func TestInitPipeline_BadScoringTable(t *testing.T) {
	cfg = testConfig(t)
	path := filepath.Join(t.TempDir(), "scoring.yaml")
	require.NoError(t, os.WriteFile(path, []byte("scoring: [not, a, table"), 0o644))
	cfg.ScoringPath = path

	env, err := initPipeline(context.Background(), "qualify")
	assert.Nil(t, env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load scoring table")
}

func TestBuildRegistry(t *testing.T) {
	c := testConfig(t)
	c.Sources = map[string]config.SourceConfig{
		"license": {Endpoint: "http://license.internal/lookup", RateLimit: 2, APIKey: "k"},
	}
	breakers := resilience.NewSourceBreakers(resilience.DefaultCircuitBreakerConfig())

	reg := buildRegistry(c, waterfall.DefaultConfig(), breakers)

	// license has an endpoint; owner falls back to the website extractor.
	assert.Equal(t, []string{"license", "owner"}, reg.List())
	assert.NotNil(t, reg.Get("license"))
	assert.Nil(t, reg.Get("reputation"))
}

func TestBuildRegistry_SkipsDisabled(t *testing.T) {
	c := testConfig(t)
	wf := waterfall.DefaultConfig()
	off := false
	sc := wf.Sources["owner"]
	sc.Enabled = &off
	wf.Sources["owner"] = sc

	reg := buildRegistry(c, wf, resilience.NewSourceBreakers(resilience.DefaultCircuitBreakerConfig()))
	assert.Empty(t, reg.List())
}
