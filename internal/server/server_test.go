package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/qualify-cli/internal/model"
	"github.com/sells-group/qualify-cli/internal/resilience"
)

type mockQualifier struct {
	mock.Mock
}

func (m *mockQualifier) Run(ctx context.Context, lead model.Lead) (*model.Decision, error) {
	args := m.Called(ctx, lead)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Decision), args.Error(1)
}

type mockReader struct {
	mock.Mock
}

func (m *mockReader) GetDecision(ctx context.Context, leadID string) (*model.Decision, error) {
	args := m.Called(ctx, leadID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Decision), args.Error(1)
}

func (m *mockReader) ListDecisions(ctx context.Context, leadID string, limit int) ([]model.Decision, error) {
	args := m.Called(ctx, leadID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Decision), args.Error(1)
}

func (m *mockReader) LoadSignals(ctx context.Context, leadID string) (model.SignalBag, error) {
	args := m.Called(ctx, leadID)
	return args.Get(0).(model.SignalBag), args.Error(1)
}

func (m *mockReader) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type staticBreakers map[string]resilience.CircuitState

func (b staticBreakers) States() map[string]resilience.CircuitState { return b }

func newTestServer(q Qualifier, st Reader) *Server {
	return New(q, st, staticBreakers{"license": resilience.CircuitOpen, "reputation": resilience.CircuitClosed},
		Options{RequestTimeout: time.Second, Metrics: true})
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealth(t *testing.T) {
	st := new(mockReader)
	st.On("Ping", mock.Anything).Return(nil)

	rec := do(t, newTestServer(new(mockQualifier), st), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])
}

func TestHealth_StoreDown(t *testing.T) {
	st := new(mockReader)
	st.On("Ping", mock.Anything).Return(errors.New("connection refused"))

	rec := do(t, newTestServer(new(mockQualifier), st), http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	rec := do(t, newTestServer(new(mockQualifier), new(mockReader)), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestCircuits(t *testing.T) {
	rec := do(t, newTestServer(new(mockQualifier), new(mockReader)), http.MethodGet, "/v1/circuits", "")
	require.Equal(t, http.StatusOK, rec.Code)

	circuits := decode(t, rec)["circuits"].(map[string]any)
	assert.Equal(t, resilience.CircuitOpen.String(), circuits["license"])
	assert.Equal(t, resilience.CircuitClosed.String(), circuits["reputation"])
}

func TestSubmitLead(t *testing.T) {
	q := new(mockQualifier)
	q.On("Run", mock.Anything, mock.MatchedBy(func(l model.Lead) bool {
		return l.Name == "Acme Plumbing" && l.Website == "https://acme.example" && l.Status == model.LeadStatusNew
	})).Return(&model.Decision{ID: "d-1", LeadID: "lead-1", Outcome: model.DecisionQualified, Verdict: model.VerdictQualified}, nil)

	rec := do(t, newTestServer(q, new(mockReader)), http.MethodPost, "/v1/leads",
		`{"name":"Acme Plumbing","website":"https://acme.example"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decode(t, rec)
	assert.Equal(t, "d-1", body["id"])
	assert.Equal(t, "qualified", body["verdict"])
	q.AssertExpectations(t)
}

func TestSubmitLead_InvalidJSON(t *testing.T) {
	rec := do(t, newTestServer(new(mockQualifier), new(mockReader)), http.MethodPost, "/v1/leads", `{"name":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid JSON", decode(t, rec)["error"])
}

func TestSubmitLead_InvalidLead(t *testing.T) {
	q := new(mockQualifier)
	q.On("Run", mock.Anything, mock.Anything).
		Return(nil, eris.Wrap(resilience.ErrInsufficientInput, "lead: invalid: name failed required_without"))

	rec := do(t, newTestServer(q, new(mockReader)), http.MethodPost, "/v1/leads", `{"state":"TX"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode(t, rec)["error"], "name failed required_without")
}

func TestSubmitLead_PersistFailureReturnsDecision(t *testing.T) {
	q := new(mockQualifier)
	q.On("Run", mock.Anything, mock.Anything).
		Return(&model.Decision{ID: "d-2", Verdict: model.VerdictDisqualified}, errors.New("pipeline: persist decision: database is locked"))

	rec := do(t, newTestServer(q, new(mockReader)), http.MethodPost, "/v1/leads", `{"name":"Acme"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	body := decode(t, rec)
	assert.Contains(t, body["error"], "database is locked")
	assert.Equal(t, "d-2", body["decision"].(map[string]any)["id"])
}

func TestGetDecision(t *testing.T) {
	st := new(mockReader)
	st.On("GetDecision", mock.Anything, "lead-1").Return(&model.Decision{ID: "d-1", LeadID: "lead-1"}, nil)
	st.On("GetDecision", mock.Anything, "lead-2").Return(nil, nil)
	st.On("GetDecision", mock.Anything, "lead-3").Return(nil, errors.New("boom"))
	s := newTestServer(new(mockQualifier), st)

	rec := do(t, s, http.MethodGet, "/v1/leads/lead-1/decision", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "d-1", decode(t, rec)["id"])

	rec = do(t, s, http.MethodGet, "/v1/leads/lead-2/decision", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, s, http.MethodGet, "/v1/leads/lead-3/decision", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestListDecisions(t *testing.T) {
	st := new(mockReader)
	st.On("ListDecisions", mock.Anything, "lead-1", 5).Return([]model.Decision{{ID: "d-2"}, {ID: "d-1"}}, nil)
	st.On("ListDecisions", mock.Anything, "lead-2", 20).Return(nil, nil)
	s := newTestServer(new(mockQualifier), st)

	rec := do(t, s, http.MethodGet, "/v1/leads/lead-1/decisions?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["decisions"], 2)

	rec = do(t, s, http.MethodGet, "/v1/leads/lead-2/decisions", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode(t, rec)["decisions"])

	rec = do(t, s, http.MethodGet, "/v1/leads/lead-1/decisions?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetSignals(t *testing.T) {
	var bag model.SignalBag
	prio := model.Priority{"license", "reputation"}
	bag.Apply(model.Signal{Kind: model.SignalLicenseStatus, Value: "active", Source: "license"}, prio)
	bag.Apply(model.Signal{Kind: model.SignalLicenseStatus, Value: "expired", Source: "reputation"}, prio)

	st := new(mockReader)
	st.On("LoadSignals", mock.Anything, "lead-1").Return(bag, nil)
	st.On("LoadSignals", mock.Anything, "lead-2").Return(model.SignalBag{}, nil)
	s := newTestServer(new(mockQualifier), st)

	rec := do(t, s, http.MethodGet, "/v1/leads/lead-1/signals", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Len(t, body["signals"], 1)
	assert.Equal(t, []any{string(model.SignalLicenseStatus)}, body["conflicts"])
	assert.NotContains(t, body, "history")

	rec = do(t, s, http.MethodGet, "/v1/leads/lead-1/signals?history=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["history"], 2)

	rec = do(t, s, http.MethodGet, "/v1/leads/lead-2/signals", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(new(mockQualifier), new(mockReader))
	req := httptest.NewRequest(http.MethodOptions, "/v1/leads", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
