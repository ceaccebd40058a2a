package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jomei/notionapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/qualify-cli/internal/model"
	"github.com/sells-group/qualify-cli/pkg/notion"
)

type mockNotionClient struct {
	mock.Mock
}

func (m *mockNotionClient) QueryDatabase(ctx context.Context, dbID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	args := m.Called(ctx, dbID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.DatabaseQueryResponse), args.Error(1)
}

func (m *mockNotionClient) UpdatePage(ctx context.Context, pageID string, req *notionapi.PageUpdateRequest) (*notionapi.Page, error) {
	args := m.Called(ctx, pageID, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*notionapi.Page), args.Error(1)
}

func TestNotionVerdict(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		d      model.Decision
		status string
	}{
		{
			name:   "qualified",
			d:      model.Decision{Outcome: model.DecisionQualified, Verdict: model.VerdictQualified},
			status: notion.StatusQualified,
		},
		{
			name:   "resolved qualified",
			d:      model.Decision{Outcome: model.DecisionMarginalResolved, Verdict: model.VerdictQualified},
			status: notion.StatusQualified,
		},
		{
			name:   "disqualified",
			d:      model.Decision{Outcome: model.DecisionDisqualified, Verdict: model.VerdictDisqualified},
			status: notion.StatusDisqualified,
		},
		{
			name:   "pending review",
			d:      model.Decision{Outcome: model.DecisionMarginalEscalated, Verdict: model.VerdictDisqualified},
			status: notion.StatusReview,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.d.DecidedAt = at
			v := NotionVerdict(tt.d)
			assert.Equal(t, tt.status, v.Status)
			assert.Equal(t, string(tt.d.Verdict), v.Verdict)
			assert.Equal(t, at, v.DecidedAt)
		})
	}
}

func TestNotionVerdict_Rationale(t *testing.T) {
	d := model.Decision{
		Outcome: model.DecisionMarginalEscalated,
		Verdict: model.VerdictDisqualified,
		PainScore: model.PainScore{Score: 6, Contributors: []model.Contributor{
			{Rule: "license_not_active", Points: 2},
			{Rule: "slow_website", Points: 2},
		}},
		Caveats: []model.Caveat{
			{Kind: model.CaveatSourceMissing, Source: "visual"},
			{Kind: model.CaveatAdjudicationFailed},
		},
		Adjudication: &model.Adjudication{Rationale: "weak web presence"},
	}

	v := NotionVerdict(d)
	assert.Equal(t, 6, v.PainScore)
	assert.Equal(t,
		"weak web presence\nPain: license_not_active (+2), slow_website (+2)\nCaveat: adjudication_failed",
		v.Rationale)
}

func TestNotionEmitter_Emit(t *testing.T) {
	mc := new(mockNotionClient)
	mc.On("UpdatePage", mock.Anything, "page-1", mock.MatchedBy(func(req *notionapi.PageUpdateRequest) bool {
		st, ok := req.Properties[notion.PropStatus].(notionapi.StatusProperty)
		return ok && st.Status.Name == notion.StatusQualified
	})).Return(&notionapi.Page{}, nil)

	e := NewNotionEmitter(mc)
	err := e.Emit(context.Background(),
		model.Lead{ID: "lead-1", NotionPageID: "page-1"},
		model.Decision{Outcome: model.DecisionQualified, Verdict: model.VerdictQualified})
	require.NoError(t, err)
	mc.AssertExpectations(t)
}

func TestNotionEmitter_SkipsLeadsWithoutPage(t *testing.T) {
	mc := new(mockNotionClient)
	e := NewNotionEmitter(mc)

	require.NoError(t, e.Emit(context.Background(), model.Lead{ID: "lead-1"}, model.Decision{}))
	mc.AssertNotCalled(t, "UpdatePage", mock.Anything, mock.Anything, mock.Anything)
}

func TestNotionEmitter_Error(t *testing.T) {
	mc := new(mockNotionClient)
	mc.On("UpdatePage", mock.Anything, "page-1", mock.Anything).Return(nil, errors.New("rate limited"))

	e := NewNotionEmitter(mc)
	err := e.Emit(context.Background(), model.Lead{ID: "lead-1", NotionPageID: "page-1"}, model.Decision{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pipeline: update notion page page-1")
}

func TestRun_EmitsAfterPersist(t *testing.T) {
	h := newHarness(t)
	h.stubs["license"].fn = respond(0.9, map[string]any{"license_status": "active"})
	mc := new(mockNotionClient)
	mc.On("UpdatePage", mock.Anything, "page-9", mock.Anything).Return(&notionapi.Page{}, nil)
	h.emitter = NewNotionEmitter(mc)
	o := h.orchestrator()

	_, err := o.Run(context.Background(), model.Lead{ID: "lead-9", Name: "Acme Plumbing", State: "TX", NotionPageID: "page-9"})
	require.NoError(t, err)
	mc.AssertExpectations(t)
}

func TestRun_EmitFailureDoesNotFailRun(t *testing.T) {
	h := newHarness(t)
	h.stubs["license"].fn = respond(0.9, map[string]any{"license_status": "active"})
	mc := new(mockNotionClient)
	mc.On("UpdatePage", mock.Anything, "page-9", mock.Anything).Return(nil, errors.New("boom"))
	h.emitter = NewNotionEmitter(mc)
	o := h.orchestrator()

	d, err := o.Run(context.Background(), model.Lead{ID: "lead-9", Name: "Acme Plumbing", State: "TX", NotionPageID: "page-9"})
	require.NoError(t, err)
	require.NotNil(t, d)

	saved, err := h.store.GetDecision(context.Background(), "lead-9")
	require.NoError(t, err)
	require.NotNil(t, saved)
}
