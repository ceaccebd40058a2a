package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

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

func makeLeads(n int) []model.Lead {
	leads := make([]model.Lead, n)
	for i := range leads {
		leads[i] = model.Lead{
			Name:         fmt.Sprintf("Business %d", i),
			NotionPageID: fmt.Sprintf("page-%d", i),
		}
	}
	return leads
}

func decided(v model.Verdict) *model.Decision {
	return &model.Decision{Verdict: v, Outcome: model.DecisionOutcome(v)}
}

func TestProcessBatch_EmptyLeads(t *testing.T) {
	res, err := processBatch(context.Background(), nil, 10, 5, nil, func(context.Context, model.Lead) (*model.Decision, error) {
		t.Fatal("run should not be called for empty leads")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, batchResult{}, res)
}

func TestProcessBatch_AppliesLimit(t *testing.T) {
	var calls atomic.Int64
	res, err := processBatch(context.Background(), makeLeads(10), 3, 2, nil, func(context.Context, model.Lead) (*model.Decision, error) {
		calls.Add(1)
		return decided(model.VerdictDisqualified), nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), calls.Load())
	assert.Equal(t, int64(3), res.Succeeded)
	assert.Zero(t, res.Qualified)
}

func TestProcessBatch_RespectsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int64
	_, err := processBatch(context.Background(), makeLeads(20), 0, 3, nil, func(context.Context, model.Lead) (*model.Decision, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		defer inFlight.Add(-1)
		return decided(model.VerdictQualified), nil
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int64(3))
}

func TestProcessBatch_FailuresDoNotAbort(t *testing.T) {
	nc := new(mockNotionClient)
	nc.On("UpdatePage", mock.Anything, "page-1", mock.MatchedBy(func(req *notionapi.PageUpdateRequest) bool {
		sp, ok := req.Properties[notion.PropStatus].(notionapi.StatusProperty)
		return ok && sp.Status.Name == notion.StatusFailed
	})).Return(&notionapi.Page{}, nil).Once()

	res, err := processBatch(context.Background(), makeLeads(4), 0, 2, nc, func(_ context.Context, l model.Lead) (*model.Decision, error) {
		switch l.NotionPageID {
		case "page-1":
			return nil, errors.New("pipeline: persist decision: database is locked")
		case "page-2":
			return decided(model.VerdictQualified), nil
		default:
			return decided(model.VerdictDisqualified), nil
		}
	})
	require.NoError(t, err)
	assert.Equal(t, batchResult{Succeeded: 3, Failed: 1, Qualified: 1}, res)
	nc.AssertExpectations(t)
}

func TestProcessBatch_NotionUpdateErrorIsLogged(t *testing.T) {
	nc := new(mockNotionClient)
	nc.On("UpdatePage", mock.Anything, "page-0", mock.Anything).Return(nil, errors.New("rate limited"))

	res, err := processBatch(context.Background(), makeLeads(1), 0, 1, nc, func(context.Context, model.Lead) (*model.Decision, error) {
		return nil, errors.New("boom")
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Failed)
}

func TestProcessBatch_SkipsNotionForCSVLeads(t *testing.T) {
	nc := new(mockNotionClient)
	leads := []model.Lead{{Name: "From CSV"}}

	res, err := processBatch(context.Background(), leads, 0, 1, nc, func(context.Context, model.Lead) (*model.Decision, error) {
		return nil, errors.New("boom")
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Failed)
	nc.AssertNotCalled(t, "UpdatePage", mock.Anything, mock.Anything, mock.Anything)
}

func TestUpdateNotionFailed_Error(t *testing.T) {
	nc := new(mockNotionClient)
	nc.On("UpdatePage", mock.Anything, "page-9", mock.Anything).Return(nil, errors.New("unauthorized"))

	err := updateNotionFailed(context.Background(), nc, "page-9")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "batch: update notion page page-9 to Failed")
}

func TestLeadFromPage_AllFields(t *testing.T) {
	page := notionapi.Page{
		ID: "page-123",
		Properties: notionapi.Properties{
			notion.PropName: &notionapi.TitleProperty{
				Title: []notionapi.RichText{{PlainText: "Acme"}, {PlainText: " Plumbing"}},
			},
			notion.PropURL:    &notionapi.URLProperty{URL: "https://acme.example"},
			notion.PropStreet: &notionapi.RichTextProperty{RichText: []notionapi.RichText{{PlainText: "1 Main St"}}},
			notion.PropCity:   &notionapi.RichTextProperty{RichText: []notionapi.RichText{{PlainText: "Austin"}}},
			notion.PropState:  &notionapi.SelectProperty{Select: notionapi.Option{Name: "TX"}},
			notion.PropZip:    &notionapi.RichTextProperty{RichText: []notionapi.RichText{{PlainText: "78701"}}},
			notion.PropPhone:  &notionapi.PhoneNumberProperty{PhoneNumber: "512-555-0100"},
			notion.PropOwner:  &notionapi.RichTextProperty{RichText: []notionapi.RichText{{PlainText: "Jane Doe"}}},
			notion.PropRating: &notionapi.NumberProperty{Number: 3.9},
			notion.PropReviews: &notionapi.NumberProperty{
				Number: 42,
			},
		},
	}

	l := leadFromPage(page)
	assert.Equal(t, "page-123", l.NotionPageID)
	assert.Equal(t, "Acme Plumbing", l.Name)
	assert.Equal(t, "https://acme.example", l.Website)
	assert.Equal(t, "1 Main St", l.Street)
	assert.Equal(t, "Austin", l.City)
	assert.Equal(t, "TX", l.State)
	assert.Equal(t, "78701", l.ZipCode)
	assert.Equal(t, "512-555-0100", l.Phone)
	assert.Equal(t, "Jane Doe", l.OwnerName)
	require.NotNil(t, l.Rating)
	assert.InDelta(t, 3.9, *l.Rating, 0.001)
	require.NotNil(t, l.ReviewCount)
	assert.Equal(t, 42, *l.ReviewCount)
}

func TestLeadFromPage_MissingFields(t *testing.T) {
	l := leadFromPage(notionapi.Page{ID: "page-456", Properties: notionapi.Properties{}})
	assert.Equal(t, "page-456", l.NotionPageID)
	assert.Empty(t, l.Name)
	assert.Nil(t, l.Rating)
	assert.Nil(t, l.ReviewCount)
}

func TestReadLeadsCSV(t *testing.T) {
	in := "\ufeffName,Website,City,State,Rating,Reviews,Notes\n" +
		"Acme Plumbing, acme.example ,Austin,TX,3.9,12,call back\n" +
		"Beta Roofing,,Dallas,TX,,,\n"

	leads, err := readLeadsCSV(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, leads, 2)

	assert.Equal(t, "Acme Plumbing", leads[0].Name)
	assert.Equal(t, "acme.example", leads[0].Website)
	assert.Equal(t, "Austin", leads[0].City)
	require.NotNil(t, leads[0].Rating)
	assert.InDelta(t, 3.9, *leads[0].Rating, 0.001)
	require.NotNil(t, leads[0].ReviewCount)
	assert.Equal(t, 12, *leads[0].ReviewCount)

	assert.Equal(t, "Beta Roofing", leads[1].Name)
	assert.Empty(t, leads[1].Website)
	assert.Nil(t, leads[1].Rating)
}

func TestReadLeadsCSV_BadRating(t *testing.T) {
	_, err := readLeadsCSV(strings.NewReader("name,rating\nAcme,great\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "csv line 2")
}

func TestReadLeadsCSV_NoKnownColumns(t *testing.T) {
	_, err := readLeadsCSV(strings.NewReader("foo,bar\n1,2\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no recognized columns")
}

func TestReadLeadsCSV_Empty(t *testing.T) {
	_, err := readLeadsCSV(strings.NewReader(""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read csv header")
}

func TestLeadLabel(t *testing.T) {
	assert.Equal(t, "Acme", leadLabel(model.Lead{Name: "Acme", Website: "https://acme.example"}))
	assert.Equal(t, "https://acme.example", leadLabel(model.Lead{Website: "https://acme.example", ID: "x"}))
	assert.Equal(t, "lead-1", leadLabel(model.Lead{ID: "lead-1"}))
}
