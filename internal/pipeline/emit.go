package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/qualify-cli/internal/model"
	"github.com/sells-group/qualify-cli/pkg/notion"
)

// NotionEmitter writes verdicts back to the lead's Notion page.
type NotionEmitter struct {
	client notion.Client
}

// NewNotionEmitter creates an emitter over client.
func NewNotionEmitter(client notion.Client) *NotionEmitter {
	return &NotionEmitter{client: client}
}

// Emit updates the lead's page. Leads that did not come from Notion are
// skipped.
func (e *NotionEmitter) Emit(ctx context.Context, lead model.Lead, d model.Decision) error {
	if lead.NotionPageID == "" {
		return nil
	}
	v := NotionVerdict(d)
	_, err := e.client.UpdatePage(ctx, lead.NotionPageID, &notionapi.PageUpdateRequest{
		Properties: v.Properties(),
	})
	if err != nil {
		return eris.Wrapf(err, "pipeline: update notion page %s", lead.NotionPageID)
	}
	zap.L().Debug("pipeline: verdict written to notion",
		zap.String("lead_id", lead.ID),
		zap.String("page_id", lead.NotionPageID),
		zap.String("status", v.Status),
	)
	return nil
}

// NotionVerdict maps a decision onto the lead queue's columns.
func NotionVerdict(d model.Decision) notion.Verdict {
	v := notion.Verdict{
		Verdict:   string(d.Verdict),
		PainScore: d.PainScore.Score,
		Rationale: rationale(d),
		DecidedAt: d.DecidedAt,
	}
	switch {
	case d.PendingReview():
		v.Status = notion.StatusReview
	case d.Qualified():
		v.Status = notion.StatusQualified
	default:
		v.Status = notion.StatusDisqualified
	}
	return v
}

func rationale(d model.Decision) string {
	var parts []string
	if d.Adjudication != nil && d.Adjudication.Rationale != "" {
		parts = append(parts, d.Adjudication.Rationale)
	}
	if len(d.PainScore.Contributors) > 0 {
		names := make([]string, 0, len(d.PainScore.Contributors))
		for _, c := range d.PainScore.Contributors {
			names = append(names, fmt.Sprintf("%s (+%d)", c.Rule, c.Points))
		}
		parts = append(parts, "Pain: "+strings.Join(names, ", "))
	}
	for _, c := range d.Caveats {
		if c.Kind == model.CaveatSourceMissing {
			continue
		}
		parts = append(parts, fmt.Sprintf("Caveat: %s", c.Kind))
	}
	return strings.Join(parts, "\n")
}
