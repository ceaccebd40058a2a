package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/qualify-cli/internal/model"
	"github.com/sells-group/qualify-cli/pkg/notion"
)

var (
	batchLimit  int
	batchCSV    string
	batchNotion bool
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Qualify leads from a CSV file or the Notion queue",
	Long: `Qualifies many leads concurrently, bounded by batch.max_concurrent_leads.

Examples:
  qualify-cli batch --csv leads.csv --limit 50
  qualify-cli batch --notion`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if (batchCSV == "") == !batchNotion {
			return eris.New("batch: exactly one of --csv or --notion is required")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		mode := "qualify"
		if batchNotion {
			mode = "notion"
		}
		env, err := initPipeline(ctx, mode)
		if err != nil {
			return err
		}
		defer env.Close()

		var leads []model.Lead
		if batchNotion {
			pages, qErr := notion.QueryLeadsByStatus(ctx, env.Notion, cfg.Notion.LeadDB, notion.StatusQueued)
			if qErr != nil {
				return eris.Wrap(qErr, "batch: query queued leads")
			}
			for _, p := range pages {
				leads = append(leads, leadFromPage(p))
			}
		} else {
			leads, err = readLeadsFile(batchCSV)
			if err != nil {
				return err
			}
		}

		_, err = processBatch(ctx, leads, batchLimit, cfg.Batch.MaxConcurrentLeads, env.Notion, env.Orchestrator.Run)
		return err
	},
}

func init() {
	batchCmd.Flags().IntVar(&batchLimit, "limit", 100, "max number of leads to process")
	batchCmd.Flags().StringVar(&batchCSV, "csv", "", "CSV file of leads (header row required)")
	batchCmd.Flags().BoolVar(&batchNotion, "notion", false, "read queued leads from the Notion lead database")
	rootCmd.AddCommand(batchCmd)
}

// qualifyFunc runs one lead to a decision.
type qualifyFunc func(ctx context.Context, lead model.Lead) (*model.Decision, error)

// batchResult tallies one batch.
type batchResult struct {
	Succeeded int64
	Failed    int64
	Qualified int64
}

// processBatch applies limit, then qualifies leads concurrently. A failed lead
// never aborts the batch. If notionClient is non-nil, failed leads that came
// from Notion have their page status set to Failed.
func processBatch(ctx context.Context, leads []model.Lead, limit, concurrency int, notionClient notion.Client, run qualifyFunc) (batchResult, error) {
	if len(leads) == 0 {
		zap.L().Info("no leads to process")
		return batchResult{}, nil
	}
	if limit > 0 && len(leads) > limit {
		leads = leads[:limit]
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	zap.L().Info("processing batch",
		zap.Int("leads", len(leads)),
		zap.Int("concurrency", concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var succeeded, failed, qualified atomic.Int64

	for _, lead := range leads {
		g.Go(func() error {
			log := zap.L().With(zap.String("lead", leadLabel(lead)))

			d, err := run(gctx, lead)
			if err != nil {
				failed.Add(1)
				log.Error("qualification failed", zap.Error(err))
				if notionClient != nil && lead.NotionPageID != "" {
					if nErr := updateNotionFailed(gctx, notionClient, lead.NotionPageID); nErr != nil {
						log.Warn("failed to update notion status to Failed", zap.Error(nErr))
					}
				}
				return nil
			}

			succeeded.Add(1)
			if d.Qualified() {
				qualified.Add(1)
			}
			log.Info("qualification complete",
				zap.String("outcome", string(d.Outcome)),
				zap.String("verdict", string(d.Verdict)),
				zap.Int("pain_score", d.PainScore.Score),
			)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return batchResult{}, eris.Wrap(err, "batch processing")
	}

	res := batchResult{
		Succeeded: succeeded.Load(),
		Failed:    failed.Load(),
		Qualified: qualified.Load(),
	}
	zap.L().Info("batch complete",
		zap.Int64("succeeded", res.Succeeded),
		zap.Int64("failed", res.Failed),
		zap.Int64("qualified", res.Qualified),
	)
	return res, nil
}

func leadLabel(l model.Lead) string {
	switch {
	case l.Name != "":
		return l.Name
	case l.Website != "":
		return l.Website
	default:
		return l.ID
	}
}

// updateNotionFailed sets the page status to Failed when a run errors out.
func updateNotionFailed(ctx context.Context, client notion.Client, pageID string) error {
	_, err := client.UpdatePage(ctx, pageID, &notionapi.PageUpdateRequest{
		Properties: notionapi.Properties{
			notion.PropStatus: notionapi.StatusProperty{
				Status: notionapi.Status{Name: notion.StatusFailed},
			},
		},
	})
	if err != nil {
		return eris.Wrap(err, fmt.Sprintf("batch: update notion page %s to Failed", pageID))
	}
	return nil
}

// leadFromPage maps a Notion lead database row onto a Lead.
func leadFromPage(page notionapi.Page) model.Lead {
	l := model.Lead{
		NotionPageID:  string(page.ID),
		Name:          notion.Text(page, notion.PropName),
		Website:       notion.Text(page, notion.PropURL),
		Street:        notion.Text(page, notion.PropStreet),
		City:          notion.Text(page, notion.PropCity),
		State:         notion.Text(page, notion.PropState),
		ZipCode:       notion.Text(page, notion.PropZip),
		Phone:         notion.Text(page, notion.PropPhone),
		OwnerName:     notion.Text(page, notion.PropOwner),
		LicenseNumber: notion.Text(page, notion.PropLicense),
	}
	if v, ok := notion.Number(page, notion.PropRating); ok {
		l.Rating = &v
	}
	if v, ok := notion.Number(page, notion.PropReviews); ok {
		n := int(v)
		l.ReviewCount = &n
	}
	return l
}

// csvColumns maps accepted header names to lead fields.
var csvColumns = map[string]func(l *model.Lead, v string) error{
	"id":             func(l *model.Lead, v string) error { l.ID = v; return nil },
	"name":           func(l *model.Lead, v string) error { l.Name = v; return nil },
	"business_name":  func(l *model.Lead, v string) error { l.Name = v; return nil },
	"website":        func(l *model.Lead, v string) error { l.Website = v; return nil },
	"url":            func(l *model.Lead, v string) error { l.Website = v; return nil },
	"street":         func(l *model.Lead, v string) error { l.Street = v; return nil },
	"city":           func(l *model.Lead, v string) error { l.City = v; return nil },
	"state":          func(l *model.Lead, v string) error { l.State = v; return nil },
	"zip":            func(l *model.Lead, v string) error { l.ZipCode = v; return nil },
	"zip_code":       func(l *model.Lead, v string) error { l.ZipCode = v; return nil },
	"phone":          func(l *model.Lead, v string) error { l.Phone = v; return nil },
	"owner":          func(l *model.Lead, v string) error { l.OwnerName = v; return nil },
	"owner_name":     func(l *model.Lead, v string) error { l.OwnerName = v; return nil },
	"license":        func(l *model.Lead, v string) error { l.LicenseNumber = v; return nil },
	"license_number": func(l *model.Lead, v string) error { l.LicenseNumber = v; return nil },
	"rating": func(l *model.Lead, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return eris.Wrapf(err, "rating %q", v)
		}
		l.Rating = &f
		return nil
	},
	"review_count": setReviews,
	"reviews":      setReviews,
}

func setReviews(l *model.Lead, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return eris.Wrapf(err, "review count %q", v)
	}
	l.ReviewCount = &n
	return nil
}

func readLeadsFile(path string) ([]model.Lead, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "batch: open %s", path)
	}
	defer f.Close() //nolint:errcheck
	return readLeadsCSV(f)
}

// readLeadsCSV parses leads from CSV with a header row. Unknown columns are
// ignored and empty cells leave the field unset.
func readLeadsCSV(r io.Reader) ([]model.Lead, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, eris.Wrap(err, "batch: read csv header")
	}
	setters := make([]func(*model.Lead, string) error, len(header))
	known := 0
	for i, h := range header {
		key := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if set, ok := csvColumns[key]; ok {
			setters[i] = set
			known++
		}
	}
	if known == 0 {
		return nil, eris.New("batch: csv header has no recognized columns")
	}

	var leads []model.Lead
	line := 1
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, eris.Wrapf(err, "batch: read csv line %d", line)
		}
		var l model.Lead
		for i, v := range rec {
			v = strings.TrimSpace(v)
			if i >= len(setters) || setters[i] == nil || v == "" {
				continue
			}
			if err := setters[i](&l, v); err != nil {
				return nil, eris.Wrapf(err, "batch: csv line %d", line)
			}
		}
		leads = append(leads, l)
	}
	return leads, nil
}
