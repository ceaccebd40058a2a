package main

import (
	"encoding/json"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/qualify-cli/internal/model"
)

var (
	qualifyLead    model.Lead
	qualifyRating  float64
	qualifyReviews int
)

var qualifyCmd = &cobra.Command{
	Use:   "qualify",
	Short: "Qualify a single lead",
	Long: `Enriches one lead from every configured source, scores its pain and
prints the decision as JSON.

Examples:
  qualify-cli qualify --name "Acme Plumbing" --url acme-plumbing.com --state TX
  qualify-cli qualify --name "Acme Plumbing" --address "1 Main St" --city Austin --state TX --rating 3.9`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initPipeline(ctx, "qualify")
		if err != nil {
			return err
		}
		defer env.Close()

		lead := qualifyLead
		if cmd.Flags().Changed("rating") {
			lead.Rating = &qualifyRating
		}
		if cmd.Flags().Changed("reviews") {
			lead.ReviewCount = &qualifyReviews
		}

		d, err := env.Orchestrator.Run(ctx, lead)
		if d != nil {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(d); encErr != nil {
				return eris.Wrap(encErr, "qualify: encode decision")
			}
		}
		if err != nil {
			return eris.Wrap(err, "qualify")
		}

		zap.L().Info("qualification complete",
			zap.String("lead_id", d.LeadID),
			zap.String("outcome", string(d.Outcome)),
			zap.String("verdict", string(d.Verdict)),
			zap.Int("pain_score", d.PainScore.Score),
		)
		return nil
	},
}

func init() {
	f := qualifyCmd.Flags()
	f.StringVar(&qualifyLead.ID, "id", "", "lead ID (generated when empty)")
	f.StringVar(&qualifyLead.Name, "name", "", "business name")
	f.StringVar(&qualifyLead.Website, "url", "", "business website")
	f.StringVar(&qualifyLead.Street, "address", "", "street address")
	f.StringVar(&qualifyLead.City, "city", "", "city")
	f.StringVar(&qualifyLead.State, "state", "", "two-letter state code")
	f.StringVar(&qualifyLead.ZipCode, "zip", "", "ZIP code")
	f.StringVar(&qualifyLead.Phone, "phone", "", "phone number")
	f.StringVar(&qualifyLead.OwnerName, "owner", "", "known owner name")
	f.StringVar(&qualifyLead.LicenseNumber, "license", "", "contractor license number")
	f.Float64Var(&qualifyRating, "rating", 0, "listing star rating (0-5)")
	f.IntVar(&qualifyReviews, "reviews", 0, "listing review count")
	rootCmd.AddCommand(qualifyCmd)
}
