package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/qualify-cli/internal/model"
	"github.com/sells-group/qualify-cli/internal/painscore"
)

var scoreCmd = &cobra.Command{
	Use:   "score",
	Short: "Re-score signals against the scoring table",
	Long: `Scores a signal set without enrichment or adjudication. Useful when
tuning scoring.yaml against leads that were already enriched.

Examples:
  # Score the current signals of a persisted lead
  qualify-cli score --lead 5b0c...

  # Score a JSON array of signals
  qualify-cli score --file signals.json --table scoring.yaml`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		leadID, _ := cmd.Flags().GetString("lead")
		file, _ := cmd.Flags().GetString("file")
		tablePath, _ := cmd.Flags().GetString("table")
		asJSON, _ := cmd.Flags().GetBool("json")

		if (leadID == "") == (file == "") {
			return eris.New("score: exactly one of --lead or --file is required")
		}
		if tablePath == "" {
			tablePath = cfg.ScoringPath
		}

		table, err := loadScoring(tablePath)
		if err != nil {
			return err
		}
		engine, err := painscore.NewEngine(table)
		if err != nil {
			return eris.Wrap(err, "score: init engine")
		}

		var signals []model.Signal
		if leadID != "" {
			st, err := openStore(cmd)
			if err != nil {
				return err
			}
			defer st.Close() //nolint:errcheck

			bag, err := st.LoadSignals(cmd.Context(), leadID)
			if err != nil {
				return eris.Wrap(err, "score: load signals")
			}
			if bag.Len() == 0 {
				return eris.Errorf("score: no signals for lead %s", leadID)
			}
			signals = bag.Current()
		} else {
			signals, err = readSignalsFile(file)
			if err != nil {
				return err
			}
		}

		ps := engine.Score(signals)
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(ps)
		}
		formatPainScore(os.Stdout, ps)
		return nil
	},
}

func init() {
	scoreCmd.Flags().String("lead", "", "score the persisted current signals of this lead")
	scoreCmd.Flags().String("file", "", "JSON file holding an array of signals")
	scoreCmd.Flags().String("table", "", "scoring table path (default from config, then built-in)")
	scoreCmd.Flags().Bool("json", false, "print the pain score as JSON")
	rootCmd.AddCommand(scoreCmd)
}

func readSignalsFile(path string) ([]model.Signal, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "score: read %s", path)
	}
	var signals []model.Signal
	if err := json.Unmarshal(data, &signals); err != nil {
		return nil, eris.Wrapf(err, "score: parse %s", path)
	}
	return signals, nil
}

// formatPainScore writes the score and its contributing rules to w.
func formatPainScore(out io.Writer, ps model.PainScore) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Score:\t%d\n", ps.Score)
	_, _ = fmt.Fprintf(w, "Category:\t%s\n", ps.Category)
	if len(ps.Contributors) > 0 {
		_, _ = fmt.Fprintln(w, "\nRULE\tKIND\tSOURCE\tPOINTS")
		for _, c := range ps.Contributors {
			_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%+d\n", c.Rule, c.Kind, c.Source, c.Points)
		}
	}
	_ = w.Flush()
}
