package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/qualify-cli/internal/model"
)

var decisionsCmd = &cobra.Command{
	Use:   "decisions <lead-id>",
	Short: "Show the decision history for a lead",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		ds, err := st.ListDecisions(ctx, args[0], limit)
		if err != nil {
			return eris.Wrap(err, "decisions")
		}
		if len(ds) == 0 {
			fmt.Fprintln(os.Stderr, "No decisions found.")
			return nil
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(ds)
		}
		formatDecisions(os.Stdout, ds)
		return nil
	},
}

func init() {
	decisionsCmd.Flags().Int("limit", 20, "max number of decisions to display")
	decisionsCmd.Flags().Bool("json", false, "print full decisions as JSON")
	rootCmd.AddCommand(decisionsCmd)
}

// formatDecisions writes one row per decision, newest first.
func formatDecisions(out io.Writer, ds []model.Decision) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "DECIDED\tVERDICT\tOUTCOME\tSCORE\tCONFIDENCE\tCAVEATS")
	_, _ = fmt.Fprintln(w, "-------\t-------\t-------\t-----\t----------\t-------")

	for _, d := range ds {
		kinds := make([]string, 0, len(d.Caveats))
		for _, c := range d.Caveats {
			k := string(c.Kind)
			if c.Source != "" {
				k += "(" + c.Source + ")"
			}
			kinds = append(kinds, k)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.2f\t%s\n",
			d.DecidedAt.Format("2006-01-02 15:04"),
			d.Verdict,
			d.Outcome,
			d.PainScore.Score,
			d.Confidence,
			strings.Join(kinds, ","),
		)
	}
	_ = w.Flush()
}
