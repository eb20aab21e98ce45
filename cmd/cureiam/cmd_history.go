package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yairfalse/cureiam/storage"
)

func newHistoryCmd() *cobra.Command {
	var (
		dbPath  string
		project string
		id      string
		asJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recommendation states recorded by bolt.store",
		Long: `Show the latest state of every recommendation recorded by a bolt.store
sink, or every stored version of one recommendation.

The database is opened read-only, so history can be inspected while the
scheduler is running.`,
		Example: `  cureiam history --db cureiam.db
  cureiam history --db cureiam.db --project my-project
  cureiam history --db cureiam.db --id projects/p/locations/global/recommenders/google.iam.policy.Recommender/recommendations/r1`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := storage.NewMVCCStorage(dbPath, storage.ReadOnly())
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			out := cmd.OutOrStdout()
			if id != "" {
				recs, err := db.History(id)
				if err != nil {
					return err
				}
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(recs)
			}

			states := db.States(project)
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(states)
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RECOMMENDATION\tPROJECT\tACCOUNT\tSTATE\tRISK\tSAFE\tAUDIT")
			for _, s := range states {
				fmt.Fprintf(w, "%s\t%s\t%s:%s\t%s\t%d\t%d\t%s\n",
					s.RecommendationID, s.Project, s.AccountType, s.AccountID,
					s.State, s.RiskScore, s.SafeToApplyScore, s.AuditVersion)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "cureiam.db", "bolt.store database path")
	cmd.Flags().StringVar(&project, "project", "", "Only show recommendations of this project")
	cmd.Flags().StringVar(&id, "id", "", "Show every stored version of one recommendation")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print JSON instead of a table")
	return cmd
}
