package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"llm_wallet/internal/models"
)

var reportFlags struct {
	user string
	from string
	to   string
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Summarize successful usage per feature",
	Long: `Summarize successful usage per feature over [from, to).

Dates are YYYY-MM-DD in UTC. Without --user the report covers all users.`,
	Args: cobra.NoArgs,
	RunE: runReport,
}

func init() {
	rootCmd.AddCommand(reportCmd)

	reportCmd.Flags().StringVar(&reportFlags.user, "user", "", "limit to one user")
	reportCmd.Flags().StringVar(&reportFlags.from, "from", "", "first day, inclusive")
	reportCmd.Flags().StringVar(&reportFlags.to, "to", "", "last day, exclusive")
	_ = reportCmd.MarkFlagRequired("from")
	_ = reportCmd.MarkFlagRequired("to")
}

func runReport(cmd *cobra.Command, args []string) error {
	from, err := time.Parse(time.DateOnly, reportFlags.from)
	if err != nil {
		return fmt.Errorf("invalid --from: %w", err)
	}
	to, err := time.Parse(time.DateOnly, reportFlags.to)
	if err != nil {
		return fmt.Errorf("invalid --to: %w", err)
	}

	db, err := openDB(cmd.Context(), false)
	if err != nil {
		return err
	}
	defer db.Close()

	summaries, err := db.NewUsageRepository().Report(cmd.Context(), models.UsageReportFilter{
		UserID: reportFlags.user,
		From:   from,
		To:     to,
	})
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FEATURE\tCALLS\tRUNS\tPROMPT\tCOMPLETION\tCOST")
	var total int64
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%s\n", s.Feature, s.Calls, s.DistinctRuns,
			s.PromptTokens, s.CompletionTokens, formatCents(s.CostCents))
		total += s.CostCents
	}
	fmt.Fprintf(tw, "TOTAL\t\t\t\t\t%s\n", formatCents(total))
	return tw.Flush()
}
