package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/guardrail/journal"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Query the decision and fill journal",
	Long: `Query the SQLite audit journal written by serve and check.

Subcommands:
  decision  - Show one decision by ID
  decisions - List decisions for a day
  fills     - List fills for a day
  summary   - Count blocks by reason for a day

Examples:
  guardrail journal decisions --day 2024-01-15 --blocked
  guardrail journal decision 01HX...
  guardrail journal summary`,
}

var journalDecisionCmd = &cobra.Command{
	Use:   "decision <id>",
	Short: "Show one decision",
	Args:  cobra.ExactArgs(1),
	RunE:  runJournalDecision,
}

var journalDecisionsCmd = &cobra.Command{
	Use:   "decisions",
	Short: "List decisions",
	Args:  cobra.NoArgs,
	RunE:  runJournalDecisions,
}

var journalFillsCmd = &cobra.Command{
	Use:   "fills",
	Short: "List fills",
	Args:  cobra.NoArgs,
	RunE:  runJournalFills,
}

var journalSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Count blocked decisions by reason",
	Args:  cobra.NoArgs,
	RunE:  runJournalSummary,
}

var (
	journalDBPath  string
	journalDay     string
	journalAsset   string
	journalBlocked bool
	journalLimit   int
	journalFormat  string
)

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalDecisionCmd, journalDecisionsCmd, journalFillsCmd, journalSummaryCmd)

	journalCmd.PersistentFlags().StringVarP(&journalDBPath, "db", "d", "./guardrail.db", "path to SQLite journal DB")
	journalCmd.PersistentFlags().StringVar(&journalDay, "day", "", "day to list as YYYY-MM-DD in local time (default today)")
	journalCmd.PersistentFlags().StringVar(&journalFormat, "format", "org", "output format: org or json")

	journalDecisionsCmd.Flags().StringVar(&journalAsset, "asset", "", "only this asset")
	journalDecisionsCmd.Flags().BoolVar(&journalBlocked, "blocked", false, "only blocked decisions")
	journalDecisionsCmd.Flags().IntVar(&journalLimit, "limit", 0, "maximum rows (0 for all)")
}

func openJournal() (*journal.SQLite, error) {
	j, err := journal.NewSQLite(journalDBPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return j, nil
}

func runJournalDecision(cmd *cobra.Command, args []string) error {
	j, err := openJournal()
	if err != nil {
		return err
	}
	defer j.Close()

	rec, err := j.GetDecision(args[0])
	if err != nil {
		return fmt.Errorf("get decision: %w", err)
	}
	return writeRecords(cmd.OutOrStdout(), []journal.DecisionRecord{rec}, journal.FormatDecisionsOrg)
}

func runJournalDecisions(cmd *cobra.Command, args []string) error {
	j, err := openJournal()
	if err != nil {
		return err
	}
	defer j.Close()

	start, end, err := dayBounds(time.Local, journalDay)
	if err != nil {
		return fmt.Errorf("date: %w", err)
	}
	recs, err := j.ListDecisions(journal.DecisionQuery{
		Since:       start,
		Until:       end,
		Asset:       journalAsset,
		BlockedOnly: journalBlocked,
		Limit:       journalLimit,
	})
	if err != nil {
		return fmt.Errorf("query decisions: %w", err)
	}
	return writeRecords(cmd.OutOrStdout(), recs, journal.FormatDecisionsOrg)
}

func runJournalFills(cmd *cobra.Command, args []string) error {
	j, err := openJournal()
	if err != nil {
		return err
	}
	defer j.Close()

	start, end, err := dayBounds(time.Local, journalDay)
	if err != nil {
		return fmt.Errorf("date: %w", err)
	}
	recs, err := j.ListFillsBetween(start, end)
	if err != nil {
		return fmt.Errorf("query fills: %w", err)
	}
	return writeRecords(cmd.OutOrStdout(), recs, formatFills)
}

func runJournalSummary(cmd *cobra.Command, args []string) error {
	j, err := openJournal()
	if err != nil {
		return err
	}
	defer j.Close()

	start, end, err := dayBounds(time.Local, journalDay)
	if err != nil {
		return fmt.Errorf("date: %w", err)
	}
	counts, err := j.BlockCounts(start, end)
	if err != nil {
		return fmt.Errorf("query blocks: %w", err)
	}

	out := cmd.OutOrStdout()
	if journalFormat == "json" {
		return json.NewEncoder(out).Encode(counts)
	}
	reasons := make([]string, 0, len(counts))
	for r := range counts {
		reasons = append(reasons, r)
	}
	sort.Strings(reasons)
	fmt.Fprintf(out, "Blocks %s\n", start.Format("2006-01-02"))
	for _, r := range reasons {
		fmt.Fprintf(out, "  %-24s %d\n", r, counts[r])
	}
	return nil
}

func writeRecords[T any](w io.Writer, recs []T, org func([]T) string) error {
	switch journalFormat {
	case "json":
		enc := json.NewEncoder(w)
		for _, r := range recs {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	case "org":
		_, err := fmt.Fprintln(w, org(recs))
		return err
	default:
		return fmt.Errorf("unknown format %q", journalFormat)
	}
}

func formatFills(fills []journal.FillRecord) string {
	var b []byte
	for _, f := range fills {
		b = fmt.Appendf(b, "| %s | %s | %s | %.6f | %.6f | %.2f |\n",
			f.Time.Local().Format(time.RFC3339), f.Symbol, f.Side, f.Quantity, f.Price, f.RealizedPnl)
	}
	return string(b)
}

// dayBounds returns [start, end) of day in loc; an empty day means today.
func dayBounds(loc *time.Location, day string) (time.Time, time.Time, error) {
	if day == "" {
		day = time.Now().In(loc).Format("2006-01-02")
	}
	t, err := time.ParseInLocation("2006-01-02", day, loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1)
	return start, end, nil
}
