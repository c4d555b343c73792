package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/atfleming/tradestream/journal"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Query the trade journal",
	Long: `Query positions, exits, alerts and events recorded in the SQLite journal.

Subcommands:
  summary   - Performance summary for a day or range
  day       - Positions closed on a day
  position  - One position with its exits
  alert     - How an alert message was handled
  events    - Recent warnings and errors

Days are interpreted in the configured exchange timezone.

Examples:
  tradestream journal summary
  tradestream journal summary --from 2026-03-02 --to 2026-03-07
  tradestream journal day 2026-03-09
  tradestream journal position pos_01J...
  tradestream journal events --limit 20`,
}

var journalSummaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Performance summary (default: today)",
	Args:  cobra.NoArgs,
	RunE:  runJournalSummary,
}

var journalDayCmd = &cobra.Command{
	Use:   "day [YYYY-MM-DD]",
	Short: "List positions closed on a day (default: today)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runJournalDay,
}

var journalPositionCmd = &cobra.Command{
	Use:   "position <position-id>",
	Short: "Show one position and its exits",
	Args:  cobra.ExactArgs(1),
	RunE:  runJournalPosition,
}

var journalAlertCmd = &cobra.Command{
	Use:   "alert <message-id>",
	Short: "Show how an alert message was handled",
	Args:  cobra.ExactArgs(1),
	RunE:  runJournalAlert,
}

var journalEventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List recent events, newest first",
	Args:  cobra.NoArgs,
	RunE:  runJournalEvents,
}

var (
	journalDBPath string
	summaryFrom   string
	summaryTo     string
	eventsLimit   int
	eventsSince   string
)

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalSummaryCmd)
	journalCmd.AddCommand(journalDayCmd)
	journalCmd.AddCommand(journalPositionCmd)
	journalCmd.AddCommand(journalAlertCmd)
	journalCmd.AddCommand(journalEventsCmd)

	journalCmd.PersistentFlags().StringVarP(&journalDBPath, "db", "d", "", "path to SQLite journal (default: journal.db_path from config)")
	journalSummaryCmd.Flags().StringVar(&summaryFrom, "from", "", "first day, YYYY-MM-DD")
	journalSummaryCmd.Flags().StringVar(&summaryTo, "to", "", "last day, YYYY-MM-DD (inclusive)")
	journalEventsCmd.Flags().IntVarP(&eventsLimit, "limit", "n", 50, "maximum events to show")
	journalEventsCmd.Flags().StringVar(&eventsSince, "since", "", "only events on or after this day, YYYY-MM-DD")
}

// openJournal returns the journal and the exchange timezone days are read in.
func openJournal() (*journal.SQLite, *time.Location, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, nil, err
	}
	path := journalDBPath
	if path == "" {
		path = cfg.Journal.DBPath
	}
	j, err := journal.NewSQLite(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open db: %w", err)
	}
	return j, loc, nil
}

func runJournalSummary(cmd *cobra.Command, args []string) error {
	j, loc, err := openJournal()
	if err != nil {
		return err
	}
	defer j.Close()

	today := time.Now().In(loc).Format("2006-01-02")
	from, to := summaryFrom, summaryTo
	if from == "" {
		from = today
	}
	if to == "" {
		to = from
	}
	start, _, err := dayBounds(loc, from)
	if err != nil {
		return fmt.Errorf("from: %w", err)
	}
	_, end, err := dayBounds(loc, to)
	if err != nil {
		return fmt.Errorf("to: %w", err)
	}
	if !end.After(start) {
		return fmt.Errorf("--to %s is before --from %s", to, from)
	}

	sum, err := j.Summary(cmd.Context(), start, end)
	if err != nil {
		return fmt.Errorf("summary: %w", err)
	}
	printSummary(cmd.OutOrStdout(), from, to, sum)
	return nil
}

func printSummary(w io.Writer, from, to string, s journal.Summary) {
	span := from
	if to != from {
		span = from + " .. " + to
	}
	fmt.Fprintf(w, "Performance %s\n", span)
	fmt.Fprintf(w, "  Trades:        %d (%d won, %d lost, %d flat)\n", s.Trades, s.Wins, s.Losses, s.Breakeven)
	fmt.Fprintf(w, "  Win rate:      %.1f%%\n", s.WinRate*100)
	fmt.Fprintf(w, "  Net P&L:       $%s\n", s.NetPnL.StringFixed(2))
	fmt.Fprintf(w, "  Gross profit:  $%s\n", s.GrossProfit.StringFixed(2))
	fmt.Fprintf(w, "  Gross loss:    $%s\n", s.GrossLoss.StringFixed(2))
	fmt.Fprintf(w, "  Profit factor: %.2f\n", s.ProfitFactor)
	fmt.Fprintf(w, "  Commission:    $%s\n", s.Commission.StringFixed(2))
	fmt.Fprintf(w, "  Largest win:   $%s\n", s.LargestWin.StringFixed(2))
	fmt.Fprintf(w, "  Largest loss:  $%s\n", s.LargestLoss.StringFixed(2))
	fmt.Fprintf(w, "  Max loss run:  %d\n", s.MaxConsecutiveLosses)
}

func runJournalDay(cmd *cobra.Command, args []string) error {
	j, loc, err := openJournal()
	if err != nil {
		return err
	}
	defer j.Close()

	day := time.Now().In(loc).Format("2006-01-02")
	if len(args) == 1 {
		day = args[0]
	}
	start, end, err := dayBounds(loc, day)
	if err != nil {
		return fmt.Errorf("date: %w", err)
	}

	recs, err := j.ListPositionsClosedBetween(cmd.Context(), start, end)
	if err != nil {
		return fmt.Errorf("query positions: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(recs) == 0 {
		fmt.Fprintf(out, "No positions closed on %s\n", day)
		return nil
	}
	printPositions(out, loc, recs)
	return nil
}

func printPositions(w io.Writer, loc *time.Location, recs []journal.PositionRecord) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPATH\tSIDE\tQTY\tENTRY\tSTATE\tP&L\tCLOSED")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%.2f\t%s\t%s\t%s\n",
			r.ID, r.Path, r.Direction, r.Quantity, r.EntryPrice, r.State,
			r.RealizedPnL.StringFixed(2), r.ClosedAt.In(loc).Format("15:04:05"))
	}
	tw.Flush()
}

func runJournalPosition(cmd *cobra.Command, args []string) error {
	j, loc, err := openJournal()
	if err != nil {
		return err
	}
	defer j.Close()

	rec, err := j.GetPosition(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("get position: %w", err)
	}
	exits, err := j.ListExits(cmd.Context(), rec.ID)
	if err != nil {
		return fmt.Errorf("list exits: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Position %s (%s)\n", rec.ID, rec.Path)
	fmt.Fprintf(out, "  Alert:    %s\n", rec.MessageID)
	fmt.Fprintf(out, "  %s %s x%d @ %.2f\n", rec.Symbol, rec.Direction, rec.Quantity, rec.EntryPrice)
	fmt.Fprintf(out, "  Targets:  %.2f / %.2f, stop %.2f\n", rec.Target1, rec.Target2, rec.Stop)
	fmt.Fprintf(out, "  State:    %s (%d open)\n", rec.State, rec.Remaining)
	fmt.Fprintf(out, "  P&L:      $%s (commission $%s)\n", rec.RealizedPnL.StringFixed(2), rec.Commission.StringFixed(2))
	fmt.Fprintf(out, "  Opened:   %s\n", rec.OpenedAt.In(loc).Format(time.RFC3339))
	if !rec.ClosedAt.IsZero() {
		fmt.Fprintf(out, "  Closed:   %s\n", rec.ClosedAt.In(loc).Format(time.RFC3339))
	}
	if len(exits) == 0 {
		return nil
	}
	fmt.Fprintln(out)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tORDER\tQTY\tPRICE\tP&L\tTIME")
	for _, x := range exits {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%.2f\t%s\t%s\n",
			x.Kind, x.OrderID, x.Quantity, x.Price, x.PnL.StringFixed(2), x.Time.In(loc).Format("15:04:05"))
	}
	return tw.Flush()
}

func runJournalAlert(cmd *cobra.Command, args []string) error {
	j, loc, err := openJournal()
	if err != nil {
		return err
	}
	defer j.Close()

	rec, err := j.GetAlert(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("get alert: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Alert %s: %s\n", rec.MessageID, rec.Status)
	if rec.Reason != "" {
		fmt.Fprintf(out, "  Reason:   %s\n", rec.Reason)
	}
	if rec.Symbol != "" {
		fmt.Fprintf(out, "  %s %s %.2f stop %.2f size %s\n", rec.Symbol, rec.Direction, rec.EntryPrice, rec.StopPrice, rec.SizeClass)
	}
	fmt.Fprintf(out, "  Received: %s\n", rec.ReceivedAt.In(loc).Format(time.RFC3339))
	return nil
}

func runJournalEvents(cmd *cobra.Command, args []string) error {
	j, loc, err := openJournal()
	if err != nil {
		return err
	}
	defer j.Close()

	var since time.Time
	if eventsSince != "" {
		since, _, err = dayBounds(loc, eventsSince)
		if err != nil {
			return fmt.Errorf("since: %w", err)
		}
	}
	evs, err := j.ListEvents(cmd.Context(), since, eventsLimit)
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tLEVEL\tKIND\tCODE\tREF\tMESSAGE")
	for _, e := range evs {
		ref := e.PositionID
		if ref == "" {
			ref = e.MessageID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Time.In(loc).Format("01-02 15:04:05"), e.Level, e.Kind, e.Code, ref, e.Message)
	}
	return tw.Flush()
}

func dayBounds(loc *time.Location, day string) (time.Time, time.Time, error) {
	t, err := time.ParseInLocation("2006-01-02", day, loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
	end := start.AddDate(0, 0, 1)
	return start, end, nil
}
