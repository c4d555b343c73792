package cmd

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/atfleming/tradestream/alert"
	"github.com/atfleming/tradestream/risk"
)

var parseCmd = &cobra.Command{
	Use:   "parse [alert text]",
	Short: "Dry-run the alert parser",
	Long: `Parse alert text with the configured parser and sizing, without touching
the journal or any broker. Text comes from the arguments, or stdin when none
are given.

Examples:
  tradestream parse $'ES long 6326: A\nStop: 6316'
  pbpaste | tradestream parse`,
	RunE: runParse,
}

func init() {
	rootCmd.AddCommand(parseCmd)
}

func runParse(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	text := strings.Join(args, " ")
	if len(args) == 0 {
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		text = string(b)
	}

	p, err := alert.NewParser(cfg.ParserConfig())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	a, err := p.Parse(text)
	var pe *alert.ParseError
	if errors.As(err, &pe) {
		fmt.Fprintf(out, "rejected: %s\n", pe.Reason)
		fmt.Fprintf(out, "  %s\n", pe.Error())
		return err
	}
	if err != nil {
		return err
	}

	rr1, rr2 := a.RiskReward()
	fmt.Fprintf(out, "%s\n", a)
	fmt.Fprintf(out, "  Risk:     %.2f points\n", a.Risk())
	fmt.Fprintf(out, "  Target 1: %.2f (%.2fR)\n", a.Target1, rr1)
	fmt.Fprintf(out, "  Target 2: %.2f (%.2fR)\n", a.Target2, rr2)

	qty, err := risk.SizeFor(a.SizeClass, cfg.SizeMapping())
	if err != nil {
		fmt.Fprintf(out, "  Quantity: rejected (%v)\n", err)
		return err
	}
	fmt.Fprintf(out, "  Quantity: %d\n", qty)
	return nil
}
