package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/atfleming/tradestream/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Generate or validate configuration files",
	Long: `Manage tradestream configuration files.

Subcommands:
  init     - Generate a default configuration file
  validate - Validate an existing configuration file

Examples:
  tradestream config init -o tradestream.yaml
  tradestream config validate -f tradestream.yaml`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a default configuration file",
	RunE:  runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	RunE:  runConfigValidate,
}

var (
	configInitOutput   string
	configValidatePath string
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)

	configInitCmd.Flags().StringVarP(&configInitOutput, "output", "o", "tradestream.yaml", "output config file path")
	configValidateCmd.Flags().StringVarP(&configValidatePath, "file", "f", "", "path to config file (required)")
	_ = configValidateCmd.MarkFlagRequired("file")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if err := cfg.SaveToFile(configInitOutput); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created default configuration: %s\n", configInitOutput)
	fmt.Fprintln(out, "Secrets are read from TRADESTREAM_BROKER_TOKEN and TRADESTREAM_DISCORD_TOKEN.")
	fmt.Fprintf(out, "Run with:\n  tradestream run -c %s\n", configInitOutput)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(configValidatePath)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration valid: %s\n", configValidatePath)
	fmt.Fprintf(out, "  Contract: %s (tick %g, $%g/point)\n", cfg.Contract.Symbol, cfg.Contract.TickSize, cfg.Contract.UnitValue)
	fmt.Fprintf(out, "  Mode:     %s (remainder to %s)\n", cfg.Execution.Mode, cfg.Execution.RemainderTo)
	fmt.Fprintf(out, "  Risk:     %d trades/day, %d max open, $%g daily loss\n",
		cfg.Risk.MaxDailyTrades, cfg.Risk.MaxPositionSize, cfg.Risk.DailyLossLimit)
	fmt.Fprintf(out, "  Feed:     %s\n", cfg.Feed.Type)
	fmt.Fprintf(out, "  Journal:  %s\n", cfg.Journal.DBPath)
	return nil
}
