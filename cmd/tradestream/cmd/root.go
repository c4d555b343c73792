package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/atfleming/tradestream/config"
)

var rootCmd = &cobra.Command{
	Use:   "tradestream",
	Short: "Turn chat trade alerts into managed paper and live futures positions",
	Long: `Tradestream reads trade alerts from a chat feed, sizes and risk-checks them,
and manages each resulting position through two profit targets and a stop
that moves to breakeven after the first target.

It provides tools for:
  - Running the alert pipeline against paper, live, or both brokers
  - Dry-running the alert parser on sample text
  - Generating and validating configuration files
  - Querying the trade journal and performance summary
  - Operator controls for the risk session and order router`,
	SilenceUsage: true,
}

var cfgFile string

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (YAML or JSON); defaults plus TRADESTREAM_* env when empty")
}

// loadConfig reads the --config file, or falls back to defaults with the
// environment overlay applied.
func loadConfig() (*config.Config, error) {
	if cfgFile != "" {
		cfg, err := config.LoadFromFile(cfgFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		return cfg, nil
	}
	cfg := config.Default()
	if err := config.ApplyEnv(cfg); err != nil {
		return nil, fmt.Errorf("environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
