package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rustyeddy/guardrail/config"
	"github.com/rustyeddy/guardrail/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "guardrail",
	Short: "Pre-trade risk admission control",
	Long: `Guardrail decides whether an order may be sent to an exchange.

It provides:
  - A fixed-order admission check (breaker, kill switch, notional limits,
    open positions, daily loss, canary sampling) with a risk score
  - Position and daily PnL tracking from fills
  - An operator HTTP API and Prometheus metrics
  - An audit journal of decisions and fills
  - Offline batch checks of order files`,
	SilenceUsage: true,
}

var (
	cfgFile  string
	logLevel string
)

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (YAML or JSON); defaults apply when empty")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level")
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	log, err := logging.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return log, nil
}
