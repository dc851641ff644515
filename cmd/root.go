package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/cortexmind/cortex/internal/config"
	"github.com/cortexmind/cortex/internal/observability"
)

var (
	cfgFile string
	cfg     *config.Config
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:     "cortex",
	Short:   "Cortex is an autonomous market-watching agent.",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			// Fall back to a usable logger so the error is visible.
			observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "cortex"})
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
		observability.InitializeLogger(cfg.Logger)

		observability.GetLogger().Info("Starting cortex", zap.String("version", Version))
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags
// appropriately.
func Execute() {
	defer observability.Sync()
	if err := rootCmd.Execute(); err != nil {
		if logger := observability.GetLogger(); logger != nil {
			logger.Error("Command execution failed", zap.Error(err))
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./cortex.yaml)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
}
