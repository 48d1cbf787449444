package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/emate/decision-core/internal/config"
	"github.com/danielpatrickdp/emate/decision-core/internal/logging"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *zap.Logger
)

// rootCmd is the base command; every subcommand inherits config and logger
// setup from PersistentPreRunE.
var rootCmd = &cobra.Command{
	Use:           "emate",
	Short:         "emate decision core: micro Q-learning, macro planning and persona guard",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		l, err := logging.NewLogger(c.Logger)
		if err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
		logging.SetDefault(l)
		cfg, logger = c, l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if logger != nil {
			logger.Error("command failed", zap.Error(err))
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (YAML); EMATE_* variables override it")
	rootCmd.AddCommand(serveCmd, decideCmd, replayCmd, inspectCmd, personaCmd)
}
