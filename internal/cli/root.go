package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// NewRootCmd creates the root cobra command with all subcommands.
func NewRootCmd() *cobra.Command {
	var (
		debug   bool
		logFile string
	)

	rootCmd := &cobra.Command{
		Use:   "rccar",
		Short: "Remote control for an RC car over a QUIC gateway",
		Long:  "rccar drives an RC car from the terminal. Commands are queued, acknowledged and retried by the delivery engine; the gateway relays them to the vehicle.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(debug, logFile)
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			zap.ReplaceGlobals(logger)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = zap.L().Sync()
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", "", "Write logs to this file instead of stderr")

	rootCmd.AddCommand(
		newDriveCmd(),
		newGatewayCmd(),
		newVersionCmd(),
	)

	return rootCmd
}

func newLogger(debug bool, logFile string) (*zap.Logger, error) {
	conf := zap.NewProductionConfig()
	if debug {
		conf = zap.NewDevelopmentConfig()
	}
	if logFile != "" {
		conf.OutputPaths = []string{logFile}
		conf.ErrorOutputPaths = []string{logFile}
	}
	return conf.Build()
}
