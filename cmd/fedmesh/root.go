package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/aretw0/fedmesh/internal/cli"
	"github.com/aretw0/fedmesh/internal/config"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "fedmesh",
	Short: "fedmesh runs federated training rounds",
	Long: `fedmesh coordinates federated averaging between participants that keep their data local.
A run file describes the participants, the model, the transform chain and the checkpoint store.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "fedmesh.yaml", "Run file")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error); overrides the run file")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
}

// loadRun reads the run file and builds the logger it asks for.
func loadRun(cmd *cobra.Command) (*config.File, *slog.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	f, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}

	level := f.LogLevel
	if flag, _ := cmd.Flags().GetString("log-level"); flag != "" {
		level = flag
	}
	debug, _ := cmd.Flags().GetBool("debug")
	logger, err := cli.NewLogger(level, debug)
	if err != nil {
		return nil, nil, err
	}
	return f, logger, nil
}

// interrupted turns a run stopped by a signal into a readable error.
func interrupted(sc *cli.SignalContext, err error) error {
	if sig := sc.Signal(); sig != nil {
		return fmt.Errorf("interrupted by %v: %w", sig, err)
	}
	return err
}
