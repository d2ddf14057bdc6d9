package main

import (
	"context"

	"github.com/aretw0/fedmesh/internal/cli"
	"github.com/spf13/cobra"
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run every participant of the run file in this process",
	Long: `Trains the federation described by the run file in-process over synthetic data.
Each completed round prints the holdout loss. With a checkpoint store, an interrupted
run continues from its last completed round.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, logger, err := loadRun(cmd)
		if err != nil {
			return err
		}
		rounds, _ := cmd.Flags().GetInt("rounds")
		asJSON, _ := cmd.Flags().GetBool("json")
		if addr, _ := cmd.Flags().GetString("status-addr"); addr != "" {
			f.Status.Addr = addr
		}

		sc := cli.NewSignalContext(context.Background())
		defer sc.Cancel()

		_, err = cli.Simulate(sc, f, cli.SimulateOptions{
			Rounds: rounds,
			JSON:   asJSON,
			Out:    cmd.OutOrStdout(),
			Logger: logger,
		})
		if err != nil {
			return interrupted(sc, err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().Int("rounds", 0, "Total rounds; overrides the run file")
	simulateCmd.Flags().Bool("json", false, "Print the final result as JSON")
	simulateCmd.Flags().String("status-addr", "", "Serve the status API on this address")
}
