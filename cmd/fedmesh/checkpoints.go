package main

import (
	"encoding/json"
	"fmt"

	"github.com/aretw0/fedmesh/internal/cli"
	"github.com/aretw0/fedmesh/internal/config"
	"github.com/spf13/cobra"
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Manage the checkpoints of the run file's store",
}

var checkpointsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List runs with a checkpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer p.Close()

		runs, err := p.Store.List(cmd.Context())
		if err != nil {
			return fmt.Errorf("listing checkpoints: %w", err)
		}
		out := cmd.OutOrStdout()
		if len(runs) == 0 {
			fmt.Fprintln(out, "No checkpoints found.")
			return nil
		}
		for _, r := range runs {
			fmt.Fprintln(out, "- "+r)
		}
		return nil
	},
}

var checkpointsInspectCmd = &cobra.Command{
	Use:   "inspect <run-id>",
	Short: "Print the checkpoint of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer p.Close()

		cp, err := p.Store.Load(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("loading checkpoint '%s': %w", args[0], err)
		}
		data, err := json.MarshalIndent(cp, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var checkpointsRmCmd = &cobra.Command{
	Use:   "rm <run-id>...",
	Short: "Remove the checkpoints of one or more runs",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		p, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer p.Close()

		failed := 0
		out := cmd.OutOrStdout()
		for _, runID := range args {
			if err := p.Store.Delete(cmd.Context(), runID); err != nil {
				fmt.Fprintf(out, "Error removing '%s': %v\n", runID, err)
				failed++
				continue
			}
			fmt.Fprintf(out, "Removed checkpoint '%s'\n", runID)
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d removals failed", failed, len(args))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(checkpointsCmd)
	checkpointsCmd.AddCommand(checkpointsLsCmd)
	checkpointsCmd.AddCommand(checkpointsInspectCmd)
	checkpointsCmd.AddCommand(checkpointsRmCmd)
}

func openStore(cmd *cobra.Command) (*cli.Persistence, error) {
	f, _, err := loadRun(cmd)
	if err != nil {
		return nil, err
	}
	if f.Checkpoint.Store == config.StoreNone || f.Checkpoint.Store == config.StoreMemory {
		return nil, fmt.Errorf("checkpoint store %q does not outlive a run", f.Checkpoint.Store)
	}
	return cli.OpenStore(cmd.Context(), f)
}
