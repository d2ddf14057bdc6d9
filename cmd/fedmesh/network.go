package main

import (
	"context"

	"github.com/aretw0/fedmesh/internal/cli"
	"github.com/spf13/cobra"
)

var coordinatorCmd = &cobra.Command{
	Use:   "coordinator",
	Short: "Drive the run as rank 0 over websockets",
	Long: `Listens for every participant of the run file, then drives the rounds.
Participants are assigned ranks in the order they appear in the run file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		f, logger, err := loadRun(cmd)
		if err != nil {
			return err
		}
		addr, _ := cmd.Flags().GetString("addr")

		sc := cli.NewSignalContext(context.Background())
		defer sc.Cancel()

		_, err = cli.RunCoordinator(sc, f, cli.NetworkOptions{Addr: addr, Out: cmd.OutOrStdout(), Logger: logger})
		if err != nil {
			return interrupted(sc, err)
		}
		return nil
	},
}

var participantCmd = &cobra.Command{
	Use:   "participant",
	Short: "Serve one participant of the run file",
	RunE: func(cmd *cobra.Command, args []string) error {
		f, logger, err := loadRun(cmd)
		if err != nil {
			return err
		}
		addr, _ := cmd.Flags().GetString("addr")
		id, _ := cmd.Flags().GetString("id")

		sc := cli.NewSignalContext(context.Background())
		defer sc.Cancel()

		if err := cli.RunParticipant(sc, f, id, cli.NetworkOptions{Addr: addr, Out: cmd.OutOrStdout(), Logger: logger}); err != nil {
			return interrupted(sc, err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(coordinatorCmd)
	coordinatorCmd.Flags().String("addr", "", "Listen address; overrides network.addr")

	rootCmd.AddCommand(participantCmd)
	participantCmd.Flags().String("addr", "", "Coordinator address; overrides network.addr")
	participantCmd.Flags().String("id", "", "Participant ID from the run file")
	_ = participantCmd.MarkFlagRequired("id")
}
