package main

import (
	"fmt"
	"strings"

	"github.com/aretw0/fedmesh"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of fedmesh",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "fedmesh version %s\n", strings.TrimSpace(fedmesh.Version))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
