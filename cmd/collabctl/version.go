package main

import (
	"fmt"

	"github.com/danmuck/collabctl/internal/collab/command"
	"github.com/spf13/cobra"
)

// collabctlVersion is set at build time via -ldflags "-X main.collabctlVersion=x.y.z".
var collabctlVersion = "0.0.1"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show collabctl and collaboration protocol versions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "collabctl version %s\n", collabctlVersion)
			fmt.Fprintf(out, "collab protocol %d, dms %d\n", command.ProtocolVersion, command.DMSVersion)
			return nil
		},
	}
}
