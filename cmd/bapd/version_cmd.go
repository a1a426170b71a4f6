package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/bapd/internal/version"
)

func newVersionCommand() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the bapd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := version.Read()
			if !verbose {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", info.Module, info.Version)
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "module:   %s\nversion:  %s\nrevision: %s\ndirty:    %t\n",
				info.Module, info.Version, info.Revision, info.Dirty)
			return err
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print build metadata")
	return cmd
}
