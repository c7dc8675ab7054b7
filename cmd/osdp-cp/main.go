// Command osdp-cp runs an OSDP control panel that polls peripheral devices
// over serial lines or TCP bridges and exposes them through a web API.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCommand().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:           "osdp-cp",
		Short:         "OSDP control panel",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to configuration file")

	cmd.AddCommand(runCommand(&configFile))
	cmd.AddCommand(validateCommand(&configFile))
	cmd.AddCommand(configCommand())
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "osdp-cp %s (commit %s, built %s)\n", version, commit, buildTime)
		},
	})
	return cmd
}
