package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

type rootOptions struct {
	configDir string
	env       string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "asuranet-echo",
		Short:         "Echo gate over KCP, TCP and WebSocket",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configDir, "config-dir", "c", "./config", "directory holding the yaml config files")
	root.PersistentFlags().StringVarP(&opts.env, "env", "e", "", "environment sub directory overriding config-dir")

	root.AddCommand(newStartCmd(opts))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	})
	return root
}

func newStartCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the gate and block until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStart(cmd.Context(), opts)
		},
	}
}
