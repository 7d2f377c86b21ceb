package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var addrFlag string
	var tokenFlag string
	var contextFlag string

	ctx := newCommandContext(&addrFlag, &tokenFlag, &contextFlag)

	rootCmd := &cobra.Command{
		Use:           "postbox",
		Short:         "Operator CLI for the postbox daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&addrFlag, "addr", "", "Ops server address (default "+defaultAddr+")")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "Bearer token for the ops server")
	rootCmd.PersistentFlags().StringVar(&contextFlag, "context", "", "Context ID to act as")

	rootCmd.AddCommand(newSendCommand(ctx))
	rootCmd.AddCommand(newWatchCommand(ctx))
	rootCmd.AddCommand(newUnwatchCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))
	rootCmd.AddCommand(newWatchesCommand(ctx))
	rootCmd.AddCommand(newMessagesCommand(ctx))
	rootCmd.AddCommand(newHealthCommand(ctx))

	return rootCmd
}
