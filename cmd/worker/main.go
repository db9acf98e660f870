package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var envFile string

	root := &cobra.Command{
		Use:           "worker",
		Short:         "WhatsApp session manager and campaign dispatcher",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), envFile)
		},
	}
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "optional dotenv file read before the environment")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API, queue consumer and campaign supervisor",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return serve(cmd.Context(), envFile)
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply database migrations and exit",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return migrateOnly(envFile, cmd.OutOrStdout())
			},
		},
		enqueueCmd(&envFile),
	)
	return root
}

func enqueueCmd(envFile *string) *cobra.Command {
	var requestedBy string
	cmd := &cobra.Command{
		Use:   "enqueue <campaign-id>...",
		Short: "Queue campaign run requests on SQS",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return enqueue(cmd.Context(), *envFile, requestedBy, args, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&requestedBy, "requested-by", "cli", "recorded on the run request")
	return cmd
}
