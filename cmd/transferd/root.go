package main

import (
	"github.com/spf13/cobra"
)

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	configFile string
	envFile    string
}

// newRootCmd creates the transferd command with all subcommands attached.
func newRootCmd() *cobra.Command {
	opts := new(rootOptions)

	cmd := &cobra.Command{
		Use:           "transferd",
		Short:         "Transfer task orchestration engine",
		Long:          "transferd expands, copies, retries and reconciles trees of transfer tasks\nover Kafka, NATS JetStream or an in-process bus.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "config file (default: transferd.yaml in . or /etc/transferd)")
	flags.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the config")

	cmd.AddCommand(
		newServeCmd(opts),
		newMigrateCmd(opts),
		newSubmitCmd(opts),
		newInterruptCmd(opts, "cancel"),
		newInterruptCmd(opts, "pause"),
	)

	return cmd
}
