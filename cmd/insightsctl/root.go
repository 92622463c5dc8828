package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var flags globalFlags

	ctx := newCommandContext(&flags)

	rootCmd := &cobra.Command{
		Use:           "insightsctl",
		Short:         "Operator CLI for the insights ingestion server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			ctx.setupLogging(cmd.ErrOrStderr())
			if shouldSkipConfig(cmd) {
				return nil
			}
			_, err := ctx.ensureConfig()
			return err
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.config, "config", "c", "", "Configuration file path (defaults to config.yaml when present)")
	pf.StringVar(&flags.envFile, "env-file", ".env", "Optional dotenv file loaded before the config is expanded")
	pf.StringVar(&flags.server, "server", "", "Server base URL (defaults to server.public_url)")
	pf.StringVar(&flags.apiKey, "api-key", "", "Bearer token for the server API (defaults to server.api_key)")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "Log debug output to stderr")

	rootCmd.AddCommand(newCaptureCommand(ctx))
	rootCmd.AddCommand(newIngestBotCommand(ctx))
	rootCmd.AddCommand(newMigrateCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))

	return rootCmd
}
