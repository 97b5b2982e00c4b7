package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var configDir string
	var env string

	ctx := newCommandContext(&configDir, &env)
	cobra.OnFinalize(ctx.close)

	rootCmd := &cobra.Command{
		Use:           "queuectl",
		Short:         "Inspect and repair the email queue",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&configDir, "config-dir", "", "Configuration directory (default $CONFIG_DIR or ./config)")
	rootCmd.PersistentFlags().StringVar(&env, "env", "", "Configuration environment (default $CONFIG_ENV or local)")

	rootCmd.AddCommand(newRequeueCommand(ctx))
	rootCmd.AddCommand(newOutboxCommand(ctx))
	rootCmd.AddCommand(newShowCommand(ctx))

	return rootCmd
}
