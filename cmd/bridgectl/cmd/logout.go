package cmd

import (
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(logoutCmd)
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the delegation and end the provider session",
	Long: `Remove the stored delegation and ID token. In per-session key mode the
session key is removed as well.

Examples:
  bridgectl logout`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.RequireClient(); err != nil {
			return err
		}
		ctx, cancel := commandContext(cmd.Context())
		defer cancel()
		sess, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer sess.Close()

		client, err := newLoginClient(sess)
		if err != nil {
			return err
		}
		if err := client.Logout(ctx); err != nil {
			return err
		}
		success(cmd.OutOrStdout(), "Logged out")
		return nil
	},
}
