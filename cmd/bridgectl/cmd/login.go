package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var forceLogin bool

func init() {
	loginCmd.Flags().BoolVar(&forceLogin, "force", false, "Log in again even if a valid delegation is stored")
	rootCmd.AddCommand(loginCmd)
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and obtain a delegation",
	Long: `Run the OIDC authorization flow in the browser with the session key's
nonce, then exchange the ID token for a delegation from the issuer.

A stored delegation that still verifies is reused unless --force is given.

Examples:
  bridgectl login
  bridgectl login --force`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.RequireClient(); err != nil {
			return err
		}
		ctx := cmd.Context()
		sess, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer sess.Close()

		client, err := newLoginClient(sess)
		if err != nil {
			return err
		}
		if !forceLogin {
			if id, ok, err := client.Restore(ctx); err == nil && ok {
				success(cmd.OutOrStdout(), "Already logged in as %s", id.Principal().String())
				return nil
			}
		}

		id, err := client.Login(ctx)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}
		out := cmd.OutOrStdout()
		success(out, "Logged in as %s", id.Principal().String())
		fmt.Fprintf(out, "%s %s\n", label("expires:"), id.ExpiresAt().Format(time.RFC3339))
		return nil
	},
}
