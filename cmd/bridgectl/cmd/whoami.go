package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/login"
)

func init() {
	rootCmd.AddCommand(whoamiCmd)
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Ask the issuer who the delegated identity is",
	Long: `Sign an authenticated probe with the stored delegation and print the
subject the issuer attributes it to. Returns a non-zero exit code if not
logged in.

Examples:
  bridgectl whoami`,
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
		if _, ok, err := client.Restore(ctx); err != nil || !ok {
			return errors.Join(login.ErrNotLoggedIn, err)
		}
		reply, err := client.Authenticated(ctx)
		if err != nil {
			return fmt.Errorf("authenticated probe: %w", err)
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s %s\n", label("subject:"), reply.UserSub)
		fmt.Fprintf(out, "%s %s\n", label("principal:"), client.Identity().Principal().String())
		fmt.Fprintf(out, "%s %s\n", label("session principal:"), sess.Key().Principal().String())
		return nil
	},
}
