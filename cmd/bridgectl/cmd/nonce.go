package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/nonce"
)

func init() {
	rootCmd.AddCommand(nonceCmd)
}

var nonceCmd = &cobra.Command{
	Use:   "nonce",
	Short: "Print the session key nonce and principal",
	Long: `Print the nonce an ID token must carry to be bound to this installation's
session key, and the principal that nonce decodes to.

Examples:
  bridgectl nonce`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		sess, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer sess.Close()

		key := sess.Key()
		if key == nil {
			return fmt.Errorf("no session key")
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s %s\n", label("nonce:"), nonce.Encode(key.PublicKeyDER()))
		fmt.Fprintf(out, "%s %s\n", label("session principal:"), key.Principal().String())
		fmt.Fprintf(out, "%s %s\n", label("key id:"), key.KeyID())
		return nil
	},
}
