package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/model"
)

var (
	apiURL   string
	apiToken string
)

func init() {
	apiCmd.Flags().StringVar(&apiURL, "url", "", "API server base URL (default $BRIDGE_API_URL or http://127.0.0.1:3000)")
	apiCmd.Flags().StringVar(&apiToken, "token", "", "ID token to present instead of the one saved at login")
	rootCmd.AddCommand(apiCmd)
}

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Call the API server's /authenticated endpoint",
	Long: `Present the ID token saved by the last login to GET /authenticated and
print the session principal and subject the server derives from it.

Examples:
  bridgectl api
  bridgectl api --url https://bridge.example.com`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd.Context())
		defer cancel()

		token := apiToken
		if token == "" {
			sess, err := openSession(ctx)
			if err != nil {
				return err
			}
			token, err = sess.IDToken(ctx)
			sess.Close()
			if err != nil {
				return err
			}
			if token == "" {
				return fmt.Errorf("no ID token saved; run bridgectl login first")
			}
		}

		base := apiURL
		if base == "" {
			base = os.Getenv("BRIDGE_API_URL")
		}
		if base == "" {
			base = "http://127.0.0.1:3000"
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/authenticated", nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)

		resp, err := (&http.Client{Timeout: cfg.RequestTimeout}).Do(req)
		if err != nil {
			return fmt.Errorf("call API: %w", err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

		switch resp.StatusCode {
		case http.StatusOK:
		case http.StatusUnauthorized:
			return fmt.Errorf("API rejected the token (401); run bridgectl login again")
		default:
			return fmt.Errorf("API returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
		}

		var dto model.AuthenticatedResponseDTO
		if err := json.Unmarshal(body, &dto); err != nil {
			return fmt.Errorf("decode API response: %w", err)
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s %s\n", label("session principal:"), dto.SessionPrincipal)
		fmt.Fprintf(out, "%s %s\n", label("subject:"), dto.UserSub)
		return nil
	},
}
