// Package cmd implements the bridgectl CLI commands.
package cmd

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/RegistryAccord/registryaccord-ledger-bridge/internal/config"
)

var (
	// Version is set at build time
	Version = "0.1.0"

	// Global flags
	verbose        bool
	sessionPath    string
	sessionBackend string
	keyMode        string

	cfg    config.Config
	logger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "bridgectl",
	Short: "Ledger delegation login client",
	Long: `bridgectl binds a local session key to an OIDC ID token and exchanges
that token for a delegation from the ledger issuer.

Configuration is read from BRIDGE_* environment variables and .env files.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "completion" || cmd.Name() == "help" {
			return nil
		}
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		if sessionPath != "" {
			loaded.SessionPath = sessionPath
		}
		if sessionBackend != "" {
			loaded.SessionBackend = sessionBackend
		}
		if keyMode != "" {
			loaded.KeyMode = keyMode
		}
		cfg = loaded

		level := slog.LevelWarn
		if verbose {
			level = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log progress to stderr")
	rootCmd.PersistentFlags().StringVar(&sessionPath, "session-path", "", "Directory holding session state (overrides BRIDGE_SESSION_PATH)")
	rootCmd.PersistentFlags().StringVar(&sessionBackend, "session-backend", "", "Session storage: memory, file or sqlite (overrides BRIDGE_SESSION_BACKEND)")
	rootCmd.PersistentFlags().StringVar(&keyMode, "key-mode", "", "per-installation or per-session (overrides BRIDGE_KEY_MODE)")
}

// Execute runs the root command and prints any error in red.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		printError(rootCmd.ErrOrStderr(), err)
	}
	return err
}

func printError(w io.Writer, err error) {
	fmt.Fprintf(w, "%s %v\n", color.New(color.FgRed, color.Bold).Sprint("error:"), err)
}

func success(w io.Writer, format string, args ...any) {
	fmt.Fprintln(w, color.New(color.FgGreen, color.Bold).Sprintf(format, args...))
}

func label(s string) string {
	return color.New(color.FgCyan).Sprint(s)
}
