// Package config provides configuration loading for the bridge binaries.
// Values come from the environment, with .env and .env.local files loaded
// first in development.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// init loads .env and .env.local when present. godotenv.Load never
// overrides variables that are already set, so the OS environment wins.
func init() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env file: %v\n", err)
		}
	}
	if _, err := os.Stat(".env.local"); err == nil {
		if err := godotenv.Load(".env.local"); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to load .env.local file: %v\n", err)
		}
	}
}

// Config captures environment-driven settings shared by bridged, issuerd
// and bridgectl. Each binary checks the subset it needs.
type Config struct {
	Env            string // Deployment environment (dev, staging, prod)
	Address        string // HTTP listen address
	MetricsAddress string // Separate metrics listener; empty serves /metrics on Address

	Audience      string // Expected aud claim of ID tokens
	IssuerBaseURL string // OIDC issuer, always with a trailing slash
	SigningAlg    string // Token signing algorithm; only RS256 is accepted
	JWKSURL       string // Optional override of the discovered JWKS endpoint
	TokenLeeway   time.Duration

	LedgerNetwork    string // local or ic
	LedgerHost       string // Resolved from LedgerNetwork
	IssuerCanisterID string // Principal text of the delegation issuer
	RequestTimeout   time.Duration

	KeyMode        string   // per-installation or per-session
	SessionBackend string   // memory, file or sqlite
	SessionPath    string   // Directory holding session state
	OIDCClientID   string   // Client id for the loopback login flow
	OIDCScopes     []string // Requested scopes; openid is always included

	RateLimitRPS   float64 // Per-client request rate on /authenticated; 0 disables
	RateLimitBurst int
	CORSOrigins    []string

	IssuerDBDSN        string        // PostgreSQL DSN; empty keeps the registry in memory
	IssuerSalt         []byte        // Fixed seed salt; empty generates one on first start
	IssuerMaxTokenAge  time.Duration // Oldest iat the issuer accepts
	IssuerSignatureTTL time.Duration // Lifetime of prepared signatures
}

const (
	defaultAddress          = ":3000"
	defaultSigningAlg       = "RS256"
	defaultLedgerNetwork    = "local"
	defaultLocalLedgerHost  = "http://127.0.0.1:4943"
	mainnetLedgerHost       = "https://icp-api.io"
	defaultKeyMode          = "per-installation"
	defaultSessionBackend   = "file"
	defaultRequestTimeout   = 30 * time.Second
	defaultTokenLeeway      = 30 * time.Second
	defaultRateLimitRPS     = 10
	defaultRateLimitBurst   = 20
	defaultMaxTokenAge      = 10 * time.Minute
	defaultSignatureTTL     = time.Minute
	defaultSessionDirectory = "ledger-bridge"
)

// Load reads the environment and returns a Config with defaults applied.
// It fails on malformed values only; use RequireServer, RequireIssuer or
// RequireClient for per-binary requirements.
func Load() (Config, error) {
	cfg := Config{
		Env:            getEnv("BRIDGE_ENV", "dev"),
		Address:        getEnv("BRIDGE_HTTP_ADDR", defaultAddress),
		MetricsAddress: os.Getenv("BRIDGE_METRICS_ADDR"),
		Audience:       os.Getenv("BRIDGE_AUDIENCE"),
		JWKSURL:        os.Getenv("BRIDGE_JWKS_URL"),
		SigningAlg:     getEnv("BRIDGE_TOKEN_SIGNING_ALG", defaultSigningAlg),
		LedgerNetwork:  strings.ToLower(getEnv("BRIDGE_LEDGER_NETWORK", defaultLedgerNetwork)),
		KeyMode:        strings.ToLower(getEnv("BRIDGE_KEY_MODE", defaultKeyMode)),
		SessionBackend: strings.ToLower(getEnv("BRIDGE_SESSION_BACKEND", defaultSessionBackend)),
		SessionPath:    os.Getenv("BRIDGE_SESSION_PATH"),
		OIDCClientID:   os.Getenv("BRIDGE_OIDC_CLIENT_ID"),
		OIDCScopes:     splitList(getEnv("BRIDGE_OIDC_SCOPES", "openid")),
		CORSOrigins:    splitList(os.Getenv("BRIDGE_CORS_ORIGINS")),
		IssuerDBDSN:    os.Getenv("ISSUER_DB_DSN"),

		IssuerCanisterID: os.Getenv("BRIDGE_ISSUER_CANISTER_ID"),
	}

	if v := os.Getenv("BRIDGE_ISSUER_BASE_URL"); v != "" {
		cfg.IssuerBaseURL = strings.TrimRight(v, "/") + "/"
	}

	// Only RS256 ID tokens are accepted.
	if cfg.SigningAlg != defaultSigningAlg {
		return Config{}, fmt.Errorf("invalid BRIDGE_TOKEN_SIGNING_ALG %q: only RS256 is supported", cfg.SigningAlg)
	}

	switch cfg.LedgerNetwork {
	case "local":
		cfg.LedgerHost = strings.TrimRight(getEnv("BRIDGE_LEDGER_LOCAL_HOST", defaultLocalLedgerHost), "/")
	case "ic":
		cfg.LedgerHost = mainnetLedgerHost
	default:
		return Config{}, fmt.Errorf("invalid BRIDGE_LEDGER_NETWORK %q: want local or ic", cfg.LedgerNetwork)
	}

	switch cfg.SessionBackend {
	case "memory", "file", "sqlite":
	default:
		return Config{}, fmt.Errorf("invalid BRIDGE_SESSION_BACKEND %q: want memory, file or sqlite", cfg.SessionBackend)
	}
	if cfg.SessionPath == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			dir = os.TempDir()
		}
		cfg.SessionPath = filepath.Join(dir, defaultSessionDirectory)
	}

	var err error
	if cfg.RequestTimeout, err = secondsEnv("BRIDGE_REQUEST_TIMEOUT_SECONDS", defaultRequestTimeout); err != nil {
		return Config{}, err
	}
	if cfg.TokenLeeway, err = secondsEnv("BRIDGE_TOKEN_LEEWAY_SECONDS", defaultTokenLeeway); err != nil {
		return Config{}, err
	}
	if cfg.IssuerMaxTokenAge, err = secondsEnv("ISSUER_MAX_TOKEN_AGE_SECONDS", defaultMaxTokenAge); err != nil {
		return Config{}, err
	}
	if cfg.IssuerSignatureTTL, err = secondsEnv("ISSUER_SIGNATURE_TTL_SECONDS", defaultSignatureTTL); err != nil {
		return Config{}, err
	}

	cfg.RateLimitRPS = defaultRateLimitRPS
	if v, ok := os.LookupEnv("BRIDGE_RATE_LIMIT_RPS"); ok {
		rps, err := strconv.ParseFloat(v, 64)
		if err != nil || rps < 0 {
			return Config{}, fmt.Errorf("invalid BRIDGE_RATE_LIMIT_RPS %q", v)
		}
		cfg.RateLimitRPS = rps
	}
	cfg.RateLimitBurst = defaultRateLimitBurst
	if v, ok := os.LookupEnv("BRIDGE_RATE_LIMIT_BURST"); ok {
		burst, err := strconv.Atoi(v)
		if err != nil || burst <= 0 {
			return Config{}, fmt.Errorf("invalid BRIDGE_RATE_LIMIT_BURST %q", v)
		}
		cfg.RateLimitBurst = burst
	}

	if v := os.Getenv("ISSUER_SALT_HEX"); v != "" {
		salt, err := hex.DecodeString(v)
		if err != nil || len(salt) == 0 {
			return Config{}, fmt.Errorf("invalid ISSUER_SALT_HEX: must be non-empty hex")
		}
		cfg.IssuerSalt = salt
	}

	return cfg, nil
}

// RequireServer checks the settings the API server cannot run without.
func (c Config) RequireServer() error {
	var errs []error
	if c.Audience == "" {
		errs = append(errs, errors.New("BRIDGE_AUDIENCE is required"))
	}
	if c.IssuerBaseURL == "" {
		errs = append(errs, errors.New("BRIDGE_ISSUER_BASE_URL is required"))
	}
	return errors.Join(errs...)
}

// RequireIssuer checks the settings of the reference issuer.
func (c Config) RequireIssuer() error {
	errs := []error{c.RequireServer()}
	if c.IssuerCanisterID == "" {
		errs = append(errs, errors.New("BRIDGE_ISSUER_CANISTER_ID is required"))
	}
	return errors.Join(errs...)
}

// RequireClient checks the settings bridgectl needs to log in.
func (c Config) RequireClient() error {
	var errs []error
	if c.IssuerBaseURL == "" {
		errs = append(errs, errors.New("BRIDGE_ISSUER_BASE_URL is required"))
	}
	if c.OIDCClientID == "" {
		errs = append(errs, errors.New("BRIDGE_OIDC_CLIENT_ID is required"))
	}
	if c.IssuerCanisterID == "" {
		errs = append(errs, errors.New("BRIDGE_ISSUER_CANISTER_ID is required"))
	}
	return errors.Join(errs...)
}

// IsDev reports whether the service runs in the dev environment.
func (c Config) IsDev() bool { return c.Env == "dev" }

// getEnv retrieves an environment variable value, returning a fallback if not set or empty
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

func secondsEnv(key string, fallback time.Duration) (time.Duration, error) {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return fallback, nil
	}
	d, err := parseSeconds(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.FieldsFunc(v, func(r rune) bool { return r == ',' || r == ' ' }) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseSeconds converts a string representation of seconds to a time.Duration
// Returns an error if the value is not a valid positive integer
func parseSeconds(raw string) (time.Duration, error) {
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, err
	}
	if seconds <= 0 {
		return 0, errors.New("value must be > 0")
	}
	return time.Duration(seconds) * time.Second, nil
}
