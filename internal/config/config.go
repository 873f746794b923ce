// Package config provides configuration loading for the attestation service.
// It handles environment variable parsing and provides default values for all
// settings, with local-development fallbacks for the relying-party identity.
package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// init loads environment variables from .env files during package
// initialization. godotenv.Load does not override already-set variables,
// preserving OS env > .env precedence. In production only system environment
// variables are expected to exist.
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

// Config captures environment-driven settings for the attestation service.
type Config struct {
	Env            string // deployment environment (dev, staging, prod)
	Address        string // HTTP server address
	MetricsAddress string // standalone metrics server address

	StoreBackend string // agent document backend: file, memory, postgres
	StorePath    string // path of the agent document for the file backend
	DatabaseDSN  string // PostgreSQL connection string for the postgres backend

	AdminAPIKey string // static secret for admin routes; empty means unconfigured

	RPID     string // relying-party identifier for authenticator ceremonies
	RPName   string // relying-party display name
	RPOrigin string // expected origin URL for authenticator ceremonies

	ReplayWindow time.Duration // max skew between signed timestamp and now
	ChallengeTTL time.Duration // registration challenge time-to-live

	JWTSigningKey []byte        // optional Ed25519 private key for session tokens
	JWTIssuer     string        // issuer claim for session tokens
	JWTAudience   string        // audience claim for session tokens
	SessionTTL    time.Duration // session token lifetime
}

const (
	defaultAddress        = ":8080"
	defaultMetricsAddress = ":9090"
	defaultStoreBackend   = "file"
	defaultStorePath      = "agents.json"

	// Local-development relying-party fallbacks. Production deployments must
	// set AT_RP_ID / AT_RP_NAME / AT_RP_ORIGIN explicitly.
	defaultRPID     = "localhost"
	defaultRPName   = "attestd (dev)"
	defaultRPOrigin = "http://localhost:8080"

	defaultReplayWindow = 5 * time.Minute
	defaultChallengeTTL = 10 * time.Minute
	defaultSessionTTL   = 10 * time.Minute
	defaultIssuer       = "attestd"
	defaultAudience     = "attestd-local"
)

// Load reads environment variables and produces a Config suitable for wiring
// the service. Only invalid values error; everything has a default so a bare
// environment still boots a dev instance.
func Load() (Config, error) {
	cfg := Config{
		Env:            getEnv("AT_ENV", "dev"),
		Address:        getEnv("AT_HTTP_ADDR", defaultAddress),
		MetricsAddress: getEnv("AT_METRICS_ADDR", defaultMetricsAddress),
		StoreBackend:   strings.ToLower(getEnv("AT_STORE_BACKEND", defaultStoreBackend)),
		StorePath:      getEnv("AT_STORE_PATH", defaultStorePath),
		DatabaseDSN:    os.Getenv("AT_DB_DSN"),
		AdminAPIKey:    os.Getenv("AT_ADMIN_API_KEY"),
		RPID:           getEnv("AT_RP_ID", defaultRPID),
		RPName:         getEnv("AT_RP_NAME", defaultRPName),
		RPOrigin:       getEnv("AT_RP_ORIGIN", defaultRPOrigin),
		JWTIssuer:      getEnv("AT_JWT_ISS", defaultIssuer),
		JWTAudience:    getEnv("AT_JWT_AUD", defaultAudience),
	}

	var err error
	if cfg.ReplayWindow, err = secondsEnv("AT_REPLAY_WINDOW_SECONDS", defaultReplayWindow); err != nil {
		return Config{}, err
	}
	if cfg.ChallengeTTL, err = secondsEnv("AT_CHALLENGE_TTL_SECONDS", defaultChallengeTTL); err != nil {
		return Config{}, err
	}
	if cfg.SessionTTL, err = secondsEnv("AT_SESSION_TTL_SECONDS", defaultSessionTTL); err != nil {
		return Config{}, err
	}

	// The session-token signing key is optional: without it the session
	// endpoint reports itself unconfigured instead of failing startup.
	if raw, exists := os.LookupEnv("AT_JWT_SIGNING_KEY"); exists && raw != "" {
		keyBytes, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid AT_JWT_SIGNING_KEY base64: %w", err)
		}
		cfg.JWTSigningKey = keyBytes
	}

	switch cfg.StoreBackend {
	case "file", "memory":
	case "postgres":
		if cfg.DatabaseDSN == "" {
			return Config{}, fmt.Errorf("AT_DB_DSN is required when AT_STORE_BACKEND=postgres")
		}
	default:
		return Config{}, fmt.Errorf("unknown AT_STORE_BACKEND %q", cfg.StoreBackend)
	}

	return cfg, nil
}

// getEnv retrieves an environment variable, returning a fallback if not set
// or empty.
func getEnv(key, fallback string) string {
	if v, exists := os.LookupEnv(key); exists && v != "" {
		return v
	}
	return fallback
}

// secondsEnv parses an integer-seconds environment variable into a Duration.
func secondsEnv(key string, fallback time.Duration) (time.Duration, error) {
	raw, exists := os.LookupEnv(key)
	if !exists || raw == "" {
		return fallback, nil
	}
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if seconds <= 0 {
		return 0, fmt.Errorf("invalid %s: value must be > 0", key)
	}
	return time.Duration(seconds) * time.Second, nil
}
