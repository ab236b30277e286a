// Package config loads environment-based configuration for the Xray
// GraphQL client layer.
package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all environment-based configuration for xrayql.
type Config struct {
	// Xray Cloud API credentials (always required).
	ClientID     string `env:"XRAY_CLIENT_ID"`
	ClientSecret string `env:"XRAY_CLIENT_SECRET"`

	// Base URL of the Xray Cloud instance, without a trailing slash.
	BaseURL string `env:"XRAY_BASE_URL" envDefault:"https://xray.cloud.getxray.app"`

	// HTTP timeouts. ConnectTimeout bounds dialing; RequestTimeout bounds
	// the whole call including body read.
	ConnectTimeout time.Duration `env:"XRAY_CONNECT_TIMEOUT" envDefault:"10s"`
	RequestTimeout time.Duration `env:"XRAY_REQUEST_TIMEOUT" envDefault:"30s"`

	// Connection pool bounds shared by all gateway calls.
	MaxIdleConns    int `env:"XRAY_MAX_IDLE_CONNS" envDefault:"20"`
	MaxConnsPerHost int `env:"XRAY_MAX_CONNS_PER_HOST" envDefault:"10"`

	// Response size ceilings in bytes. Oversized responses fail once the
	// ceiling is crossed, never after buffering the full body.
	MaxJSONBytes     int64 `env:"XRAY_MAX_JSON_BYTES" envDefault:"5242880"`
	MaxTextBytes     int64 `env:"XRAY_MAX_TEXT_BYTES" envDefault:"1048576"`
	MaxResponseBytes int64 `env:"XRAY_MAX_RESPONSE_BYTES" envDefault:"10485760"`

	// Maximum selection-set nesting depth accepted by the validator.
	MaxQueryDepth int `env:"XRAY_MAX_QUERY_DEPTH" envDefault:"10"`

	// Capacity of the identifier resolution cache.
	ResolverCacheSize int `env:"XRAY_RESOLVER_CACHE_SIZE" envDefault:"4096"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	return cfg, nil
}

func (c *Config) validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("XRAY_CLIENT_ID is required")
	}

	if c.ClientSecret == "" {
		return fmt.Errorf("XRAY_CLIENT_SECRET is required")
	}

	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("XRAY_BASE_URL is not a valid URL: %w", err)
	}

	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("XRAY_BASE_URL must be an absolute URL with a host")
	}

	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("XRAY_BASE_URL scheme must be http or https, got %q", u.Scheme)
	}

	if c.ConnectTimeout <= 0 || c.RequestTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}

	if c.MaxJSONBytes <= 0 || c.MaxTextBytes <= 0 || c.MaxResponseBytes <= 0 {
		return fmt.Errorf("response size ceilings must be positive")
	}

	if c.MaxQueryDepth < 1 {
		return fmt.Errorf("XRAY_MAX_QUERY_DEPTH must be at least 1")
	}

	if c.ResolverCacheSize < 1 {
		return fmt.Errorf("XRAY_RESOLVER_CACHE_SIZE must be at least 1")
	}

	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
