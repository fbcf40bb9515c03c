// Package config provides environment-based configuration for the topology
// API server and console.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/narvanalabs/topology-console/internal/statussync"
)

// Store drivers.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config holds all configuration for the topology services.
type Config struct {
	// Store configuration
	DatabaseDSN string
	StoreDriver string
	// SeedFile is a YAML topology loaded into the store at startup.
	SeedFile string

	// API server configuration
	APIHost string
	APIPort int

	// Console configuration
	WebPort  int
	APIURL   string
	APIToken string

	// Status sync configuration
	PollInterval         time.Duration
	FetchTimeout         time.Duration
	TopologyTTL          time.Duration
	ClassificationPolicy string

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration

	// Logging
	LogLevel string
	LogJSON  bool
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	cfg := LoadWithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadWithDefaults loads configuration with defaults for development.
// It does not validate, useful for testing.
func LoadWithDefaults() *Config {
	return &Config{
		DatabaseDSN:          getEnv("DATABASE_URL", "postgres://localhost:5432/topology?sslmode=disable"),
		StoreDriver:          strings.ToLower(getEnv("STORE_DRIVER", StoreDriverPostgres)),
		SeedFile:             getEnv("TOPOLOGY_SEED_FILE", ""),
		APIHost:              getEnv("API_HOST", "0.0.0.0"),
		APIPort:              getIntEnv("API_PORT", 8080),
		WebPort:              getIntEnv("WEB_PORT", 8090),
		APIURL:               getEnv("API_URL", "http://localhost:8080"),
		APIToken:             getEnv("API_TOKEN", ""),
		PollInterval:         getDurationEnv("POLL_INTERVAL", statussync.DefaultInterval),
		FetchTimeout:         getDurationEnv("FETCH_TIMEOUT", 5*time.Second),
		TopologyTTL:          getDurationEnv("TOPOLOGY_TTL", 30*time.Second),
		ClassificationPolicy: getEnv("CLASSIFICATION_POLICY", "last_match"),
		ShutdownTimeout:      getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		LogJSON:              getBoolEnv("LOG_JSON", true),
	}
}

// Validate checks that configuration values are usable.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DatabaseDSN == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreDriverPostgres, StoreDriverMemory, c.StoreDriver)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if c.FetchTimeout < 0 {
		return fmt.Errorf("FETCH_TIMEOUT must not be negative")
	}
	if _, err := c.ConflictPolicy(); err != nil {
		return fmt.Errorf("CLASSIFICATION_POLICY: %w", err)
	}
	if c.APIURL == "" {
		return fmt.Errorf("API_URL is required")
	}
	return nil
}

// ConflictPolicy parses ClassificationPolicy.
func (c *Config) ConflictPolicy() (statussync.ConflictPolicy, error) {
	return statussync.ParseConflictPolicy(c.ClassificationPolicy)
}

// APIAddr returns the listen address of the API server.
func (c *Config) APIAddr() string {
	return fmt.Sprintf("%s:%d", c.APIHost, c.APIPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
