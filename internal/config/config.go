// Package config handles application configuration: environment variables
// for credentials and paths, and a YAML file for automation rules.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Defaults and bounds for tunable settings.
const (
	DefaultPollInterval   = 60 * time.Second
	MinPollInterval       = 30 * time.Second
	MaxPollInterval       = 300 * time.Second
	DefaultLookback       = time.Hour
	MinLookback           = 5 * time.Minute
	MaxLookback           = 7 * 24 * time.Hour
	DefaultRetentionDays  = 30
	MinRetentionDays      = 1
	MaxRetentionDays      = 365
	DefaultMaxItemsPerRun = 500
)

// Config holds the environment-sourced application configuration.
type Config struct {
	GitHubToken    string
	APIBaseURL     string
	DatabasePath   string
	RulesPath      string
	LogLevel       string
	MaxItemsPerRun int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	token := os.Getenv("GITHUB_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("GITHUB_TOKEN is required")
	}

	baseURL := os.Getenv("GITHUB_API_URL")
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "./data/concierge.db"
	}

	rulesPath := os.Getenv("RULES_PATH")
	if rulesPath == "" {
		rulesPath = "./concierge.yaml"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "info"
	}

	maxItems := DefaultMaxItemsPerRun
	if raw := os.Getenv("MAX_ITEMS_PER_CYCLE"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("invalid MAX_ITEMS_PER_CYCLE %q", raw)
		}
		maxItems = n
	}

	return &Config{
		GitHubToken:    token,
		APIBaseURL:     baseURL,
		DatabasePath:   dbPath,
		RulesPath:      rulesPath,
		LogLevel:       logLevel,
		MaxItemsPerRun: maxItems,
	}, nil
}
