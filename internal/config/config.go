// Package config loads the factory's runtime configuration from
// environment variables, following spec.md §6's fixed variable list.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds every environment-derived setting the factory needs to boot.
type Config struct {
	Hostname string
	Port     int
	DataDir  string
	Database string

	GHToken          string
	NFTMinterKey     string
	HTTPRPC          string
	WSRPC            string
	Deposit          string
	OpenX            string
	NFT              string
	HyperstackAPIKey string

	LogLevel  string
	LogFormat string
	LogOutput string
}

// Load reads Config from the environment, optionally seeded by a local
// .env file (missing file is not an error).
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: could not load .env: %v\n", err)
	}

	port, err := strconv.Atoi(getEnv("PORT", "54428"))
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}

	cfg := &Config{
		Hostname: getEnv("HOSTNAME", "localhost"),
		Port:     port,
		DataDir:  getEnv("DATADIR", "/var/lib/miniapp-factory"),
		Database: os.Getenv("DATABASE"),

		GHToken:          os.Getenv("GH_TOKEN"),
		NFTMinterKey:     os.Getenv("NFTMINTERKEY"),
		HTTPRPC:          os.Getenv("HTTPRPC"),
		WSRPC:            os.Getenv("WSRPC"),
		Deposit:          os.Getenv("DEPOSIT"),
		OpenX:            os.Getenv("OPENX"),
		NFT:              os.Getenv("NFT"),
		HyperstackAPIKey: os.Getenv("HYPERSTACKAPIKEY"),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
		LogOutput: getEnv("LOG_OUTPUT", "stdout"),
	}

	if cfg.Database == "" {
		return nil, fmt.Errorf("DATABASE is required")
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
