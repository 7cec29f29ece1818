// Package config loads runner settings from the environment and resolves
// the DUT simulator configuration document.
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Settings holds the runner-side configuration, sourced from environment
// variables with conservative defaults.
type Settings struct {
	Host     string
	DutPort  int
	RunsDir  string
	LogLevel string
	RetryMax int
	TimeoutS float64
	SNCount  int
}

// LoadSettings reads a .env file if present (never overriding real
// environment variables) and resolves the MTAP_* settings.
func LoadSettings() Settings {
	_ = godotenv.Load()

	return Settings{
		Host:     envString("MTAP_HOST", "127.0.0.1"),
		DutPort:  envInt("MTAP_DUT_PORT", 9000),
		RunsDir:  envString("MTAP_RUNS_DIR", "runs"),
		LogLevel: envString("MTAP_LOG_LEVEL", "INFO"),
		RetryMax: envInt("MTAP_RETRY_MAX", 2),
		TimeoutS: envFloat("MTAP_TIMEOUT_S", 2.0),
		SNCount:  envInt("MTAP_SN_COUNT", 3),
	}
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
