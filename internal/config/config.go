// Package config loads the engine configuration from the environment
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/macrea/crmbatch/internal/db/models"
)

// GetEnv retrieves an environment variable with a fallback value if not set
func GetEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

// GetEnvInt retrieves an integer environment variable with a fallback value.
// Unparsable values fall back as well.
func GetEnvInt(key string, fallback int) int {
	value, exists := os.LookupEnv(key)
	if !exists {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

// Config holds the full service configuration
type Config struct {
	// Port is the HTTP listen port
	Port string

	// Database connection settings
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string

	// CRMBaseURL and CRMAPIKey configure the downstream CRM record API
	CRMBaseURL string
	CRMAPIKey  string

	// EngineDefaults is the operation config merged under every job
	EngineDefaults models.OperationConfig
	// MaxJobItems is the hard ceiling on a single job's item count
	MaxJobItems int
}

// New reads the configuration from the environment
func New() (*Config, error) {
	cfg := &Config{
		Port:       GetEnv("PORT", "8080"),
		DBHost:     GetEnv("DB_HOST", "localhost"),
		DBPort:     GetEnvInt("DB_PORT", 5432),
		DBUser:     GetEnv("DB_USER", "postgres"),
		DBPassword: GetEnv("DB_PASSWORD", "postgres"),
		DBName:     GetEnv("DB_NAME", "crmbatch"),
		CRMBaseURL: os.Getenv("CRM_BASE_URL"),
		CRMAPIKey:  os.Getenv("CRM_API_KEY"),
		EngineDefaults: models.OperationConfig{
			ChunkSize:     GetEnvInt("JOB_CHUNK_SIZE", models.DefaultChunkSize),
			DelayMs:       GetEnvInt("JOB_DELAY_MS", models.DefaultDelayMs),
			MaxErrors:     GetEnvInt("JOB_MAX_ERRORS", models.DefaultMaxErrors),
			ItemTimeoutMs: GetEnvInt("JOB_ITEM_TIMEOUT_MS", models.DefaultItemTimeoutMs),
		},
		MaxJobItems: GetEnvInt("JOB_MAX_ITEMS", 10000),
	}

	if cfg.CRMBaseURL == "" {
		return nil, fmt.Errorf("CRM_BASE_URL environment variable is not set")
	}
	if cfg.CRMAPIKey == "" {
		return nil, fmt.Errorf("CRM_API_KEY environment variable is not set")
	}

	return cfg, nil
}
