package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Permission store backends
const (
	PermissionStorePostgres = "postgres"
	PermissionStoreMemory   = "memory"
)

// Config holds process-level configuration for the bridge server
type Config struct {
	// Server
	Port int

	// Permission store
	PermissionStore string // postgres or memory
	PostgresDSN     string

	// Key custody for the signing service
	KMSProvider        string // local, aws-kms or vault
	KMSLocalMasterKey  string
	KMSAWSKeyID        string
	KMSAWSRegion       string
	KMSVaultAddress    string
	KMSVaultToken      string
	KMSVaultTransitKey string

	// Optional hex private key imported into the key source at startup
	SigningKeyHex string

	// Admin surface (bcrypt hash of the bearer token)
	AdminTokenHash string

	// Approval prompts
	ApprovalTimeout time.Duration

	// Bridge
	BridgeRateLimitRPS   float64
	BridgeRateLimitBurst int
	BroadcastQueueSize   int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		Port:                 getEnvInt("PORT", 8080),
		PermissionStore:      strings.ToLower(getEnv("PERMISSION_STORE", PermissionStorePostgres)),
		PostgresDSN:          getEnv("POSTGRES_DSN", ""),
		KMSProvider:          getEnv("KMS_PROVIDER", "local"),
		KMSLocalMasterKey:    getEnv("KMS_LOCAL_MASTER_KEY", ""),
		KMSAWSKeyID:          getEnv("KMS_AWS_KEY_ID", ""),
		KMSAWSRegion:         getEnv("KMS_AWS_REGION", ""),
		KMSVaultAddress:      getEnv("KMS_VAULT_ADDRESS", ""),
		KMSVaultToken:        getEnv("KMS_VAULT_TOKEN", ""),
		KMSVaultTransitKey:   getEnv("KMS_VAULT_TRANSIT_KEY", ""),
		SigningKeyHex:        getEnv("SIGNING_KEY_HEX", ""),
		AdminTokenHash:       getEnv("ADMIN_TOKEN_HASH", ""),
		ApprovalTimeout:      getEnvDuration("APPROVAL_TIMEOUT", 2*time.Minute),
		BridgeRateLimitRPS:   getEnvFloat("BRIDGE_RATE_LIMIT_RPS", 5),
		BridgeRateLimitBurst: getEnvInt("BRIDGE_RATE_LIMIT_BURST", 20),
		BroadcastQueueSize:   getEnvInt("BROADCAST_QUEUE_SIZE", 16),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be between 1 and 65535, got: %d", c.Port)
	}

	switch c.PermissionStore {
	case PermissionStorePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POSTGRES_DSN is required when PERMISSION_STORE is 'postgres'")
		}
	case PermissionStoreMemory:
	default:
		return fmt.Errorf("PERMISSION_STORE must be 'postgres' or 'memory', got: %s", c.PermissionStore)
	}

	switch c.KMSProvider {
	case "local", "":
		if c.KMSLocalMasterKey == "" {
			return fmt.Errorf("KMS_LOCAL_MASTER_KEY is required when KMS_PROVIDER is 'local'")
		}
	case "aws-kms":
		if c.KMSAWSKeyID == "" || c.KMSAWSRegion == "" {
			return fmt.Errorf("KMS_AWS_KEY_ID and KMS_AWS_REGION are required when KMS_PROVIDER is 'aws-kms'")
		}
	case "vault":
		if c.KMSVaultAddress == "" || c.KMSVaultToken == "" || c.KMSVaultTransitKey == "" {
			return fmt.Errorf("KMS_VAULT_ADDRESS, KMS_VAULT_TOKEN and KMS_VAULT_TRANSIT_KEY are required when KMS_PROVIDER is 'vault'")
		}
	default:
		return fmt.Errorf("KMS_PROVIDER must be 'local', 'aws-kms' or 'vault', got: %s", c.KMSProvider)
	}

	if c.AdminTokenHash == "" {
		return fmt.Errorf("ADMIN_TOKEN_HASH is required")
	}

	if c.ApprovalTimeout <= 0 {
		return fmt.Errorf("APPROVAL_TIMEOUT must be positive")
	}

	if c.BridgeRateLimitRPS <= 0 || c.BridgeRateLimitBurst <= 0 {
		return fmt.Errorf("BRIDGE_RATE_LIMIT_RPS and BRIDGE_RATE_LIMIT_BURST must be positive")
	}

	if c.BroadcastQueueSize <= 0 {
		return fmt.Errorf("BROADCAST_QUEUE_SIZE must be positive, got: %d", c.BroadcastQueueSize)
	}

	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvFloat gets a float environment variable with a default value
func getEnvFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvDuration gets a duration environment variable (e.g. "90s") with a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
