package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	HTTP      HTTPConfig
	GRPC      GRPCConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Tokens    TokenConfig
	RateLimit RateLimitConfig
	Jobs      JobsConfig
	Bootstrap BootstrapConfig

	LogLevel   string
	PolicyPath string
	Policy     Policy
}

type HTTPConfig struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// GRPCConfig enables the gRPC listener when Addr is set.
type GRPCConfig struct {
	Addr string
}

// DatabaseConfig selects Postgres storage when DSN is set; otherwise in-memory stores are used.
type DatabaseConfig struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig selects the Redis revocation registry when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type TokenConfig struct {
	Issuer        string
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	HMACSecret    string
	RSAPrivateKey string
	RSAPublicKey  string
	KeyID         string
}

type RateLimitConfig struct {
	LoginRPS   float64
	LoginBurst int
}

type JobsConfig struct {
	// RevocationPurge is a cron spec for deleting expired Postgres revocation rows.
	RevocationPurge string
}

// BootstrapConfig creates a first superuser on startup when all fields are set.
type BootstrapConfig struct {
	TenantName string
	TenantSlug string
	Identifier string
	Secret     string
}

func (b BootstrapConfig) Enabled() bool {
	return b.TenantSlug != "" && b.Identifier != "" && b.Secret != ""
}

// Load reads optional dotenv files, then the environment and the policy file.
func Load(envFiles ...string) (*Config, error) {
	for _, path := range envFiles {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	cfg := &Config{
		HTTP: HTTPConfig{
			Addr:            getEnv("GATEHOUSE_HTTP_ADDR", ":8080"),
			ReadTimeout:     getEnvDuration("GATEHOUSE_HTTP_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("GATEHOUSE_HTTP_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("GATEHOUSE_HTTP_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("GATEHOUSE_SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		GRPC: GRPCConfig{Addr: getEnv("GATEHOUSE_GRPC_ADDR", "")},
		Database: DatabaseConfig{
			DSN:             getEnv("GATEHOUSE_PG_DSN", ""),
			MaxOpenConns:    getEnvInt("GATEHOUSE_PG_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    getEnvInt("GATEHOUSE_PG_MAX_IDLE_CONNS", 10),
			ConnMaxLifetime: getEnvDuration("GATEHOUSE_PG_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Redis: RedisConfig{
			Addr:     getEnv("GATEHOUSE_REDIS_ADDR", ""),
			Password: getEnv("GATEHOUSE_REDIS_PASSWORD", ""),
			DB:       getEnvInt("GATEHOUSE_REDIS_DB", 0),
		},
		Tokens: TokenConfig{
			Issuer:        getEnv("GATEHOUSE_TOKEN_ISSUER", "gatehouse"),
			AccessTTL:     getEnvDuration("GATEHOUSE_ACCESS_TTL", 15*time.Minute),
			RefreshTTL:    getEnvDuration("GATEHOUSE_REFRESH_TTL", 14*24*time.Hour),
			HMACSecret:    getEnv("GATEHOUSE_TOKEN_SECRET", ""),
			RSAPrivateKey: getEnvOrFile("GATEHOUSE_RSA_PRIVATE_KEY"),
			RSAPublicKey:  getEnvOrFile("GATEHOUSE_RSA_PUBLIC_KEY"),
			KeyID:         getEnv("GATEHOUSE_TOKEN_KID", ""),
		},
		RateLimit: RateLimitConfig{
			LoginRPS:   getEnvFloat("GATEHOUSE_LOGIN_RPS", 5),
			LoginBurst: getEnvInt("GATEHOUSE_LOGIN_BURST", 10),
		},
		Jobs: JobsConfig{RevocationPurge: getEnv("GATEHOUSE_PURGE_SCHEDULE", "@every 1h")},
		Bootstrap: BootstrapConfig{
			TenantName: getEnv("GATEHOUSE_BOOTSTRAP_TENANT_NAME", "Platform"),
			TenantSlug: getEnv("GATEHOUSE_BOOTSTRAP_TENANT", ""),
			Identifier: getEnv("GATEHOUSE_BOOTSTRAP_IDENTIFIER", ""),
			Secret:     getEnv("GATEHOUSE_BOOTSTRAP_SECRET", ""),
		},
		LogLevel:   getEnv("GATEHOUSE_LOG_LEVEL", "info"),
		PolicyPath: getEnv("GATEHOUSE_POLICY_FILE", ""),
	}

	if cfg.PolicyPath != "" {
		policy, err := LoadPolicy(cfg.PolicyPath)
		if err != nil {
			return nil, err
		}
		cfg.Policy = policy
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for missing or contradictory values.
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("http address is required")
	}
	if c.GRPC.Addr != "" && c.GRPC.Addr == c.HTTP.Addr {
		return errors.New("http and grpc addresses must differ")
	}
	hasRSA := c.Tokens.RSAPrivateKey != "" || c.Tokens.RSAPublicKey != ""
	switch {
	case hasRSA && (c.Tokens.RSAPrivateKey == "" || c.Tokens.RSAPublicKey == ""):
		return errors.New("both RSA private and public keys are required")
	case !hasRSA && len(c.Tokens.HMACSecret) < 32:
		return errors.New("GATEHOUSE_TOKEN_SECRET must be at least 32 bytes when RSA keys are not set")
	}
	if c.Tokens.AccessTTL <= 0 || c.Tokens.RefreshTTL <= c.Tokens.AccessTTL {
		return fmt.Errorf("refresh ttl (%s) must exceed access ttl (%s)", c.Tokens.RefreshTTL, c.Tokens.AccessTTL)
	}
	if c.RateLimit.LoginRPS <= 0 || c.RateLimit.LoginBurst <= 0 {
		return errors.New("login rate limit must be positive")
	}
	return c.Policy.Validate()
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrFile reads KEY, or the file named by KEY_FILE.
func getEnvOrFile(key string) string {
	if value := getEnv(key, ""); value != "" {
		return value
	}
	if path := getEnv(key+"_FILE", ""); path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			return strings.TrimSpace(string(data))
		}
	}
	return ""
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
