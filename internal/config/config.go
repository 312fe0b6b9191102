package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Draft record backends.
const (
	BackendBolt  = "bolt"
	BackendMySQL = "mysql"
)

// Config holds all environment-based configuration for buildr. The
// server and the CLI client read the same file; each validates the part
// it needs.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL"`

	// Server settings
	ListenAddr string        `env:"LISTEN_ADDR" envDefault:":8080"`
	JWTSecret  string        `env:"JWT_SECRET"`
	JWTIssuer  string        `env:"JWT_ISSUER" envDefault:"buildr"`
	TokenTTL   time.Duration `env:"TOKEN_TTL" envDefault:"24h"`
	// AuthUsers is "name:bcrypthash,name:bcrypthash". Generate hashes
	// with `buildr hash-password`.
	AuthUsers string `env:"AUTH_USERS"`
	EnableMCP bool   `env:"ENABLE_MCP" envDefault:"true"`

	// Draft record storage
	DraftBackend string `env:"DRAFT_BACKEND" envDefault:"bolt"`
	BoltPath     string `env:"BOLT_PATH"`
	MySQLDSN     string `env:"MYSQL_DSN"`

	// Redis fans the change feed out across instances. Empty keeps the
	// feed in-process.
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// Client settings
	ServerURL    string        `env:"BUILDR_SERVER_URL" envDefault:"http://localhost:8080"`
	Username     string        `env:"BUILDR_USERNAME"`
	Password     string        `env:"BUILDR_PASSWORD"`
	DraftDir     string        `env:"BUILDR_DRAFT_DIR"`
	StorageQuota int64         `env:"STORAGE_QUOTA_BYTES" envDefault:"5242880"`
	Debounce     time.Duration `env:"SYNC_DEBOUNCE" envDefault:"500ms"`
	SyncTimeout  time.Duration `env:"SYNC_TIMEOUT" envDefault:"30s"`
	ReconnectMin time.Duration `env:"RECONNECT_MIN" envDefault:"1s"`
	ReconnectMax time.Duration `env:"RECONNECT_MAX" envDefault:"60s"`

	// Image uploads (Aliyun OSS). Uploads are disabled when OSSBucket is empty.
	OSSEndpoint        string `env:"OSS_ENDPOINT"`
	OSSAccessKeyID     string `env:"OSS_ACCESS_KEY_ID"`
	OSSAccessKeySecret string `env:"OSS_ACCESS_KEY_SECRET"`
	OSSBucket          string `env:"OSS_BUCKET"`
	OSSPublicBaseURL   string `env:"OSS_PUBLIC_BASE_URL"`
	OSSPrefix          string `env:"OSS_PREFIX" envDefault:"drafts/"`
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

	if cfg.DraftDir == "" {
		dir, err := DefaultDraftDir()
		if err != nil {
			return nil, err
		}

		cfg.DraftDir = dir
	}

	absDir, err := filepath.Abs(cfg.DraftDir)
	if err != nil {
		return nil, fmt.Errorf("resolving draft dir to absolute path: %w", err)
	}

	cfg.DraftDir = absDir

	return cfg, nil
}

func (c *Config) validate() error {
	if c.StorageQuota < 0 {
		return fmt.Errorf("STORAGE_QUOTA_BYTES must not be negative")
	}

	if c.Debounce <= 0 {
		return fmt.Errorf("SYNC_DEBOUNCE must be positive")
	}

	if c.SyncTimeout <= 0 {
		return fmt.Errorf("SYNC_TIMEOUT must be positive")
	}

	if c.ReconnectMin <= 0 || c.ReconnectMax < c.ReconnectMin {
		return fmt.Errorf("RECONNECT_MIN must be positive and not exceed RECONNECT_MAX")
	}

	return nil
}

// ValidateServer checks the settings `buildr serve` needs.
func (c *Config) ValidateServer() error {
	if len(c.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET is required and must be at least 32 characters")
	}

	if c.AuthUsers == "" {
		return fmt.Errorf("AUTH_USERS is required")
	}

	switch c.DraftBackend {
	case BackendBolt:
	case BackendMySQL:
		if c.MySQLDSN == "" {
			return fmt.Errorf("MYSQL_DSN is required when DRAFT_BACKEND=mysql")
		}
	default:
		return fmt.Errorf("DRAFT_BACKEND must be %q or %q, got %q", BackendBolt, BackendMySQL, c.DraftBackend)
	}

	return nil
}

// ValidateClient checks the settings the draft commands need to sync.
func (c *Config) ValidateClient() error {
	if c.ServerURL == "" {
		return fmt.Errorf("BUILDR_SERVER_URL is required")
	}

	if c.Username == "" || c.Password == "" {
		return fmt.Errorf("BUILDR_USERNAME and BUILDR_PASSWORD are required to sync")
	}

	return nil
}

// UploadsEnabled reports whether OSS uploads are configured.
func (c *Config) UploadsEnabled() bool {
	return c.OSSBucket != ""
}

// ValidateUploads checks the OSS settings.
func (c *Config) ValidateUploads() error {
	if !c.UploadsEnabled() {
		return fmt.Errorf("OSS_BUCKET is required to attach images")
	}

	if c.OSSEndpoint == "" || c.OSSAccessKeyID == "" || c.OSSAccessKeySecret == "" {
		return fmt.Errorf("OSS_ENDPOINT, OSS_ACCESS_KEY_ID and OSS_ACCESS_KEY_SECRET are required when OSS_BUCKET is set")
	}

	return nil
}

// DefaultDraftDir returns ~/.buildr/client.
func DefaultDraftDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".buildr", "client"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
