// Package config loads the mcp-edge server configuration from the
// environment, optionally seeded from dotenv files.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// Storage backends.
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
	StorageS3     = "s3"
)

// Protocol engines.
const (
	EngineNative = "native"
	EngineSDK    = "sdk"
)

// Config is the full server configuration. Every field maps to an
// MCP_EDGE_* environment variable.
type Config struct {
	Addr      string        `env:"MCP_EDGE_ADDR,default=:8080"`
	BaseURL   string        `env:"MCP_EDGE_BASE_URL"`
	LogFormat string        `env:"MCP_EDGE_LOG_FORMAT,default=text"`
	LogLevel  string        `env:"MCP_EDGE_LOG_LEVEL,default=info"`
	Engine    string        `env:"MCP_EDGE_ENGINE,default=native"`
	KeepAlive time.Duration `env:"MCP_EDGE_KEEPALIVE,default=15s"`
	Metrics   bool          `env:"MCP_EDGE_METRICS,default=true"`

	// AllowedOrigins is semicolon separated; it enables CORS and the
	// WebSocket origin allow-list.
	AllowedOrigins []string `env:"MCP_EDGE_ALLOWED_ORIGINS"`

	ShutdownTimeout time.Duration `env:"MCP_EDGE_SHUTDOWN_TIMEOUT,default=10s"`

	Auth     Auth
	Sessions Sessions
	Storage  Storage
}

// Auth selects how the access gate checks tokens. All fields are optional;
// with none set the gate is disabled.
type Auth struct {
	Token string `env:"MCP_EDGE_TOKEN"`

	JWTSecret string   `env:"MCP_EDGE_JWT_SECRET"`
	JWKSURL   string   `env:"MCP_EDGE_JWKS_URL"`
	Issuer    string   `env:"MCP_EDGE_JWT_ISSUER"`
	Audiences []string `env:"MCP_EDGE_JWT_AUDIENCES"`

	// OIDCIssuer enables discovery-based validation; Audiences[0] is the
	// required audience.
	OIDCIssuer string `env:"MCP_EDGE_OIDC_ISSUER"`

	RequiredScopes []string `env:"MCP_EDGE_REQUIRED_SCOPES"`
}

// Sessions tunes the session table.
type Sessions struct {
	MaxSessions int           `env:"MCP_EDGE_MAX_SESSIONS,default=1024"`
	IdleTimeout time.Duration `env:"MCP_EDGE_SESSION_IDLE_TIMEOUT,default=30m"`
	SnapshotTTL time.Duration `env:"MCP_EDGE_SNAPSHOT_TTL,default=24h"`
}

// Storage selects and configures the snapshot store.
type Storage struct {
	Backend  string `env:"MCP_EDGE_STORAGE,default=memory"`
	MaxItems int    `env:"MCP_EDGE_MEMORY_MAX_ITEMS,default=10000"`

	RedisAddr     string `env:"MCP_EDGE_REDIS_ADDR,default=localhost:6379"`
	RedisPassword string `env:"MCP_EDGE_REDIS_PASSWORD"`
	RedisDB       int    `env:"MCP_EDGE_REDIS_DB,default=0"`
	RedisPrefix   string `env:"MCP_EDGE_REDIS_PREFIX,default=mcp:storage:"`

	S3Bucket          string `env:"MCP_EDGE_S3_BUCKET"`
	S3Prefix          string `env:"MCP_EDGE_S3_PREFIX,default=mcp/storage/"`
	S3Region          string `env:"MCP_EDGE_S3_REGION"`
	S3Endpoint        string `env:"MCP_EDGE_S3_ENDPOINT"`
	S3AccessKeyID     string `env:"MCP_EDGE_S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"MCP_EDGE_S3_SECRET_ACCESS_KEY"`
	S3UsePathStyle    bool   `env:"MCP_EDGE_S3_PATH_STYLE,default=false"`
}

// Load reads the given dotenv files (missing files are skipped; none means
// ".env"), then decodes the environment. Variables already set in the
// process environment win over dotenv values.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := envdecode.StrictDecode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks enumerations and cross-field requirements.
func (c *Config) Validate() error {
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.LogFormat)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	switch c.Engine {
	case EngineNative, EngineSDK:
	default:
		return fmt.Errorf("config: unknown engine %q", c.Engine)
	}
	switch c.Storage.Backend {
	case StorageMemory:
		if c.Storage.MaxItems <= 0 {
			return errors.New("config: memory storage needs a positive item limit")
		}
	case StorageRedis:
		if c.Storage.RedisAddr == "" {
			return errors.New("config: redis storage needs an address")
		}
	case StorageS3:
		if c.Storage.S3Bucket == "" {
			return errors.New("config: s3 storage needs a bucket")
		}
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	if c.Auth.JWTSecret != "" && c.Auth.JWKSURL != "" {
		return errors.New("config: set either a JWT secret or a JWKS URL, not both")
	}
	if c.Auth.OIDCIssuer != "" && len(c.Auth.Audiences) == 0 {
		return errors.New("config: OIDC discovery needs an audience")
	}
	if c.KeepAlive <= 0 {
		return errors.New("config: keep-alive must be positive")
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return 0, fmt.Errorf("config: log level: %w", err)
	}
	return l, nil
}
