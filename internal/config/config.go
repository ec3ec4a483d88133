// Package config loads the chat server configuration from the environment,
// optionally seeded from a .env file in the working directory.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Store drivers accepted by STORE_DRIVER.
const (
	DriverMongo    = "mongo"
	DriverPostgres = "postgres"
	DriverMemory   = "memory" // process-local, for development only
)

// Config holds every tunable of the server. Field tags name the environment
// variable and its default.
type Config struct {
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":4040"`
	ServerName string `envconfig:"SERVER_NAME"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`

	JWTSecret   string `envconfig:"JWT_SECRET" required:"true"`
	TokenCookie string `envconfig:"TOKEN_COOKIE" default:"token"`
	CORSOrigin  string `envconfig:"CORS_ORIGIN" default:"http://localhost:5173"`

	StoreDriver   string `envconfig:"STORE_DRIVER" default:"mongo"`
	MongoURL      string `envconfig:"MONGO_URL" default:"mongodb://localhost:27017"`
	MongoDatabase string `envconfig:"MONGO_DATABASE" default:"chat"`
	PostgresDSN   string `envconfig:"POSTGRES_DSN"`

	// Empty RedisAddr / NATSURL disable the session mirror, rate limiting and
	// cross-node delivery.
	RedisAddr string `envconfig:"REDIS_ADDR"`
	NATSURL   string `envconfig:"NATS_URL"`

	UploadsDir         string `envconfig:"UPLOADS_DIR" default:"uploads"`
	MaxAttachmentBytes int64  `envconfig:"MAX_ATTACHMENT_BYTES" default:"10485760"`

	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"5s"`
	HeartbeatTimeout  time.Duration `envconfig:"HEARTBEAT_TIMEOUT" default:"1s"`

	WorkerPoolSize int           `envconfig:"WORKER_POOL_SIZE" default:"256"`
	MaxConnections int           `envconfig:"MAX_CONNECTIONS" default:"100000"`
	ReadTimeout    time.Duration `envconfig:"READ_TIMEOUT" default:"10s"`
	WriteTimeout   time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s"`

	// Per-session buffers. A session whose outbound queue overflows is
	// dropped; inbound events beyond the inbox are discarded.
	SendQueueSize int `envconfig:"SEND_QUEUE_SIZE" default:"256"`
	InboxSize     int `envconfig:"INBOX_SIZE" default:"64"`

	EchoToSender      bool          `envconfig:"ECHO_TO_SENDER" default:"false"`
	MessageRateLimit  int           `envconfig:"MESSAGE_RATE_LIMIT" default:"20"`
	MessageRateWindow time.Duration `envconfig:"MESSAGE_RATE_WINDOW" default:"10s"`
}

// Load reads an optional .env file, then the process environment. Variables
// already set in the environment win over the file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("config: read .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds and validates a Config from the process environment only.
func FromEnv() (Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if cfg.ServerName == "" {
		cfg.ServerName, _ = os.Hostname()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "ws-1"
	}
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects combinations the server cannot start with.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case DriverMongo:
		if c.MongoURL == "" {
			return errors.New("config: MONGO_URL is required for the mongo store")
		}
	case DriverPostgres:
		if c.PostgresDSN == "" {
			return errors.New("config: POSTGRES_DSN is required for the postgres store")
		}
	case DriverMemory:
	default:
		return fmt.Errorf("config: unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatTimeout <= 0 {
		return errors.New("config: heartbeat interval and timeout must be positive")
	}
	if c.HeartbeatTimeout >= c.HeartbeatInterval {
		return fmt.Errorf("config: HEARTBEAT_TIMEOUT (%s) must be shorter than HEARTBEAT_INTERVAL (%s)",
			c.HeartbeatTimeout, c.HeartbeatInterval)
	}
	if c.MaxAttachmentBytes <= 0 {
		return errors.New("config: MAX_ATTACHMENT_BYTES must be positive")
	}
	if c.WorkerPoolSize <= 0 || c.MaxConnections <= 0 {
		return errors.New("config: WORKER_POOL_SIZE and MAX_CONNECTIONS must be positive")
	}
	if c.SendQueueSize <= 0 || c.InboxSize <= 0 {
		return errors.New("config: SEND_QUEUE_SIZE and INBOX_SIZE must be positive")
	}
	return nil
}
