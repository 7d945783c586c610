// Package config provides environment configuration for the API server.
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

// Store backends.
const (
	StoreJetStream = "jetstream"
	StoreBadger    = "badger"
	StoreMemory    = "memory"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	ShutdownTimeout    time.Duration
	AllowedOrigins     []string

	// Store settings
	StoreBackend string
	BadgerPath   string

	// NATS settings
	NATSURL            string
	NATSCAFile         string
	NATSCertFile       string
	NATSKeyFile        string
	NATSToken          string
	NATSCredsFile      string
	NATSStreamReplicas int
	NATSStreamMaxBytes int64

	// JWT settings
	JWTSecret string
	JWTKeys   map[string]string
	JWTIssuer string
	JWTLeeway time.Duration

	// Websocket settings
	WSIdleTimeout       time.Duration
	WSHeartbeatInterval time.Duration
	WSWriteTimeout      time.Duration
	WSSendBuffer        int

	// Inbox
	InboxPreviewLength int

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables. A .env file in the
// working directory is applied first when present; real environment
// variables win.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		// Server
		ServerPort:        getEnv("PORT", "8080"),
		ServerReadTimeout: getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		// Long-lived websocket and SSE responses clear their own deadline.
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 30*time.Second),
		ShutdownTimeout:    getDurationEnv("SHUTDOWN_TIMEOUT", 30*time.Second),
		AllowedOrigins:     getListEnv("ALLOWED_ORIGINS", []string{"*"}),

		// Store
		StoreBackend: strings.ToLower(getEnv("STORE_BACKEND", StoreJetStream)),
		BadgerPath:   getEnv("BADGER_PATH", "./data/badger"),

		// NATS
		NATSURL:            getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:         getEnv("NATS_CA_FILE", ""),
		NATSCertFile:       getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:        getEnv("NATS_KEY_FILE", ""),
		NATSToken:          getEnv("NATS_TOKEN", ""),
		NATSCredsFile:      getEnv("NATS_CREDS_FILE", ""),
		NATSStreamReplicas: getIntEnv("NATS_STREAM_REPLICAS", 1),
		NATSStreamMaxBytes: int64(getIntEnv("NATS_STREAM_MAX_BYTES", 0)),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),
		JWTKeys:   getKeysEnv("JWT_KEYS"),
		JWTIssuer: getEnv("JWT_ISSUER", ""),
		JWTLeeway: getDurationEnv("JWT_LEEWAY", 30*time.Second),

		// Websocket
		WSIdleTimeout:       getDurationEnv("WS_IDLE_TIMEOUT", 2*time.Minute),
		WSHeartbeatInterval: getDurationEnv("WS_HEARTBEAT_INTERVAL", 30*time.Second),
		WSWriteTimeout:      getDurationEnv("WS_WRITE_TIMEOUT", 5*time.Second),
		WSSendBuffer:        getIntEnv("WS_SEND_BUFFER", 256),

		// Inbox
		InboxPreviewLength: getIntEnv("INBOX_PREVIEW_LENGTH", 120),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	var errs []error

	switch c.StoreBackend {
	case StoreJetStream, StoreMemory:
	case StoreBadger:
		if c.BadgerPath == "" {
			errs = append(errs, errors.New("BADGER_PATH is required for the badger store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend))
	}

	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.WSIdleTimeout <= 0 {
		errs = append(errs, errors.New("WS_IDLE_TIMEOUT must be positive"))
	}
	if c.WSHeartbeatInterval <= 0 {
		errs = append(errs, errors.New("WS_HEARTBEAT_INTERVAL must be positive"))
	} else if c.WSHeartbeatInterval >= c.WSIdleTimeout {
		errs = append(errs, errors.New("WS_HEARTBEAT_INTERVAL must be shorter than WS_IDLE_TIMEOUT"))
	}
	if c.WSWriteTimeout <= 0 {
		errs = append(errs, errors.New("WS_WRITE_TIMEOUT must be positive"))
	}
	if c.WSSendBuffer <= 0 {
		errs = append(errs, errors.New("WS_SEND_BUFFER must be positive"))
	}
	if c.RateLimitRequests <= 0 || c.RateLimitWindow <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be positive"))
	}

	return errors.Join(errs...)
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

// getListEnv reads a comma separated list.
func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// getKeysEnv reads rotated signing keys as "kid:secret,kid2:secret2".
func getKeysEnv(key string) map[string]string {
	keys := make(map[string]string)
	for _, pair := range getListEnv(key, nil) {
		kid, secret, ok := strings.Cut(pair, ":")
		if !ok || kid == "" || secret == "" {
			continue
		}
		keys[kid] = secret
	}
	return keys
}
