// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Backend names
const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"

	CacheMemory = "memory"
	CacheRedis  = "redis"
	CacheValkey = "valkey"

	BrokerMemory = "memory"
	BrokerAMQP   = "amqp"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Store         StoreConfig
	Cache         CacheConfig
	Broker        BrokerConfig
	Region        RegionConfig
	Crypto        CryptoConfig
	KeyRotation   KeyRotationConfig
	Observability ObservabilityConfig
}

// ServerConfig holds ops HTTP server and state cookie configuration
type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	StateCookieName   string
	StateCookieSecure bool

	RateLimitRPS   float64
	RateLimitBurst int
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host            string
	Port            string
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// StoreConfig selects the durable store backend
type StoreConfig struct {
	Backend    string
	SQLitePath string

	// PurgeInterval is how often the server purges expired records; zero
	// leaves purging to the cleanup command.
	PurgeInterval time.Duration
}

// CacheConfig selects and tunes the ephemeral cache
type CacheConfig struct {
	Backend       string
	TTL           time.Duration
	SweepInterval time.Duration

	RedisAddrs    []string
	RedisPassword string
	RedisDB       int

	ValkeyAddrs []string
}

// BrokerConfig holds propagation bus configuration
type BrokerConfig struct {
	Backend         string
	URL             string
	EntryExchange   string
	RecordsExchange string
	RPCExchange     string
	QueueMaxLength  int
	MessageTTL      time.Duration
	EntryTTL        time.Duration
	Prefetch        int
	Codec           string
	PublishTimeout  time.Duration
	ConfirmRemovals bool
}

// RegionConfig describes this deployment's place among regions
type RegionConfig struct {
	Name    string
	Peers   []string
	Profile string

	RPCAllowedRegions []string
	RPCRatePerSecond  float64
	RPCBurst          int
}

// CryptoConfig holds token encryption configuration
type CryptoConfig struct {
	// MasterKey is base64 encoded and decodes to at least 32 bytes
	MasterKey string
	Timeout   time.Duration
}

// KeyRotationConfig holds key pair rotation configuration
type KeyRotationConfig struct {
	Window time.Duration
}

// ObservabilityConfig holds logging and tracing configuration
type ObservabilityConfig struct {
	LogLevel       string
	LogFormat      string
	OTELEnabled    bool
	ServiceName    string
	ServiceVersion string
	SamplingRate   float64
}

// Load loads configuration from environment variables. Variables found in
// the file named by ENV_FILE (default ".env") fill in whatever the
// environment does not set.
func Load() (*Config, error) {
	if err := godotenv.Load(getEnv("ENV_FILE", ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read env file: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:              getEnv("SERVER_HOST", "0.0.0.0"),
			Port:              getEnv("SERVER_PORT", "8080"),
			ReadTimeout:       parseDuration("SERVER_READ_TIMEOUT", "15s"),
			WriteTimeout:      parseDuration("SERVER_WRITE_TIMEOUT", "15s"),
			IdleTimeout:       parseDuration("SERVER_IDLE_TIMEOUT", "60s"),
			StateCookieName:   getEnv("STATE_COOKIE_NAME", "authz_state"),
			StateCookieSecure: parseBool("STATE_COOKIE_SECURE", true),
			RateLimitRPS:      parseFloat("RATE_LIMIT_RPS", 20),
			RateLimitBurst:    parseInt("RATE_LIMIT_BURST", 40),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnv("DB_PORT", "5432"),
			User:            getEnv("DB_USER", "authzstore"),
			Password:        getEnv("DB_PASSWORD", ""),
			Database:        getEnv("DB_NAME", "authzstore"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxOpenConns:    parseInt("DB_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    parseInt("DB_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: parseDuration("DB_CONN_MAX_LIFETIME", "5m"),
		},
		Store: StoreConfig{
			Backend:       getEnv("STORE_BACKEND", StorePostgres),
			SQLitePath:    getEnv("SQLITE_PATH", "authzstore.db"),
			PurgeInterval: parseDuration("STORE_PURGE_INTERVAL", "1h"),
		},
		Cache: CacheConfig{
			Backend:       getEnv("CACHE_BACKEND", CacheMemory),
			TTL:           parseDuration("CACHE_TTL", "60s"),
			SweepInterval: parseDuration("CACHE_SWEEP_INTERVAL", "30s"),
			RedisAddrs:    parseList("REDIS_ADDRS", "localhost:6379"),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       parseInt("REDIS_DB", 0),
			ValkeyAddrs:   parseList("VALKEY_ADDRS", "localhost:6379"),
		},
		Broker: BrokerConfig{
			Backend:         getEnv("BROKER_BACKEND", BrokerMemory),
			URL:             getEnv("AMQP_URL", ""),
			EntryExchange:   getEnv("AMQP_ENTRY_EXCHANGE", "authz.entry"),
			RecordsExchange: getEnv("AMQP_RECORDS_EXCHANGE", "authz.records"),
			RPCExchange:     getEnv("AMQP_RPC_EXCHANGE", "authz.rpc"),
			QueueMaxLength:  parseInt("AMQP_QUEUE_MAX_LENGTH", 10000),
			MessageTTL:      parseDuration("AMQP_MESSAGE_TTL", "5m"),
			EntryTTL:        parseDuration("AMQP_ENTRY_TTL", "30s"),
			Prefetch:        parseInt("AMQP_PREFETCH", 32),
			Codec:           getEnv("BROKER_CODEC", "cbor"),
			PublishTimeout:  parseDuration("BROKER_PUBLISH_TIMEOUT", "2s"),
			ConfirmRemovals: parseBool("BROKER_CONFIRM_REMOVALS", false),
		},
		Region: RegionConfig{
			Name:              getEnv("REGION", ""),
			Peers:             parseList("REGION_PEERS", ""),
			Profile:           getEnv("REGION_PROFILE", "standard"),
			RPCAllowedRegions: parseList("RPC_ALLOWED_REGIONS", ""),
			RPCRatePerSecond:  parseFloat("RPC_RATE_PER_SECOND", 200),
			RPCBurst:          parseInt("RPC_BURST", 50),
		},
		Crypto: CryptoConfig{
			MasterKey: getEnv("CRYPTO_MASTER_KEY", ""),
			Timeout:   parseDuration("CRYPTO_TIMEOUT", "2s"),
		},
		KeyRotation: KeyRotationConfig{
			Window: parseDuration("KEY_ROTATION_WINDOW", "720h"),
		},
		Observability: ObservabilityConfig{
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			LogFormat:      getEnv("LOG_FORMAT", "json"),
			OTELEnabled:    parseBool("OTEL_ENABLED", false),
			ServiceName:    getEnv("OTEL_SERVICE_NAME", "authzstore"),
			ServiceVersion: getEnv("OTEL_SERVICE_VERSION", "0.1.0"),
			SamplingRate:   parseFloat("OTEL_TRACES_SAMPLER_RATIO", 1.0),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Region.Name == "" {
		return fmt.Errorf("REGION is required")
	}
	if c.Region.Profile != "standard" && c.Region.Profile != "saas" {
		return fmt.Errorf("REGION_PROFILE must be standard or saas, got %q", c.Region.Profile)
	}
	if _, err := c.Crypto.MasterKeyBytes(); err != nil {
		return err
	}

	switch c.Store.Backend {
	case StorePostgres:
		if c.Database.Password == "" {
			return fmt.Errorf("DB_PASSWORD is required")
		}
	case StoreSQLite:
		if c.Store.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when STORE_BACKEND=sqlite")
		}
	default:
		return fmt.Errorf("unsupported STORE_BACKEND: %s (supported: postgres, sqlite)", c.Store.Backend)
	}

	switch c.Cache.Backend {
	case CacheMemory:
	case CacheRedis:
		if len(c.Cache.RedisAddrs) == 0 {
			return fmt.Errorf("REDIS_ADDRS is required when CACHE_BACKEND=redis")
		}
	case CacheValkey:
		if len(c.Cache.ValkeyAddrs) == 0 {
			return fmt.Errorf("VALKEY_ADDRS is required when CACHE_BACKEND=valkey")
		}
	default:
		return fmt.Errorf("unsupported CACHE_BACKEND: %s (supported: memory, redis, valkey)", c.Cache.Backend)
	}

	switch c.Broker.Backend {
	case BrokerMemory:
	case BrokerAMQP:
		if c.Broker.URL == "" {
			return fmt.Errorf("AMQP_URL is required when BROKER_BACKEND=amqp")
		}
	default:
		return fmt.Errorf("unsupported BROKER_BACKEND: %s (supported: memory, amqp)", c.Broker.Backend)
	}
	if c.Broker.Codec != "cbor" && c.Broker.Codec != "json" {
		return fmt.Errorf("BROKER_CODEC must be cbor or json, got %q", c.Broker.Codec)
	}

	return nil
}

// MasterKeyBytes decodes the master key
func (c CryptoConfig) MasterKeyBytes() ([]byte, error) {
	if c.MasterKey == "" {
		return nil, fmt.Errorf("CRYPTO_MASTER_KEY is required")
	}
	key, err := base64.StdEncoding.DecodeString(c.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("CRYPTO_MASTER_KEY must be base64: %w", err)
	}
	if len(key) < 32 {
		return nil, fmt.Errorf("CRYPTO_MASTER_KEY must decode to at least 32 bytes, got %d", len(key))
	}
	return key, nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func parseBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func parseDuration(key string, defaultValue string) time.Duration {
	value := getEnv(key, defaultValue)
	d, err := time.ParseDuration(value)
	if err != nil {
		// Fallback to default
		d, _ = time.ParseDuration(defaultValue)
	}
	return d
}

// parseList splits a comma-separated value, dropping empty items.
func parseList(key string, defaultValue string) []string {
	var out []string
	for _, item := range strings.Split(getEnv(key, defaultValue), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
