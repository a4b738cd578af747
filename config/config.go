package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Store drivers.
const (
	StorePostgres = "postgres"
	StoreMongo    = "mongo"
)

// Config holds application configuration loaded from environment.
type Config struct {
	Server   ServerConfig
	Store    StoreConfig
	Database DatabaseConfig
	Mongo    MongoConfig
	Redis    RedisConfig
	AWS      AWSConfig
	Session  SessionConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port               string
	ReadTimeout        int
	WriteTimeout       int
	CORSAllowedOrigins string // comma-separated, or "*" for all (e.g. http://localhost:3000,http://localhost:3001)
}

// StoreConfig selects the question store.
type StoreConfig struct {
	Driver string // postgres or mongo
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL      string // if set, used as-is (e.g. postgres://localhost:5432/classpulse?sslmode=disable)
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	// MaxConns overrides the pool size when > 0; otherwise pool_max_conns in the URL applies.
	MaxConns int
}

// MongoConfig holds MongoDB connection settings.
type MongoConfig struct {
	URI      string
	Database string
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// Enabled turns on the results archive queue.
	Enabled bool
}

// AWSConfig holds AWS credentials and the archive bucket.
type AWSConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	ArchiveBucket   string
	S3Endpoint      string
}

// SessionConfig holds live session rules.
type SessionConfig struct {
	OneVotePerParticipant bool
	RequirePresenter      bool
	DefaultTimeLimitSec   int
	MaxOptions            int
	PersistTimeout        time.Duration
	PersistRetries        int
}

// DSN returns the PostgreSQL connection string.
// If DatabaseConfig.URL is set (e.g. DATABASE_URL env), it is used as-is; otherwise built from components.
func (c DatabaseConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode,
	)
}

// Load reads configuration from environment, with optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()      // .env
	_ = godotenv.Load("env") // env (no leading dot)

	cfg := &Config{
		Server: ServerConfig{
			Port:               getEnv("PORT", "8080"),
			ReadTimeout:        getEnvInt("READ_TIMEOUT_SEC", 30),
			WriteTimeout:       getEnvInt("WRITE_TIMEOUT_SEC", 30),
			CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:3001"),
		},
		Store: StoreConfig{
			Driver: strings.ToLower(getEnv("STORE_DRIVER", StorePostgres)),
		},
		Database: DatabaseConfig{
			URL:      getEnv("DATABASE_URL", ""),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "classpulse"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: getEnvInt("DB_MAX_CONNS", 0),
		},
		Mongo: MongoConfig{
			URI:      getEnv("MONGODB_URI", "mongodb://localhost:27017"),
			Database: getEnv("MONGODB_DATABASE", "classpulse"),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			Enabled:  getEnvBool("RESULTS_ARCHIVE_ENABLED", false),
		},
		AWS: AWSConfig{
			Region:          getEnv("AWS_REGION", "us-east-1"),
			AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
			ArchiveBucket:   getEnv("AWS_S3_ARCHIVE_BUCKET", "classpulse-results"),
			S3Endpoint:      getEnv("AWS_S3_ENDPOINT", ""),
		},
		Session: SessionConfig{
			OneVotePerParticipant: getEnvBool("SESSION_ONE_VOTE_PER_PARTICIPANT", true),
			RequirePresenter:      getEnvBool("SESSION_REQUIRE_PRESENTER", false),
			DefaultTimeLimitSec:   getEnvInt("SESSION_DEFAULT_TIME_LIMIT_SEC", 60),
			MaxOptions:            getEnvInt("SESSION_MAX_OPTIONS", 10),
			PersistTimeout:        time.Duration(getEnvInt("SESSION_PERSIST_TIMEOUT_SEC", 5)) * time.Second,
			PersistRetries:        getEnvInt("SESSION_PERSIST_RETRIES", 2),
		},
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case StorePostgres, StoreMongo:
	default:
		return fmt.Errorf("unsupported STORE_DRIVER %q", c.Store.Driver)
	}
	if c.Session.DefaultTimeLimitSec <= 0 {
		return fmt.Errorf("SESSION_DEFAULT_TIME_LIMIT_SEC must be positive, got %d", c.Session.DefaultTimeLimitSec)
	}
	if c.Database.MaxConns < 0 {
		return fmt.Errorf("DB_MAX_CONNS must not be negative, got %d", c.Database.MaxConns)
	}
	if c.Session.PersistRetries < 0 {
		return fmt.Errorf("SESSION_PERSIST_RETRIES must not be negative, got %d", c.Session.PersistRetries)
	}
	return nil
}

// AllowedOrigins returns the CORS origins as a list.
func (c ServerConfig) AllowedOrigins() []string {
	return splitTrim(c.CORSAllowedOrigins, ",")
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func splitTrim(s, sep string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, v := range strings.Split(s, sep) {
		if t := strings.TrimSpace(v); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
