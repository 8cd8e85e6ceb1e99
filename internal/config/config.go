package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the transchord server and workers.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Queue     QueueConfig
	Storage   StorageConfig
	Pipeline  PipelineConfig
	Inference InferenceConfig
	Auth      AuthConfig
	Janitor   JanitorConfig
}

type ServerConfig struct {
	Port     int
	Env      string
	LogLevel string
}

// SlogLevel maps LogLevel onto slog. Load has already rejected unknown levels.
func (s ServerConfig) SlogLevel() slog.Level {
	switch s.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

type QueueConfig struct {
	Concurrency       int
	ChunkTaskMaxRetry int
	// ReapSchedule is the cron spec for settling archived chunk tasks.
	ReapSchedule string
}

// StorageConfig is the shared filesystem layout. All worker and server
// processes must see the same DataDir.
type StorageConfig struct {
	DataDir string
}

func (s StorageConfig) UploadDir() string  { return filepath.Join(s.DataDir, "uploads") }
func (s StorageConfig) TempDir() string    { return filepath.Join(s.DataDir, "temp") }
func (s StorageConfig) ResultsDir() string { return filepath.Join(s.DataDir, "results") }

type PipelineConfig struct {
	DefaultChunkSizeKB int
	MaxChunkSizeKB     int
	ProgressTTL        time.Duration
	FinishedTTL        time.Duration
	ResultRetention    time.Duration
	MaxUploadBytes     int64
}

type InferenceConfig struct {
	Provider     string
	Timeout      time.Duration
	MaxAttempts  int
	RetryBackoff time.Duration
	Ollama       OllamaConfig
	Gemini       GeminiConfig
}

type OllamaConfig struct {
	BaseURL string
	Model   string
}

type GeminiConfig struct {
	APIKey string
	Model  string
}

type AuthConfig struct {
	JWTSecret    string
	TokenTTL     time.Duration
	Username     string
	PasswordHash string
}

type JanitorConfig struct {
	Schedule  string
	Retention time.Duration
}

var validProviders = map[string]bool{
	"ollama": true,
	"gemini": true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Load reads configuration from environment variables and returns a validated Config.
// A .env file in the working directory is loaded first when present; variables already
// set in the environment take precedence over it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:     envInt("TRANSCHORD_PORT", 8080),
			Env:      envString("TRANSCHORD_ENV", "development"),
			LogLevel: strings.ToLower(envString("LOG_LEVEL", "info")),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Queue: QueueConfig{
			Concurrency:       envInt("WORKER_CONCURRENCY", 4),
			ChunkTaskMaxRetry: envInt("CHUNK_TASK_MAX_RETRY", 3),
			ReapSchedule:      envString("REAP_SCHEDULE", "@every 1m"),
		},
		Storage: StorageConfig{
			DataDir: envString("DATA_DIR", "/data"),
		},
		Pipeline: PipelineConfig{
			DefaultChunkSizeKB: envInt("DEFAULT_CHUNK_SIZE_KB", 4),
			MaxChunkSizeKB:     envInt("MAX_CHUNK_SIZE_KB", 128),
			ProgressTTL:        envDuration("PROGRESS_TTL", 24*time.Hour),
			FinishedTTL:        envDuration("FINISHED_TTL", time.Hour),
			ResultRetention:    envDuration("RESULT_RETENTION", 24*time.Hour),
			MaxUploadBytes:     int64(envInt("MAX_UPLOAD_BYTES", 64<<20)),
		},
		Inference: InferenceConfig{
			Provider:     envString("INFERENCE_PROVIDER", "ollama"),
			Timeout:      envDurationSecs("INFERENCE_TIMEOUT_SECS", time.Hour),
			MaxAttempts:  envInt("INFERENCE_MAX_ATTEMPTS", 4),
			RetryBackoff: envDuration("INFERENCE_RETRY_BACKOFF", 30*time.Second),
			Ollama: OllamaConfig{
				BaseURL: envString("OLLAMA_BASE_URL", "http://localhost:11434"),
				Model:   envString("OLLAMA_MODEL", "translategemma"),
			},
			Gemini: GeminiConfig{
				APIKey: os.Getenv("GEMINI_API_KEY"),
				Model:  envString("GEMINI_MODEL", "gemini-2.0-flash"),
			},
		},
		Auth: AuthConfig{
			JWTSecret:    os.Getenv("JWT_SECRET"),
			TokenTTL:     envDuration("TOKEN_TTL", 60*time.Minute),
			Username:     os.Getenv("APP_USERNAME"),
			PasswordHash: os.Getenv("APP_PASSWORD_HASH"),
		},
		Janitor: JanitorConfig{
			Schedule:  envString("JANITOR_SCHEDULE", "@hourly"),
			Retention: envDuration("JANITOR_RETENTION", 48*time.Hour),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}
	if !strings.HasPrefix(c.Redis.URL, "redis://") && !strings.HasPrefix(c.Redis.URL, "rediss://") {
		return fmt.Errorf("REDIS_URL must start with redis:// or rediss://, got %q", c.Redis.URL)
	}

	if !validLogLevels[c.Server.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error; got %q", c.Server.LogLevel)
	}

	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", c.Queue.Concurrency)
	}

	if c.Pipeline.DefaultChunkSizeKB <= 0 || c.Pipeline.DefaultChunkSizeKB > c.Pipeline.MaxChunkSizeKB {
		return fmt.Errorf("DEFAULT_CHUNK_SIZE_KB must be between 1 and MAX_CHUNK_SIZE_KB (%d), got %d",
			c.Pipeline.MaxChunkSizeKB, c.Pipeline.DefaultChunkSizeKB)
	}
	if c.Pipeline.FinishedTTL > c.Pipeline.ProgressTTL {
		return fmt.Errorf("FINISHED_TTL (%s) must not exceed PROGRESS_TTL (%s)",
			c.Pipeline.FinishedTTL, c.Pipeline.ProgressTTL)
	}

	// Chunk files of a job that is still counting must outlive its progress record.
	if c.Janitor.Retention <= c.Pipeline.ProgressTTL {
		return fmt.Errorf("JANITOR_RETENTION (%s) must exceed PROGRESS_TTL (%s)",
			c.Janitor.Retention, c.Pipeline.ProgressTTL)
	}

	if !validProviders[c.Inference.Provider] {
		return fmt.Errorf("INFERENCE_PROVIDER must be one of ollama, gemini; got %q", c.Inference.Provider)
	}
	if c.Inference.Provider == "gemini" && c.Inference.Gemini.APIKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is required when INFERENCE_PROVIDER is gemini")
	}
	if c.Inference.MaxAttempts < 1 {
		return fmt.Errorf("INFERENCE_MAX_ATTEMPTS must be at least 1, got %d", c.Inference.MaxAttempts)
	}

	return nil
}

// RequireAuth checks the settings only the HTTP server needs.
func (c *Config) RequireAuth() error {
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("JWT_SECRET must be at least 32 bytes")
	}
	if c.Auth.Username == "" || c.Auth.PasswordHash == "" {
		return fmt.Errorf("APP_USERNAME and APP_PASSWORD_HASH are required")
	}
	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
