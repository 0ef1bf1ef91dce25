package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/meshport/meshport/internal/dto"
)

const (
	JobStoreMemory = "memory"
	JobStoreBadger = "badger"
	JobStoreRedis  = "redis"
)

// Config is the backend (meshportd) configuration.
type Config struct {
	HTTPPort int
	Debug    bool
	LogLevel string

	DataDir       string
	JobStore      string
	RedisAddr     string
	WorkerCount   int
	MaxUploadSize int64
	// StepDelay paces the simulated generation steps.
	StepDelay time.Duration
	// InstanceID names this backend in a shared job table. Jobs it queues
	// are only run and recovered by it.
	InstanceID string
}

func Load() *Config {
	loadDotEnv()
	return &Config{
		HTTPPort:      getEnvInt("HTTP_PORT", 3001),
		Debug:         getEnvBool("DEBUG", false),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
		DataDir:       getEnv("DATA_DIR", "./data"),
		JobStore:      getEnv("JOB_STORE", JobStoreMemory),
		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		WorkerCount:   getEnvInt("WORKER_COUNT", 2),
		MaxUploadSize: int64(getEnvInt("MAX_UPLOAD_SIZE", 100<<20)),
		StepDelay:     getEnvDuration("STEP_DELAY", time.Second),
		InstanceID:    getEnv("INSTANCE_ID", defaultInstanceID()),
	}
}

func defaultInstanceID() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "meshportd"
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

func (c *Config) Validate() error {
	switch c.JobStore {
	case JobStoreMemory, JobStoreBadger, JobStoreRedis:
	default:
		return fmt.Errorf("unknown JOB_STORE %q (want memory, badger or redis)", c.JobStore)
	}
	if c.WorkerCount < 1 {
		return fmt.Errorf("WORKER_COUNT must be at least 1, got %d", c.WorkerCount)
	}
	if c.MaxUploadSize <= 0 {
		return fmt.Errorf("MAX_UPLOAD_SIZE must be positive, got %d", c.MaxUploadSize)
	}
	return nil
}

// ClientConfig configures the meshport CLI. Values come from defaults, then
// the YAML profile, then the environment; command line flags are applied
// on top by the caller.
type ClientConfig struct {
	APIURL          string                 `yaml:"api_url"`
	Timeout         time.Duration          `yaml:"timeout"`
	PollInterval    time.Duration          `yaml:"poll_interval"`
	MaxPollFailures int                    `yaml:"max_poll_failures"`
	MaxFileSize     int64                  `yaml:"max_file_size"`
	LogLevel        string                 `yaml:"log_level"`
	Generation      *dto.GenerationOptions `yaml:"generation,omitempty"`
}

func DefaultClient() *ClientConfig {
	return &ClientConfig{
		APIURL:          "/api",
		Timeout:         300 * time.Second,
		MaxPollFailures: 30,
		MaxFileSize:     100 << 20,
		LogLevel:        "warn",
	}
}

// DefaultProfilePath is ~/.meshport.yaml, or empty when there is no home.
func DefaultProfilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".meshport.yaml")
}

// LoadClient reads the profile at path (a missing file is not an error
// unless required is set) and applies environment overrides.
func LoadClient(path string, required bool) (*ClientConfig, error) {
	loadDotEnv()
	cfg := DefaultClient()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist) && !required:
		default:
			return nil, fmt.Errorf("read profile: %w", err)
		}
	}

	// VITE_API_URL is what the web front end reads; honour it so one .env
	// serves both.
	cfg.APIURL = getEnv("MESHPORT_API_URL", getEnv("VITE_API_URL", cfg.APIURL))
	cfg.Timeout = getEnvDuration("MESHPORT_TIMEOUT", cfg.Timeout)
	cfg.PollInterval = getEnvDuration("MESHPORT_POLL_INTERVAL", cfg.PollInterval)
	cfg.MaxPollFailures = getEnvInt("MESHPORT_MAX_POLL_FAILURES", cfg.MaxPollFailures)
	cfg.MaxFileSize = int64(getEnvInt("MESHPORT_MAX_FILE_SIZE", int(cfg.MaxFileSize)))
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)

	if err := cfg.Generation.Validate(); err != nil {
		return nil, fmt.Errorf("generation options in %s: %w", path, err)
	}
	return cfg, nil
}

func loadDotEnv() {
	// godotenv never overrides a variable that is already set, so the
	// first file loaded wins.
	_ = godotenv.Load(".env.local")
	_ = godotenv.Load(".env")
}

func getEnv(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "true" || v == "1"
	}
	return fallback
}

// getEnvDuration accepts Go durations ("3s") or a bare number of seconds.
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
