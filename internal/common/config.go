package common

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// ObservabilityLevel controls how much per-task detail is collected into
// session reports and progress events.
type ObservabilityLevel string

const (
	ObservabilityBasic    ObservabilityLevel = "basic"
	ObservabilityDetailed ObservabilityLevel = "detailed"
	ObservabilityComplete ObservabilityLevel = "complete"
)

// Config represents the application configuration
type Config struct {
	Environment string         `toml:"environment"` // "development" or "production"
	Pool        PoolConfig     `toml:"pool"`
	Profiles    ProfilesConfig `toml:"profiles"`
	Session     SessionConfig  `toml:"session"`
	Storage     StorageConfig  `toml:"storage"`
	Janitor     JanitorConfig  `toml:"janitor"`
	Logging     LoggingConfig  `toml:"logging"`
}

// PoolConfig is the validated worker-pool configuration snapshot.
// All fields are checked with go-playground/validator at load time so an
// invalid configuration fails at construction, never mid-batch.
type PoolConfig struct {
	WorkerCount        int                `toml:"worker_count" validate:"min=1,max=8"`
	Headless           bool               `toml:"headless"`
	ParallelEnabled    bool               `toml:"parallel_enabled"`
	MemoryThreshold    float64            `toml:"memory_threshold" validate:"gte=0.5,lte=0.9"` // Ratio of system memory before workers are flagged for restart
	TaskTimeout        time.Duration      `toml:"task_timeout" validate:"gt=0"`
	StartupTimeout     time.Duration      `toml:"startup_timeout" validate:"gt=0"`
	ShutdownTimeout    time.Duration      `toml:"shutdown_timeout" validate:"gt=0"`
	MaxRestartAttempts int                `toml:"max_restart_attempts" validate:"gte=0"`
	MaxRetries         int                `toml:"max_retries" validate:"gte=0"`
	StartupStagger     time.Duration      `toml:"startup_stagger" validate:"gte=0"` // Delay between worker startups to avoid resource spikes
	Observability      ObservabilityLevel `toml:"observability" validate:"oneof=basic detailed complete"`
	OutputDir          string             `toml:"output_dir" validate:"required"`
}

// ProfilesConfig controls profile cloning behavior
type ProfilesConfig struct {
	BasePath            string        `toml:"base_path" validate:"required"`  // Base browser profile directory to clone from
	BaseName            string        `toml:"base_name"`                      // Profile name inside the base directory (default: "Default")
	CloneRoot           string        `toml:"clone_root" validate:"required"` // Temp root where per-worker clones are created
	MaxConcurrentClones int           `toml:"max_concurrent_clones" validate:"min=1"`
	VerifyProfiles      bool          `toml:"verify_profiles"` // Run verification probes against fresh clones
	AllowPartial        bool          `toml:"allow_partial"`   // Accept profiles whose verification verdict is PARTIAL
	ProbeTimeout        time.Duration `toml:"probe_timeout" validate:"gt=0"`
	ProbeRetries        int           `toml:"probe_retries" validate:"gte=0"`
}

// SessionConfig controls the browser automation session
type SessionConfig struct {
	UserAgent         string        `toml:"user_agent"`
	DisableGPU        bool          `toml:"disable_gpu"`
	NoSandbox         bool          `toml:"no_sandbox"`
	LoginURL          string        `toml:"login_url"`           // Page used for the one-time authentication check
	AuthCookieName    string        `toml:"auth_cookie_name"`    // Cookie whose presence marks an authenticated session
	RecordURLTemplate string        `toml:"record_url_template"` // Record page URL with %s for the business key
	StartupProbe      time.Duration `toml:"startup_probe" validate:"gt=0"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration for the result store
type BadgerConfig struct {
	Path           string `toml:"path"`
	ResetOnStartup bool   `toml:"reset_on_startup"`
}

// JanitorConfig controls the scheduled sweep of orphaned profile clones
type JanitorConfig struct {
	Enabled  bool          `toml:"enabled"`
	Schedule string        `toml:"schedule"` // Cron schedule, e.g. "@every 10m"
	MaxAge   time.Duration `toml:"max_age"`  // Clones older than this with no live owner are removed
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Output []string `toml:"output"` // "stdout", "file"
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Pool: PoolConfig{
			WorkerCount:        3,
			Headless:           true,
			ParallelEnabled:    true,
			MemoryThreshold:    0.8,
			TaskTimeout:        5 * time.Minute,
			StartupTimeout:     60 * time.Second,
			ShutdownTimeout:    30 * time.Second,
			MaxRestartAttempts: 2,
			MaxRetries:         2,
			StartupStagger:     2 * time.Second,
			Observability:      ObservabilityDetailed,
			OutputDir:          "./output",
		},
		Profiles: ProfilesConfig{
			BasePath:            "./profile",
			BaseName:            "Default",
			CloneRoot:           os.TempDir(),
			MaxConcurrentClones: 2,
			VerifyProfiles:      true,
			AllowPartial:        true,
			ProbeTimeout:        15 * time.Second,
			ProbeRetries:        1,
		},
		Session: SessionConfig{
			UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			DisableGPU:     true,
			NoSandbox:      false,
			StartupProbe:   30 * time.Second,
			AuthCookieName: "JSESSIONID",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "./data",
			},
		},
		Janitor: JanitorConfig{
			Enabled:  true,
			Schedule: "@every 10m",
			MaxAge:   2 * time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout", "file"},
		},
	}
}

// LoadFromFiles loads configuration from multiple files with priority:
// defaults -> file1 -> file2 -> ... -> env.
// Later files override earlier files.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the configuration against documented ranges.
// Returns a validation error naming the offending field.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("COLLIGO_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if workers := os.Getenv("COLLIGO_WORKERS"); workers != "" {
		if w, err := strconv.Atoi(workers); err == nil {
			config.Pool.WorkerCount = w
		}
	}

	if headless := os.Getenv("COLLIGO_HEADLESS"); headless != "" {
		if h, err := strconv.ParseBool(headless); err == nil {
			config.Pool.Headless = h
		}
	}

	if base := os.Getenv("COLLIGO_PROFILE_BASE"); base != "" {
		config.Profiles.BasePath = base
	}

	if level := os.Getenv("COLLIGO_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
}

// ApplyFlagOverrides applies command-line flag overrides (highest priority)
func ApplyFlagOverrides(config *Config, workers int, headless string, outputDir string) {
	if workers > 0 {
		config.Pool.WorkerCount = workers
	}
	if headless != "" {
		if h, err := strconv.ParseBool(headless); err == nil {
			config.Pool.Headless = h
		}
	}
	if outputDir != "" {
		config.Pool.OutputDir = outputDir
	}
}
