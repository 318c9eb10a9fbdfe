package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config is the central typed configuration struct.
type Config struct {
	App        AppConfig
	Container  ContainerConfig
	Deploy     DeployConfig
	Management ManagementConfig
	Log        LogConfig
}

type AppConfig struct {
	Name  string
	Env   string // local | production | testing
	Debug bool
}

// ContainerConfig tunes the unit scheduler.
type ContainerConfig struct {
	Workers          int // 0 means one per CPU
	StabilityTimeout time.Duration
}

// DeployConfig locates the descriptor files deployed at startup.
type DeployConfig struct {
	Dir      string
	Pattern  string
	Watch    bool
	Debounce time.Duration
}

// ManagementConfig controls the HTTP management API.
type ManagementConfig struct {
	Enabled bool
	Port    string
	Token   string // bearer token for mutating routes; empty disables the check
}

type LogConfig struct {
	Level  string // debug | info | warn | error
	Format string // json | console
}

// Load reads .env (if present) and populates a Config from environment variables.
// Call once at bootstrap: cfg := config.Load()
func Load(envFiles ...string) *Config {
	files := envFiles
	if len(files) == 0 {
		files = []string{".env"}
	}
	// Non-fatal: .env may not exist in production
	_ = godotenv.Load(files...)

	cfg := &Config{
		App: AppConfig{
			Name:  env("APP_NAME", "go-mc"),
			Env:   env("APP_ENV", "local"),
			Debug: envBool("APP_DEBUG", true),
		},
		Container: ContainerConfig{
			Workers:          GetInt("MC_WORKERS", 0),
			StabilityTimeout: GetDuration("MC_STABILITY_TIMEOUT", 30*time.Second),
		},
		Deploy: DeployConfig{
			Dir:      env("MC_DEPLOY_DIR", "./deployments"),
			Pattern:  env("MC_DEPLOY_PATTERN", "*-beans.yaml"),
			Watch:    envBool("MC_DEPLOY_WATCH", false),
			Debounce: GetDuration("MC_DEPLOY_DEBOUNCE", 500*time.Millisecond),
		},
		Management: ManagementConfig{
			Enabled: envBool("MC_MANAGEMENT_ENABLED", true),
			Port:    env("MC_MANAGEMENT_PORT", "9990"),
			Token:   env("MC_MANAGEMENT_TOKEN", ""),
		},
		Log: LogConfig{
			Level:  env("LOG_LEVEL", "info"),
			Format: env("LOG_FORMAT", ""),
		},
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
		if cfg.IsLocal() {
			cfg.Log.Format = "console"
		}
	}
	return cfg
}

// IsLocal reports whether APP_ENV is local.
func (c *Config) IsLocal() bool { return c.App.Env == "local" }

// IsProduction reports whether APP_ENV is production.
func (c *Config) IsProduction() bool { return c.App.Env == "production" }

// Get returns a raw env value, falling back to defaultVal.
func Get(key, defaultVal string) string {
	return env(key, defaultVal)
}

// GetInt returns an int env value.
func GetInt(key string, defaultVal int) int {
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

// GetBool returns a bool env value.
func GetBool(key string, defaultVal bool) bool {
	return envBool(key, defaultVal)
}

// GetDuration returns a duration env value ("500ms", "30s"). A bare integer
// is read as seconds.
func GetDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	return defaultVal
}

// ── helpers ─────────────────────────────────────────────────────────────────

func env(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
