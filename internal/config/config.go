package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Orchestration modes. "durable" runs the full wait-for-reply cycle;
// "prompt" sends the daily prompt and defers analysis to the next inbound
// message.
const (
	ModeDurable = "durable"
	ModePrompt  = "prompt"
)

type Config struct {
	Server   ServerConfig
	Storage  StorageConfig
	Provider ProviderConfig
	Engine   EngineConfig
	Log      LogConfig
}

type ServerConfig struct {
	Port     int
	APIToken string
}

type StorageConfig struct {
	DataDir string
}

type ProviderConfig struct {
	BaseURL string
	APIKey  string // empty disables model-backed tone analysis
	Model   string
}

type EngineConfig struct {
	UserID        string
	Mode          string
	ReplyTimeout  time.Duration
	SweepInterval time.Duration
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4800,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Provider: ProviderConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
		},
		Engine: EngineConfig{
			UserID:        "default",
			Mode:          ModeDurable,
			ReplyTimeout:  24 * time.Hour,
			SweepInterval: 30 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".haven"
	}
	return filepath.Join(home, ".haven")
}

// Load reads configuration from the environment, with .env support.
// HAVEN_* variables override the defaults.
func Load() (Config, error) {
	_ = godotenv.Load()
	return loadFromEnv(os.Getenv)
}

func loadFromEnv(getenv func(string) string) (Config, error) {
	cfg := defaults()

	if v := env(getenv, "HAVEN_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil || p <= 0 || p > 65535 {
			return Config{}, fmt.Errorf("invalid HAVEN_PORT %q", v)
		}
		cfg.Server.Port = p
	}
	if v := env(getenv, "HAVEN_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	cfg.Server.APIToken = env(getenv, "HAVEN_API_TOKEN")
	if cfg.Server.APIToken == "" {
		return Config{}, fmt.Errorf("missing required config: HAVEN_API_TOKEN")
	}

	if v := env(getenv, "HAVEN_PROVIDER_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = strings.TrimRight(v, "/")
	}
	cfg.Provider.APIKey = env(getenv, "HAVEN_PROVIDER_API_KEY")
	if v := env(getenv, "HAVEN_PROVIDER_MODEL"); v != "" {
		cfg.Provider.Model = v
	}

	if v := env(getenv, "HAVEN_USER_ID"); v != "" {
		cfg.Engine.UserID = v
	}
	if v := env(getenv, "HAVEN_MODE"); v != "" {
		if v != ModeDurable && v != ModePrompt {
			return Config{}, fmt.Errorf("invalid HAVEN_MODE %q (want %q or %q)", v, ModeDurable, ModePrompt)
		}
		cfg.Engine.Mode = v
	}
	if v := env(getenv, "HAVEN_REPLY_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("invalid HAVEN_REPLY_TIMEOUT %q", v)
		}
		cfg.Engine.ReplyTimeout = d
	}
	if v := env(getenv, "HAVEN_SWEEP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, fmt.Errorf("invalid HAVEN_SWEEP_INTERVAL %q", v)
		}
		cfg.Engine.SweepInterval = d
	}
	if v := env(getenv, "HAVEN_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	return cfg, nil
}

func env(getenv func(string) string, key string) string {
	return strings.TrimSpace(getenv(key))
}
