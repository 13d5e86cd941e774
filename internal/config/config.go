package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines engine configuration. Read once at startup; there is no
// dynamic reconfiguration.
type Config struct {
	Poll      PollConfig      `yaml:"poll"`
	Cache     CacheConfig     `yaml:"cache"`
	Tracker   TrackerConfig   `yaml:"tracker"`
	DB        DBConfig        `yaml:"db"`
	Helpdesk  HelpdeskConfig  `yaml:"helpdesk"`
	Reasoning ReasoningConfig `yaml:"reasoning"`
	Log       LogConfig       `yaml:"log"`
}

type PollConfig struct {
	Interval time.Duration `yaml:"interval"`
	Workers  int           `yaml:"workers"`
}

type CacheConfig struct {
	Limit int `yaml:"limit"`
}

type TrackerConfig struct {
	SkipThreshold  int           `yaml:"skip_threshold"`
	ActivityBuffer time.Duration `yaml:"activity_buffer"`
}

type DBConfig struct {
	Path string `yaml:"path"`
}

type HelpdeskConfig struct {
	BaseURL    string        `yaml:"base_url"`
	APIKey     string        `yaml:"api_key"`
	Timeout    time.Duration `yaml:"timeout"`
	PageSize   int           `yaml:"page_size"`
	MaxTickets int           `yaml:"max_tickets"`
}

type ReasoningConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	Timeout time.Duration `yaml:"timeout"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// Load reads configuration from an optional YAML file and environment
// variables. Env overrides win over the file, which wins over defaults.
func Load() (Config, error) {
	cfg := Config{
		Poll: PollConfig{
			Interval: 60 * time.Second,
			Workers:  1,
		},
		Cache: CacheConfig{
			Limit: 500,
		},
		Tracker: TrackerConfig{
			SkipThreshold:  5,
			ActivityBuffer: time.Second,
		},
		DB: DBConfig{
			Path: "ticketwatch.db",
		},
		Helpdesk: HelpdeskConfig{
			Timeout:    30 * time.Second,
			PageSize:   50,
			MaxTickets: 500,
		},
		Reasoning: ReasoningConfig{
			Model:   "gpt-4o-mini",
			Timeout: 120 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}

	if path := os.Getenv("TICKETWATCH_CONFIG_PATH"); path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	if v := os.Getenv("TICKETWATCH_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid TICKETWATCH_POLL_INTERVAL: %w", err)
		}
		cfg.Poll.Interval = d
	}
	if v := os.Getenv("TICKETWATCH_POLL_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid TICKETWATCH_POLL_WORKERS: %w", err)
		}
		cfg.Poll.Workers = n
	}
	if v := os.Getenv("TICKETWATCH_CACHE_LIMIT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid TICKETWATCH_CACHE_LIMIT: %w", err)
		}
		cfg.Cache.Limit = n
	}
	if v := os.Getenv("TICKETWATCH_SKIP_THRESHOLD"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid TICKETWATCH_SKIP_THRESHOLD: %w", err)
		}
		cfg.Tracker.SkipThreshold = n
	}
	if v := os.Getenv("TICKETWATCH_DB_PATH"); v != "" {
		cfg.DB.Path = v
	}
	if v := os.Getenv("TICKETWATCH_HELPDESK_URL"); v != "" {
		cfg.Helpdesk.BaseURL = v
	}
	if v := os.Getenv("TICKETWATCH_HELPDESK_API_KEY"); v != "" {
		cfg.Helpdesk.APIKey = v
	}
	if v := os.Getenv("TICKETWATCH_REASONING_URL"); v != "" {
		cfg.Reasoning.BaseURL = v
	}
	if v := os.Getenv("TICKETWATCH_REASONING_API_KEY"); v != "" {
		cfg.Reasoning.APIKey = v
	}
	if v := os.Getenv("TICKETWATCH_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}

	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}
