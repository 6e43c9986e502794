package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log         LogConfig         `yaml:"log"`
	Database    DatabaseConfig    `yaml:"database"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Reaper      ReaperConfig      `yaml:"reaper"`
	Scheduler   SchedulerConfig   `yaml:"scheduler"`
	Alarms      AlarmConfig       `yaml:"alarms"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite, mysql, postgres
	DSN    string `yaml:"dsn"`
}

type CoordinatorConfig struct {
	// DefaultTimeoutSeconds is applied to sessions created without an
	// explicit timeout. 0 keeps the built-in default.
	DefaultTimeoutSeconds int `yaml:"default_timeout_seconds"`
	// EventLogSize bounds the per-resource lock event history.
	EventLogSize int `yaml:"event_log_size"`
}

type ReaperConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
}

type SchedulerConfig struct {
	TickSeconds          int    `yaml:"tick_seconds"`
	MaxQueueWaitSeconds  int    `yaml:"max_queue_wait_seconds"`
	HistoryRetentionDays int    `yaml:"history_retention_days"`
	HolidayCountry       string `yaml:"holiday_country"` // calendar for workdays-only triggers
}

// AlarmConfig bounds how often failure alarms for a single job are
// forwarded to sinks.
type AlarmConfig struct {
	ThrottlePerMinute int `yaml:"throttle_per_minute"`
	ThrottleBurst     int `yaml:"throttle_burst"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

var GlobalConfig *Config

func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	if configPath == "" {
		configPath = "config.yaml"
	}

	var cfg *Config

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg = DefaultConfig()
	} else {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, err
		}

		var fileCfg Config
		if err := yaml.Unmarshal(data, &fileCfg); err != nil {
			return nil, err
		}
		cfg = &fileCfg
	}

	cfg.overrideFromEnv()
	GlobalConfig = cfg
	return cfg, nil
}

func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level: "info",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "interlock.db",
		},
		Coordinator: CoordinatorConfig{
			DefaultTimeoutSeconds: 300,
			EventLogSize:          100,
		},
		Reaper: ReaperConfig{
			IntervalSeconds: 30,
		},
		Scheduler: SchedulerConfig{
			TickSeconds:          1,
			MaxQueueWaitSeconds:  600,
			HistoryRetentionDays: 30,
			HolidayCountry:       "",
		},
		Alarms: AlarmConfig{
			ThrottlePerMinute: 6,
			ThrottleBurst:     3,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    ":9090",
		},
	}
}

func (c *Config) overrideFromEnv() {
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if driver := os.Getenv("DB_DRIVER"); driver != "" {
		c.Database.Driver = driver
	}
	if dsn := os.Getenv("DB_DSN"); dsn != "" {
		c.Database.DSN = dsn
	}
	if timeout := os.Getenv("COORDINATOR_DEFAULT_TIMEOUT"); timeout != "" {
		if v, err := strconv.Atoi(timeout); err == nil {
			c.Coordinator.DefaultTimeoutSeconds = v
		}
	}
	if interval := os.Getenv("REAPER_INTERVAL"); interval != "" {
		if v, err := strconv.Atoi(interval); err == nil {
			c.Reaper.IntervalSeconds = v
		}
	}
	if tick := os.Getenv("SCHEDULER_TICK"); tick != "" {
		if v, err := strconv.Atoi(tick); err == nil {
			c.Scheduler.TickSeconds = v
		}
	}
	if country := os.Getenv("HOLIDAY_COUNTRY"); country != "" {
		c.Scheduler.HolidayCountry = country
	}
	if addr := os.Getenv("METRICS_ADDR"); addr != "" {
		c.Metrics.Enabled = true
		c.Metrics.Addr = addr
	}
}

func (c *Config) Save(configPath string) error {
	if configPath == "" {
		configPath = "config.yaml"
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0644)
}
