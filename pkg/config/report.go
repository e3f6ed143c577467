package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ReportConfig holds runtime configuration for the bibles report generator.
type ReportConfig struct {
	API     APIConfig     `yaml:"api"`
	Poll    PollConfig    `yaml:"poll"`
	Output  OutputConfig  `yaml:"output"`
	Cache   CacheConfig   `yaml:"cache"`
	DB      DBConfig      `yaml:"db"`
	Metrics MetricsConfig `yaml:"metrics"`
	Notify  NotifyConfig  `yaml:"notify"`
	Log     LogConfig     `yaml:"log"`
}

// APIConfig describes how to reach the report-generation service.
type APIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// PollConfig tunes project selection and the generation polling loop.
type PollConfig struct {
	Tag            string        `yaml:"tag"`
	LatestOnly     bool          `yaml:"latest_only"`
	Concurrency    int           `yaml:"concurrency"`
	Interval       time.Duration `yaml:"interval"`
	StallThreshold int           `yaml:"stall_threshold"`
	MaxWait        time.Duration `yaml:"max_wait"`
}

// OutputConfig names the CSV report.
type OutputConfig struct {
	Name string `yaml:"name"`
}

// CacheConfig configures the finished-artifact cache. Redis is used when Addr is set.
type CacheConfig struct {
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	TTL           time.Duration `yaml:"ttl"`
}

// DBConfig configures run history persistence. Disabled when URL is empty.
type DBConfig struct {
	URL string `yaml:"url"`
}

// MetricsConfig configures the optional Prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// NotifyConfig configures the optional run summary webhook.
type NotifyConfig struct {
	URL    string `yaml:"url"`
	Token  string `yaml:"token"`
	Secret string `yaml:"secret"`
}

// LogConfig sets the log level.
type LogConfig struct {
	Level string `yaml:"level"`
}

// DefaultReportConfig returns the built-in defaults.
func DefaultReportConfig() ReportConfig {
	return ReportConfig{
		API: APIConfig{
			BaseURL: "https://www.meterian.com",
			Timeout: 30 * time.Second,
		},
		Poll: PollConfig{
			LatestOnly:     true,
			Concurrency:    1,
			Interval:       10 * time.Second,
			StallThreshold: 6,
			MaxWait:        30 * time.Minute,
		},
		Output: OutputConfig{Name: "bibles"},
		Cache:  CacheConfig{TTL: 24 * time.Hour},
		Log:    LogConfig{Level: "info"},
	}
}

// LoadReportConfig layers an optional YAML file (BIBLES_CONFIG_PATH) and environment
// variables over the defaults.
func LoadReportConfig() (ReportConfig, error) {
	cfg := DefaultReportConfig()

	if path := os.Getenv("BIBLES_CONFIG_PATH"); path != "" {
		if err := loadFromFile(path, &cfg); err != nil {
			return ReportConfig{}, err
		}
	}

	cfg.API.BaseURL = GetString("BIBLES_API_URL", cfg.API.BaseURL)
	cfg.API.Token = GetString("METERIAN_API_TOKEN", cfg.API.Token)
	cfg.API.Timeout = GetDuration("BIBLES_HTTP_TIMEOUT", cfg.API.Timeout)
	cfg.Poll.Tag = GetString("BIBLES_TAG", cfg.Poll.Tag)
	cfg.Poll.LatestOnly = GetBool("BIBLES_LATEST_ONLY", cfg.Poll.LatestOnly)
	cfg.Poll.Concurrency = GetInt("BIBLES_CONCURRENCY", cfg.Poll.Concurrency)
	cfg.Poll.Interval = GetDuration("BIBLES_POLL_INTERVAL", cfg.Poll.Interval)
	cfg.Poll.StallThreshold = GetInt("BIBLES_STALL_THRESHOLD", cfg.Poll.StallThreshold)
	cfg.Poll.MaxWait = GetDuration("BIBLES_MAX_WAIT", cfg.Poll.MaxWait)
	cfg.Output.Name = GetString("BIBLES_OUTPUT", cfg.Output.Name)
	cfg.Cache.RedisAddr = GetString("BIBLES_REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.Cache.RedisPassword = GetString("BIBLES_REDIS_PASSWORD", cfg.Cache.RedisPassword)
	cfg.Cache.RedisDB = GetInt("BIBLES_REDIS_DB", cfg.Cache.RedisDB)
	cfg.Cache.TTL = GetDuration("BIBLES_CACHE_TTL", cfg.Cache.TTL)
	cfg.DB.URL = GetString("DATABASE_URL", cfg.DB.URL)
	cfg.Metrics.Addr = GetString("BIBLES_METRICS_ADDR", cfg.Metrics.Addr)
	cfg.Notify.URL = GetString("BIBLES_NOTIFY_URL", cfg.Notify.URL)
	cfg.Notify.Token = GetString("BIBLES_NOTIFY_TOKEN", cfg.Notify.Token)
	cfg.Notify.Secret = GetString("BIBLES_NOTIFY_SECRET", cfg.Notify.Secret)
	cfg.Log.Level = GetString("BIBLES_LOG_LEVEL", cfg.Log.Level)

	return cfg, nil
}

// Validate reports settings that would make a run impossible.
func (c ReportConfig) Validate() error {
	var errs []error
	if strings.TrimSpace(c.API.BaseURL) == "" {
		errs = append(errs, errors.New("api base url is required"))
	}
	if c.Poll.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be at least 1, got %d", c.Poll.Concurrency))
	}
	if c.Poll.Interval <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be positive, got %s", c.Poll.Interval))
	}
	if c.Poll.StallThreshold < 1 {
		errs = append(errs, fmt.Errorf("stall threshold must be at least 1, got %d", c.Poll.StallThreshold))
	}
	if strings.TrimSpace(c.Output.Name) == "" {
		errs = append(errs, errors.New("output name is required"))
	}
	return errors.Join(errs...)
}

// OutputPath returns the CSV file name, appending the .csv extension.
func (c ReportConfig) OutputPath() string {
	name := strings.TrimSpace(c.Output.Name)
	if strings.HasSuffix(strings.ToLower(name), ".csv") {
		return name
	}
	return name + ".csv"
}

func loadFromFile(path string, cfg *ReportConfig) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}
