// Package config loads service configuration from an optional YAML file, the
// environment (including a .env file) and built-in defaults
package config

import (
	"errors"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the complete service configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Log          LogConfig          `mapstructure:"log"`
	Browser      BrowserConfig      `mapstructure:"browser"`
	Analysis     AnalysisConfig     `mapstructure:"analysis"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	SafeBrowsing SafeBrowsingConfig `mapstructure:"safebrowsing"`
	Crt          CrtConfig          `mapstructure:"crt"`
	Imgur        ImgurConfig        `mapstructure:"imgur"`
	Audit        AuditConfig        `mapstructure:"audit"`
	Whois        WhoisConfig        `mapstructure:"whois"`
}

type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type BrowserConfig struct {
	RemoteURL    string `mapstructure:"remote_url"`
	ExecPath     string `mapstructure:"exec_path"`
	Headless     bool   `mapstructure:"headless"`
	DebugPort    int    `mapstructure:"debug_port"`
	UserAgent    string `mapstructure:"user_agent"`
	WindowWidth  int    `mapstructure:"window_width"`
	WindowHeight int    `mapstructure:"window_height"`
}

type AnalysisConfig struct {
	RunTimeout           time.Duration `mapstructure:"run_timeout"`
	NavigationTimeout    time.Duration `mapstructure:"navigation_timeout"`
	IdleWindow           time.Duration `mapstructure:"idle_window"`
	IdleMaxInflight      int           `mapstructure:"idle_max_inflight"`
	BodyResourceTypes    []string      `mapstructure:"body_resource_types"`
	PersistWorkers       int           `mapstructure:"persist_workers"`
	NonceHeader          string        `mapstructure:"nonce_header"`
	DNSConcurrency       int           `mapstructure:"dns_concurrency"`
	MaxConcurrentRuns    int           `mapstructure:"max_concurrent_runs"`
	ScreenshotQuality    int           `mapstructure:"screenshot_quality"`
	ScreenshotVisibility string        `mapstructure:"screenshot_visibility"`
	// NodeID distinguishes identifiers minted by concurrent service instances
	NodeID               int           `mapstructure:"node_id"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN returns the lib/pq connection string
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// URL returns the postgres:// form used by migrations
func (d DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode)
}

type RedisConfig struct {
	Address       string        `mapstructure:"address"`
	Password      string        `mapstructure:"password"`
	DB            int           `mapstructure:"db"`
	CompletionTTL time.Duration `mapstructure:"completion_ttl"`
	PendingTTL    time.Duration `mapstructure:"pending_ttl"`
}

type SafeBrowsingConfig struct {
	APIKey    string        `mapstructure:"api_key"`
	Timeout   time.Duration `mapstructure:"timeout"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
	RateLimit float64       `mapstructure:"rate_limit"`
}

type CrtConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type ImgurConfig struct {
	ClientID string        `mapstructure:"client_id"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type AuditConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Binary  string        `mapstructure:"binary"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type WhoisConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DefaultBodyResourceTypes are the resource types whose response bodies are stored
var DefaultBodyResourceTypes = []string{"document", "stylesheet", "script", "xhr", "fetch", "manifest", "other"}

// SetDefaults registers the built-in defaults on v. Every key has a default so
// AutomaticEnv can override it during Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("browser.remote_url", "")
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.debug_port", 9222)
	v.SetDefault("browser.window_width", 1920)
	v.SetDefault("browser.window_height", 1080)

	v.SetDefault("analysis.run_timeout", 2*time.Minute)
	v.SetDefault("analysis.navigation_timeout", 60*time.Second)
	v.SetDefault("analysis.idle_window", 500*time.Millisecond)
	v.SetDefault("analysis.idle_max_inflight", 2)
	v.SetDefault("analysis.body_resource_types", DefaultBodyResourceTypes)
	v.SetDefault("analysis.persist_workers", 8)
	v.SetDefault("analysis.nonce_header", "x-url-analyzer-nonce")
	v.SetDefault("analysis.dns_concurrency", 16)
	v.SetDefault("analysis.max_concurrent_runs", 4)
	v.SetDefault("analysis.screenshot_quality", 100)
	v.SetDefault("analysis.screenshot_visibility", "public")
	v.SetDefault("analysis.node_id", 1)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.name", "urlanalyzer")
	v.SetDefault("database.password", "")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.completion_ttl", 24*time.Hour)
	v.SetDefault("redis.pending_ttl", 10*time.Minute)

	v.SetDefault("safebrowsing.api_key", "")
	v.SetDefault("safebrowsing.timeout", 10*time.Second)
	v.SetDefault("safebrowsing.cache_ttl", 30*time.Minute)
	v.SetDefault("safebrowsing.rate_limit", 10.0)

	v.SetDefault("crt.timeout", 30*time.Second)

	v.SetDefault("imgur.client_id", "")
	v.SetDefault("imgur.timeout", 30*time.Second)

	v.SetDefault("audit.enabled", false)
	v.SetDefault("audit.binary", "lighthouse")
	v.SetDefault("audit.timeout", 90*time.Second)

	v.SetDefault("whois.enabled", true)
	v.SetDefault("whois.timeout", 10*time.Second)
}

// New returns a viper instance with defaults and environment binding applied
func New() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	SetDefaults(v)
	return v
}

// Load reads .env, the optional config file at path (or ./config.yaml) and the
// environment into a Config
func Load(path string) (*Config, error) {
	// .env is optional; real environment variables win over it
	_ = godotenv.Load()

	v := New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		fmt.Fprintf(os.Stderr, "Warning: config file not found, using defaults and environment\n")
	}

	return FromViper(v)
}

// FromViper decodes a Config from v
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &cfg, nil
}

// Validate checks settings shared by every command
func (c *Config) Validate() error {
	var errs []error

	positive := map[string]time.Duration{
		"analysis.run_timeout":        c.Analysis.RunTimeout,
		"analysis.navigation_timeout": c.Analysis.NavigationTimeout,
		"analysis.idle_window":        c.Analysis.IdleWindow,
		"safebrowsing.timeout":        c.SafeBrowsing.Timeout,
		"crt.timeout":                 c.Crt.Timeout,
		"imgur.timeout":               c.Imgur.Timeout,
	}
	for _, key := range slices.Sorted(maps.Keys(positive)) {
		if positive[key] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", key))
		}
	}

	if c.Analysis.NavigationTimeout > c.Analysis.RunTimeout {
		errs = append(errs, errors.New("analysis.navigation_timeout must not exceed analysis.run_timeout"))
	}
	if c.Analysis.PersistWorkers <= 0 {
		errs = append(errs, errors.New("analysis.persist_workers must be positive"))
	}
	if c.Analysis.NonceHeader == "" {
		errs = append(errs, errors.New("analysis.nonce_header is required"))
	}
	if c.Audit.Enabled && c.Audit.Timeout <= 0 {
		errs = append(errs, errors.New("audit.timeout must be positive"))
	}
	if c.Whois.Enabled && c.Whois.Timeout <= 0 {
		errs = append(errs, errors.New("whois.timeout must be positive"))
	}

	return errors.Join(errs...)
}

// ValidateServe additionally checks the settings the HTTP service needs
func (c *Config) ValidateServe() error {
	var errs []error
	if err := c.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Server.Address == "" {
		errs = append(errs, errors.New("server.address is required"))
	}
	if c.Database.Host == "" || c.Database.Name == "" || c.Database.User == "" {
		errs = append(errs, errors.New("database host, name and user are required"))
	}
	if c.Redis.Address == "" {
		errs = append(errs, errors.New("redis.address is required"))
	}
	return errors.Join(errs...)
}

