package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/sirupsen/logrus"
	yamlv3 "gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server ServerConfig `koanf:"server" yaml:"server"`
	Origin OriginConfig `koanf:"origin" yaml:"origin"`
	Cache  CacheConfig  `koanf:"cache" yaml:"cache"`
	Routes RoutesConfig `koanf:"routes" yaml:"routes"`
	Sync   SyncConfig   `koanf:"sync" yaml:"sync"`
	Log    LogConfig    `koanf:"log" yaml:"log"`
}

// ServerConfig contains server-related configuration
type ServerConfig struct {
	Port  int         `koanf:"port" yaml:"port" env:"OFFLINE_PROXY_PORT"`
	HTTPS HTTPSConfig `koanf:"https" yaml:"https"`
}

// HTTPSConfig controls CONNECT interception for forward-proxy clients
type HTTPSConfig struct {
	Enabled    bool   `koanf:"enabled" yaml:"enabled" env:"OFFLINE_PROXY_HTTPS"`
	CACertFile string `koanf:"ca_cert_file" yaml:"ca_cert_file" env:"OFFLINE_PROXY_CA_CERT"`
	CAKeyFile  string `koanf:"ca_key_file" yaml:"ca_key_file" env:"OFFLINE_PROXY_CA_KEY"`
}

// OriginConfig describes the backend every intercepted request belongs to
type OriginConfig struct {
	URL     string `koanf:"url" yaml:"url" env:"OFFLINE_PROXY_ORIGIN"`
	Timeout string `koanf:"timeout" yaml:"timeout" env:"OFFLINE_PROXY_ORIGIN_TIMEOUT"`
}

// CacheConfig contains cache-related configuration
type CacheConfig struct {
	Folder     string   `koanf:"folder" yaml:"folder" env:"OFFLINE_PROXY_CACHE_FOLDER"`
	Prefix     string   `koanf:"prefix" yaml:"prefix" env:"OFFLINE_PROXY_CACHE_PREFIX"`
	Version    string   `koanf:"version" yaml:"version" env:"OFFLINE_PROXY_CACHE_VERSION"`
	Seed       []string `koanf:"seed" yaml:"seed" env:"OFFLINE_PROXY_CACHE_SEED"`
	OfflineURL string   `koanf:"offline_url" yaml:"offline_url" env:"OFFLINE_PROXY_OFFLINE_URL"`
}

// RoutesConfig contains the URL shapes used to classify requests
type RoutesConfig struct {
	ContentPrefix    string   `koanf:"content_prefix" yaml:"content_prefix"`
	ShellPaths       []string `koanf:"shell_paths" yaml:"shell_paths"`
	AssetPrefixes    []string `koanf:"asset_prefixes" yaml:"asset_prefixes"`
	StaticExtensions []string `koanf:"static_extensions" yaml:"static_extensions"`
}

// SyncConfig contains background refresh configuration
type SyncConfig struct {
	Tag           string `koanf:"tag" yaml:"tag"`
	RefreshURL    string `koanf:"refresh_url" yaml:"refresh_url"`
	ProbeInterval string `koanf:"probe_interval" yaml:"probe_interval" env:"OFFLINE_PROXY_PROBE_INTERVAL"`
	MaxBackoff    string `koanf:"max_backoff" yaml:"max_backoff"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level string `koanf:"level" yaml:"level" env:"OFFLINE_PROXY_LOG_LEVEL"`
}

// Default returns the configuration used when a key is absent from the file
func Default() Config {
	return Config{
		Server: ServerConfig{Port: 8080},
		Origin: OriginConfig{Timeout: "30s"},
		Cache: CacheConfig{
			Prefix:     "haas-blog-",
			Version:    "v1",
			Seed:       []string{"/", "/blog", "/offline", "/favicon.ico", "/favicon.svg"},
			OfflineURL: "/offline",
		},
		Routes: RoutesConfig{
			ContentPrefix:    "/blog/",
			ShellPaths:       []string{"/", "/blog"},
			AssetPrefixes:    []string{"/generated/", "/images/"},
			StaticExtensions: []string{".css", ".js"},
		},
		Sync: SyncConfig{
			Tag:           "cache-blog-posts",
			RefreshURL:    "/blog",
			ProbeInterval: "30s",
			MaxBackoff:    "5m",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load loads configuration from a YAML file, then applies environment overrides
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := env.Parse(&config); err != nil {
		return nil, fmt.Errorf("parsing config environment: %w", err)
	}

	return &config, nil
}

// Dump renders the configuration as YAML
func (c *Config) Dump() ([]byte, error) {
	return yamlv3.Marshal(c)
}

// GetOriginTimeout parses and returns the origin request timeout
func (c *Config) GetOriginTimeout() (time.Duration, error) {
	return time.ParseDuration(c.Origin.Timeout)
}

// GetProbeInterval parses and returns the connectivity probe interval
func (c *Config) GetProbeInterval() (time.Duration, error) {
	return time.ParseDuration(c.Sync.ProbeInterval)
}

// GetMaxBackoff parses and returns the longest delay between sync retries
func (c *Config) GetMaxBackoff() (time.Duration, error) {
	return time.ParseDuration(c.Sync.MaxBackoff)
}

// GetLogLevel parses and returns the logrus level
func (c *Config) GetLogLevel() (logrus.Level, error) {
	return logrus.ParseLevel(c.Log.Level)
}

// CurrentCacheName returns the name of the cache store for the active version
func (c *Config) CurrentCacheName() string {
	return c.Cache.Prefix + c.Cache.Version
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if c.Origin.URL == "" {
		return fmt.Errorf("origin URL is required")
	}
	origin, err := url.Parse(c.Origin.URL)
	if err != nil {
		return fmt.Errorf("invalid origin URL: %w", err)
	}
	if (origin.Scheme != "http" && origin.Scheme != "https") || origin.Host == "" {
		return fmt.Errorf("origin URL must be an absolute http(s) URL, got: %s", c.Origin.URL)
	}

	if _, err := c.GetOriginTimeout(); err != nil {
		return fmt.Errorf("invalid origin timeout format: %w", err)
	}

	if c.Cache.Folder == "" {
		return fmt.Errorf("cache folder is required")
	}

	if c.Cache.Version == "" {
		return fmt.Errorf("cache version is required")
	}

	if strings.ContainsAny(c.CurrentCacheName(), `/\`) {
		return fmt.Errorf("cache prefix and version must not contain path separators, got: %s", c.CurrentCacheName())
	}

	if c.Cache.OfflineURL != "" && !slices.Contains(c.Cache.Seed, c.Cache.OfflineURL) {
		return fmt.Errorf("offline URL %s must be part of the seed list", c.Cache.OfflineURL)
	}

	if c.Routes.ContentPrefix == "" {
		return fmt.Errorf("content prefix is required")
	}

	if c.Sync.Tag == "" {
		return fmt.Errorf("sync tag is required")
	}

	if _, err := c.GetProbeInterval(); err != nil {
		return fmt.Errorf("invalid probe interval format: %w", err)
	}

	if _, err := c.GetMaxBackoff(); err != nil {
		return fmt.Errorf("invalid max backoff format: %w", err)
	}

	if _, err := c.GetLogLevel(); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	return nil
}
