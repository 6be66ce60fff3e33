// Package config provides configuration management for the session daemon.
// It handles loading and parsing YAML configuration files, environment overrides,
// and provides structured access to the control API, upstream API, logging and
// credential storage settings.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Store backend identifiers.
const (
	StoreFile     = "file"
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreObject   = "object"
	StoreGit      = "git"
)

const (
	DefaultHost             = "127.0.0.1"
	DefaultPort             = 8417
	DefaultEventsPath       = "/events"
	DefaultReconnectSeconds = 5
	DefaultAppVersion       = "web-sessiond@1.0.0"

	envPrefix = "SESSIOND_"
)

// Config represents the daemon configuration, loaded from a YAML file.
type Config struct {
	// Host is the interface the control API binds to.
	Host string `yaml:"host" json:"host"`
	// Port is the control API port.
	Port int `yaml:"port" json:"port"`
	// Debug enables debug-level logging.
	Debug bool `yaml:"debug" json:"debug"`
	// LoggingToFile writes logs to rotating files instead of stdout.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`
	// LogsMaxTotalSizeMB caps the log directory size. <= 0 disables the cleaner.
	LogsMaxTotalSizeMB int `yaml:"logs-max-total-size-mb" json:"logs-max-total-size-mb"`

	// APIBaseURL is the root of the session API.
	APIBaseURL string `yaml:"api-base-url" json:"api-base-url"`
	// AccountURL is the companion web application that issues session forks.
	AccountURL string `yaml:"account-url" json:"account-url"`
	// AppVersion is sent with every API request.
	AppVersion string `yaml:"app-version" json:"app-version"`
	// ProxyURL is the URL of an optional proxy server to use for outbound requests.
	ProxyURL string `yaml:"proxy-url" json:"proxy-url"`

	// AuthDir is the directory holding the file credential store.
	AuthDir string `yaml:"auth-dir" json:"auth-dir"`
	// SealKey enables encryption at rest of persisted credentials when non-empty.
	SealKey string `yaml:"seal-key" json:"-"`

	Store  StoreConfig  `yaml:"store" json:"store"`
	Events EventsConfig `yaml:"events" json:"events"`
}

// StoreConfig selects and configures the credential storage backend.
type StoreConfig struct {
	Type     string         `yaml:"type" json:"type"`
	Postgres PostgresConfig `yaml:"postgres" json:"postgres"`
	Object   ObjectConfig   `yaml:"object" json:"object"`
	Git      GitConfig      `yaml:"git" json:"git"`
}

// PostgresConfig configures the PostgreSQL backend.
type PostgresConfig struct {
	DSN       string `yaml:"dsn" json:"-"`
	Schema    string `yaml:"schema" json:"schema"`
	Table     string `yaml:"table" json:"table"`
	Namespace string `yaml:"namespace" json:"namespace"`
}

// ObjectConfig configures the S3-compatible backend.
type ObjectConfig struct {
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	Bucket    string `yaml:"bucket" json:"bucket"`
	AccessKey string `yaml:"access-key" json:"-"`
	SecretKey string `yaml:"secret-key" json:"-"`
	Region    string `yaml:"region" json:"region"`
	Prefix    string `yaml:"prefix" json:"prefix"`
	UseSSL    bool   `yaml:"use-ssl" json:"use-ssl"`
	PathStyle bool   `yaml:"path-style" json:"path-style"`
}

// GitConfig configures the git backend.
type GitConfig struct {
	Remote   string `yaml:"remote" json:"remote"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"-"`
	LocalDir string `yaml:"local-dir" json:"local-dir"`
}

// EventsConfig configures the push event stream.
type EventsConfig struct {
	Path             string `yaml:"path" json:"path"`
	ReconnectSeconds int    `yaml:"reconnect-seconds" json:"reconnect-seconds"`
}

// LoadConfig reads and parses the YAML configuration file at configFile.
func LoadConfig(configFile string) (*Config, error) {
	return LoadConfigOptional(configFile, false)
}

// LoadConfigOptional reads configFile. When optional is true a missing or empty
// file yields the default configuration instead of an error.
func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(configFile) == "" {
		if optional {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: no configuration file given")
	}
	data, err := os.ReadFile(configFile)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", configFile, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		if optional {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: %s is empty", configFile)
	}
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", configFile, err)
	}
	cfg.normalize()
	return cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{
		Host:       DefaultHost,
		Port:       DefaultPort,
		AppVersion: DefaultAppVersion,
		Store:      StoreConfig{Type: StoreFile},
		Events:     EventsConfig{Path: DefaultEventsPath, ReconnectSeconds: DefaultReconnectSeconds},
	}
	return cfg
}

// ApplyEnv overrides fields from SESSIOND_* variables returned by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if c == nil || lookup == nil {
		return
	}
	get := func(name string) (string, bool) {
		value, ok := lookup(envPrefix + name)
		if !ok {
			return "", false
		}
		value = strings.TrimSpace(value)
		return value, value != ""
	}
	setString := func(name string, dst *string) {
		if v, ok := get(name); ok {
			*dst = v
		}
	}
	setBool := func(name string, dst *bool) {
		if v, ok := get(name); ok {
			if parsed, err := strconv.ParseBool(v); err == nil {
				*dst = parsed
			}
		}
	}
	setInt := func(name string, dst *int) {
		if v, ok := get(name); ok {
			if parsed, err := strconv.Atoi(v); err == nil {
				*dst = parsed
			}
		}
	}

	setString("HOST", &c.Host)
	setInt("PORT", &c.Port)
	setBool("DEBUG", &c.Debug)
	setBool("LOGGING_TO_FILE", &c.LoggingToFile)
	setString("API_BASE_URL", &c.APIBaseURL)
	setString("ACCOUNT_URL", &c.AccountURL)
	setString("PROXY_URL", &c.ProxyURL)
	setString("AUTH_DIR", &c.AuthDir)
	setString("SEAL_KEY", &c.SealKey)
	setString("STORE_TYPE", &c.Store.Type)
	setString("PGSTORE_DSN", &c.Store.Postgres.DSN)
	setString("PGSTORE_SCHEMA", &c.Store.Postgres.Schema)
	setString("OBJECTSTORE_ENDPOINT", &c.Store.Object.Endpoint)
	setString("OBJECTSTORE_BUCKET", &c.Store.Object.Bucket)
	setString("OBJECTSTORE_ACCESS_KEY", &c.Store.Object.AccessKey)
	setString("OBJECTSTORE_SECRET_KEY", &c.Store.Object.SecretKey)
	setString("GITSTORE_GIT_URL", &c.Store.Git.Remote)
	setString("GITSTORE_GIT_USERNAME", &c.Store.Git.Username)
	setString("GITSTORE_GIT_TOKEN", &c.Store.Git.Password)
	c.normalize()
}

// Validate reports configuration errors that prevent startup.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.APIBaseURL) == "" {
		return fmt.Errorf("config: api-base-url is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid port %d", c.Port)
	}
	switch c.Store.Type {
	case StoreFile, StoreMemory:
	case StorePostgres:
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("config: store.postgres.dsn is required")
		}
	case StoreObject:
		if c.Store.Object.Endpoint == "" || c.Store.Object.Bucket == "" {
			return fmt.Errorf("config: store.object endpoint and bucket are required")
		}
	case StoreGit:
		if c.Store.Git.Remote == "" {
			return fmt.Errorf("config: store.git.remote is required")
		}
	default:
		return fmt.Errorf("config: unknown store type %q", c.Store.Type)
	}
	return nil
}

func (c *Config) normalize() {
	c.Host = strings.TrimSpace(c.Host)
	if c.Host == "" {
		c.Host = DefaultHost
	}
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.AppVersion == "" {
		c.AppVersion = DefaultAppVersion
	}
	c.APIBaseURL = strings.TrimRight(strings.TrimSpace(c.APIBaseURL), "/")
	c.Store.Type = strings.ToLower(strings.TrimSpace(c.Store.Type))
	if c.Store.Type == "" {
		c.Store.Type = StoreFile
	}
	if c.Events.Path == "" {
		c.Events.Path = DefaultEventsPath
	}
	if c.Events.ReconnectSeconds <= 0 {
		c.Events.ReconnectSeconds = DefaultReconnectSeconds
	}
}
