// Package config loads sandboxd settings. Defaults come first, then the YAML
// file named by SANDBOX_CONFIG (if any), then environment variables.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sandboxlab/sandboxd/common/environment"
	"github.com/sandboxlab/sandboxd/common/redact"
	"github.com/sandboxlab/sandboxd/internal/sandbox/backend/kubernetes"
	"github.com/sandboxlab/sandboxd/internal/sandbox/instance"
)

// FileEnv names the optional YAML config file.
const FileEnv = "SANDBOX_CONFIG"

// Registry and backend choices.
const (
	DatabaseSQLite = "sqlite"
	DatabaseRedis  = "redis"

	BackendDocker     = "docker"
	BackendKubernetes = "kubernetes"
)

// Matrix configures the audit room. Audit notices are disabled unless every
// field is set.
type Matrix struct {
	Homeserver  string `yaml:"homeserver"`
	UserID      string `yaml:"user_id"`
	AccessToken string `yaml:"access_token"`
	AuditRoom   string `yaml:"audit_room"`
}

// Enabled reports whether all fields are present.
func (m Matrix) Enabled() bool {
	return m.Homeserver != "" && m.UserID != "" && m.AccessToken != "" && m.AuditRoom != ""
}

// Config holds the settings of both binaries.
type Config struct {
	HTTPAddr  string `yaml:"http_addr"`
	RelayAddr string `yaml:"relay_addr"`

	Database   string `yaml:"database"`
	SQLitePath string `yaml:"sqlite_path"`
	RedisURL   string `yaml:"redis_url"`

	Backend         string `yaml:"backend"`
	Kubeconfig      string `yaml:"kubeconfig"`
	KubeNamespace   string `yaml:"kube_namespace"`
	DockerNetwork   string `yaml:"docker_network"`
	DefaultImage    string `yaml:"default_image"`
	OrchestratorURL string `yaml:"orchestrator_url"`

	ReapInterval time.Duration `yaml:"reap_interval"`

	RelayAdminSecret string        `yaml:"relay_admin_secret"`
	RelayRateLimit   int           `yaml:"relay_rate_limit"`
	RelayRateWindow  time.Duration `yaml:"relay_rate_window"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Matrix Matrix `yaml:"matrix"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		HTTPAddr:        ":8000",
		RelayAddr:       ":8545",
		Database:        DatabaseSQLite,
		SQLitePath:      "./sandboxd.db",
		RedisURL:        "redis://localhost:6379/0",
		Backend:         BackendDocker,
		Kubeconfig:      kubernetes.InCluster,
		KubeNamespace:   "default",
		DockerNetwork:   "sandboxd",
		DefaultImage:    instance.DefaultImage,
		OrchestratorURL: "http://orchestrator:8000",
		ReapInterval:    time.Second,
		RelayRateWindow: time.Second,
		LogLevel:        "info",
		LogFormat:       "text",
	}
}

// Load builds the configuration from defaults, the optional file and the
// environment, then validates it.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv(FileEnv); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var err error
	c.HTTPAddr = environment.StringOr("HTTP_ADDR", c.HTTPAddr)
	c.RelayAddr = environment.StringOr("RELAY_ADDR", c.RelayAddr)

	if c.Database, err = environment.OneOf("DATABASE", c.Database, DatabaseSQLite, DatabaseRedis); err != nil {
		return err
	}
	c.SQLitePath = environment.StringOr("SQLITE_PATH", c.SQLitePath)
	c.RedisURL = environment.StringOr("REDIS_URL", c.RedisURL)

	if c.Backend, err = environment.OneOf("BACKEND", c.Backend, BackendDocker, BackendKubernetes); err != nil {
		return err
	}
	c.Kubeconfig = environment.StringOr("KUBECONFIG", c.Kubeconfig)
	c.KubeNamespace = environment.StringOr("KUBE_NAMESPACE", c.KubeNamespace)
	c.DockerNetwork = environment.StringOr("DOCKER_NETWORK", c.DockerNetwork)
	c.DefaultImage = environment.StringOr("DEFAULT_IMAGE", c.DefaultImage)
	c.OrchestratorURL = environment.StringOr("ORCHESTRATOR_URL", c.OrchestratorURL)
	c.ReapInterval = environment.DurationOr("REAP_INTERVAL", c.ReapInterval)

	c.RelayAdminSecret = environment.StringOr("RELAY_ADMIN_SECRET", c.RelayAdminSecret)
	c.RelayRateLimit = environment.IntOr("RELAY_RATE_LIMIT", c.RelayRateLimit)
	c.RelayRateWindow = environment.DurationOr("RELAY_RATE_WINDOW", c.RelayRateWindow)

	c.LogLevel = environment.StringOr("LOG_LEVEL", c.LogLevel)
	c.LogFormat = environment.StringOr("LOG_FORMAT", c.LogFormat)

	c.Matrix.Homeserver = environment.StringOr("MATRIX_HOMESERVER", c.Matrix.Homeserver)
	c.Matrix.UserID = environment.StringOr("MATRIX_USER_ID", c.Matrix.UserID)
	c.Matrix.AccessToken = environment.StringOr("MATRIX_ACCESS_TOKEN", c.Matrix.AccessToken)
	c.Matrix.AuditRoom = environment.StringOr("MATRIX_AUDIT_ROOM", c.Matrix.AuditRoom)
	return nil
}

// Validate rejects settings the binaries cannot start with.
func (c *Config) Validate() error {
	switch c.Database {
	case DatabaseSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required when DATABASE=%s", DatabaseSQLite)
		}
	case DatabaseRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when DATABASE=%s", DatabaseRedis)
		}
	default:
		return fmt.Errorf("DATABASE: unknown registry %q", c.Database)
	}
	switch c.Backend {
	case BackendDocker, BackendKubernetes:
	default:
		return fmt.Errorf("BACKEND: unknown backend %q", c.Backend)
	}
	if c.ReapInterval <= 0 {
		return fmt.Errorf("REAP_INTERVAL must be positive, got %s", c.ReapInterval)
	}
	if c.RelayRateLimit < 0 {
		return fmt.Errorf("RELAY_RATE_LIMIT must not be negative")
	}
	return nil
}

// Summary returns the settings as strings with secrets redacted, for the
// startup log.
func (c *Config) Summary() map[string]string {
	return redact.Map(map[string]string{
		"http_addr":           c.HTTPAddr,
		"relay_addr":          c.RelayAddr,
		"database":            c.Database,
		"sqlite_path":         c.SQLitePath,
		"redis_url":           redact.String(c.RedisURL, redisPassword(c.RedisURL)),
		"backend":             c.Backend,
		"kubeconfig":          c.Kubeconfig,
		"kube_namespace":      c.KubeNamespace,
		"docker_network":      c.DockerNetwork,
		"default_image":       c.DefaultImage,
		"orchestrator_url":    c.OrchestratorURL,
		"reap_interval":       c.ReapInterval.String(),
		"relay_admin_secret":  c.RelayAdminSecret,
		"relay_rate_limit":    strconv.Itoa(c.RelayRateLimit),
		"matrix_homeserver":   c.Matrix.Homeserver,
		"matrix_access_token": c.Matrix.AccessToken,
		"matrix_audit_room":   c.Matrix.AuditRoom,
	})
}

func redisPassword(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.User == nil {
		return ""
	}
	pw, _ := u.User.Password()
	return pw
}
