// Package config manages Stargate daemon configuration using koanf/v2.
//
// Supports YAML files and environment variable overrides. Per-gateway
// sections (radiora2, powerseries, vera, synther) have shapes that differ
// by plugin, so they are kept as raw maps here and decoded by each
// gateway's own loader via internal/gwloader.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete Stargate configuration.
type Config struct {
	WorkingDir    string               `koanf:"working_dir"`
	Logging       LoggingConfig        `koanf:"logging"`
	Server        ServerConfig         `koanf:"server"`
	Healthcheck   HealthcheckConfig    `koanf:"healthcheck"`
	Metrics       MetricsConfig        `koanf:"metrics"`
	Database      DatabaseConfig       `koanf:"database"`
	Notifications NotificationsConfig  `koanf:"notifications"`
	Reporting     ReportingConfig      `koanf:"reporting"`
	Gateways      map[string]GatewayRaw `koanf:"gateways"`
}

// GatewayRaw is the as-loaded, not-yet-typed configuration for one gateway
// plugin instance. Disabled is pulled out because it is common to every
// plugin; Raw holds the rest of the section, to be decoded into a
// plugin-specific struct by internal/gwloader.
type GatewayRaw struct {
	Disabled bool           `koanf:"disabled"`
	Raw      map[string]any `koanf:",remain"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level        string            `koanf:"level"`
	ConsoleLevel string            `koanf:"console_level"`
	Logfile      string            `koanf:"logfile"`
	ModuleLevel  map[string]string `koanf:"module_level"`
}

// ServerConfig controls the internal/api read-only HTTP surface — the
// external interface boundary spec.md §6 reserves for the browsing UI.
type ServerConfig struct {
	Port     int  `koanf:"port"`
	Public   bool `koanf:"public"`
	Webdebug bool `koanf:"webdebug"`
}

// HealthcheckConfig controls the trivial fixed-string healthcheck
// responder (spec.md §6, supplemented from `healthcheck.py`), served on
// its own port independent of the read-only query API.
type HealthcheckConfig struct {
	Port     int    `koanf:"port"`
	Response string `koanf:"response"`
}

// MetricsConfig controls the Prometheus metrics HTTP endpoint, served on
// its own port independent of the read-only query API and healthcheck.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
	Path string `koanf:"path"`
}

// DatabaseConfig controls the embedded persistence store.
type DatabaseConfig struct {
	Datafile           string        `koanf:"datafile"`
	CheckpointInterval time.Duration `koanf:"checkpoint_interval"`
}

// NotificationsConfig controls outbound notifications (spec.md §6).
type NotificationsConfig struct {
	Email      EmailConfig            `koanf:"email"`
	Recipients map[string][]Recipient `koanf:"recipients"`
}

// EmailConfig holds SMTP transport settings.
type EmailConfig struct {
	SMTPHost     string         `koanf:"smtp_host"`
	Sender       string         `koanf:"sender"`
	UseSSL       bool           `koanf:"use_ssl"`
	Authenticate *AuthCredential `koanf:"authenticate"`
}

// AuthCredential is SMTP AUTH username/password.
type AuthCredential struct {
	Username string `koanf:"username"`
	Password string `koanf:"password"`
}

// Recipient is one `[method, address]` pair for a notification alias, per
// spec.md §6's `notifications.recipients.<alias> = [[method, address], ...]`.
// Only method "email" is currently recognized.
type Recipient []string

// Method returns the delivery method ("email"), or "" if malformed.
func (r Recipient) Method() string {
	if len(r) != 2 {
		return ""
	}
	return r[0]
}

// Address returns the delivery address, or "" if malformed.
func (r Recipient) Address() string {
	if len(r) != 2 {
		return ""
	}
	return r[1]
}

// Valid reports whether the recipient is a well-formed two-element pair.
func (r Recipient) Valid() bool {
	return len(r) == 2
}

// ReportingConfig names the aliases to notify for lifecycle/error events.
type ReportingConfig struct {
	Startup   string `koanf:"startup"`
	Shutdown  string `koanf:"shutdown"`
	Exception string `koanf:"exception"`
}

// Per-gateway structs live in internal/gwloader alongside the plugins that
// interpret them; only the generic envelope lives here.

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		WorkingDir: ".",
		Logging: LoggingConfig{
			Level:        "info",
			ConsoleLevel: "info",
		},
		Server: ServerConfig{
			Port: 8080,
		},
		Healthcheck: HealthcheckConfig{
			Port:     8081,
			Response: "ok",
		},
		Metrics: MetricsConfig{
			Addr: ":9191",
			Path: "/metrics",
		},
		Database: DatabaseConfig{
			Datafile:           "stargate.db",
			CheckpointInterval: 15 * time.Minute,
		},
		Gateways: map[string]GatewayRaw{},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for Stargate configuration.
// Variables are named STARGATE_<section>_<key>, e.g., STARGATE_SERVER_PORT.
const envPrefix = "STARGATE_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (STARGATE_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	unmarshalCfg := koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
			Result:           cfg,
			WeaklyTypedInput: true,
			TagName:          "koanf",
		},
	}
	if err := k.UnmarshalWithConf("", cfg, unmarshalCfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms STARGATE_SERVER_PORT -> server.port.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"working_dir":                  defaults.WorkingDir,
		"logging.level":                defaults.Logging.Level,
		"logging.console_level":        defaults.Logging.ConsoleLevel,
		"server.port":                  defaults.Server.Port,
		"healthcheck.port":             defaults.Healthcheck.Port,
		"healthcheck.response":         defaults.Healthcheck.Response,
		"metrics.addr":                 defaults.Metrics.Addr,
		"metrics.path":                 defaults.Metrics.Path,
		"database.datafile":            defaults.Database.Datafile,
		"database.checkpoint_interval": defaults.Database.CheckpointInterval.String(),
	}
	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}
	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	ErrEmptyDatafile = errors.New("database.datafile must not be empty")
	ErrInvalidPort   = errors.New("server.port must be > 0")
)

// Validate checks the loaded configuration for required fields.
func Validate(cfg *Config) error {
	if cfg.Database.Datafile == "" {
		return ErrEmptyDatafile
	}
	if cfg.Server.Port <= 0 {
		return ErrInvalidPort
	}
	return nil
}

// -------------------------------------------------------------------------
// Logging helpers
// -------------------------------------------------------------------------

// ParseLogLevel maps a string level to an slog.Level, defaulting to Info
// for unrecognized values.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ExpandLogfile substitutes "%(pid)s" in a logfile path template with the
// current process id, matching the Python source's format-string convention.
func ExpandLogfile(template string, pid int) string {
	return strings.ReplaceAll(template, "%(pid)s", fmt.Sprintf("%d", pid))
}
