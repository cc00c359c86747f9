// Package config loads the tunnel's settings. Sources, in increasing
// precedence: defaults, an optional YAML file, environment variables and
// command-line flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const EnvConfigFile = "SENTRY_TUNNEL_CONFIG"

type Config struct {
	AllowedHosts      []string `yaml:"allowed_hosts"`
	AllowedProjectIDs []string `yaml:"allowed_project_ids"`
	AllowedDSNs       []string `yaml:"allowed_dsns"`
	StrictDSNPairing  bool     `yaml:"strict_dsn_pairing"`

	LogLevel string `yaml:"log_level"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`

	SentryDSN     string `yaml:"sentry_dsn"`
	Environment   string `yaml:"deployment_environment"`
	Release       string `yaml:"sentry_release"`
	BuildInfoJSON string `yaml:"build_info_json"`

	UpstreamTimeout  time.Duration `yaml:"upstream_timeout"`
	MaxEnvelopeBytes int64         `yaml:"max_envelope_bytes"`
	APIValidate      bool          `yaml:"api_validate"`
}

func Default() Config {
	return Config{
		LogLevel:         "DEBUG",
		Host:             "0.0.0.0",
		Port:             5000,
		Environment:      "unknown",
		UpstreamTimeout:  5 * time.Second,
		MaxEnvelopeBytes: 20 << 20,
	}
}

// Addr is the listen address.
func (c Config) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// MonitoringEnabled reports whether heartbeats and error reporting are on.
func (c Config) MonitoringEnabled() bool {
	return strings.TrimSpace(c.SentryDSN) != ""
}

// Load builds the configuration from args (without the program name) and
// the environment as seen through lookup.
func Load(args []string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	fs := pflag.NewFlagSet("sentry-tunnel", pflag.ContinueOnError)
	configFile := fs.String("config", "", "path to a YAML config file (env "+EnvConfigFile+")")
	host := fs.String("host", cfg.Host, "address to bind (env HOST)")
	port := fs.Int("port", cfg.Port, "port to listen on (env PORT)")
	logLevel := fs.String("log-level", cfg.LogLevel, "DEBUG, INFO, WARNING or ERROR (env LOG_LEVEL)")
	strict := fs.Bool("strict-dsn-pairing", false, "require host and project to come from the same allowed DSN (env STRICT_DSN_PAIRING)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}

	path := *configFile
	if path == "" {
		path, _ = lookup(EnvConfigFile)
	}
	if strings.TrimSpace(path) != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return Config{}, err
	}

	if fs.Changed("host") {
		cfg.Host = *host
	}
	if fs.Changed("port") {
		cfg.Port = *port
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = *logLevel
	}
	if fs.Changed("strict-dsn-pairing") {
		cfg.StrictDSNPairing = *strict
	}

	cfg.AllowedHosts = cleanList(cfg.AllowedHosts)
	cfg.AllowedProjectIDs = cleanList(cfg.AllowedProjectIDs)
	cfg.AllowedDSNs = cleanList(cfg.AllowedDSNs)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// FromEnvironment is Load over the process arguments and environment.
func FromEnvironment() (Config, error) {
	return Load(os.Args[1:], os.LookupEnv)
}

func (c *Config) loadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := lookup(key); ok {
			*dst = SplitList(v)
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	list("ALLOWED_SENTRY_HOSTS", &c.AllowedHosts)
	list("ALLOWED_SENTRY_PROJECT_IDS", &c.AllowedProjectIDs)
	list("ALLOWED_SENTRY_DSNS", &c.AllowedDSNs)
	boolean("STRICT_DSN_PAIRING", &c.StrictDSNPairing)
	str("LOG_LEVEL", &c.LogLevel)
	str("HOST", &c.Host)
	str("SENTRY_DSN", &c.SentryDSN)
	str("DEPLOYMENT_ENVIRONMENT", &c.Environment)
	str("SENTRY_RELEASE", &c.Release)
	str("DOCKER_METADATA_OUTPUT_JSON", &c.BuildInfoJSON)
	boolean("API_VALIDATE", &c.APIValidate)

	if v, ok := lookup("PORT"); ok && strings.TrimSpace(v) != "" {
		p, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("PORT: %w", err))
		} else {
			c.Port = p
		}
	}
	if v, ok := lookup("UPSTREAM_TIMEOUT"); ok && strings.TrimSpace(v) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("UPSTREAM_TIMEOUT: %w", err))
		} else {
			c.UpstreamTimeout = d
		}
	}
	if v, ok := lookup("MAX_ENVELOPE_BYTES"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("MAX_ENVELOPE_BYTES: %w", err))
		} else {
			c.MaxEnvelopeBytes = n
		}
	}
	return errors.Join(errs...)
}

func (c Config) Validate() error {
	var errs []error
	if c.Port < 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.UpstreamTimeout <= 0 {
		errs = append(errs, fmt.Errorf("upstream timeout must be positive, got %s", c.UpstreamTimeout))
	}
	if c.MaxEnvelopeBytes <= 0 {
		errs = append(errs, fmt.Errorf("max envelope bytes must be positive, got %d", c.MaxEnvelopeBytes))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SplitList splits a comma-separated value, trimming entries and dropping
// blanks.
func SplitList(v string) []string {
	return cleanList(strings.Split(v, ","))
}

func cleanList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ParseLogLevel accepts WARNING and CRITICAL alongside the slog level names.
func ParseLogLevel(v string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "", "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR", "CRITICAL", "FATAL":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", v)
}
