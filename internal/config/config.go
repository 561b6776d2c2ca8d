// Package config loads partprice settings from a YAML file, PARTPRICE_*
// environment variables and command-line flags, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/FranksOps/partprice/internal/orchestrator"
	"github.com/FranksOps/partprice/pkg/proxy"
)

// EnvPrefix prefixes every environment override, e.g. PARTPRICE_HTTP_ADDR.
const EnvPrefix = "PARTPRICE"

type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type HTTP struct {
	Addr            string        `mapstructure:"addr"`
	DocsDir         string        `mapstructure:"docs_dir"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Metrics: an empty Addr mounts /metrics on the API listener instead.
type Metrics struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type Fetch struct {
	Timeout       time.Duration     `mapstructure:"timeout"`
	MaxRedirects  int               `mapstructure:"max_redirects"`
	CookieJar     bool              `mapstructure:"cookie_jar"`
	MaxBodyBytes  int64             `mapstructure:"max_body_bytes"`
	Fingerprint   string            `mapstructure:"fingerprint"`
	UserAgents    []string          `mapstructure:"user_agents"`
	UserAgentMode string            `mapstructure:"user_agent_mode"`
	Headers       map[string]string `mapstructure:"headers"`
	ProxyFile     string            `mapstructure:"proxy_file"`
	Proxies       []string          `mapstructure:"proxies"`
	ProxyHealth   proxy.Config      `mapstructure:"proxy_health"`
}

type Cache struct {
	// Backend is memory, sqlite or none.
	Backend string        `mapstructure:"backend"`
	DSN     string        `mapstructure:"dsn"`
	Janitor time.Duration `mapstructure:"janitor"`
}

type History struct {
	// Backend is none, sqlite, postgres, json or csv.
	Backend string `mapstructure:"backend"`
	DSN     string `mapstructure:"dsn"`
}

// Config is the complete settings tree.
type Config struct {
	Log          Log                 `mapstructure:"log"`
	HTTP         HTTP                `mapstructure:"http"`
	Metrics      Metrics             `mapstructure:"metrics"`
	Catalog      string              `mapstructure:"catalog"`
	Fetch        Fetch               `mapstructure:"fetch"`
	Cache        Cache               `mapstructure:"cache"`
	History      History             `mapstructure:"history"`
	Orchestrator orchestrator.Config `mapstructure:"orchestrator"`
}

// SetDefaults registers every default on v. Keys must be known to viper for
// environment overrides to apply.
func SetDefaults(v *viper.Viper) {
	o := orchestrator.DefaultConfig()

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.docs_dir", "api")
	v.SetDefault("http.shutdown_timeout", 10*time.Second)
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", "")
	v.SetDefault("catalog", "stores.yaml")

	v.SetDefault("fetch.timeout", 15*time.Second)
	v.SetDefault("fetch.max_redirects", 10)
	v.SetDefault("fetch.cookie_jar", false)
	v.SetDefault("fetch.max_body_bytes", 8<<20)
	v.SetDefault("fetch.fingerprint", "chrome")
	v.SetDefault("fetch.user_agent_mode", "random")
	v.SetDefault("fetch.proxy_file", "")
	v.SetDefault("fetch.proxy_health.max_failures", 3)
	v.SetDefault("fetch.proxy_health.cooldown", time.Minute)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.dsn", "")
	v.SetDefault("cache.janitor", time.Minute)

	v.SetDefault("history.backend", "none")
	v.SetDefault("history.dsn", "")

	v.SetDefault("orchestrator.deadline", o.Deadline)
	v.SetDefault("orchestrator.max_deadline", o.MaxDeadline)
	v.SetDefault("orchestrator.grace", o.Grace)
	v.SetDefault("orchestrator.max_parallel", 0)
	v.SetDefault("orchestrator.queue_limit", o.QueueLimit)
	v.SetDefault("orchestrator.cache_ttl", o.CacheTTL)
	for k, d := range o.Timeouts {
		v.SetDefault("orchestrator.timeouts."+k, d)
	}
	for k, n := range o.Concurrency {
		v.SetDefault("orchestrator.concurrency."+k, n)
	}
	v.SetDefault("orchestrator.admission.policy", string(o.Admission.Policy))
	v.SetDefault("orchestrator.admission.permits", o.Admission.Permits)
	v.SetDefault("orchestrator.admission.window", o.Admission.Window)
	v.SetDefault("orchestrator.admission.queue_limit", o.Admission.QueueLimit)
}

// Load reads path (or partprice.yaml from the working directory or
// /etc/partprice when path is empty) into v and decodes it. A missing
// default file is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("partprice")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/partprice")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks the enumerated settings.
func (c *Config) Validate() error {
	var errs []error
	switch c.Cache.Backend {
	case "memory", "sqlite", "none", "":
	default:
		errs = append(errs, fmt.Errorf("cache.backend: unknown backend %q", c.Cache.Backend))
	}
	if c.Cache.Backend == "sqlite" && c.Cache.DSN == "" {
		errs = append(errs, errors.New("cache.dsn: required for the sqlite cache"))
	}
	switch c.History.Backend {
	case "none", "":
	case "sqlite", "postgres", "json", "csv":
		if c.History.DSN == "" {
			errs = append(errs, fmt.Errorf("history.dsn: required for the %s backend", c.History.Backend))
		}
	default:
		errs = append(errs, fmt.Errorf("history.backend: unknown backend %q", c.History.Backend))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json", "":
	default:
		errs = append(errs, fmt.Errorf("log.format: want text or json, got %q", c.Log.Format))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Logger builds the process logger writing to w.
func (l Log) Logger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if l.Level != "" {
		if err := level.UnmarshalText([]byte(l.Level)); err != nil {
			return nil, fmt.Errorf("config: log.level: %w", err)
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}
