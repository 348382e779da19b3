// Package config loads the server configuration once at startup from defaults,
// an optional YAML file and the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	cstr "github.com/agentuity/mcp-sse/string"
	"github.com/cockroachdb/errors"
	"github.com/hashicorp/go-multierror"
	"github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

const (
	DefaultListenAddr        = ":3001"
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultSSEPath           = "/sse"
	DefaultMessagePath       = "/message"

	EnvProduction = "production"
)

// ErrMissingStoreCredentials is reported when production runs without a store URL.
var ErrMissingStoreCredentials = errors.New("store credentials are required in production")

// Duration is a time.Duration that accepts str2duration syntax ("30s", "1d2h") in YAML.
type Duration time.Duration

func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := ParseDuration(node.Value)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// ParseDuration parses a duration. A bare integer is taken as seconds.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := str2duration.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid duration %q", s)
	}
	return d, nil
}

type Store struct {
	URL           string            `yaml:"url"`
	Token         cstr.MaskedString `yaml:"token"`
	AllowFallback bool              `yaml:"allow_fallback"`
}

type PubSub struct {
	URL     string            `yaml:"url"`
	Token   cstr.MaskedString `yaml:"token"`
	Channel string            `yaml:"channel"`
}

type Telemetry struct {
	Endpoint    string            `yaml:"endpoint"`
	Token       cstr.MaskedString `yaml:"token"`
	ServiceName string            `yaml:"service_name"`
}

type Config struct {
	Environment       string            `yaml:"environment"`
	ListenAddr        string            `yaml:"listen_addr"`
	MetricsAddr       string            `yaml:"metrics_addr"`
	SSEPath           string            `yaml:"sse_path"`
	MessagePath       string            `yaml:"message_path"`
	AuthSecret        cstr.MaskedString `yaml:"auth_secret"`
	MaxDuration       Duration          `yaml:"max_duration"`
	HeartbeatInterval Duration          `yaml:"heartbeat_interval"`
	LogLevel          string            `yaml:"log_level"`
	LogFormat         string            `yaml:"log_format"`
	Store             Store             `yaml:"store"`
	PubSub            PubSub            `yaml:"pubsub"`
	Telemetry         Telemetry         `yaml:"telemetry"`
}

// Production reports whether production rules apply.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Environment, EnvProduction)
}

// Default returns a Config populated with defaults only.
func Default() *Config {
	return &Config{
		Environment:       "development",
		ListenAddr:        DefaultListenAddr,
		SSEPath:           DefaultSSEPath,
		MessagePath:       DefaultMessagePath,
		HeartbeatInterval: Duration(DefaultHeartbeatInterval),
		LogLevel:          "info",
		LogFormat:         "console",
		PubSub:            PubSub{Channel: "mcp"},
		Telemetry:         Telemetry{ServiceName: "mcp-sse"},
	}
}

// Load builds the configuration from defaults, then the YAML file at path (when
// not empty), then the process environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "reading config file %s", path)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, errors.Wrapf(err, "parsing config file %s", path)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays environment values onto c.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	var errs *multierror.Error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	secret := func(key string, dst *cstr.MaskedString) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = cstr.MaskedString(v)
		}
	}
	dur := func(key string, dst *Duration) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		d, err := ParseDuration(v)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = Duration(d)
	}

	str("APP_ENV", &c.Environment)
	str("MCP_LISTEN_ADDR", &c.ListenAddr)
	str("MCP_METRICS_ADDR", &c.MetricsAddr)
	secret("MCP_AUTH_SECRET", &c.AuthSecret)
	str("MCP_LOG_LEVEL", &c.LogLevel)
	str("MCP_LOG_FORMAT", &c.LogFormat)
	str("REDIS_URL", &c.Store.URL)
	secret("REDIS_TOKEN", &c.Store.Token)
	str("PUBSUB_URL", &c.PubSub.URL)
	secret("PUBSUB_TOKEN", &c.PubSub.Token)
	str("PUBSUB_CHANNEL", &c.PubSub.Channel)
	str("OTEL_EXPORTER_OTLP_ENDPOINT", &c.Telemetry.Endpoint)
	secret("OTEL_EXPORTER_OTLP_TOKEN", &c.Telemetry.Token)
	str("OTEL_SERVICE_NAME", &c.Telemetry.ServiceName)
	dur("MCP_MAX_DURATION", &c.MaxDuration)
	dur("MCP_HEARTBEAT_INTERVAL", &c.HeartbeatInterval)

	if v, ok := lookup("MCP_ALLOW_MEMORY_FALLBACK"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("MCP_ALLOW_MEMORY_FALLBACK: %w", err))
		} else {
			c.Store.AllowFallback = b
		}
	}
	return errs.ErrorOrNil()
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs *multierror.Error
	if c.ListenAddr == "" {
		errs = multierror.Append(errs, errors.New("listen address is required"))
	}
	if c.HeartbeatInterval <= 0 {
		errs = multierror.Append(errs, errors.New("heartbeat interval must be positive"))
	}
	if c.MaxDuration < 0 {
		errs = multierror.Append(errs, errors.New("max duration must not be negative"))
	}
	if !strings.HasPrefix(c.SSEPath, "/") || !strings.HasPrefix(c.MessagePath, "/") {
		errs = multierror.Append(errs, errors.New("sse and message paths must start with /"))
	}
	if c.SSEPath == c.MessagePath {
		errs = multierror.Append(errs, errors.New("sse and message paths must differ"))
	}
	if c.Production() && c.Store.URL == "" {
		errs = multierror.Append(errs, ErrMissingStoreCredentials)
	}
	if c.PubSub.URL != "" && c.PubSub.Channel == "" {
		errs = multierror.Append(errs, errors.New("pubsub channel is required when pubsub is configured"))
	}
	return errs.ErrorOrNil()
}
