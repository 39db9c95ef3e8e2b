package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/viper"

	"forked/internal/logging"
)

const (
	openclawConfigEnvVar = "FORKED_OPENCLAW_CONFIG"
	retentionEnvVar      = "FORKED_RETENTION_DAYS"
	promoteEnvVar        = "FORKED_PROMOTE_MAX_EVENTS"

	// DefaultRetentionDays is applied when neither the host config nor an
	// override names a retention window.
	DefaultRetentionDays = 14

	// RetentionNever disables the sweep entirely.
	RetentionNever = -1

	DefaultIngestPort = 7999
	DefaultAPIPort    = 8000

	DefaultPromoteMaxEvents = 2
)

// EnvLookup resolves the value for an environment variable.
type EnvLookup func(string) (string, bool)

// DefaultEnvLookup reads from the process environment.
func DefaultEnvLookup(key string) (string, bool) {
	return os.LookupEnv(key)
}

// Config is the resolved daemon configuration.
type Config struct {
	// GatewayURL is the websocket endpoint of the OpenClaw gateway.
	GatewayURL string
	// GatewayToken is the optional shared secret from gateway.auth.token.
	GatewayToken string
	// Channels is the set of configured delivery channels, lowercased.
	Channels map[string]bool
	// RetentionDays is the event/snapshot retention window. RetentionNever
	// disables the sweep.
	RetentionDays int
	// IngestPort is the loopback port the tracer pushes events to.
	IngestPort int
	// APIPort is the loopback port serving the UI API.
	APIPort int
	// PromoteMaxEvents caps how many events a run may already have and still
	// be adopted under a session's explicit fork head.
	PromoteMaxEvents int

	// Raw holds the decoded host config for the sanitized view. Nil when the
	// host config could not be read.
	Raw map[string]any
	// LoadErr records the host config read failure, if any.
	LoadErr error
}

// RetentionDisabled reports whether the sweep should never delete anything.
func (c *Config) RetentionDisabled() bool {
	return c.RetentionDays == RetentionNever
}

// ConfiguredChannels returns the channel set, never nil.
func (c *Config) ConfiguredChannels() map[string]bool {
	if c.Channels == nil {
		return map[string]bool{}
	}
	return c.Channels
}

type loadOptions struct {
	envLookup EnvLookup
	readFile  func(string) ([]byte, error)
	homeDir   func() (string, error)
	logger    logging.Logger
}

// Option customizes Load, mainly for tests.
type Option func(*loadOptions)

// WithEnvLookup overrides environment resolution.
func WithEnvLookup(lookup EnvLookup) Option {
	return func(o *loadOptions) { o.envLookup = lookup }
}

// WithReadFile overrides file reads.
func WithReadFile(read func(string) ([]byte, error)) Option {
	return func(o *loadOptions) { o.readFile = read }
}

// WithHomeDir overrides home directory resolution.
func WithHomeDir(home func() (string, error)) Option {
	return func(o *loadOptions) { o.homeDir = home }
}

// WithLogger attaches a logger for load-time warnings.
func WithLogger(logger logging.Logger) Option {
	return func(o *loadOptions) { o.logger = logger }
}

// OpenclawConfigPath returns the host config file location.
// Priority: FORKED_OPENCLAW_CONFIG, then $HOME/.openclaw/openclaw.json.
func OpenclawConfigPath(envLookup EnvLookup, homeDir func() (string, error)) string {
	if envLookup == nil {
		envLookup = DefaultEnvLookup
	}
	if value, ok := envLookup(openclawConfigEnvVar); ok {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	home := ""
	if homeDir != nil {
		if resolved, err := homeDir(); err == nil {
			home = strings.TrimSpace(resolved)
		}
	}
	if home == "" {
		if resolved, err := os.UserHomeDir(); err == nil {
			home = strings.TrimSpace(resolved)
		}
	}
	return filepath.Join(home, ".openclaw", "openclaw.json")
}

// Load resolves the daemon configuration. A missing or unreadable host config
// is not fatal: defaults apply and the error is kept on Config.LoadErr so the
// sanitized-config API can report it.
func Load(opts ...Option) *Config {
	options := loadOptions{
		envLookup: DefaultEnvLookup,
		readFile:  os.ReadFile,
		homeDir:   os.UserHomeDir,
		logger:    logging.Nop(),
	}
	for _, opt := range opts {
		opt(&options)
	}
	logger := logging.OrNop(options.logger)

	cfg := &Config{
		Channels:         map[string]bool{},
		RetentionDays:    DefaultRetentionDays,
		IngestPort:       DefaultIngestPort,
		APIPort:          DefaultAPIPort,
		PromoteMaxEvents: DefaultPromoteMaxEvents,
	}

	applyHostConfig(cfg, options, logger)
	applyLocalOverrides(cfg, options, logger)
	applyEnv(cfg, options, logger)

	return cfg
}

func applyHostConfig(cfg *Config, options loadOptions, logger logging.Logger) {
	path := OpenclawConfigPath(options.envLookup, options.homeDir)
	data, err := options.readFile(path)
	if err != nil {
		cfg.LoadErr = fmt.Errorf("read host config %s: %w", path, err)
		logger.Warn("Host config unavailable, starting with defaults: %v", err)
		return
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		cfg.LoadErr = fmt.Errorf("parse host config %s: %w", path, err)
		logger.Warn("Host config unparseable, starting with defaults: %v", err)
		return
	}
	cfg.Raw = raw

	if gw, ok := raw["gateway"].(map[string]any); ok {
		if port, ok := numberValue(gw["port"]); ok {
			cfg.GatewayURL = fmt.Sprintf("ws://127.0.0.1:%d", port)
		}
		if auth, ok := gw["auth"].(map[string]any); ok {
			if token, ok := auth["token"].(string); ok {
				cfg.GatewayToken = token
			}
		}
	}

	if channels, ok := raw["channels"].(map[string]any); ok {
		for name := range channels {
			trimmed := strings.ToLower(strings.TrimSpace(name))
			if trimmed != "" {
				cfg.Channels[trimmed] = true
			}
		}
	}

	if retention, ok := raw["retention"]; ok {
		if days, ok := parseRetention(retention); ok {
			cfg.RetentionDays = days
		}
	}
}

// applyLocalOverrides reads ~/.forked/forked.json when present.
func applyLocalOverrides(cfg *Config, options loadOptions, logger logging.Logger) {
	home := ""
	if options.homeDir != nil {
		if resolved, err := options.homeDir(); err == nil {
			home = strings.TrimSpace(resolved)
		}
	}
	if home == "" {
		return
	}

	v := viper.New()
	v.SetConfigName("forked")
	v.SetConfigType("json")
	v.AddConfigPath(filepath.Join(home, ".forked"))
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			logger.Warn("Local override config ignored: %v", err)
		}
		return
	}

	if v.IsSet("retention_days") {
		if days, ok := parseRetention(v.Get("retention_days")); ok {
			cfg.RetentionDays = days
		}
	}
	if v.IsSet("ingest_port") {
		if port := v.GetInt("ingest_port"); port > 0 {
			cfg.IngestPort = port
		}
	}
	if v.IsSet("api_port") {
		if port := v.GetInt("api_port"); port > 0 {
			cfg.APIPort = port
		}
	}
	if v.IsSet("promote_max_events") {
		if n := v.GetInt("promote_max_events"); n >= 0 {
			cfg.PromoteMaxEvents = n
		}
	}
}

func applyEnv(cfg *Config, options loadOptions, logger logging.Logger) {
	if value, ok := options.envLookup(retentionEnvVar); ok {
		if days, parsed := parseRetention(strings.TrimSpace(value)); parsed {
			cfg.RetentionDays = days
		} else {
			logger.Warn("Ignoring invalid %s=%q", retentionEnvVar, value)
		}
	}
	if value, ok := options.envLookup(promoteEnvVar); ok {
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && n >= 0 {
			cfg.PromoteMaxEvents = n
		} else {
			logger.Warn("Ignoring invalid %s=%q", promoteEnvVar, value)
		}
	}
}

// parseRetention accepts a positive day count or the literal "never".
func parseRetention(value any) (int, bool) {
	switch v := value.(type) {
	case string:
		if strings.EqualFold(strings.TrimSpace(v), "never") {
			return RetentionNever, true
		}
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			return n, true
		}
	case int:
		if v > 0 {
			return v, true
		}
	case int64:
		if v > 0 {
			return int(v), true
		}
	case float64:
		if v > 0 && v == float64(int(v)) {
			return int(v), true
		}
	}
	return 0, false
}

func numberValue(value any) (int, bool) {
	switch v := value.(type) {
	case float64:
		if v > 0 && v == float64(int(v)) {
			return int(v), true
		}
	case int:
		if v > 0 {
			return v, true
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && n > 0 {
			return n, true
		}
	}
	return 0, false
}
