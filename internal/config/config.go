// Package config loads the minilb YAML configuration via Viper, validates it
// with ozzo-validation and watches the file for live changes.
// All struct fields map 1-to-1 with minilb.yaml; every key can also be set
// through MINILB_* environment variables (dots become underscores).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/spf13/viper"

	"minilb/internal/httpserver"
)

const envPrefix = "MINILB"

// Strategy names.
const (
	StrategyRoundRobin       = "round_robin"
	StrategyLeastConnections = "least_connections"
)

// Log formats and levels.
const (
	LogFormatJSON = "json"
	LogFormatText = "text"

	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// LogCfg controls the process logger.
type LogCfg struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// RateLimitCfg controls per-IP token-bucket rate limiting.
type RateLimitCfg struct {
	Enabled bool    `mapstructure:"enabled"`
	RPS     float64 `mapstructure:"rps"`   // sustained requests per second
	Burst   int     `mapstructure:"burst"` // maximum burst size
}

// AuthCfg controls JWT Bearer-token authentication.
type AuthCfg struct {
	Enabled bool     `mapstructure:"enabled"`
	Secret  string   `mapstructure:"secret"`  // HMAC-SHA256 signing secret
	Exclude []string `mapstructure:"exclude"` // paths that bypass auth
}

// Config is the top-level load balancer configuration.
type Config struct {
	ListenAddr string   `mapstructure:"listen_addr"`
	Strategy   string   `mapstructure:"strategy"` // round_robin | least_connections
	Backends   []string `mapstructure:"backends"` // host:port, in selection order

	// UpstreamTimeout bounds each forwarded call; "0s" disables it.
	UpstreamTimeout string `mapstructure:"upstream_timeout"`
	// ReleaseConnections decrements a backend's in-flight counter when its
	// request completes. false keeps counters growing forever.
	ReleaseConnections bool `mapstructure:"release_connections"`

	Log       LogCfg       `mapstructure:"log"`
	RateLimit RateLimitCfg `mapstructure:"rate_limit"`
	Auth      AuthCfg      `mapstructure:"auth"`
}

// ParsedUpstreamTimeout returns UpstreamTimeout as a duration. Validate
// guarantees it parses; a zero result means no timeout.
func (c Config) ParsedUpstreamTimeout() time.Duration {
	d, _ := time.ParseDuration(c.UpstreamTimeout)
	if d < 0 {
		return 0
	}
	return d
}

// Default returns the configuration used when no file is present: two local
// backends balanced by least connections on 127.0.0.1:8080.
func Default() Config {
	return Config{
		ListenAddr:         "127.0.0.1:8080",
		Strategy:           StrategyLeastConnections,
		Backends:           []string{"localhost:8081", "localhost:8082"},
		UpstreamTimeout:    "30s",
		ReleaseConnections: true,
		Log:                LogCfg{Level: LogLevelInfo, Format: LogFormatJSON},
		RateLimit:          RateLimitCfg{Enabled: false, RPS: 100, Burst: 200},
		Auth:               AuthCfg{Enabled: false},
	}
}

// Load reads and validates the YAML file at path. A missing file is not an
// error: defaults and environment variables are used instead.
// It returns the Viper instance too, so the caller can Watch it; that
// instance is nil when no file was read.
func Load(path string) (Config, *viper.Viper, error) {
	v := newViper(path)

	fileRead := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, nil, fmt.Errorf("config: reading %q: %w", path, err)
		}
		slog.Warn("config file not found, using defaults and environment", "path", path)
		fileRead = false
	}

	cfg, err := unmarshal(v)
	if err != nil {
		return Config{}, nil, err
	}
	if !fileRead {
		v = nil
	}
	return cfg, v, nil
}

// Watch calls onChange with the freshly parsed Config whenever the file is
// saved. Invalid reloads are logged and skipped; the previous config stays
// active.
func Watch(v *viper.Viper, onChange func(Config)) {
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := unmarshal(v)
		if err != nil {
			slog.Error("config hot-reload failed", "file", e.Name, "error", err)
			return
		}
		onChange(cfg)
	})
	v.WatchConfig()
}

// Validate checks every field.
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.ListenAddr, validation.Required, validation.By(httpserver.ValidateAddr)),
		validation.Field(&c.Strategy,
			validation.Required,
			validation.In(StrategyRoundRobin, StrategyLeastConnections),
		),
		validation.Field(&c.Backends,
			validation.Required,
			validation.Length(1, 0),
			validation.Each(validation.Required, validation.By(validateBackend)),
		),
		validation.Field(&c.UpstreamTimeout, validation.Required, validation.By(validateDuration)),
		validation.Field(&c.Log),
		validation.Field(&c.RateLimit),
		validation.Field(&c.Auth),
	)
}

// Validate implements validation.Validatable.
func (l LogCfg) Validate() error {
	return validation.ValidateStruct(&l,
		validation.Field(&l.Level,
			validation.Required,
			validation.In(LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError),
		),
		validation.Field(&l.Format, validation.Required, validation.In(LogFormatJSON, LogFormatText)),
	)
}

// Validate implements validation.Validatable.
func (r RateLimitCfg) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.RPS, validation.When(r.Enabled, validation.Required, validation.Min(0.0).Exclusive())),
		validation.Field(&r.Burst, validation.When(r.Enabled, validation.Required, validation.Min(1))),
	)
}

// Validate implements validation.Validatable.
func (a AuthCfg) Validate() error {
	return validation.ValidateStruct(&a,
		validation.Field(&a.Secret, validation.When(a.Enabled, validation.Required)),
	)
}

// RestartRequired lists the keys whose values differ between c and next but
// cannot be applied to a running process. The backend pool is fixed for the
// process lifetime.
func (c Config) RestartRequired(next Config) []string {
	var keys []string
	if c.ListenAddr != next.ListenAddr {
		keys = append(keys, "listen_addr")
	}
	if c.Strategy != next.Strategy {
		keys = append(keys, "strategy")
	}
	if strings.Join(c.Backends, ",") != strings.Join(next.Backends, ",") {
		keys = append(keys, "backends")
	}
	if c.ParsedUpstreamTimeout() != next.ParsedUpstreamTimeout() {
		keys = append(keys, "upstream_timeout")
	}
	if c.ReleaseConnections != next.ReleaseConnections {
		keys = append(keys, "release_connections")
	}
	if c.Log.Format != next.Log.Format {
		keys = append(keys, "log.format")
	}
	return keys
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults, all overridable by minilb.yaml or the environment.
	d := Default()
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("strategy", d.Strategy)
	v.SetDefault("backends", d.Backends)
	v.SetDefault("upstream_timeout", d.UpstreamTimeout)
	v.SetDefault("release_connections", d.ReleaseConnections)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("rate_limit.enabled", d.RateLimit.Enabled)
	v.SetDefault("rate_limit.rps", d.RateLimit.RPS)
	v.SetDefault("rate_limit.burst", d.RateLimit.Burst)
	v.SetDefault("auth.enabled", d.Auth.Enabled)
	v.SetDefault("auth.secret", "")
	// No default, so that an unset list stays nil; AutomaticEnv only sees
	// keys viper already knows about.
	_ = v.BindEnv("auth.exclude", envPrefix+"_AUTH_EXCLUDE")

	return v
}

func unmarshal(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: parsing: %w", err)
	}
	for i, b := range cfg.Backends {
		cfg.Backends[i] = strings.TrimSpace(b)
	}
	cfg.Strategy = strings.ToLower(strings.TrimSpace(cfg.Strategy))
	cfg.Log.Level = strings.ToLower(cfg.Log.Level)
	cfg.Log.Format = strings.ToLower(cfg.Log.Format)

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: invalid: %w", err)
	}
	return cfg, nil
}

// validateBackend requires a full host:port with no scheme; the forwarder
// always speaks plain HTTP.
func validateBackend(value interface{}) error {
	addr, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}
	if strings.Contains(addr, "://") {
		return validation.NewError("validation_backend_scheme", "backend must be host:port without a scheme")
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return validation.NewError("validation_invalid_hostport", "must be in host:port format")
	}
	return httpserver.ValidateAddr(addr)
}

func validateDuration(value interface{}) error {
	s, ok := value.(string)
	if !ok {
		return validation.NewError("validation_invalid_type", "must be a string")
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return validation.NewError("validation_invalid_duration", "must be a valid duration (e.g., 2s, 5m, 1h)")
	}
	if d < 0 {
		return validation.NewError("validation_negative_duration", "must not be negative")
	}
	return nil
}
