// Package config loads the proxy configuration from flags, environment,
// an optional YAML file and built-in defaults, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/net/http/httpguts"

	"github.com/goodtune/pacrelay/internal/logging"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Config is the complete proxy configuration. It is read-only once loaded.
type Config struct {
	// Listen is the proxy listen address.
	Listen string `mapstructure:"listen"`

	// PAC is the PAC script location: an http(s) URL, a file:// URL or a
	// local path.
	PAC string `mapstructure:"pac"`

	// RequestTimeout bounds the wait for upstream response headers and the
	// upstream CONNECT handshake.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// DialTimeout bounds outbound TCP connects.
	DialTimeout time.Duration `mapstructure:"dial_timeout"`

	// EvalTimeout bounds one FindProxyForURL call.
	EvalTimeout time.Duration `mapstructure:"eval_timeout"`

	// ExtraHeaders are added to outbound requests the client did not
	// already set.
	ExtraHeaders map[string]string `mapstructure:"extra_headers"`

	// Admin is the admin listen address (metrics, health, reload). Empty
	// disables it.
	Admin string `mapstructure:"admin"`

	// ReloadInterval re-fetches the PAC script periodically (0 = off).
	ReloadInterval time.Duration `mapstructure:"reload_interval"`

	Log LogConfig `mapstructure:"log"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Syslog bool   `mapstructure:"syslog"`
}

// Default returns a Config with the built-in defaults.
func Default() Config {
	return Config{
		Listen:         ":3128",
		RequestTimeout: 2 * time.Minute,
		DialTimeout:    30 * time.Second,
		EvalTimeout:    5 * time.Second,
		Admin:          ":9128",
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Syslog: true,
		},
	}
}

// Flags returns the command-line flags understood by Load.
func Flags() *pflag.FlagSet {
	d := Default()
	fs := pflag.NewFlagSet("pacrelay", pflag.ContinueOnError)
	fs.String("config", "", "Path to a YAML config file")
	fs.String("listen", d.Listen, "Proxy listen address")
	fs.String("pac", "", "PAC script location: http(s) URL, file:// URL or path (env PAC_FILE)")
	fs.Duration("request-timeout", d.RequestTimeout, "Timeout waiting for upstream response headers")
	fs.Duration("dial-timeout", d.DialTimeout, "Timeout for outbound TCP connects")
	fs.Duration("eval-timeout", d.EvalTimeout, "Timeout for a single FindProxyForURL call")
	fs.String("admin", d.Admin, "Admin listen address for /metrics, /healthz, /readyz and /reload. Empty disables.")
	fs.Duration("reload-interval", 0, "Re-fetch the PAC script at this interval (0 disables)")
	fs.StringArray("header", nil, `Extra outbound header as "Name: value" (repeatable)`)
	fs.String("log-level", d.Log.Level, "Log level: debug, info, warn, error")
	fs.String("log-format", d.Log.Format, "Log format: json or text")
	fs.Bool("syslog", d.Log.Syslog, "Log to the local syslog daemon, falling back to stderr")
	return fs
}

var flagKeys = map[string]string{
	"listen":          "listen",
	"pac":             "pac",
	"request-timeout": "request_timeout",
	"dial-timeout":    "dial_timeout",
	"eval-timeout":    "eval_timeout",
	"admin":           "admin",
	"reload-interval": "reload_interval",
	"log-level":       "log.level",
	"log-format":      "log.format",
	"syslog":          "log.syslog",
}

// Load reads configuration from the file at path (if non-empty), the
// environment (PACRELAY_*, plus PAC_FILE for the PAC location) and fs,
// which may be nil. The result is validated.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PACRELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("pac", "PACRELAY_PAC", "PAC_FILE"); err != nil {
		return nil, err
	}

	if fs != nil {
		for name, key := range flagKeys {
			if f := fs.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if fs != nil && fs.Changed("header") {
		values, err := fs.GetStringArray("header")
		if err != nil {
			return nil, err
		}
		if cfg.ExtraHeaders == nil {
			cfg.ExtraHeaders = make(map[string]string, len(values))
		}
		for _, hv := range values {
			name, value, ok := strings.Cut(hv, ":")
			if !ok {
				return nil, fmt.Errorf("%w: header %q is not \"Name: value\"", ErrInvalid, hv)
			}
			cfg.ExtraHeaders[strings.TrimSpace(name)] = strings.TrimSpace(value)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("listen", d.Listen)
	v.SetDefault("pac", d.PAC)
	v.SetDefault("request_timeout", d.RequestTimeout)
	v.SetDefault("dial_timeout", d.DialTimeout)
	v.SetDefault("eval_timeout", d.EvalTimeout)
	v.SetDefault("extra_headers", map[string]string{})
	v.SetDefault("admin", d.Admin)
	v.SetDefault("reload_interval", d.ReloadInterval)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.syslog", d.Log.Syslog)
}

// Validate reports the first problem found in c.
func (c *Config) Validate() error {
	if c.PAC == "" {
		return fmt.Errorf("%w: a PAC location is required (--pac or PAC_FILE)", ErrInvalid)
	}
	if c.Listen == "" {
		return fmt.Errorf("%w: listen address is empty", ErrInvalid)
	}
	if c.RequestTimeout < 0 || c.DialTimeout < 0 || c.EvalTimeout < 0 || c.ReloadInterval < 0 {
		return fmt.Errorf("%w: timeouts and intervals must not be negative", ErrInvalid)
	}
	for name, value := range c.ExtraHeaders {
		if !httpguts.ValidHeaderFieldName(name) {
			return fmt.Errorf("%w: invalid header name %q", ErrInvalid, name)
		}
		if !httpguts.ValidHeaderFieldValue(value) {
			return fmt.Errorf("%w: invalid value for header %q", ErrInvalid, name)
		}
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalid, c.Log.Format)
	}
	return nil
}

// Header returns ExtraHeaders as canonicalized HTTP headers.
func (c *Config) Header() http.Header {
	h := make(http.Header, len(c.ExtraHeaders))
	for name, value := range c.ExtraHeaders {
		h.Set(name, value)
	}
	return h
}

// Logging returns the logger settings.
func (c *Config) Logging() logging.Config {
	return logging.Config{
		Level:  c.Log.Level,
		Format: c.Log.Format,
		Syslog: c.Log.Syslog,
	}
}
