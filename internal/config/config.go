// Package config loads the agent configuration from defaults, an optional
// YAML file and MAILAGENT_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/Martian-dev/ai-brain-mailagent/internal/providers"
	"github.com/Martian-dev/ai-brain-mailagent/internal/retry"
)

const EnvPrefix = "MAILAGENT"

type GoogleConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	CalendarID   string `mapstructure:"calendar_id"`
}

type MicrosoftConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	Tenant       string `mapstructure:"tenant"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type PollerConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	MaxMessages int           `mapstructure:"max_messages"`
	Filter      string        `mapstructure:"filter"`
	LockTTL     time.Duration `mapstructure:"lock_ttl"`
}

type PipelineConfig struct {
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

type AnalyzerConfig struct {
	// Endpoint selects the remote classifier when set.
	Endpoint string `mapstructure:"endpoint"`
}

type CalendarConfig struct {
	MeetingLength time.Duration `mapstructure:"meeting_length"`
	SearchDays    int           `mapstructure:"search_days"`
	MaxProposals  int           `mapstructure:"max_proposals"`
}

type ReplyConfig struct {
	Signature string `mapstructure:"signature"`
}

type NATSConfig struct {
	URL    string `mapstructure:"url"`
	Stream string `mapstructure:"stream"`
}

type HTTPConfig struct {
	Addr    string `mapstructure:"addr"`
	JWKSURL string `mapstructure:"jwks_url"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the full agent configuration.
type Config struct {
	Provider  string          `mapstructure:"provider"`
	Google    GoogleConfig    `mapstructure:"google"`
	Microsoft MicrosoftConfig `mapstructure:"microsoft"`
	Store     StoreConfig     `mapstructure:"store"`
	Poller    PollerConfig    `mapstructure:"poller"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Analyzer  AnalyzerConfig  `mapstructure:"analyzer"`
	Calendar  CalendarConfig  `mapstructure:"calendar"`
	Reply     ReplyConfig     `mapstructure:"reply"`
	NATS      NATSConfig      `mapstructure:"nats"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Log       LogConfig       `mapstructure:"log"`
}

// Every key is registered with a default so environment overrides resolve
// during Unmarshal.
func setDefaults(v *viper.Viper) {
	v.SetDefault("provider", "")
	v.SetDefault("google.client_id", "")
	v.SetDefault("google.client_secret", "")
	v.SetDefault("google.calendar_id", "primary")
	v.SetDefault("microsoft.client_id", "")
	v.SetDefault("microsoft.client_secret", "")
	v.SetDefault("microsoft.tenant", "common")
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.dsn", "data/mailagent.db")
	v.SetDefault("poller.interval", 30*time.Second)
	v.SetDefault("poller.max_messages", 10)
	v.SetDefault("poller.filter", string(providers.FilterUnread))
	v.SetDefault("poller.lock_ttl", 15*time.Minute)
	v.SetDefault("pipeline.call_timeout", 20*time.Second)
	v.SetDefault("pipeline.max_attempts", 3)
	v.SetDefault("retry.max_attempts", 4)
	v.SetDefault("retry.initial_interval", 500*time.Millisecond)
	v.SetDefault("retry.max_interval", 10*time.Second)
	v.SetDefault("analyzer.endpoint", "")
	v.SetDefault("calendar.meeting_length", 30*time.Minute)
	v.SetDefault("calendar.search_days", 14)
	v.SetDefault("calendar.max_proposals", 3)
	v.SetDefault("reply.signature", "Fraya - AI Executive Assistant")
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.stream", "MAIL_AGENT_EVENTS")
	v.SetDefault("http.addr", "")
	v.SetDefault("http.jwks_url", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads path (optional) and the environment into a Config. The returned
// viper instance can be passed to Watch.
func Load(path string) (*Config, *viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var pathErr *os.PathError
			if errors.As(err, &pathErr) {
				return nil, nil, fmt.Errorf("config file %s not found", path)
			}
			return nil, nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, v, nil
}

// Validate names every missing or invalid key in one error.
func (c *Config) Validate() error {
	var missing, invalid []string

	switch c.Provider {
	case "":
		missing = append(missing, "provider")
	case string(providers.Google):
		if c.Google.ClientID == "" {
			missing = append(missing, "google.client_id")
		}
		if c.Google.ClientSecret == "" {
			missing = append(missing, "google.client_secret")
		}
	case string(providers.Microsoft):
		if c.Microsoft.ClientID == "" {
			missing = append(missing, "microsoft.client_id")
		}
		if c.Microsoft.ClientSecret == "" {
			missing = append(missing, "microsoft.client_secret")
		}
	default:
		invalid = append(invalid, fmt.Sprintf("provider %q (want google or microsoft)", c.Provider))
	}

	switch c.Store.Driver {
	case "sqlite", "postgres":
	case "":
		missing = append(missing, "store.driver")
	default:
		invalid = append(invalid, fmt.Sprintf("store.driver %q (want sqlite or postgres)", c.Store.Driver))
	}
	if c.Store.DSN == "" {
		missing = append(missing, "store.dsn")
	}

	switch providers.Filter(c.Poller.Filter) {
	case providers.FilterUnread, providers.FilterRecent:
	default:
		invalid = append(invalid, fmt.Sprintf("poller.filter %q (want unread or recent)", c.Poller.Filter))
	}
	if c.Poller.Interval <= 0 {
		invalid = append(invalid, "poller.interval must be positive")
	}
	if c.Poller.MaxMessages <= 0 {
		invalid = append(invalid, "poller.max_messages must be positive")
	}
	if c.Pipeline.MaxAttempts <= 0 {
		invalid = append(invalid, "pipeline.max_attempts must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		invalid = append(invalid, "retry.max_attempts must be positive")
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		invalid = append(invalid, fmt.Sprintf("log.level %q", c.Log.Level))
	}

	var parts []string
	if len(missing) > 0 {
		parts = append(parts, "missing required config: "+strings.Join(missing, ", "))
	}
	if len(invalid) > 0 {
		parts = append(parts, "invalid config: "+strings.Join(invalid, "; "))
	}
	if len(parts) > 0 {
		return errors.New(strings.Join(parts, "; "))
	}
	return nil
}

// RetryPolicy combines retry.* with pipeline.call_timeout.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:     c.Retry.MaxAttempts,
		InitialInterval: c.Retry.InitialInterval,
		MaxInterval:     c.Retry.MaxInterval,
		CallTimeout:     c.Pipeline.CallTimeout,
	}
}

// ConfigureLogger applies log.level and log.format. verbose forces debug.
func (c *Config) ConfigureLogger(logger *logrus.Logger, verbose bool) {
	if c.Log.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	if verbose {
		level = logrus.DebugLevel
	}
	logger.SetLevel(level)
}

// Watch re-applies log.level whenever the config file changes. Other keys
// take effect on restart.
func Watch(v *viper.Viper, logger *logrus.Logger, verbose bool) {
	if v.ConfigFileUsed() == "" {
		return
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if verbose {
			return
		}
		level, err := logrus.ParseLevel(v.GetString("log.level"))
		if err != nil {
			logger.WithError(err).WithField("file", e.Name).Warn("ignoring invalid log.level")
			return
		}
		logger.SetLevel(level)
		logger.WithFields(logrus.Fields{"file": e.Name, "level": level.String()}).Info("config reloaded")
	})
	v.WatchConfig()
}
