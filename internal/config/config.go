package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"custody-mint-sync/internal/logging"
)

// ErrMissingEndpoint is the only fatal misconfiguration: an upstream service has no URL.
var ErrMissingEndpoint = errors.New("config: required endpoint missing")

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Remote   RemoteConfig   `mapstructure:"remote"`
	Session  SessionConfig  `mapstructure:"session"`
	Poller   PollerConfig   `mapstructure:"poller"`
	Notifier NotifierConfig `mapstructure:"notifier"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Chain    ChainConfig    `mapstructure:"chain"`
	Health   HealthConfig   `mapstructure:"health"`
	Events   EventsConfig   `mapstructure:"events"`
	Export   ExportConfig   `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// RemoteConfig locates the treasury (lock source) and the platform (mint workflow).
type RemoteConfig struct {
	TreasuryURL    string        `mapstructure:"treasury_url"`
	PlatformURL    string        `mapstructure:"platform_url"`
	WSURL          string        `mapstructure:"ws_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
	APIToken       string        `mapstructure:"api_token"`
	Sandbox        bool          `mapstructure:"sandbox"`
}

// BackoffConfig shapes push-channel reconnection.
type BackoffConfig struct {
	Base        time.Duration `mapstructure:"base"`
	Max         time.Duration `mapstructure:"max"`
	Multiplier  float64       `mapstructure:"multiplier"`
	Jitter      time.Duration `mapstructure:"jitter"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Cooldown    time.Duration `mapstructure:"cooldown"`
}

// SessionConfig governs the push channel.
type SessionConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	DeadAfter         time.Duration `mapstructure:"dead_after"`
	MinDialInterval   time.Duration `mapstructure:"min_dial_interval"`
	Backoff           BackoffConfig `mapstructure:"backoff"`
}

// PollerConfig governs the fallback poller.
type PollerConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	Interval       time.Duration `mapstructure:"interval"`
	MaxInterval    time.Duration `mapstructure:"max_interval"`
	ErrorThreshold int           `mapstructure:"error_threshold"`
	FetchTimeout   time.Duration `mapstructure:"fetch_timeout"`
	StartupDelay   time.Duration `mapstructure:"startup_delay"`
}

// NotifierConfig covers outbound decisions.
type NotifierConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	SignerKey     string        `mapstructure:"signer_key"`
	WebhookSecret string        `mapstructure:"webhook_secret"`
	QueuePath     string        `mapstructure:"queue_path"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

// StorageConfig selects and tunes the persistence backend.
type StorageConfig struct {
	Backend         string        `mapstructure:"backend"`
	Path            string        `mapstructure:"path"`
	DSN             string        `mapstructure:"dsn"`
	Namespace       string        `mapstructure:"namespace"`
	FlushInterval   time.Duration `mapstructure:"flush_interval"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// ChainConfig covers on-chain observation.
type ChainConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	ChainID        int64         `mapstructure:"chain_id"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	StaleAfter     time.Duration `mapstructure:"stale_after"`
	VerifyMintTx   bool          `mapstructure:"verify_mint_tx"`
}

// HealthConfig sets upstream health probing.
type HealthConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// EventsConfig bounds the audit log.
type EventsConfig struct {
	Retention int `mapstructure:"retention"`
	ReadLimit int `mapstructure:"read_limit"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// Watch reloads the config file on change and hands every valid revision to apply.
// Invalid revisions are logged and skipped.
func Watch(path string, logger zerolog.Logger, apply func(*Config)) error {
	v, err := newViper(path)
	if err != nil {
		return err
	}
	if v.ConfigFileUsed() == "" {
		return nil
	}
	v.OnConfigChange(func(ev fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			logger.Warn().Err(err).Str("file", ev.Name).Msg("ignoring invalid config change")
			return
		}
		logger.Info().Str("file", ev.Name).Str("op", ev.Op.String()).Msg("config reloaded")
		apply(cfg)
	})
	v.WatchConfig()
	return nil
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("MINTSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "mintsync")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "auto")

	v.SetDefault("remote.treasury_url", "")
	v.SetDefault("remote.platform_url", "")
	v.SetDefault("remote.ws_url", "")
	v.SetDefault("remote.request_timeout", "10s")
	v.SetDefault("remote.user_agent", "")
	v.SetDefault("remote.api_token", "")
	v.SetDefault("remote.sandbox", false)

	v.SetDefault("session.enabled", true)
	v.SetDefault("session.connect_timeout", "10s")
	v.SetDefault("session.heartbeat_interval", "30s")
	v.SetDefault("session.dead_after", "75s")
	v.SetDefault("session.min_dial_interval", "500ms")
	v.SetDefault("session.backoff.base", "1s")
	v.SetDefault("session.backoff.max", "30s")
	v.SetDefault("session.backoff.multiplier", 1.5)
	v.SetDefault("session.backoff.jitter", "1s")
	v.SetDefault("session.backoff.max_attempts", 15)
	v.SetDefault("session.backoff.cooldown", "5m")

	v.SetDefault("poller.enabled", true)
	v.SetDefault("poller.interval", "2s")
	v.SetDefault("poller.max_interval", "30s")
	v.SetDefault("poller.error_threshold", 5)
	v.SetDefault("poller.fetch_timeout", "10s")
	v.SetDefault("poller.startup_delay", "0s")

	v.SetDefault("notifier.timeout", "10s")
	v.SetDefault("notifier.signer_key", "")
	v.SetDefault("notifier.webhook_secret", "")
	v.SetDefault("notifier.queue_path", "")
	v.SetDefault("notifier.retry_interval", "30s")

	v.SetDefault("storage.backend", "file")
	v.SetDefault("storage.path", "data")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.namespace", "mintsync")
	v.SetDefault("storage.flush_interval", "5s")
	v.SetDefault("storage.max_open_conns", 4)
	v.SetDefault("storage.max_idle_conns", 1)
	v.SetDefault("storage.conn_max_lifetime", "30m")
	v.SetDefault("storage.advisory_lock_key", int64(0x6d696e74))

	v.SetDefault("chain.rpc_url", "")
	v.SetDefault("chain.chain_id", int64(0))
	v.SetDefault("chain.request_timeout", "10s")
	v.SetDefault("chain.poll_interval", "15s")
	v.SetDefault("chain.stale_after", "2m")
	v.SetDefault("chain.verify_mint_tx", false)

	v.SetDefault("health.interval", "30s")

	v.SetDefault("events.retention", 1000)
	v.SetDefault("events.read_limit", 100)

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if err := requireURL("remote.treasury_url", c.Remote.TreasuryURL); err != nil {
		return err
	}
	if err := requireURL("remote.platform_url", c.Remote.PlatformURL); err != nil {
		return err
	}
	if c.Poller.Interval <= 0 {
		return fmt.Errorf("poller.interval must be greater than zero")
	}
	if c.Poller.MaxInterval < c.Poller.Interval {
		return fmt.Errorf("poller.max_interval must not be below poller.interval")
	}
	if c.Poller.ErrorThreshold <= 0 {
		return fmt.Errorf("poller.error_threshold must be greater than zero")
	}
	b := c.Session.Backoff
	if b.Base <= 0 || b.Max < b.Base {
		return fmt.Errorf("session.backoff requires 0 < base <= max")
	}
	if b.Multiplier < 1 {
		return fmt.Errorf("session.backoff.multiplier must be at least 1")
	}
	if b.MaxAttempts <= 0 {
		return fmt.Errorf("session.backoff.max_attempts must be greater than zero")
	}
	if c.Session.ConnectTimeout <= 0 {
		return fmt.Errorf("session.connect_timeout must be greater than zero")
	}
	switch strings.ToLower(c.Storage.Backend) {
	case "memory", "file", "sqlite":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if c.Events.Retention <= 0 {
		return fmt.Errorf("events.retention must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	return nil
}

func requireURL(key, raw string) error {
	if strings.TrimSpace(raw) == "" {
		return fmt.Errorf("%w: %s", ErrMissingEndpoint, key)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s is not an absolute url: %q", key, raw)
	}
	return nil
}

// PushURL returns the websocket endpoint, derived from the platform URL when not set.
func (c *Config) PushURL() string {
	if c.Remote.WSURL != "" {
		return c.Remote.WSURL
	}
	u, err := url.Parse(c.Remote.PlatformURL)
	if err != nil {
		return ""
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	return u.String()
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
