package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dbehnke/osdp-nexus/pkg/pd"
	"github.com/dbehnke/osdp-nexus/pkg/securechannel"
	"github.com/spf13/viper"
)

// Channel types a PD can be reached through
const (
	ChannelSerial = "serial"
	ChannelTCP    = "tcp"
	// ChannelMessageQueue names POSIX message queue channels, which are not
	// supported
	ChannelMessageQueue = "message_queue"
)

// Config represents the complete application configuration
type Config struct {
	ControlPanel ControlPanelConfig `mapstructure:"control_panel" yaml:"control_panel"`
	PDs          []PDConfig         `mapstructure:"pds" yaml:"pds"`
	Web          WebConfig          `mapstructure:"web" yaml:"web"`
	Logging      LoggingConfig      `mapstructure:"logging" yaml:"logging"`
	Metrics      MetricsConfig      `mapstructure:"metrics" yaml:"metrics"`
	Database     DatabaseConfig     `mapstructure:"database" yaml:"database"`
}

// ControlPanelConfig holds protocol timing and the secure channel key
type ControlPanelConfig struct {
	// MasterKey is 32 hex characters. Empty disables the secure channel.
	MasterKey            string        `mapstructure:"master_key" yaml:"master_key"`
	PollInterval         time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	RefreshInterval      time.Duration `mapstructure:"refresh_interval" yaml:"refresh_interval"`
	ReplyTimeout         time.Duration `mapstructure:"reply_timeout" yaml:"reply_timeout"`
	HandshakeTimeout     time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	MaxRetries           int           `mapstructure:"max_retries" yaml:"max_retries"`
	MaxHandshakeAttempts int           `mapstructure:"max_handshake_attempts" yaml:"max_handshake_attempts"`
	QueueLimit           int           `mapstructure:"queue_limit" yaml:"queue_limit"`
	UseCRC               bool          `mapstructure:"use_crc" yaml:"use_crc"`
	OfflineBackoff       BackoffConfig `mapstructure:"offline_backoff" yaml:"offline_backoff"`
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"` // tcp channels
	// ReconnectInterval is the first delay before a lost or unreachable
	// channel is reopened; it doubles up to ReconnectMax
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval" yaml:"reconnect_interval"`
	ReconnectMax      time.Duration `mapstructure:"reconnect_max" yaml:"reconnect_max"`
}

// BackoffConfig controls the delay before a failed PD is retried
type BackoffConfig struct {
	Initial    time.Duration `mapstructure:"initial" yaml:"initial"`
	Multiplier float64       `mapstructure:"multiplier" yaml:"multiplier"`
	Max        time.Duration `mapstructure:"max" yaml:"max"`
	Jitter     bool          `mapstructure:"jitter" yaml:"jitter"`
}

// PDConfig describes one peripheral device
type PDConfig struct {
	Name              string `mapstructure:"name" yaml:"name"`
	Address           int    `mapstructure:"address" yaml:"address"`
	ChannelType       string `mapstructure:"channel_type" yaml:"channel_type"`     // serial or tcp
	ChannelDevice     string `mapstructure:"channel_device" yaml:"channel_device"` // tty path or host:port
	ChannelSpeed      int    `mapstructure:"channel_speed" yaml:"channel_speed"`
	SecureRequired    bool   `mapstructure:"secure_required" yaml:"secure_required"`
	CapabilitiesKnown bool   `mapstructure:"capabilities_known" yaml:"capabilities_known"`
	// InstallMode lets the PD be keyed over the default install key
	InstallMode bool `mapstructure:"install_mode" yaml:"install_mode"`
}

// WebConfig holds web dashboard configuration
type WebConfig struct {
	Enabled      bool    `mapstructure:"enabled" yaml:"enabled"`
	Host         string  `mapstructure:"host" yaml:"host"`
	Port         int     `mapstructure:"port" yaml:"port"`
	AuthRequired bool    `mapstructure:"auth_required" yaml:"auth_required"`
	Username     string  `mapstructure:"username" yaml:"username"`
	Password     string  `mapstructure:"password" yaml:"password"`
	CommandRate  float64 `mapstructure:"command_rate" yaml:"command_rate"` // commands per second accepted by the API
	CommandBurst int     `mapstructure:"command_burst" yaml:"command_burst"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"`
	File       string `mapstructure:"file" yaml:"file"`
	MaxSize    int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge     int    `mapstructure:"max_age" yaml:"max_age"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled    bool             `mapstructure:"enabled" yaml:"enabled"`
	Prometheus PrometheusConfig `mapstructure:"prometheus" yaml:"prometheus"`
}

// PrometheusConfig holds Prometheus metrics configuration
type PrometheusConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Port    int    `mapstructure:"port" yaml:"port"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// DatabaseConfig holds event journal configuration
type DatabaseConfig struct {
	Enabled   bool          `mapstructure:"enabled" yaml:"enabled"`
	Path      string        `mapstructure:"path" yaml:"path"`
	Retention time.Duration `mapstructure:"retention" yaml:"retention"` // 0 keeps everything
}

// Load loads configuration from file and environment variables
func Load(configFile string) (*Config, error) {
	setDefaults()

	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath("/etc/osdp-nexus")
	}

	// OSDP_CONTROL_PANEL_MASTER_KEY overrides control_panel.master_key
	viper.SetEnvPrefix("OSDP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// no file: defaults and environment only
		} else if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file %s not found: %w", configFile, err)
		} else {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	def := pd.DefaultConfig()

	viper.SetDefault("control_panel.master_key", "")
	viper.SetDefault("control_panel.poll_interval", 50*time.Millisecond)
	viper.SetDefault("control_panel.refresh_interval", 5*time.Millisecond)
	viper.SetDefault("control_panel.reply_timeout", def.ReplyTimeout)
	viper.SetDefault("control_panel.handshake_timeout", def.HandshakeTimeout)
	viper.SetDefault("control_panel.max_retries", def.MaxRetries)
	viper.SetDefault("control_panel.max_handshake_attempts", def.MaxHandshakeAttempts)
	viper.SetDefault("control_panel.queue_limit", def.QueueLimit)
	viper.SetDefault("control_panel.use_crc", def.UseCRC)
	viper.SetDefault("control_panel.offline_backoff.initial", def.Backoff.InitialDelay)
	viper.SetDefault("control_panel.offline_backoff.multiplier", def.Backoff.Multiplier)
	viper.SetDefault("control_panel.offline_backoff.max", def.Backoff.MaxDelay)
	viper.SetDefault("control_panel.offline_backoff.jitter", true)
	viper.SetDefault("control_panel.connect_timeout", 5*time.Second)
	viper.SetDefault("control_panel.reconnect_interval", time.Second)
	viper.SetDefault("control_panel.reconnect_max", 30*time.Second)

	viper.SetDefault("web.enabled", true)
	viper.SetDefault("web.host", "0.0.0.0")
	viper.SetDefault("web.port", 8080)
	viper.SetDefault("web.auth_required", false)
	viper.SetDefault("web.command_rate", 20.0)
	viper.SetDefault("web.command_burst", 40)

	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")
	viper.SetDefault("logging.max_size", 100)
	viper.SetDefault("logging.max_backups", 3)
	viper.SetDefault("logging.max_age", 7)

	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.prometheus.enabled", true)
	viper.SetDefault("metrics.prometheus.port", 9090)
	viper.SetDefault("metrics.prometheus.path", "/metrics")

	viper.SetDefault("database.enabled", true)
	viper.SetDefault("database.path", "data/osdp-nexus.db")
	viper.SetDefault("database.retention", 30*24*time.Hour)
}

// ChannelName identifies the bus a PD is attached to. PDs with the same
// type and device share one channel.
func (p PDConfig) ChannelName() string {
	return p.ChannelType + ":" + p.ChannelDevice
}

// Info converts the descriptor to the session's view of the PD
func (p PDConfig) Info() pd.Info {
	var flags pd.Flags
	if p.SecureRequired {
		flags |= pd.FlagSecureRequired
	}
	if p.CapabilitiesKnown {
		flags |= pd.FlagCapabilitiesKnown
	}
	if p.InstallMode {
		flags |= pd.FlagInstallMode
	}
	return pd.Info{
		Name:     p.Name,
		Address:  p.Address,
		Channel:  p.ChannelName(),
		BaudRate: p.ChannelSpeed,
		Flags:    flags,
	}
}

// PDInfos returns the session descriptors in configuration order
func (c *Config) PDInfos() []pd.Info {
	out := make([]pd.Info, len(c.PDs))
	for i, p := range c.PDs {
		out[i] = p.Info()
	}
	return out
}

// SessionConfig returns the per-PD session settings
func (c ControlPanelConfig) SessionConfig() pd.Config {
	return pd.Config{
		ReplyTimeout:         c.ReplyTimeout,
		HandshakeTimeout:     c.HandshakeTimeout,
		MaxRetries:           c.MaxRetries,
		MaxHandshakeAttempts: c.MaxHandshakeAttempts,
		QueueLimit:           c.QueueLimit,
		UseCRC:               c.UseCRC,
		Backoff: pd.BackoffConfig{
			InitialDelay: c.OfflineBackoff.Initial,
			Multiplier:   c.OfflineBackoff.Multiplier,
			MaxDelay:     c.OfflineBackoff.Max,
			Jitter:       c.OfflineBackoff.Jitter,
		},
	}
}

// Key parses the master key. It returns nil when none is configured.
func (c ControlPanelConfig) Key() (*securechannel.Key, error) {
	if c.MasterKey == "" {
		return nil, nil
	}
	k, err := securechannel.ParseKey(c.MasterKey)
	if err != nil {
		return nil, err
	}
	return &k, nil
}
