package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dbehnke/osdp-nexus/pkg/pd"
	"gopkg.in/yaml.v3"
)

// Sample returns a configuration with one PD on a serial line and one on a
// TCP bridge, suitable as a starting point.
func Sample() Config {
	def := pd.DefaultConfig()
	return Config{
		ControlPanel: ControlPanelConfig{
			MasterKey:            "01020304050607080910111213141516",
			PollInterval:         50 * time.Millisecond,
			RefreshInterval:      5 * time.Millisecond,
			ReplyTimeout:         def.ReplyTimeout,
			HandshakeTimeout:     def.HandshakeTimeout,
			MaxRetries:           def.MaxRetries,
			MaxHandshakeAttempts: def.MaxHandshakeAttempts,
			QueueLimit:           def.QueueLimit,
			UseCRC:               true,
			OfflineBackoff: BackoffConfig{
				Initial:    def.Backoff.InitialDelay,
				Multiplier: def.Backoff.Multiplier,
				Max:        def.Backoff.MaxDelay,
				Jitter:     true,
			},
			ConnectTimeout:    5 * time.Second,
			ReconnectInterval: time.Second,
			ReconnectMax:      30 * time.Second,
		},
		PDs: []PDConfig{
			{
				Name:          "front-door",
				Address:       101,
				ChannelType:   ChannelSerial,
				ChannelDevice: "/dev/ttyUSB0",
				ChannelSpeed:  115200,
			},
			{
				Name:           "lab-emulator",
				Address:        1,
				ChannelType:    ChannelTCP,
				ChannelDevice:  "127.0.0.1:4001",
				ChannelSpeed:   9600,
				SecureRequired: true,
			},
		},
		Web: WebConfig{
			Enabled:      true,
			Host:         "0.0.0.0",
			Port:         8080,
			CommandRate:  20,
			CommandBurst: 40,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
		},
		Metrics: MetricsConfig{
			Enabled:    true,
			Prometheus: PrometheusConfig{Enabled: true, Port: 9090, Path: "/metrics"},
		},
		Database: DatabaseConfig{
			Enabled:   true,
			Path:      "data/osdp-nexus.db",
			Retention: 30 * 24 * time.Hour,
		},
	}
}

// WriteSample writes the sample configuration as YAML. It refuses to
// overwrite an existing file unless force is set.
func WriteSample(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	data, err := yaml.Marshal(Sample())
	if err != nil {
		return fmt.Errorf("failed to encode sample config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	return os.WriteFile(path, data, 0644)
}
