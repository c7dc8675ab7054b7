package config

import (
	"fmt"
	"slices"
	"strings"

	"github.com/dbehnke/osdp-nexus/pkg/protocol"
)

var logLevels = []string{"debug", "info", "warn", "warning", "error"}

// validate validates the configuration
func validate(cfg *Config) error {
	cp := cfg.ControlPanel
	if _, err := cp.Key(); err != nil {
		return fmt.Errorf("control_panel.master_key: %w", err)
	}
	if cp.PollInterval <= 0 {
		return fmt.Errorf("control_panel.poll_interval must be positive")
	}
	if cp.RefreshInterval <= 0 {
		return fmt.Errorf("control_panel.refresh_interval must be positive")
	}
	if cp.ReconnectInterval <= 0 || cp.ReconnectMax < cp.ReconnectInterval {
		return fmt.Errorf("control_panel.reconnect_interval must be positive and not above reconnect_max")
	}
	if err := cp.SessionConfig().Validate(); err != nil {
		return fmt.Errorf("control_panel: %w", err)
	}

	if len(cfg.PDs) == 0 {
		return fmt.Errorf("at least one pd must be configured")
	}
	seen := make(map[string]string)
	for i, p := range cfg.PDs {
		name := p.Name
		if name == "" {
			name = fmt.Sprintf("#%d", i)
		}
		if p.Address < 0 || p.Address > protocol.MaxAddress {
			return fmt.Errorf("pd %s: address must be between 0 and %d", name, protocol.MaxAddress)
		}
		switch p.ChannelType {
		case ChannelSerial:
			if !slices.Contains(protocol.ValidBaudRates, p.ChannelSpeed) {
				return fmt.Errorf("pd %s: unsupported channel_speed %d", name, p.ChannelSpeed)
			}
		case ChannelTCP:
		case ChannelMessageQueue:
			return fmt.Errorf("pd %s: channel_type %s is not supported, use %s or %s", name, ChannelMessageQueue, ChannelSerial, ChannelTCP)
		default:
			return fmt.Errorf("pd %s: channel_type must be %s or %s", name, ChannelSerial, ChannelTCP)
		}
		if p.ChannelDevice == "" {
			return fmt.Errorf("pd %s: channel_device is required", name)
		}
		if p.SecureRequired && cp.MasterKey == "" {
			return fmt.Errorf("pd %s: secure_required needs control_panel.master_key", name)
		}
		if p.InstallMode && cp.MasterKey == "" {
			return fmt.Errorf("pd %s: install_mode needs control_panel.master_key", name)
		}
		key := fmt.Sprintf("%s/%d", p.ChannelName(), p.Address)
		if other, dup := seen[key]; dup {
			return fmt.Errorf("pd %s: address %d already used by pd %s on %s", name, p.Address, other, p.ChannelName())
		}
		seen[key] = name
	}

	if cfg.Web.Enabled {
		if cfg.Web.Port <= 0 || cfg.Web.Port > 65535 {
			return fmt.Errorf("web.port must be between 1 and 65535")
		}
		if cfg.Web.AuthRequired && (cfg.Web.Username == "" || cfg.Web.Password == "") {
			return fmt.Errorf("web.username and web.password are required when auth_required is set")
		}
		if cfg.Web.CommandRate < 0 || cfg.Web.CommandBurst < 0 {
			return fmt.Errorf("web.command_rate and web.command_burst must not be negative")
		}
	}

	if !slices.Contains(logLevels, strings.ToLower(cfg.Logging.Level)) {
		return fmt.Errorf("logging.level %q is not one of %s", cfg.Logging.Level, strings.Join(logLevels, ", "))
	}
	if cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be text or json")
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Prometheus.Enabled {
		if cfg.Metrics.Prometheus.Port <= 0 || cfg.Metrics.Prometheus.Port > 65535 {
			return fmt.Errorf("metrics.prometheus.port must be between 1 and 65535")
		}
		if !strings.HasPrefix(cfg.Metrics.Prometheus.Path, "/") {
			return fmt.Errorf("metrics.prometheus.path must start with /")
		}
	}

	if cfg.Database.Enabled {
		if cfg.Database.Path == "" {
			return fmt.Errorf("database.path is required when the journal is enabled")
		}
		if cfg.Database.Retention < 0 {
			return fmt.Errorf("database.retention must not be negative")
		}
	}

	return nil
}
