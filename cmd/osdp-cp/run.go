package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dbehnke/osdp-nexus/pkg/config"
	"github.com/dbehnke/osdp-nexus/pkg/controlpanel"
	"github.com/dbehnke/osdp-nexus/pkg/database"
	"github.com/dbehnke/osdp-nexus/pkg/logger"
	"github.com/dbehnke/osdp-nexus/pkg/metrics"
	"github.com/dbehnke/osdp-nexus/pkg/pd"
	"github.com/dbehnke/osdp-nexus/pkg/transport"
	"github.com/dbehnke/osdp-nexus/pkg/web"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const statusBroadcastInterval = 5 * time.Second

func runCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the control panel",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configFile)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg)
		},
	}
}

func newLogger(cfg config.LoggingConfig) *logger.Logger {
	return logger.New(logger.Config{
		Level:      cfg.Level,
		Format:     cfg.Format,
		File:       cfg.File,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
	})
}

// openChannels creates one channel per distinct channel name. PDs that share a
// serial line or TCP bridge share the channel. Channels connect in the
// background and reconnect after a failure, so an unreachable device does
// not stop startup.
func openChannels(cfg *config.Config, log *logger.Logger) (map[string]transport.Channel, error) {
	channels := make(map[string]transport.Channel)
	redial := transport.RedialConfig{
		Interval:    cfg.ControlPanel.ReconnectInterval,
		MaxInterval: cfg.ControlPanel.ReconnectMax,
	}
	for _, p := range cfg.PDs {
		name := p.ChannelName()
		if _, ok := channels[name]; ok {
			continue
		}
		var dial transport.DialFunc
		switch p.ChannelType {
		case config.ChannelSerial:
			device, baud := p.ChannelDevice, p.ChannelSpeed
			dial = func(context.Context) (transport.Channel, error) {
				ch, err := transport.OpenSerial(device, baud)
				if err != nil {
					return nil, err
				}
				return ch, nil
			}
		case config.ChannelTCP:
			addr, timeout := p.ChannelDevice, cfg.ControlPanel.ConnectTimeout
			dial = func(ctx context.Context) (transport.Channel, error) {
				ch, err := transport.DialTCP(ctx, addr, timeout)
				if err != nil {
					return nil, err
				}
				return ch, nil
			}
		default:
			closeChannels(channels)
			return nil, fmt.Errorf("channel %s: unknown channel type %q", name, p.ChannelType)
		}
		channels[name] = transport.NewRedialer(name, dial, redial, log)
	}
	return channels, nil
}

func closeChannels(channels map[string]transport.Channel) {
	for _, ch := range channels {
		_ = ch.Close()
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	log := newLogger(cfg.Logging)
	defer func() { _ = log.Sync() }()

	web.SetVersionInfo(version, commit, buildTime)
	log.Info("Starting osdp-cp",
		logger.String("version", version),
		logger.String("build_time", buildTime),
		logger.Int("pds", len(cfg.PDs)))

	masterKey, err := cfg.ControlPanel.Key()
	if err != nil {
		return err
	}
	if masterKey == nil {
		log.Warn("No master key configured; secure channel disabled")
	}

	channels, err := openChannels(cfg, log)
	if err != nil {
		return err
	}

	var stats controlpanel.Stats
	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		stats = collector
	}

	cp, err := controlpanel.New(cfg.PDInfos(), channels, controlpanel.Options{
		Logger:       log,
		Session:      cfg.ControlPanel.SessionConfig(),
		PollInterval: cfg.ControlPanel.PollInterval,
		MasterKey:    masterKey,
		Stats:        stats,
	})
	if err != nil {
		closeChannels(channels)
		return err
	}
	runner := controlpanel.NewRunner(cp, cfg.ControlPanel.RefreshInterval)

	var (
		db      *database.DB
		journal *database.Journal
		events  web.EventStore
	)
	if cfg.Database.Enabled {
		db, err = database.NewDB(database.Config{Path: cfg.Database.Path}, log)
		if err != nil {
			_ = cp.Close()
			return err
		}
		defer func() { _ = db.Close() }()
		journal = database.NewJournal(db, log)
		events = db.Events()
	}

	server := web.NewServer(cfg.Web, runner, events, log)
	hub := server.GetHub()

	cp.SetEventCallback(func(index int, ev pd.Event) {
		log.Debug("PD event",
			logger.Int("pd", index),
			logger.Int("address", ev.Address),
			logger.String("kind", ev.Kind.String()))
		if journal != nil {
			journal.RecordEvent(index, ev)
		}
		hub.BroadcastPDEvent(index, ev)
	})
	cp.SetStateCallback(func(index int, tr pd.Transition) {
		if journal != nil {
			journal.RecordTransition(index, tr)
		}
		hub.BroadcastStateChange(index, tr)
	})

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return runner.Run(ctx) })
	g.Go(func() error { return ignoreCanceled(server.Start(ctx)) })
	g.Go(func() error { return broadcastStatus(ctx, runner, hub) })

	if collector != nil && cfg.Metrics.Prometheus.Enabled {
		ms := metrics.NewPrometheusServer(metrics.PrometheusConfig{
			Enabled: true,
			Port:    cfg.Metrics.Prometheus.Port,
			Path:    cfg.Metrics.Prometheus.Path,
		}, collector, log)
		g.Go(func() error { return ignoreCanceled(ms.Start(ctx)) })
	}

	if journal != nil {
		g.Go(func() error { return ignoreCanceled(journal.Run(ctx)) })
		if cfg.Database.Retention > 0 {
			g.Go(func() error { return prune(ctx, db, cfg.Database.Retention, log) })
		}
	}

	err = g.Wait()
	log.Info("osdp-cp stopped")
	return err
}

// broadcastStatus pushes a status snapshot to websocket clients periodically
func broadcastStatus(ctx context.Context, runner *controlpanel.Runner, hub *web.WebSocketHub) error {
	ticker := time.NewTicker(statusBroadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			st, err := runner.Status(ctx)
			if err != nil {
				return ignoreCanceled(err)
			}
			hub.BroadcastStatusUpdate(st)
		}
	}
}

// prune deletes journal rows older than retention once an hour
func prune(ctx context.Context, db *database.DB, retention time.Duration, log *logger.Logger) error {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		if _, _, err := db.Prune(time.Now().Add(-retention)); err != nil {
			log.Error("Failed to prune journal", logger.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
