// Command pd-emulator answers an OSDP control panel as one or more simulated
// peripheral devices, over TCP or a serial port.
package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dbehnke/osdp-nexus/pkg/logger"
	"github.com/dbehnke/osdp-nexus/pkg/pdsim"
	"github.com/dbehnke/osdp-nexus/pkg/protocol"
	"github.com/dbehnke/osdp-nexus/pkg/securechannel"
	"github.com/dbehnke/osdp-nexus/pkg/transport"
	"github.com/spf13/cobra"
)

type options struct {
	listen    string
	serial    string
	baud      int
	addresses []int
	masterKey string
	inputs    int
	outputs   int
	readers   int
	cardEvery time.Duration
	logLevel  string
}

func main() {
	if err := command().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func command() *cobra.Command {
	opts := options{
		listen:    "127.0.0.1:4001",
		baud:      9600,
		addresses: []int{1},
		inputs:    4,
		outputs:   4,
		readers:   1,
		logLevel:  "info",
	}

	cmd := &cobra.Command{
		Use:           "pd-emulator",
		Short:         "Simulated OSDP peripheral devices",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts)
		},
	}
	f := cmd.Flags()
	f.StringVar(&opts.listen, "listen", opts.listen, "TCP address to accept control panels on")
	f.StringVar(&opts.serial, "serial", opts.serial, "Serial device to answer on instead of TCP")
	f.IntVar(&opts.baud, "baud", opts.baud, "Serial baud rate")
	f.IntSliceVar(&opts.addresses, "address", opts.addresses, "PD addresses to simulate")
	f.StringVar(&opts.masterKey, "master-key", opts.masterKey, "Master key (32 hex chars) enabling the secure channel")
	f.IntVar(&opts.inputs, "inputs", opts.inputs, "Inputs per device")
	f.IntVar(&opts.outputs, "outputs", opts.outputs, "Outputs per device")
	f.IntVar(&opts.readers, "readers", opts.readers, "Readers per device")
	f.DurationVar(&opts.cardEvery, "card-every", opts.cardEvery, "Report a card read at this interval (0 disables)")
	f.StringVar(&opts.logLevel, "log-level", opts.logLevel, "Log level")
	return cmd
}

func buildDevices(opts options, log *logger.Logger) ([]*pdsim.Device, error) {
	var master *securechannel.Key
	if opts.masterKey != "" {
		k, err := securechannel.ParseKey(opts.masterKey)
		if err != nil {
			return nil, err
		}
		master = &k
	}

	devices := make([]*pdsim.Device, 0, len(opts.addresses))
	for _, addr := range opts.addresses {
		if addr < 0 || addr > protocol.MaxAddress {
			return nil, fmt.Errorf("address %d out of range", addr)
		}
		var uid [8]byte
		binary.BigEndian.PutUint64(uid[:], 0xA1B2C3D4E5F60000|uint64(addr))
		cfg := pdsim.Config{
			Address: addr,
			UID:     uid,
			Identity: protocol.PDID{
				VendorCode:    0x00A1B2,
				Model:         1,
				Version:       1,
				Serial:        binary.BigEndian.Uint32(uid[4:]),
				FirmwareMajor: 1,
			},
			Inputs:  opts.inputs,
			Outputs: opts.outputs,
			Readers: opts.readers,
		}
		if master != nil {
			devices = append(devices, pdsim.NewFromMaster(cfg, *master, log))
		} else {
			devices = append(devices, pdsim.New(cfg, log))
		}
	}
	return devices, nil
}

func run(ctx context.Context, opts options) error {
	log := logger.New(logger.Config{Level: opts.logLevel, Format: "text"})
	defer func() { _ = log.Sync() }()

	devices, err := buildDevices(opts, log)
	if err != nil {
		return err
	}
	if opts.cardEvery > 0 {
		go swipeCards(ctx, devices, opts.cardEvery)
	}

	if opts.serial != "" {
		ch, err := transport.OpenSerial(opts.serial, opts.baud)
		if err != nil {
			return err
		}
		defer func() { _ = ch.Close() }()
		log.Info("Emulating PDs on serial line",
			logger.String("device", opts.serial),
			logger.Int("baud", opts.baud),
			logger.Int("devices", len(devices)))
		err = pdsim.NewBus(log, devices...).Serve(ctx, ch)
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	addr, err := pdsim.ListenAndServe(ctx, opts.listen, log, devices...)
	if err != nil {
		return err
	}
	log.Info("Emulating PDs over TCP",
		logger.String("listen", addr),
		logger.Int("devices", len(devices)),
		logger.Bool("secure", opts.masterKey != ""))
	<-ctx.Done()
	return nil
}

// swipeCards reports a 26-bit card read on every device at each interval
func swipeCards(ctx context.Context, devices []*pdsim.Device, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	var n uint32
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n++
		for _, d := range devices {
			data := []byte{byte(n >> 18), byte(n >> 10), byte(n >> 2), byte(n << 6)}
			d.QueueEvent(protocol.CardRead{Reader: 0, Format: 0, BitCount: 26, Data: data})
		}
	}
}
