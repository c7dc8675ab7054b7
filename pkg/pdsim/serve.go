package pdsim

import (
	"context"
	"time"

	"github.com/dbehnke/osdp-nexus/pkg/logger"
	"github.com/dbehnke/osdp-nexus/pkg/protocol"
	"github.com/dbehnke/osdp-nexus/pkg/transport"
)

// Bus is a set of devices sharing one channel
type Bus struct {
	devices []*Device
	dec     *protocol.Decoder
	log     *logger.Logger
}

// NewBus groups devices that answer on the same channel
func NewBus(log *logger.Logger, devices ...*Device) *Bus {
	if log == nil {
		log = logger.Nop()
	}
	return &Bus{devices: devices, dec: protocol.NewDecoder(0), log: log.WithComponent("pdsim.bus")}
}

// Feed consumes bytes from the CP and returns the concatenated replies
func (b *Bus) Feed(data []byte) []byte {
	b.dec.Write(data)
	var out []byte
	for _, f := range b.dec.Frames(func(fe *protocol.FrameError) {
		b.log.Debug("frame error", logger.Error(fe))
	}) {
		for _, d := range b.devices {
			if r := d.Handle(f); r != nil {
				out = append(out, r...)
			}
		}
	}
	return out
}

// Serve answers frames arriving on ch until ctx is done or the channel fails
func (b *Bus) Serve(ctx context.Context, ch transport.Channel) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	buf := make([]byte, 1024)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		for {
			n, err := ch.Read(buf)
			if err != nil {
				return err
			}
			if n == 0 {
				break
			}
			if reply := b.Feed(buf[:n]); len(reply) > 0 {
				if _, err := ch.Write(reply); err != nil {
					return err
				}
			}
		}
	}
}
