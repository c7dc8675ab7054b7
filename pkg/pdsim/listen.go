package pdsim

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/dbehnke/osdp-nexus/pkg/logger"
	"github.com/dbehnke/osdp-nexus/pkg/transport"
)

// ListenAndServe accepts TCP connections on addr and answers each one with
// the given devices. It returns the bound address once listening; serving
// continues in the background until ctx is done.
func ListenAndServe(ctx context.Context, addr string, log *logger.Logger, devices ...*Device) (string, error) {
	if log == nil {
		log = logger.Nop()
	}
	log = log.WithComponent("pdsim")

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if !errors.Is(err, net.ErrClosed) {
					log.Error("accept failed", logger.Error(err))
				}
				return
			}
			remote := conn.RemoteAddr().String()
			log.Info("control panel connected", logger.String("remote", remote))

			go func() {
				ch := transport.NewConnChannel(conn)
				defer func() { _ = ch.Close() }()
				err := NewBus(log, devices...).Serve(ctx, ch)
				log.Info("control panel disconnected", logger.String("remote", remote), logger.Error(err))
			}()
		}
	}()

	return ln.Addr().String(), nil
}
