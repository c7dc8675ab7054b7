package transport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dbehnke/osdp-nexus/pkg/logger"
)

var (
	// ErrNotConnected is returned by a Redialer between connections
	ErrNotConnected = errors.New("transport: not connected")
	// ErrBaudUnsupported is returned when the connected channel has a fixed speed
	ErrBaudUnsupported = errors.New("transport: channel cannot change baud rate")
)

// DialFunc opens the channel a Redialer manages
type DialFunc func(ctx context.Context) (Channel, error)

// RedialConfig controls how often a Redialer tries to reconnect
type RedialConfig struct {
	// Interval is the first retry delay and the liveness check period
	Interval time.Duration
	// MaxInterval caps the doubling retry delay
	MaxInterval time.Duration
}

// Redialer is a Channel that reopens its underlying channel whenever it
// fails or closes. IsOpen reports false while it is reconnecting, so the
// control panel treats the bus as down and brings its PDs back afterwards.
type Redialer struct {
	name string
	dial DialFunc
	cfg  RedialConfig
	log  *logger.Logger

	mu     sync.Mutex
	cur    Channel
	baud   int
	closed bool

	cancel context.CancelFunc
	kick   chan struct{}
	done   chan struct{}
}

// NewRedialer starts dialing in the background and returns immediately. A
// failed first dial is retried like any later disconnect.
func NewRedialer(name string, dial DialFunc, cfg RedialConfig, log *logger.Logger) *Redialer {
	if log == nil {
		log = logger.Nop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.MaxInterval < cfg.Interval {
		cfg.MaxInterval = cfg.Interval
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Redialer{
		name:   name,
		dial:   dial,
		cfg:    cfg,
		log:    log.WithComponent("transport").With(logger.String("channel", name)),
		cancel: cancel,
		kick:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go r.loop(ctx)
	return r
}

func (r *Redialer) loop(ctx context.Context) {
	defer close(r.done)
	backoff := r.cfg.Interval
	for {
		if r.connected() {
			select {
			case <-ctx.Done():
				return
			case <-r.kick:
			case <-time.After(r.cfg.Interval):
			}
			continue
		}

		ch, err := r.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.Warn("Dial failed", logger.Error(err), logger.Duration("retry_in", backoff))
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < r.cfg.MaxInterval {
				backoff *= 2
				if backoff > r.cfg.MaxInterval {
					backoff = r.cfg.MaxInterval
				}
			}
			continue
		}
		if !r.install(ch) {
			_ = ch.Close()
			return
		}
		backoff = r.cfg.Interval
	}
}

// connected reports whether a live channel is installed, dropping a dead one
func (r *Redialer) connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cur == nil {
		return false
	}
	if r.cur.IsOpen() {
		return true
	}
	_ = r.cur.Close()
	r.cur = nil
	r.log.Warn("Channel lost, reconnecting")
	return false
}

func (r *Redialer) install(ch Channel) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if r.baud > 0 {
		if bs, ok := ch.(BaudSetter); ok {
			if err := bs.SetBaudRate(r.baud); err != nil {
				r.log.Error("Failed to restore baud rate", logger.Int("baud_rate", r.baud), logger.Error(err))
			}
		}
	}
	r.cur = ch
	r.log.Info("Channel connected")
	return true
}

func (r *Redialer) current() (Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch {
	case r.closed:
		return nil, ErrClosed
	case r.cur == nil:
		return nil, ErrNotConnected
	}
	return r.cur, nil
}

// fail wakes the dial loop after an I/O error on ch
func (r *Redialer) fail(ch Channel) {
	r.mu.Lock()
	if r.cur == ch {
		_ = ch.Close()
	}
	r.mu.Unlock()
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

func (r *Redialer) Write(p []byte) (int, error) {
	ch, err := r.current()
	if err != nil {
		return 0, err
	}
	n, err := ch.Write(p)
	if err != nil {
		r.fail(ch)
	}
	return n, err
}

func (r *Redialer) Read(p []byte) (int, error) {
	ch, err := r.current()
	if err != nil {
		return 0, err
	}
	n, err := ch.Read(p)
	if err != nil {
		r.fail(ch)
	}
	return n, err
}

// IsOpen reports whether a connected channel is installed
func (r *Redialer) IsOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.closed && r.cur != nil && r.cur.IsOpen()
}

// SetBaudRate changes the speed of the connected channel and of every
// channel dialed afterwards
func (r *Redialer) SetBaudRate(baud int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.baud = baud
	if r.cur == nil {
		return nil
	}
	bs, ok := r.cur.(BaudSetter)
	if !ok {
		return ErrBaudUnsupported
	}
	return bs.SetBaudRate(baud)
}

// Close stops reconnecting and closes the current channel
func (r *Redialer) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	cur := r.cur
	r.cur = nil
	r.mu.Unlock()

	r.cancel()
	<-r.done
	if cur != nil {
		return cur.Close()
	}
	return nil
}

func (r *Redialer) String() string { return r.name }
