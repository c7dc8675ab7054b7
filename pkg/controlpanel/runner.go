package controlpanel

import (
	"context"
	"time"

	"github.com/dbehnke/osdp-nexus/pkg/protocol"
)

// DefaultRefreshInterval is how often a Runner calls Refresh
const DefaultRefreshInterval = 5 * time.Millisecond

// Runner owns a ControlPanel in a single goroutine. Other goroutines reach
// it through the inbox.
type Runner struct {
	cp       *ControlPanel
	interval time.Duration
	inbox    chan func(*ControlPanel)
}

// NewRunner wraps cp. Callbacks registered on cp run on the Runner's goroutine.
func NewRunner(cp *ControlPanel, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Runner{cp: cp, interval: interval, inbox: make(chan func(*ControlPanel), 64)}
}

// Run refreshes the control panel until ctx is done, then closes it
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	defer r.cp.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-r.inbox:
			fn(r.cp)
		case <-ticker.C:
			r.cp.Refresh()
		}
	}
}

// Do runs fn on the Runner's goroutine and waits for its result
func (r *Runner) Do(ctx context.Context, fn func(*ControlPanel) error) error {
	done := make(chan error, 1)
	select {
	case r.inbox <- func(cp *ControlPanel) { done <- fn(cp) }:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendCommand queues cmd for PD index
func (r *Runner) SendCommand(ctx context.Context, index int, cmd protocol.Command) error {
	return r.Do(ctx, func(cp *ControlPanel) error { return cp.SendCommand(index, cmd) })
}

// ClearQueue drops the commands queued for PD index
func (r *Runner) ClearQueue(ctx context.Context, index int) (int, error) {
	var n int
	err := r.Do(ctx, func(cp *ControlPanel) error {
		var err error
		n, err = cp.ClearQueue(index)
		return err
	})
	return n, err
}

// Status returns a snapshot of every PD
func (r *Runner) Status(ctx context.Context) ([]PDStatus, error) {
	var st []PDStatus
	err := r.Do(ctx, func(cp *ControlPanel) error {
		st = cp.Status()
		return nil
	})
	return st, err
}
