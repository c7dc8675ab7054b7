package controlpanel

// Stats receives counters from the control panel. pkg/metrics provides a
// Prometheus implementation.
type Stats interface {
	FrameSent(channel string, bytes int)
	FrameReceived(channel string, bytes int)
	FrameRejected(channel string, reason string)
	EventDelivered(kind string)
	StateChanged(address int, state string)
	QueueDepth(address int, depth int)
	// Forget drops whatever was kept for an address that is no longer used.
	Forget(address int)
}

type nopStats struct{}

func (nopStats) FrameSent(string, int)        {}
func (nopStats) FrameReceived(string, int)    {}
func (nopStats) FrameRejected(string, string) {}
func (nopStats) EventDelivered(string)        {}
func (nopStats) StateChanged(int, string)     {}
func (nopStats) QueueDepth(int, int)          {}
func (nopStats) Forget(int)                   {}
