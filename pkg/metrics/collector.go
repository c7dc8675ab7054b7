package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "osdp"

// Collector records control panel activity as Prometheus series. It
// satisfies controlpanel.Stats.
type Collector struct {
	registry *prometheus.Registry

	framesSent     *prometheus.CounterVec // labels: channel
	bytesSent      *prometheus.CounterVec // labels: channel
	framesReceived *prometheus.CounterVec // labels: channel
	bytesReceived  *prometheus.CounterVec // labels: channel
	framesRejected *prometheus.CounterVec // labels: channel, reason
	events         *prometheus.CounterVec // labels: kind
	transitions    *prometheus.CounterVec // labels: state
	pdState        *prometheus.GaugeVec   // labels: address, state
	queueDepth     *prometheus.GaugeVec   // labels: address
	online         prometheus.Gauge

	mu     sync.Mutex
	states map[int]string
}

// NewCollector creates a collector backed by its own registry, with the Go
// and process collectors registered alongside.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	c := &Collector{
		registry: reg,
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_sent_total",
			Help:      "Command frames written to a channel.",
		}, []string{"channel"}),
		bytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Bytes written to a channel.",
		}, []string{"channel"}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Well-formed frames read from a channel.",
		}, []string{"channel"}),
		bytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Bytes of well-formed frames read from a channel.",
		}, []string{"channel"}),
		framesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_rejected_total",
			Help:      "Frames dropped by the decoder.",
		}, []string{"channel", "reason"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events delivered to the application.",
		}, []string{"kind"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "PD state changes by target state.",
		}, []string{"state"}),
		pdState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pd_state",
			Help:      "Current PD state; 1 for the active state label.",
		}, []string{"address", "state"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pd_queue_depth",
			Help:      "Commands waiting in a PD queue.",
		}, []string{"address"}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pds_online",
			Help:      "PDs currently in the ONLINE state.",
		}),
		states: make(map[int]string),
	}

	reg.MustRegister(c.framesSent, c.bytesSent, c.framesReceived, c.bytesReceived,
		c.framesRejected, c.events, c.transitions, c.pdState, c.queueDepth, c.online)
	return c
}

// Registry returns the registry the collector's series live in.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) FrameSent(channel string, bytes int) {
	c.framesSent.WithLabelValues(channel).Inc()
	c.bytesSent.WithLabelValues(channel).Add(float64(bytes))
}

func (c *Collector) FrameReceived(channel string, bytes int) {
	c.framesReceived.WithLabelValues(channel).Inc()
	c.bytesReceived.WithLabelValues(channel).Add(float64(bytes))
}

func (c *Collector) FrameRejected(channel, reason string) {
	c.framesRejected.WithLabelValues(channel, reason).Inc()
}

func (c *Collector) EventDelivered(kind string) {
	c.events.WithLabelValues(kind).Inc()
}

// StateChanged moves the address's pd_state series to the new state label
// and keeps pds_online in step.
func (c *Collector) StateChanged(address int, state string) {
	addr := strconv.Itoa(address)

	c.mu.Lock()
	defer c.mu.Unlock()

	prev, ok := c.states[address]
	if ok {
		if prev == state {
			return
		}
		c.pdState.DeleteLabelValues(addr, prev)
		if prev == onlineState {
			c.online.Dec()
		}
	}
	c.states[address] = state
	c.pdState.WithLabelValues(addr, state).Set(1)
	c.transitions.WithLabelValues(state).Inc()
	if state == onlineState {
		c.online.Inc()
	}
}

func (c *Collector) QueueDepth(address, depth int) {
	c.queueDepth.WithLabelValues(strconv.Itoa(address)).Set(float64(depth))
}

// Forget drops every series kept for an address, used when a PD moves to a
// new address after COMSET.
func (c *Collector) Forget(address int) {
	addr := strconv.Itoa(address)

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.states[address]; ok {
		c.pdState.DeleteLabelValues(addr, prev)
		if prev == onlineState {
			c.online.Dec()
		}
		delete(c.states, address)
	}
	c.queueDepth.DeleteLabelValues(addr)
}

const onlineState = "ONLINE"
