package controlpanel

import (
	"time"

	"github.com/dbehnke/osdp-nexus/pkg/protocol"
)

// PDStatus is a snapshot of one PD for display
type PDStatus struct {
	Index         int                   `json:"index"`
	Name          string                `json:"name"`
	Address       int                   `json:"address"`
	Channel       string                `json:"channel"`
	BaudRate      int                   `json:"baud_rate"`
	State         string                `json:"state"`
	SecureChannel bool                  `json:"secure_channel"`
	Handshaking   bool                  `json:"handshaking"`
	QueueLength   int                   `json:"queue_length"`
	LastActivity  time.Time             `json:"last_activity"`
	Identity      *protocol.PDID        `json:"identity,omitempty"`
	Capabilities  []protocol.Capability `json:"capabilities,omitempty"`
}

// Status returns a snapshot of every PD in configuration order
func (cp *ControlPanel) Status() []PDStatus {
	out := make([]PDStatus, 0, len(cp.entries))
	for _, e := range cp.entries {
		s := e.session
		info := s.Info()
		st := PDStatus{
			Index:         e.index,
			Name:          info.Label(),
			Address:       info.Address,
			Channel:       info.Channel,
			BaudRate:      info.BaudRate,
			State:         s.State().String(),
			SecureChannel: s.SecureChannelEstablished(),
			Handshaking:   s.State().Handshaking(),
			QueueLength:   s.QueueLen(),
			LastActivity:  s.LastActivity(),
		}
		if id, ok := s.Identity(); ok {
			st.Identity = &id
		}
		if caps, ok := s.Capabilities(); ok {
			st.Capabilities = caps.Capabilities
		}
		out = append(out, st)
	}
	return out
}
