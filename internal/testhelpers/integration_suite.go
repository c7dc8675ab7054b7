package testhelpers

import (
	"context"
	"testing"
	"time"

	"github.com/dbehnke/osdp-nexus/pkg/logger"
	"github.com/dbehnke/osdp-nexus/pkg/pdsim"
	"github.com/dbehnke/osdp-nexus/pkg/transport"
)

// IntegrationSuite runs simulated PDs on loopback TCP for end-to-end tests
type IntegrationSuite struct {
	T         *testing.T
	Logger    *logger.Logger
	Ctx       context.Context
	Cancel    context.CancelFunc
	Emulators []*Emulator
	channels  []transport.Channel
}

// Emulator is a set of simulated PDs sharing one TCP endpoint
type Emulator struct {
	Addr    string
	Devices []*pdsim.Device
}

// NewIntegrationSuite creates a suite whose context expires after 30s
func NewIntegrationSuite(t *testing.T) *IntegrationSuite {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)

	log := logger.New(logger.Config{
		Level:  "debug",
		Format: "text",
	})

	return &IntegrationSuite{
		T:      t,
		Logger: log,
		Ctx:    ctx,
		Cancel: cancel,
	}
}

// StartEmulator serves devices on an ephemeral loopback port until Cleanup
func (s *IntegrationSuite) StartEmulator(devices ...*pdsim.Device) *Emulator {
	addr, err := pdsim.ListenAndServe(s.Ctx, "127.0.0.1:0", s.Logger.WithComponent("emulator"), devices...)
	if err != nil {
		s.T.Fatal(err)
	}
	em := &Emulator{Addr: addr, Devices: devices}
	s.Emulators = append(s.Emulators, em)
	return em
}

// Dial connects a channel to an emulator. It is closed by Cleanup.
func (s *IntegrationSuite) Dial(em *Emulator) transport.Channel {
	ch, err := transport.DialTCP(s.Ctx, em.Addr, 2*time.Second)
	if err != nil {
		s.T.Fatal(err)
	}
	s.channels = append(s.channels, ch)
	return ch
}

// Cleanup closes dialed channels and stops every emulator
func (s *IntegrationSuite) Cleanup() {
	for _, ch := range s.channels {
		_ = ch.Close()
	}
	s.Cancel()
	_ = s.Logger.Sync()
}

// WaitFor polls condition until it holds or timeout passes
func (s *IntegrationSuite) WaitFor(condition func() bool, timeout time.Duration, message string) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	s.T.Logf("WaitFor timeout: %s", message)
	return false
}

// AssertEventually fails the test when condition does not hold within timeout
func (s *IntegrationSuite) AssertEventually(condition func() bool, timeout time.Duration, message string) {
	if !s.WaitFor(condition, timeout, message) {
		s.T.Errorf("Assertion failed: %s", message)
	}
}
