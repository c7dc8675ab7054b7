// Package pdsim is a reference peripheral device. It answers a control
// panel the way a card reader or I/O module would, including the PD side of
// the secure channel, and is used by the emulator binary and by tests.
package pdsim

import (
	"errors"
	"sync"

	"github.com/dbehnke/osdp-nexus/pkg/logger"
	"github.com/dbehnke/osdp-nexus/pkg/protocol"
	"github.com/dbehnke/osdp-nexus/pkg/securechannel"
)

// Config describes the simulated device
type Config struct {
	Address  int
	UID      [8]byte
	Identity protocol.PDID
	// SCBK enables the secure channel. Nil makes the device plain-only
	// unless InstallMode is set.
	SCBK *securechannel.Key
	// InstallMode accepts a handshake keyed with the default install key
	// until a KEYSET gives the device its own SCBK
	InstallMode  bool
	Capabilities []protocol.Capability // defaults derived from the other fields when empty
	Inputs       int
	Outputs      int
	Readers      int
}

// Handler lets a test override the reply to a command. Returning nil falls
// back to the default behaviour.
type Handler func(cmd protocol.Command) protocol.Reply

// Device is a simulated PD. It is safe for concurrent use.
type Device struct {
	mu sync.Mutex

	cfg     Config
	address int
	baud    int
	scbk    *securechannel.Key
	install bool
	sc      *securechannel.Channel
	log     *logger.Logger

	lastSeq   byte
	lastReply []byte
	pending   []protocol.Reply
	outputs   []bool
	inputs    []bool
	tamper    bool
	silent    bool
	handler   Handler
	received  []protocol.Command
	newAddr   *protocol.ComSettings
	// nextSCBK is installed by KEYSET and takes effect at the next CHLNG
	nextSCBK *securechannel.Key
	// xmode is the transparent reader mode set by XWR
	xmode int
}

// New creates a device from cfg
func New(cfg Config, log *logger.Logger) *Device {
	if log == nil {
		log = logger.Nop()
	}
	d := &Device{
		cfg:     cfg,
		address: cfg.Address,
		log:     log.WithComponent("pdsim"),
		lastSeq: 0xFF,
		outputs: make([]bool, cfg.Outputs),
		inputs:  make([]bool, cfg.Inputs),
		scbk:    cfg.SCBK,
		install: cfg.InstallMode,
	}
	return d
}

// NewFromMaster creates a secure device whose SCBK is derived from master
func NewFromMaster(cfg Config, master securechannel.Key, log *logger.Logger) *Device {
	scbk := securechannel.DeriveSCBK(master, cfg.UID)
	cfg.SCBK = &scbk
	return New(cfg, log)
}

// Address returns the address the device currently answers to
func (d *Device) Address() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.address
}

// SecureChannelEstablished reports whether the PD side considers the session keyed
func (d *Device) SecureChannelEstablished() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sc != nil && d.sc.Established()
}

// SCBK returns the base key the device currently holds
func (d *Device) SCBK() (securechannel.Key, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.scbk == nil {
		return securechannel.Key{}, false
	}
	return *d.scbk, true
}

// InstallMode reports whether the device still accepts the install key
func (d *Device) InstallMode() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.install
}

// SetSilent makes the device ignore every frame
func (d *Device) SetSilent(silent bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.silent = silent
}

// SetHandler installs a reply override
func (d *Device) SetHandler(h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = h
}

// SetTamper sets the tamper flag reported by LSTAT
func (d *Device) SetTamper(tamper bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tamper = tamper
	d.pending = append(d.pending, protocol.LocalStatus{Tamper: tamper})
}

// QueueEvent queues a reply to be delivered on the next POLL
func (d *Device) QueueEvent(r protocol.Reply) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = append(d.pending, r)
}

// Outputs returns a copy of the output states
func (d *Device) Outputs() []bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]bool(nil), d.outputs...)
}

// Received returns the non-handshake commands the device accepted, in order
func (d *Device) Received() []protocol.Command {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]protocol.Command(nil), d.received...)
}

// Handle answers one frame. It returns nil when the frame is not for this
// device or must not be answered.
func (d *Device) Handle(f protocol.Frame) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.silent || f.IsReply() {
		return nil
	}
	addr := f.PDAddress()
	if int(addr) != d.address && addr != protocol.Broadcast {
		return nil
	}

	p, err := protocol.ParsePacket(f)
	if err != nil {
		d.log.Debug("dropping bad packet", logger.Error(err))
		return nil
	}

	if p.Sequence != 0 && p.Sequence == d.lastSeq && d.lastReply != nil {
		d.log.Debug("repeating last reply", logger.Int("seq", int(p.Sequence)))
		return d.lastReply
	}
	if p.Sequence == 0 && d.sc != nil {
		d.sc.Reset()
	}

	reply, scb := d.dispatch(f, p)
	out, err := d.encodeReply(p, reply, scb)
	if err != nil {
		d.log.Error("failed to encode reply", logger.Error(err))
		return nil
	}
	if _, busy := reply.(protocol.Busy); !busy {
		d.lastSeq = p.Sequence
		d.lastReply = out
	}

	if d.newAddr != nil {
		d.address, d.baud = d.newAddr.Address, d.newAddr.BaudRate
		d.newAddr = nil
		d.lastSeq, d.lastReply = 0xFF, nil
	}
	return out
}

func nak(reason protocol.NakCode) protocol.Reply { return protocol.Nak{Reason: reason} }

// dispatch returns the reply and, for handshake replies, its security block
func (d *Device) dispatch(f protocol.Frame, p *protocol.Packet) (protocol.Reply, *protocol.SecurityBlock) {
	if p.SCB != nil {
		switch p.SCB.Type {
		case protocol.SCS11, protocol.SCS13:
			return d.handshake(p)
		case protocol.SCS15, protocol.SCS17:
			data, err := d.unwrap(f, p)
			if err != nil {
				d.log.Warn("secure command rejected", logger.Error(err))
				if d.sc != nil {
					d.sc.Reset()
				}
				return nak(protocol.NakSCCondition), nil
			}
			p.Data = data
		default:
			return nak(protocol.NakSCUnsupported), nil
		}
	} else if d.sc != nil && d.sc.Established() {
		d.sc.Reset()
	}

	cmd, err := protocol.DecodeCommand(p.Code, p.Data)
	if err != nil {
		if errors.Is(err, protocol.ErrUnknownCommand) {
			return nak(protocol.NakCmdUnknown), nil
		}
		return nak(protocol.NakCmdLength), nil
	}
	d.received = append(d.received, cmd)

	if d.handler != nil {
		if r := d.handler(cmd); r != nil {
			return r, nil
		}
	}
	return d.answer(cmd), nil
}

func (d *Device) secureCapable() bool { return d.scbk != nil || d.install }

func (d *Device) handshake(p *protocol.Packet) (protocol.Reply, *protocol.SecurityBlock) {
	if !d.secureCapable() {
		return nak(protocol.NakSCUnsupported), nil
	}
	cmd, err := protocol.DecodeCommand(p.Code, p.Data)
	if err != nil {
		return nak(protocol.NakCmdLength), nil
	}
	indicator := []byte{0x01}
	if len(p.SCB.Data) > 0 {
		indicator = []byte{p.SCB.Data[0]}
	}

	switch c := cmd.(type) {
	case protocol.ChallengeCommand:
		if !d.selectKey(indicator[0] == 0x00) {
			d.log.Warn("challenge with a key the device does not hold", logger.Int("key", int(indicator[0])))
			return nak(protocol.NakSCCondition), nil
		}
		uid, rnd, crypt, err := d.sc.Respond(c.Random)
		if err != nil {
			return nak(protocol.NakSCCondition), nil
		}
		return protocol.ClientCryptogram{ClientUID: uid, Random: rnd, Cryptogram: crypt},
			&protocol.SecurityBlock{Type: protocol.SCS12, Data: indicator}
	case protocol.ServerCryptogramCommand:
		if d.sc == nil {
			return nak(protocol.NakSCCondition), nil
		}
		rmac, err := d.sc.VerifyServerCryptogram(securechannel.Key(c.Cryptogram))
		if err != nil {
			d.log.Warn("server cryptogram rejected", logger.Error(err))
			return nak(protocol.NakSCCondition), nil
		}
		return protocol.InitialRMAC{RMAC: rmac},
			&protocol.SecurityBlock{Type: protocol.SCS14, Data: indicator}
	}
	return nak(protocol.NakSCCondition), nil
}

// selectKey keys a fresh PD channel for a CHLNG. A pending KEYSET key takes
// effect here and ends install mode.
func (d *Device) selectKey(installKey bool) bool {
	if installKey {
		if !d.install {
			return false
		}
		d.sc = securechannel.NewPD(securechannel.DefaultSCBK, d.cfg.UID)
		return true
	}
	if d.nextSCBK != nil {
		d.scbk, d.nextSCBK = d.nextSCBK, nil
		d.install = false
	}
	if d.scbk == nil {
		return false
	}
	d.sc = securechannel.NewPD(*d.scbk, d.cfg.UID)
	return true
}

func (d *Device) unwrap(f protocol.Frame, p *protocol.Packet) ([]byte, error) {
	if d.sc == nil || !d.sc.Established() {
		return nil, securechannel.ErrNotEstablished
	}
	if err := d.sc.VerifyInbound(protocol.MACInputFromRaw(f.Raw, p.UseCRC), p.MAC); err != nil {
		return nil, err
	}
	if p.SCB.Type == protocol.SCS17 {
		return d.sc.DecryptInbound(p.Data)
	}
	return p.Data, nil
}

func (d *Device) answer(cmd protocol.Command) protocol.Reply {
	switch c := cmd.(type) {
	case protocol.PollCommand:
		if len(d.pending) > 0 {
			r := d.pending[0]
			d.pending = d.pending[1:]
			return r
		}
		return protocol.Ack{}
	case protocol.IDCommand:
		return d.cfg.Identity
	case protocol.CapCommand:
		return protocol.PDCap{Capabilities: d.capabilities()}
	case protocol.LocalStatusCommand:
		return protocol.LocalStatus{Tamper: d.tamper}
	case protocol.InputStatusCommand:
		return protocol.InputStatus{Inputs: append([]bool(nil), d.inputs...)}
	case protocol.OutputStatusCommand:
		return protocol.OutputStatus{Outputs: append([]bool(nil), d.outputs...)}
	case protocol.ReaderStatusCommand:
		return protocol.ReaderStatus{Readers: make([]int, d.cfg.Readers)}
	case protocol.OutputCommand:
		if c.OutputNo >= len(d.outputs) {
			return nak(protocol.NakRecord)
		}
		switch c.ControlCode {
		case protocol.OutputPermanentOn, protocol.OutputTemporaryOn:
			d.outputs[c.OutputNo] = true
		case protocol.OutputPermanentOff, protocol.OutputTemporaryOff:
			d.outputs[c.OutputNo] = false
		}
		return protocol.Ack{}
	case protocol.LEDCommand, protocol.BuzzerCommand, protocol.TextCommand:
		return protocol.Ack{}
	case protocol.ComSetCommand:
		if d.sc == nil || !d.sc.Established() {
			return nak(protocol.NakSCCondition)
		}
		com := protocol.ComSettings{Address: c.Address, BaudRate: c.BaudRate}
		d.newAddr = &com
		return com
	case protocol.KeySetCommand:
		if d.sc == nil || !d.sc.Established() {
			return nak(protocol.NakSCCondition)
		}
		var k securechannel.Key
		copy(k[:], c.Key)
		d.nextSCBK = &k
		return protocol.Ack{}
	case protocol.MfgCommand:
		return protocol.MfgReply{VendorCode: c.VendorCode, Data: c.Data}
	case protocol.XWRCommand:
		return d.transparent(c)
	}
	return nak(protocol.NakCmdUnknown)
}

// transparent answers XWR. In mode 1 an APDU is answered with its own bytes
// followed by status word 9000.
func (d *Device) transparent(c protocol.XWRCommand) protocol.Reply {
	switch c.Op {
	case protocol.XWRModeGet:
		return protocol.XRDReply{Op: protocol.XRDModeReport, Mode: d.xmode}
	case protocol.XWRModeSet:
		d.xmode = c.NewMode
		return protocol.XRDReply{Op: protocol.XRDModeReport, Mode: d.xmode, ModeConfig: c.ModeConfig}
	}
	if d.xmode != 1 || c.Reader >= d.cfg.Readers {
		return protocol.XRDReply{Op: protocol.XRDReaderError, ErrorCode: 1}
	}
	switch c.Op {
	case protocol.XWRSendAPDU:
		resp := append(append([]byte(nil), c.APDU...), 0x90, 0x00)
		if len(resp) > protocol.MaxAPDULength {
			resp = []byte{0x67, 0x00}
		}
		return protocol.XRDReply{Op: protocol.XRDCardData, Reader: c.Reader, APDU: resp}
	case protocol.XWRCardScan:
		return protocol.XRDReply{Op: protocol.XRDCardPresent, Reader: c.Reader, Status: 1}
	}
	return protocol.Ack{}
}

func (d *Device) capabilities() []protocol.Capability {
	if len(d.cfg.Capabilities) > 0 {
		return d.cfg.Capabilities
	}
	caps := []protocol.Capability{
		{Function: int(protocol.CapCheckCharacterSupport), Compliance: 1},
		{Function: int(protocol.CapContactStatusMonitoring), Compliance: 1, NumItems: d.cfg.Inputs},
		{Function: int(protocol.CapOutputControl), Compliance: 1, NumItems: d.cfg.Outputs},
		{Function: int(protocol.CapReaders), Compliance: 1, NumItems: d.cfg.Readers},
	}
	if d.secureCapable() {
		caps = append(caps, protocol.Capability{Function: int(protocol.CapCommunicationSecurity), Compliance: 1, NumItems: 1})
	}
	return caps
}

func (d *Device) encodeReply(cmd *protocol.Packet, reply protocol.Reply, scb *protocol.SecurityBlock) ([]byte, error) {
	data, err := reply.MarshalData()
	if err != nil {
		return nil, err
	}
	p := &protocol.Packet{
		Address:  byte(d.address),
		Reply:    true,
		Sequence: cmd.Sequence,
		UseCRC:   cmd.UseCRC,
		SCB:      scb,
		Code:     reply.Code(),
		Data:     data,
	}

	secured := cmd.SCB != nil && (cmd.SCB.Type == protocol.SCS15 || cmd.SCB.Type == protocol.SCS17)
	if scb == nil && secured && d.sc != nil && d.sc.Established() {
		p.SCB = &protocol.SecurityBlock{Type: protocol.SCS16}
		if len(data) > 0 {
			p.SCB.Type = protocol.SCS18
			if p.Data, err = d.sc.EncryptOutbound(data); err != nil {
				return nil, err
			}
		}
		if p.MAC, err = d.sc.SignOutbound(p.MACInput()); err != nil {
			return nil, err
		}
	}
	return p.Encode()
}
