package pdsim

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/dbehnke/osdp-nexus/pkg/protocol"
	"github.com/dbehnke/osdp-nexus/pkg/securechannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func commandFrame(t *testing.T, address byte, seq byte, cmd protocol.Command) []byte {
	t.Helper()
	payload, err := protocol.EncodeCommand(cmd)
	require.NoError(t, err)
	frame, err := protocol.Encode(address, protocol.NewControl(seq, true, false), payload)
	require.NoError(t, err)
	return frame
}

func decodeReply(t *testing.T, raw []byte) (protocol.Frame, protocol.Reply) {
	t.Helper()
	f, n, err := protocol.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, len(raw), n)
	require.NotEmpty(t, f.Payload)
	r, err := protocol.DecodeReply(f.Payload[0], f.Payload[1:])
	require.NoError(t, err)
	return f, r
}

func testDevice(address int) *Device {
	return New(Config{
		Address:  address,
		UID:      [8]byte{1, 2, 3, 4, 5, 6, 7, byte(address)},
		Identity: protocol.PDID{VendorCode: 0x0A0B0C, Serial: uint32(address)},
		Outputs:  2,
		Readers:  1,
	}, nil)
}

func TestBusFeed_RoutesByAddress(t *testing.T) {
	bus := NewBus(nil, testDevice(1), testDevice(2))

	f, r := decodeReply(t, bus.Feed(commandFrame(t, 2, 0, protocol.IDCommand{})))
	assert.True(t, f.IsReply())
	assert.Equal(t, byte(2), f.PDAddress())
	id, ok := r.(protocol.PDID)
	require.True(t, ok)
	assert.Equal(t, uint32(2), id.Serial)

	assert.Empty(t, bus.Feed(commandFrame(t, 9, 0, protocol.PollCommand{})))
}

func TestBusFeed_SplitFrames(t *testing.T) {
	bus := NewBus(nil, testDevice(1))
	frame := commandFrame(t, 1, 0, protocol.PollCommand{})

	assert.Empty(t, bus.Feed(frame[:3]))
	_, r := decodeReply(t, bus.Feed(frame[3:]))
	assert.Equal(t, protocol.Ack{}, r)
}

func TestDevice_OutputAndEvents(t *testing.T) {
	d := testDevice(1)
	bus := NewBus(nil, d)

	out := protocol.OutputCommand{OutputNo: 1, ControlCode: protocol.OutputPermanentOn}
	_, r := decodeReply(t, bus.Feed(commandFrame(t, 1, 0, out)))
	assert.Equal(t, protocol.Ack{}, r)
	assert.Equal(t, []bool{false, true}, d.Outputs())

	_, r = decodeReply(t, bus.Feed(commandFrame(t, 1, 1, protocol.OutputCommand{OutputNo: 5, ControlCode: protocol.OutputPermanentOn})))
	assert.Equal(t, protocol.Nak{Reason: protocol.NakRecord}, r)

	card := protocol.CardRead{BitCount: 26, Data: []byte{0xDE, 0xAD, 0xBE, 0xC0}}
	d.QueueEvent(card)
	_, r = decodeReply(t, bus.Feed(commandFrame(t, 1, 2, protocol.PollCommand{})))
	assert.Equal(t, card, r)
}

func TestDevice_RejectsKeySetWithoutSecureChannel(t *testing.T) {
	bus := NewBus(nil, testDevice(1))
	key := make([]byte, 16)
	_, r := decodeReply(t, bus.Feed(commandFrame(t, 1, 0, protocol.KeySetCommand{Type: protocol.KeyTypeSCBK, Key: key})))
	assert.Equal(t, protocol.Nak{Reason: protocol.NakSCCondition}, r)
}

func TestListenAndServe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr, err := ListenAndServe(ctx, "127.0.0.1:0", nil, testDevice(7))
	require.NoError(t, err)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	_, err = conn.Write(commandFrame(t, 7, 0, protocol.PollCommand{}))
	require.NoError(t, err)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var got []byte
	buf := make([]byte, 64)
	for {
		n, err := conn.Read(buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
		if _, _, err := protocol.Decode(got); err == nil {
			break
		}
	}
	f, r := decodeReply(t, got)
	assert.Equal(t, byte(7), f.PDAddress())
	assert.Equal(t, protocol.Ack{}, r)

	cancel()
	assert.Eventually(t, func() bool {
		c, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err != nil {
			return true
		}
		_ = c.Close()
		return false
	}, 2*time.Second, 20*time.Millisecond)
}

func challengeFrame(t *testing.T, address byte, keyIndicator byte) []byte {
	t.Helper()
	p := &protocol.Packet{
		Address: address,
		UseCRC:  true,
		SCB:     &protocol.SecurityBlock{Type: protocol.SCS11, Data: []byte{keyIndicator}},
		Code:    protocol.CmdChlng,
		Data:    make([]byte, 8),
	}
	raw, err := p.Encode()
	require.NoError(t, err)
	return raw
}

func TestDevice_InstallModeKeySelection(t *testing.T) {
	cfg := testDevice(1).cfg
	cfg.InstallMode = true
	d := New(cfg, nil)
	bus := NewBus(nil, d)

	_, r := decodeReply(t, bus.Feed(commandFrame(t, 1, 0, protocol.CapCommand{})))
	assert.True(t, r.(protocol.PDCap).SupportsSecureChannel(), "install mode advertises the secure channel")

	_, r = decodeReply(t, bus.Feed(challengeFrame(t, 1, 0x01)))
	assert.Equal(t, protocol.Nak{Reason: protocol.NakSCCondition}, r, "no SCBK of its own yet")

	f, _, err := protocol.Decode(bus.Feed(challengeFrame(t, 1, 0x00)))
	require.NoError(t, err)
	p, err := protocol.ParsePacket(f)
	require.NoError(t, err)
	require.NotNil(t, p.SCB)
	assert.Equal(t, protocol.SCS12, p.SCB.Type)
	assert.Equal(t, []byte{0x00}, p.SCB.Data)
	r, err = protocol.DecodeReply(p.Code, p.Data)
	require.NoError(t, err)
	assert.IsType(t, protocol.ClientCryptogram{}, r)

	plain := NewBus(nil, testDevice(2))
	_, r = decodeReply(t, plain.Feed(challengeFrame(t, 2, 0x00)))
	assert.Equal(t, protocol.Nak{Reason: protocol.NakSCUnsupported}, r)

	keyed := testDevice(3).cfg
	scbk := securechannel.Key{0x01}
	keyed.SCBK = &scbk
	_, r = decodeReply(t, NewBus(nil, New(keyed, nil)).Feed(challengeFrame(t, 3, 0x00)))
	assert.Equal(t, protocol.Nak{Reason: protocol.NakSCCondition}, r, "install key refused outside install mode")
}

func TestDevice_TransparentReader(t *testing.T) {
	bus := NewBus(nil, testDevice(1))
	apdu := []byte{0x00, 0xA4, 0x04, 0x00}

	_, r := decodeReply(t, bus.Feed(commandFrame(t, 1, 1, protocol.XWRCommand{Op: protocol.XWRSendAPDU, APDU: apdu})))
	assert.Equal(t, protocol.XRDReply{Op: protocol.XRDReaderError, ErrorCode: 1}, r, "APDUs need transparent mode")

	_, r = decodeReply(t, bus.Feed(commandFrame(t, 1, 2, protocol.XWRCommand{Op: protocol.XWRModeSet, NewMode: 1})))
	assert.Equal(t, protocol.XRDReply{Op: protocol.XRDModeReport, Mode: 1}, r)

	_, r = decodeReply(t, bus.Feed(commandFrame(t, 1, 3, protocol.XWRCommand{Op: protocol.XWRCardScan})))
	assert.Equal(t, protocol.XRDReply{Op: protocol.XRDCardPresent, Status: 1}, r)

	_, r = decodeReply(t, bus.Feed(commandFrame(t, 1, 1, protocol.XWRCommand{Op: protocol.XWRSendAPDU, APDU: apdu})))
	assert.Equal(t, protocol.XRDReply{Op: protocol.XRDCardData, APDU: []byte{0x00, 0xA4, 0x04, 0x00, 0x90, 0x00}}, r)

	_, r = decodeReply(t, bus.Feed(commandFrame(t, 1, 2, protocol.XWRCommand{Op: protocol.XWRTerminate})))
	assert.Equal(t, protocol.Ack{}, r)

	_, r = decodeReply(t, bus.Feed(commandFrame(t, 1, 3, protocol.XWRCommand{Op: protocol.XWRModeGet})))
	assert.Equal(t, protocol.XRDReply{Op: protocol.XRDModeReport, Mode: 1}, r)
}
