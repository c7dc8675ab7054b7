package protocol

import (
	"encoding/binary"
	"fmt"
)

// Reply is a PD -> CP message
type Reply interface {
	Code() byte
	MarshalData() ([]byte, error)
	isReply()
}

// NakCode is the reason carried by a NAK reply
type NakCode byte

const (
	NakNone NakCode = iota
	NakMsgCheck
	NakCmdLength
	NakCmdUnknown
	NakSeqNum
	NakSCUnsupported
	NakSCCondition
	NakBioType
	NakBioFormat
	NakRecord
)

func (n NakCode) String() string {
	switch n {
	case NakNone:
		return "none"
	case NakMsgCheck:
		return "message check failed"
	case NakCmdLength:
		return "command length"
	case NakCmdUnknown:
		return "unknown command"
	case NakSeqNum:
		return "sequence number"
	case NakSCUnsupported:
		return "secure channel unsupported"
	case NakSCCondition:
		return "secure channel required"
	case NakBioType:
		return "biometric type unsupported"
	case NakBioFormat:
		return "biometric format unsupported"
	case NakRecord:
		return "unable to process record"
	default:
		return fmt.Sprintf("nak(%d)", byte(n))
	}
}

// Ack acknowledges a command with nothing to report
type Ack struct{}

func (Ack) Code() byte                   { return ReplyAck }
func (Ack) MarshalData() ([]byte, error) { return nil, nil }
func (Ack) isReply()                     {}

// Nak rejects a command
type Nak struct {
	Reason NakCode
}

func (Nak) Code() byte                     { return ReplyNak }
func (n Nak) MarshalData() ([]byte, error) { return []byte{byte(n.Reason)}, nil }
func (Nak) isReply()                       {}

// Busy asks the CP to repeat the command later
type Busy struct{}

func (Busy) Code() byte                   { return ReplyBusy }
func (Busy) MarshalData() ([]byte, error) { return nil, nil }
func (Busy) isReply()                     {}

// PDID is the identification report
type PDID struct {
	VendorCode    uint32
	Model         int
	Version       int
	Serial        uint32
	FirmwareMajor int
	FirmwareMinor int
	FirmwareBuild int
}

func (PDID) Code() byte { return ReplyPDID }
func (PDID) isReply()   {}

func (r PDID) MarshalData() ([]byte, error) {
	if r.VendorCode > MaxVendorCode {
		return nil, fieldError("pdid", "vendor_code", int(r.VendorCode))
	}
	for _, f := range []struct {
		name string
		v    int
	}{{"model", r.Model}, {"version", r.Version}, {"firmware_major", r.FirmwareMajor}, {"firmware_minor", r.FirmwareMinor}, {"firmware_build", r.FirmwareBuild}} {
		if err := checkByte("pdid", f.name, f.v); err != nil {
			return nil, err
		}
	}
	data := appendVendor(nil, r.VendorCode)
	data = append(data, byte(r.Model), byte(r.Version), 0, 0, 0, 0)
	binary.LittleEndian.PutUint32(data[5:9], r.Serial)
	return append(data, byte(r.FirmwareMajor), byte(r.FirmwareMinor), byte(r.FirmwareBuild)), nil
}

// Firmware renders the firmware version as major.minor.build
func (r PDID) Firmware() string {
	return fmt.Sprintf("%d.%d.%d", r.FirmwareMajor, r.FirmwareMinor, r.FirmwareBuild)
}

// Capability is one PDCAP entry
type Capability struct {
	Function   int
	Compliance int
	NumItems   int
}

// PDCap is the capability report
type PDCap struct {
	Capabilities []Capability
}

func (PDCap) Code() byte { return ReplyPDCap }
func (PDCap) isReply()   {}

func (r PDCap) MarshalData() ([]byte, error) {
	data := make([]byte, 0, 3*len(r.Capabilities))
	for _, c := range r.Capabilities {
		if err := checkByte("pdcap", "function", c.Function); err != nil {
			return nil, err
		}
		if err := checkByte("pdcap", "compliance", c.Compliance); err != nil {
			return nil, err
		}
		if err := checkByte("pdcap", "num_items", c.NumItems); err != nil {
			return nil, err
		}
		data = append(data, byte(c.Function), byte(c.Compliance), byte(c.NumItems))
	}
	return data, nil
}

// Lookup returns the entry for a function code
func (r PDCap) Lookup(function byte) (Capability, bool) {
	for _, c := range r.Capabilities {
		if c.Function == int(function) {
			return c, true
		}
	}
	return Capability{}, false
}

// SupportsSecureChannel reports whether the PD advertises AES-128 secure channel
func (r PDCap) SupportsSecureChannel() bool {
	c, ok := r.Lookup(CapCommunicationSecurity)
	return ok && c.Compliance&0x01 != 0
}

// LocalStatus reports tamper and power status
type LocalStatus struct {
	Tamper bool
	Power  bool // true when a power failure is reported
}

func (LocalStatus) Code() byte { return ReplyLStatR }
func (LocalStatus) isReply()   {}

func (r LocalStatus) MarshalData() ([]byte, error) {
	return []byte{boolByte(r.Tamper), boolByte(r.Power)}, nil
}

// InputStatus reports the state of each PD input
type InputStatus struct {
	Inputs []bool
}

func (InputStatus) Code() byte                     { return ReplyIStatR }
func (InputStatus) isReply()                       {}
func (r InputStatus) MarshalData() ([]byte, error) { return boolBytes(r.Inputs), nil }

// OutputStatus reports the state of each PD output
type OutputStatus struct {
	Outputs []bool
}

func (OutputStatus) Code() byte                     { return ReplyOStatR }
func (OutputStatus) isReply()                       {}
func (r OutputStatus) MarshalData() ([]byte, error) { return boolBytes(r.Outputs), nil }

// ReaderStatus reports tamper status per attached reader (0 normal, 1 not connected, 2 tamper)
type ReaderStatus struct {
	Readers []int
}

func (ReaderStatus) Code() byte { return ReplyRStatR }
func (ReaderStatus) isReply()   {}

func (r ReaderStatus) MarshalData() ([]byte, error) {
	data := make([]byte, len(r.Readers))
	for i, v := range r.Readers {
		if err := checkRange("rstatr", "status", v, 0, 2); err != nil {
			return nil, err
		}
		data[i] = byte(v)
	}
	return data, nil
}

// CardRead is raw card data (RAW)
type CardRead struct {
	Reader   int
	Format   int
	BitCount int
	Data     []byte
}

func (CardRead) Code() byte { return ReplyRaw }
func (CardRead) isReply()   {}

func (r CardRead) MarshalData() ([]byte, error) {
	if err := checkByte("raw", "reader", r.Reader); err != nil {
		return nil, err
	}
	if err := checkByte("raw", "format", r.Format); err != nil {
		return nil, err
	}
	if err := checkUint16("raw", "bit_count", r.BitCount); err != nil {
		return nil, err
	}
	if want := (r.BitCount + 7) / 8; len(r.Data) != want {
		return nil, fieldError("raw", "length", len(r.Data))
	}
	data := []byte{byte(r.Reader), byte(r.Format), byte(r.BitCount), byte(r.BitCount >> 8)}
	return append(data, r.Data...), nil
}

// FormattedCard is card data already formatted as characters (FMT)
type FormattedCard struct {
	Reader    int
	Direction int
	Data      string
}

func (FormattedCard) Code() byte { return ReplyFmt }
func (FormattedCard) isReply()   {}

func (r FormattedCard) MarshalData() ([]byte, error) {
	if err := checkByte("fmt", "reader", r.Reader); err != nil {
		return nil, err
	}
	if err := checkByte("fmt", "direction", r.Direction); err != nil {
		return nil, err
	}
	if err := checkByte("fmt", "length", len(r.Data)); err != nil {
		return nil, err
	}
	data := []byte{byte(r.Reader), byte(r.Direction), byte(len(r.Data))}
	return append(data, r.Data...), nil
}

// Keypad carries keys pressed on the reader keypad
type Keypad struct {
	Reader int
	Keys   []byte
}

func (Keypad) Code() byte { return ReplyKeypad }
func (Keypad) isReply()   {}

func (r Keypad) MarshalData() ([]byte, error) {
	if err := checkByte("keypad", "reader", r.Reader); err != nil {
		return nil, err
	}
	if err := checkByte("keypad", "count", len(r.Keys)); err != nil {
		return nil, err
	}
	data := []byte{byte(r.Reader), byte(len(r.Keys))}
	return append(data, r.Keys...), nil
}

// ComSettings reports the communication settings in effect (reply to COMSET)
type ComSettings struct {
	Address  int
	BaudRate int
}

func (ComSettings) Code() byte { return ReplyCom }
func (ComSettings) isReply()   {}

func (r ComSettings) MarshalData() ([]byte, error) {
	if err := checkRange("com", "address", r.Address, 0, MaxAddress); err != nil {
		return nil, err
	}
	data := make([]byte, 5)
	data[0] = byte(r.Address)
	binary.LittleEndian.PutUint32(data[1:], uint32(r.BaudRate))
	return data, nil
}

// MfgReply carries a manufacturer specific reply
type MfgReply struct {
	VendorCode uint32
	Data       []byte
}

func (MfgReply) Code() byte { return ReplyMfgRep }
func (MfgReply) isReply()   {}

func (r MfgReply) MarshalData() ([]byte, error) {
	if r.VendorCode > MaxVendorCode {
		return nil, fieldError("mfgrep", "vendor_code", int(r.VendorCode))
	}
	return append(appendVendor(nil, r.VendorCode), r.Data...), nil
}

// ClientCryptogram is the PD's answer to a challenge (CCRYPT)
type ClientCryptogram struct {
	ClientUID  [8]byte
	Random     [RandomLength]byte
	Cryptogram [CryptogramLength]byte
}

func (ClientCryptogram) Code() byte { return ReplyCCrypt }
func (ClientCryptogram) isReply()   {}

func (r ClientCryptogram) MarshalData() ([]byte, error) {
	data := append([]byte(nil), r.ClientUID[:]...)
	data = append(data, r.Random[:]...)
	return append(data, r.Cryptogram[:]...), nil
}

// InitialRMAC completes the handshake (RMAC_I)
type InitialRMAC struct {
	RMAC [16]byte
}

func (InitialRMAC) Code() byte                     { return ReplyRMACI }
func (InitialRMAC) isReply()                       {}
func (r InitialRMAC) MarshalData() ([]byte, error) { return append([]byte(nil), r.RMAC[:]...), nil }

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

func boolBytes(v []bool) []byte {
	data := make([]byte, len(v))
	for i, b := range v {
		data[i] = boolByte(b)
	}
	return data
}

func bytesBool(data []byte) []bool {
	v := make([]bool, len(data))
	for i, b := range data {
		v[i] = b != 0
	}
	return v
}

// Reply parsers

func parseAck(data []byte) (Reply, error) { return Ack{}, nil }

func parseBusy(data []byte) (Reply, error) { return Busy{}, nil }

func parseNak(data []byte) (Reply, error) {
	if len(data) < 1 {
		return nil, badReply(ReplyNak, "missing reason")
	}
	return Nak{Reason: NakCode(data[0])}, nil
}

func parsePDID(data []byte) (Reply, error) {
	if len(data) != 12 {
		return nil, badReply(ReplyPDID, "expected 12 bytes, got %d", len(data))
	}
	return PDID{
		VendorCode:    readVendor(data),
		Model:         int(data[3]),
		Version:       int(data[4]),
		Serial:        binary.LittleEndian.Uint32(data[5:9]),
		FirmwareMajor: int(data[9]),
		FirmwareMinor: int(data[10]),
		FirmwareBuild: int(data[11]),
	}, nil
}

func parsePDCap(data []byte) (Reply, error) {
	if len(data)%3 != 0 {
		return nil, badReply(ReplyPDCap, "length %d not a multiple of 3", len(data))
	}
	r := PDCap{Capabilities: make([]Capability, 0, len(data)/3)}
	for i := 0; i < len(data); i += 3 {
		r.Capabilities = append(r.Capabilities, Capability{Function: int(data[i]), Compliance: int(data[i+1]), NumItems: int(data[i+2])})
	}
	return r, nil
}

func parseLocalStatus(data []byte) (Reply, error) {
	if len(data) != 2 {
		return nil, badReply(ReplyLStatR, "expected 2 bytes, got %d", len(data))
	}
	return LocalStatus{Tamper: data[0] != 0, Power: data[1] != 0}, nil
}

func parseInputStatus(data []byte) (Reply, error) {
	return InputStatus{Inputs: bytesBool(data)}, nil
}

func parseOutputStatus(data []byte) (Reply, error) {
	return OutputStatus{Outputs: bytesBool(data)}, nil
}

func parseReaderStatus(data []byte) (Reply, error) {
	r := ReaderStatus{Readers: make([]int, len(data))}
	for i, b := range data {
		r.Readers[i] = int(b)
	}
	return r, nil
}

func parseCardRead(data []byte) (Reply, error) {
	if len(data) < 4 {
		return nil, badReply(ReplyRaw, "expected at least 4 bytes, got %d", len(data))
	}
	bits := int(binary.LittleEndian.Uint16(data[2:4]))
	if want := (bits + 7) / 8; len(data)-4 != want {
		return nil, badReply(ReplyRaw, "%d bits need %d bytes, got %d", bits, want, len(data)-4)
	}
	return CardRead{Reader: int(data[0]), Format: int(data[1]), BitCount: bits, Data: append([]byte(nil), data[4:]...)}, nil
}

func parseFormattedCard(data []byte) (Reply, error) {
	if len(data) < 3 || len(data) != 3+int(data[2]) {
		return nil, badReply(ReplyFmt, "invalid length %d", len(data))
	}
	return FormattedCard{Reader: int(data[0]), Direction: int(data[1]), Data: string(data[3:])}, nil
}

func parseKeypad(data []byte) (Reply, error) {
	if len(data) < 2 || len(data) != 2+int(data[1]) {
		return nil, badReply(ReplyKeypad, "invalid length %d", len(data))
	}
	return Keypad{Reader: int(data[0]), Keys: append([]byte(nil), data[2:]...)}, nil
}

func parseComSettings(data []byte) (Reply, error) {
	if len(data) != 5 {
		return nil, badReply(ReplyCom, "expected 5 bytes, got %d", len(data))
	}
	return ComSettings{Address: int(data[0]), BaudRate: int(binary.LittleEndian.Uint32(data[1:]))}, nil
}

func parseMfgReply(data []byte) (Reply, error) {
	if len(data) < 3 {
		return nil, badReply(ReplyMfgRep, "expected at least 3 bytes, got %d", len(data))
	}
	return MfgReply{VendorCode: readVendor(data), Data: append([]byte(nil), data[3:]...)}, nil
}

func parseClientCryptogram(data []byte) (Reply, error) {
	var r ClientCryptogram
	if len(data) != 8+RandomLength+CryptogramLength {
		return nil, badReply(ReplyCCrypt, "expected 32 bytes, got %d", len(data))
	}
	copy(r.ClientUID[:], data[0:8])
	copy(r.Random[:], data[8:16])
	copy(r.Cryptogram[:], data[16:32])
	return r, nil
}

func parseInitialRMAC(data []byte) (Reply, error) {
	var r InitialRMAC
	if len(data) != 16 {
		return nil, badReply(ReplyRMACI, "expected 16 bytes, got %d", len(data))
	}
	copy(r.RMAC[:], data)
	return r, nil
}
