package protocol

import (
	"encoding/binary"
	"fmt"
)

// Command is a CP -> PD message. Implementations are plain values and are
// copied when queued.
type Command interface {
	Code() byte
	// MarshalData validates the fields and returns the bytes following the code.
	MarshalData() ([]byte, error)
	isCommand()
}

// Field limits
const (
	MaxTextLength    = 32
	MaxMfgDataLength = 64
	SCBKLength       = 16
	RandomLength     = 8
	CryptogramLength = 16
	MaxVendorCode    = 1<<24 - 1
)

// Baud rates a PD can be switched to with COMSET
var ValidBaudRates = []int{9600, 19200, 38400, 57600, 115200, 230400}

// Output control codes
const (
	OutputNOP = iota
	OutputPermanentOff
	OutputPermanentOn
	OutputPermanentOffAllowTimed
	OutputPermanentOnAllowTimed
	OutputTemporaryOn
	OutputTemporaryOff
)

// Reader tone codes
const (
	ToneNOP = iota
	ToneOff
	ToneDefault
)

// Text control codes
const (
	TextPermanentNoWrap = iota + 1
	TextPermanentWrap
	TextTemporaryNoWrap
	TextTemporaryWrap
)

// LED colors
const (
	LEDColorBlack = iota
	LEDColorRed
	LEDColorGreen
	LEDColorAmber
	LEDColorBlue
	LEDColorMagenta
	LEDColorCyan
	LEDColorWhite
)

// KeySet key types
const KeyTypeSCBK = 1

// PollCommand asks the PD for pending events
type PollCommand struct{}

func (PollCommand) Code() byte                   { return CmdPoll }
func (PollCommand) MarshalData() ([]byte, error) { return nil, nil }
func (PollCommand) isCommand()                   {}

// IDCommand requests the PD identification report
type IDCommand struct{}

func (IDCommand) Code() byte                   { return CmdID }
func (IDCommand) MarshalData() ([]byte, error) { return []byte{0x00}, nil }
func (IDCommand) isCommand()                   {}

// CapCommand requests the PD capability report
type CapCommand struct{}

func (CapCommand) Code() byte                   { return CmdCap }
func (CapCommand) MarshalData() ([]byte, error) { return []byte{0x00}, nil }
func (CapCommand) isCommand()                   {}

// LocalStatusCommand requests tamper and power status
type LocalStatusCommand struct{}

func (LocalStatusCommand) Code() byte                   { return CmdLStat }
func (LocalStatusCommand) MarshalData() ([]byte, error) { return nil, nil }
func (LocalStatusCommand) isCommand()                   {}

// InputStatusCommand requests input status
type InputStatusCommand struct{}

func (InputStatusCommand) Code() byte                   { return CmdIStat }
func (InputStatusCommand) MarshalData() ([]byte, error) { return nil, nil }
func (InputStatusCommand) isCommand()                   {}

// OutputStatusCommand requests output status
type OutputStatusCommand struct{}

func (OutputStatusCommand) Code() byte                   { return CmdOStat }
func (OutputStatusCommand) MarshalData() ([]byte, error) { return nil, nil }
func (OutputStatusCommand) isCommand()                   {}

// ReaderStatusCommand requests reader tamper status
type ReaderStatusCommand struct{}

func (ReaderStatusCommand) Code() byte                   { return CmdRStat }
func (ReaderStatusCommand) MarshalData() ([]byte, error) { return nil, nil }
func (ReaderStatusCommand) isCommand()                   {}

// OutputCommand drives a PD output
type OutputCommand struct {
	OutputNo    int
	ControlCode int
	TimerCount  int // units of 100ms
}

func (OutputCommand) Code() byte { return CmdOut }
func (OutputCommand) isCommand() {}

func (c OutputCommand) MarshalData() ([]byte, error) {
	if err := checkByte("output", "output_no", c.OutputNo); err != nil {
		return nil, err
	}
	if err := checkRange("output", "control_code", c.ControlCode, OutputNOP, OutputTemporaryOff); err != nil {
		return nil, err
	}
	if err := checkUint16("output", "timer_count", c.TimerCount); err != nil {
		return nil, err
	}
	data := []byte{byte(c.OutputNo), byte(c.ControlCode), 0, 0}
	binary.LittleEndian.PutUint16(data[2:], uint16(c.TimerCount))
	return data, nil
}

// LEDCommand controls a reader LED. Temporary selects which half of the
// record carries the values; the other half is sent as NOP.
type LEDCommand struct {
	Reader      int
	LEDNumber   int
	Temporary   bool
	ControlCode int
	OnCount     int
	OffCount    int
	OnColor     int
	OffColor    int
	TimerCount  int // temporary only
}

func (LEDCommand) Code() byte { return CmdLED }
func (LEDCommand) isCommand() {}

const ledDataLength = 14

func (c LEDCommand) MarshalData() ([]byte, error) {
	const msg = "led"
	if err := checkByte(msg, "reader", c.Reader); err != nil {
		return nil, err
	}
	if err := checkByte(msg, "led_number", c.LEDNumber); err != nil {
		return nil, err
	}
	maxControl := 1
	if c.Temporary {
		maxControl = 2
	}
	if err := checkRange(msg, "control_code", c.ControlCode, 0, maxControl); err != nil {
		return nil, err
	}
	if err := checkByte(msg, "on_count", c.OnCount); err != nil {
		return nil, err
	}
	if err := checkByte(msg, "off_count", c.OffCount); err != nil {
		return nil, err
	}
	if err := checkRange(msg, "on_color", c.OnColor, LEDColorBlack, LEDColorWhite); err != nil {
		return nil, err
	}
	if err := checkRange(msg, "off_color", c.OffColor, LEDColorBlack, LEDColorWhite); err != nil {
		return nil, err
	}
	if err := checkUint16(msg, "timer_count", c.TimerCount); err != nil {
		return nil, err
	}

	data := make([]byte, ledDataLength)
	data[0] = byte(c.Reader)
	data[1] = byte(c.LEDNumber)
	params := []byte{byte(c.ControlCode), byte(c.OnCount), byte(c.OffCount), byte(c.OnColor), byte(c.OffColor)}
	if c.Temporary {
		copy(data[2:7], params)
		binary.LittleEndian.PutUint16(data[7:9], uint16(c.TimerCount))
	} else {
		copy(data[9:14], params)
	}
	return data, nil
}

// BuzzerCommand controls the reader buzzer
type BuzzerCommand struct {
	Reader      int
	ControlCode int // tone
	OnCount     int
	OffCount    int
	RepeatCount int
}

func (BuzzerCommand) Code() byte { return CmdBuz }
func (BuzzerCommand) isCommand() {}

func (c BuzzerCommand) MarshalData() ([]byte, error) {
	const msg = "buzzer"
	if err := checkByte(msg, "reader", c.Reader); err != nil {
		return nil, err
	}
	if err := checkRange(msg, "control_code", c.ControlCode, ToneNOP, ToneDefault); err != nil {
		return nil, err
	}
	if err := checkByte(msg, "on_count", c.OnCount); err != nil {
		return nil, err
	}
	if err := checkByte(msg, "off_count", c.OffCount); err != nil {
		return nil, err
	}
	if err := checkByte(msg, "rep_count", c.RepeatCount); err != nil {
		return nil, err
	}
	return []byte{byte(c.Reader), byte(c.ControlCode), byte(c.OnCount), byte(c.OffCount), byte(c.RepeatCount)}, nil
}

// TextCommand writes text to the reader display
type TextCommand struct {
	Reader      int
	ControlCode int
	TempTime    int // seconds
	OffsetRow   int
	OffsetCol   int
	Data        string
}

func (TextCommand) Code() byte { return CmdText }
func (TextCommand) isCommand() {}

func (c TextCommand) MarshalData() ([]byte, error) {
	const msg = "text"
	if err := checkByte(msg, "reader", c.Reader); err != nil {
		return nil, err
	}
	if err := checkRange(msg, "control_code", c.ControlCode, TextPermanentNoWrap, TextTemporaryWrap); err != nil {
		return nil, err
	}
	if err := checkByte(msg, "temp_time", c.TempTime); err != nil {
		return nil, err
	}
	if err := checkByte(msg, "offset_row", c.OffsetRow); err != nil {
		return nil, err
	}
	if err := checkByte(msg, "offset_col", c.OffsetCol); err != nil {
		return nil, err
	}
	if err := checkRange(msg, "length", len(c.Data), 1, MaxTextLength); err != nil {
		return nil, err
	}
	for i := 0; i < len(c.Data); i++ {
		if c.Data[i] < 0x20 || c.Data[i] > 0x7E {
			return nil, fieldError(msg, "data", int(c.Data[i]))
		}
	}
	data := []byte{byte(c.Reader), byte(c.ControlCode), byte(c.TempTime), byte(c.OffsetRow), byte(c.OffsetCol), byte(len(c.Data))}
	return append(data, c.Data...), nil
}

// ComSetCommand changes the PD address and baud rate
type ComSetCommand struct {
	Address  int
	BaudRate int
}

func (ComSetCommand) Code() byte { return CmdComSet }
func (ComSetCommand) isCommand() {}

func (c ComSetCommand) MarshalData() ([]byte, error) {
	if err := checkRange("comset", "address", c.Address, 0, MaxAddress); err != nil {
		return nil, err
	}
	if !validBaud(c.BaudRate) {
		return nil, fieldError("comset", "baud_rate", c.BaudRate)
	}
	data := make([]byte, 5)
	data[0] = byte(c.Address)
	binary.LittleEndian.PutUint32(data[1:], uint32(c.BaudRate))
	return data, nil
}

// KeySetCommand installs a new secure channel base key on the PD
type KeySetCommand struct {
	Type int
	Key  []byte
}

func (KeySetCommand) Code() byte { return CmdKeySet }
func (KeySetCommand) isCommand() {}

func (c KeySetCommand) MarshalData() ([]byte, error) {
	if c.Type != KeyTypeSCBK {
		return nil, fieldError("keyset", "type", c.Type)
	}
	if len(c.Key) != SCBKLength {
		return nil, fieldError("keyset", "length", len(c.Key))
	}
	data := []byte{byte(c.Type), byte(len(c.Key))}
	return append(data, c.Key...), nil
}

// MfgCommand carries a manufacturer specific command
type MfgCommand struct {
	VendorCode uint32
	Command    int
	Data       []byte
}

func (MfgCommand) Code() byte { return CmdMfg }
func (MfgCommand) isCommand() {}

func (c MfgCommand) MarshalData() ([]byte, error) {
	if c.VendorCode > MaxVendorCode {
		return nil, fieldError("mfg", "vendor_code", int(c.VendorCode))
	}
	if err := checkByte("mfg", "command", c.Command); err != nil {
		return nil, err
	}
	if len(c.Data) > MaxMfgDataLength {
		return nil, fieldError("mfg", "length", len(c.Data))
	}
	data := appendVendor(nil, c.VendorCode)
	data = append(data, byte(c.Command))
	return append(data, c.Data...), nil
}

// ChallengeCommand opens a secure channel handshake (CHLNG)
type ChallengeCommand struct {
	Random [RandomLength]byte
}

func (ChallengeCommand) Code() byte { return CmdChlng }
func (ChallengeCommand) isCommand() {}

func (c ChallengeCommand) MarshalData() ([]byte, error) {
	return append([]byte(nil), c.Random[:]...), nil
}

// ServerCryptogramCommand carries the CP cryptogram (SCRYPT)
type ServerCryptogramCommand struct {
	Cryptogram [CryptogramLength]byte
}

func (ServerCryptogramCommand) Code() byte { return CmdSCrypt }
func (ServerCryptogramCommand) isCommand() {}

func (c ServerCryptogramCommand) MarshalData() ([]byte, error) {
	return append([]byte(nil), c.Cryptogram[:]...), nil
}

func checkRange(msg, field string, v, min, max int) error {
	if v < min || v > max {
		return fieldError(msg, field, v)
	}
	return nil
}

func checkByte(msg, field string, v int) error { return checkRange(msg, field, v, 0, 0xFF) }

func checkUint16(msg, field string, v int) error { return checkRange(msg, field, v, 0, 0xFFFF) }

func validBaud(b int) bool {
	for _, v := range ValidBaudRates {
		if v == b {
			return true
		}
	}
	return false
}

func appendVendor(b []byte, vendor uint32) []byte {
	return append(b, byte(vendor), byte(vendor>>8), byte(vendor>>16))
}

func readVendor(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
}

// Command parsers, used by the PD side.

func parseOutput(data []byte) (Command, error) {
	if len(data) != 4 {
		return nil, fmt.Errorf("output: expected 4 bytes, got %d", len(data))
	}
	return OutputCommand{OutputNo: int(data[0]), ControlCode: int(data[1]), TimerCount: int(binary.LittleEndian.Uint16(data[2:]))}, nil
}

func parseLED(data []byte) (Command, error) {
	if len(data) != ledDataLength {
		return nil, fmt.Errorf("led: expected %d bytes, got %d", ledDataLength, len(data))
	}
	c := LEDCommand{Reader: int(data[0]), LEDNumber: int(data[1])}
	if data[2] != 0 {
		c.Temporary = true
		c.ControlCode, c.OnCount, c.OffCount, c.OnColor, c.OffColor = int(data[2]), int(data[3]), int(data[4]), int(data[5]), int(data[6])
		c.TimerCount = int(binary.LittleEndian.Uint16(data[7:9]))
	} else {
		c.ControlCode, c.OnCount, c.OffCount, c.OnColor, c.OffColor = int(data[9]), int(data[10]), int(data[11]), int(data[12]), int(data[13])
	}
	return c, nil
}

func parseBuzzer(data []byte) (Command, error) {
	if len(data) != 5 {
		return nil, fmt.Errorf("buzzer: expected 5 bytes, got %d", len(data))
	}
	return BuzzerCommand{Reader: int(data[0]), ControlCode: int(data[1]), OnCount: int(data[2]), OffCount: int(data[3]), RepeatCount: int(data[4])}, nil
}

func parseText(data []byte) (Command, error) {
	if len(data) < 6 || len(data) != 6+int(data[5]) {
		return nil, fmt.Errorf("text: invalid length %d", len(data))
	}
	return TextCommand{
		Reader: int(data[0]), ControlCode: int(data[1]), TempTime: int(data[2]),
		OffsetRow: int(data[3]), OffsetCol: int(data[4]), Data: string(data[6:]),
	}, nil
}

func parseComSet(data []byte) (Command, error) {
	if len(data) != 5 {
		return nil, fmt.Errorf("comset: expected 5 bytes, got %d", len(data))
	}
	return ComSetCommand{Address: int(data[0]), BaudRate: int(binary.LittleEndian.Uint32(data[1:]))}, nil
}

func parseKeySet(data []byte) (Command, error) {
	if len(data) < 2 || len(data) != 2+int(data[1]) {
		return nil, fmt.Errorf("keyset: invalid length %d", len(data))
	}
	return KeySetCommand{Type: int(data[0]), Key: append([]byte(nil), data[2:]...)}, nil
}

func parseMfg(data []byte) (Command, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("mfg: expected at least 4 bytes, got %d", len(data))
	}
	return MfgCommand{VendorCode: readVendor(data), Command: int(data[3]), Data: append([]byte(nil), data[4:]...)}, nil
}

func parseChallenge(data []byte) (Command, error) {
	var c ChallengeCommand
	if len(data) != RandomLength {
		return nil, fmt.Errorf("chlng: expected %d bytes, got %d", RandomLength, len(data))
	}
	copy(c.Random[:], data)
	return c, nil
}

func parseServerCryptogram(data []byte) (Command, error) {
	var c ServerCryptogramCommand
	if len(data) != CryptogramLength {
		return nil, fmt.Errorf("scrypt: expected %d bytes, got %d", CryptogramLength, len(data))
	}
	copy(c.Cryptogram[:], data)
	return c, nil
}
