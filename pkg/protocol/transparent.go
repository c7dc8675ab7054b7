package protocol

import "fmt"

// MaxAPDULength bounds the APDU carried by XWR and XRD
const MaxAPDULength = 64

// XWROp selects an extended write operation. The high byte is the XWR mode,
// the low byte the command within that mode.
type XWROp int

const (
	XWRModeGet   XWROp = 0x0001
	XWRModeSet   XWROp = 0x0002
	XWRSendAPDU  XWROp = 0x0101
	XWRTerminate XWROp = 0x0102
	XWRCardScan  XWROp = 0x0104
)

func (o XWROp) mode() byte    { return byte(o >> 8) }
func (o XWROp) command() byte { return byte(o) }

// XWRCommand drives a reader in transparent mode (osdp_XWR). Reader
// applies to mode 1 operations, NewMode and ModeConfig to XWRModeSet and
// APDU to XWRSendAPDU.
type XWRCommand struct {
	Op         XWROp
	Reader     int
	NewMode    int
	ModeConfig int
	APDU       []byte
}

func (XWRCommand) Code() byte { return CmdXWR }
func (XWRCommand) isCommand() {}

func (c XWRCommand) MarshalData() ([]byte, error) {
	data := []byte{c.Op.mode(), c.Op.command()}
	switch c.Op {
	case XWRModeGet:
		return data, nil
	case XWRModeSet:
		if err := checkRange("xwr", "mode", c.NewMode, 0, 1); err != nil {
			return nil, err
		}
		if err := checkByte("xwr", "mode_config", c.ModeConfig); err != nil {
			return nil, err
		}
		return append(data, byte(c.NewMode), byte(c.ModeConfig)), nil
	case XWRSendAPDU, XWRTerminate, XWRCardScan:
	default:
		return nil, fieldError("xwr", "op", int(c.Op))
	}

	if err := checkByte("xwr", "reader", c.Reader); err != nil {
		return nil, err
	}
	data = append(data, byte(c.Reader))
	if c.Op != XWRSendAPDU {
		return data, nil
	}
	if len(c.APDU) == 0 || len(c.APDU) > MaxAPDULength {
		return nil, fieldError("xwr", "apdu_length", len(c.APDU))
	}
	data = append(data, byte(len(c.APDU)))
	return append(data, c.APDU...), nil
}

func parseXWR(data []byte) (Command, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("xwr: expected at least 2 bytes, got %d", len(data))
	}
	c := XWRCommand{Op: XWROp(int(data[0])<<8 | int(data[1]))}
	body := data[2:]
	switch c.Op {
	case XWRModeGet:
		if len(body) != 0 {
			return nil, fmt.Errorf("xwr mode get: unexpected %d bytes", len(body))
		}
	case XWRModeSet:
		if len(body) != 2 {
			return nil, fmt.Errorf("xwr mode set: expected 2 bytes, got %d", len(body))
		}
		c.NewMode, c.ModeConfig = int(body[0]), int(body[1])
	case XWRTerminate, XWRCardScan:
		if len(body) != 1 {
			return nil, fmt.Errorf("xwr: expected reader byte, got %d bytes", len(body))
		}
		c.Reader = int(body[0])
	case XWRSendAPDU:
		if len(body) < 2 || len(body) != 2+int(body[1]) {
			return nil, fmt.Errorf("xwr send apdu: invalid length %d", len(body))
		}
		c.Reader = int(body[0])
		c.APDU = append([]byte(nil), body[2:]...)
	default:
		return nil, fmt.Errorf("xwr: unsupported mode %d command %d", data[0], data[1])
	}
	return c, nil
}

// XRDOp identifies an extended read reply, encoded like XWROp. A zero
// command byte marks an error report for that mode.
type XRDOp int

const (
	XRDModeError   XRDOp = 0x0000
	XRDModeReport  XRDOp = 0x0001
	XRDCardInfo    XRDOp = 0x0002
	XRDReaderError XRDOp = 0x0100
	XRDCardPresent XRDOp = 0x0101
	XRDCardData    XRDOp = 0x0102
	XRDPINComplete XRDOp = 0x0103
)

// IsError reports whether the reply carries an error code
func (o XRDOp) IsError() bool { return o&0xFF == 0 }

// XRDReply is a transparent reader report (osdp_XRD). Which fields are set
// depends on Op.
type XRDReply struct {
	Op           XRDOp
	Reader       int
	Status       int
	Tries        int // XRDPINComplete
	Mode         int // XRDModeReport
	ModeConfig   int // XRDModeReport
	Protocol     int // XRDCardInfo
	CSN          []byte
	ProtocolData []byte
	APDU         []byte // XRDCardData
	ErrorCode    int    // XRDModeError, XRDReaderError
}

func (XRDReply) Code() byte { return ReplyXRD }
func (XRDReply) isReply()   {}

func (r XRDReply) MarshalData() ([]byte, error) {
	data := []byte{byte(r.Op >> 8), byte(r.Op)}
	put := func(pairs ...any) ([]byte, error) {
		for i := 0; i < len(pairs); i += 2 {
			field, v := pairs[i].(string), pairs[i+1].(int)
			if err := checkByte("xrd", field, v); err != nil {
				return nil, err
			}
			data = append(data, byte(v))
		}
		return data, nil
	}

	switch r.Op {
	case XRDModeError, XRDReaderError:
		return put("error_code", r.ErrorCode)
	case XRDModeReport:
		return put("mode", r.Mode, "mode_config", r.ModeConfig)
	case XRDCardInfo:
		if len(r.CSN) > 0xFF || len(r.ProtocolData) > 0xFF {
			return nil, fieldError("xrd", "length", len(r.CSN)+len(r.ProtocolData))
		}
		if _, err := put("reader", r.Reader, "protocol", r.Protocol); err != nil {
			return nil, err
		}
		data = append(data, byte(len(r.CSN)), byte(len(r.ProtocolData)))
		data = append(data, r.CSN...)
		return append(data, r.ProtocolData...), nil
	case XRDCardPresent:
		return put("reader", r.Reader, "status", r.Status)
	case XRDCardData:
		if len(r.APDU) > MaxAPDULength {
			return nil, fieldError("xrd", "apdu_length", len(r.APDU))
		}
		if _, err := put("reader", r.Reader, "status", r.Status); err != nil {
			return nil, err
		}
		return append(data, r.APDU...), nil
	case XRDPINComplete:
		return put("reader", r.Reader, "status", r.Status, "tries", r.Tries)
	}
	return nil, fieldError("xrd", "op", int(r.Op))
}

func parseXRD(data []byte) (Reply, error) {
	if len(data) < 2 {
		return nil, badReply(ReplyXRD, "expected at least 2 bytes, got %d", len(data))
	}
	r := XRDReply{Op: XRDOp(int(data[0])<<8 | int(data[1]))}
	body := data[2:]
	want := func(n int) error {
		if len(body) != n {
			return badReply(ReplyXRD, "op 0x%04x: expected %d bytes, got %d", int(r.Op), n, len(body))
		}
		return nil
	}

	switch r.Op {
	case XRDModeError, XRDReaderError:
		if err := want(1); err != nil {
			return nil, err
		}
		r.ErrorCode = int(body[0])
	case XRDModeReport:
		if err := want(2); err != nil {
			return nil, err
		}
		r.Mode, r.ModeConfig = int(body[0]), int(body[1])
	case XRDCardInfo:
		if len(body) < 4 {
			return nil, badReply(ReplyXRD, "card info: expected at least 4 bytes, got %d", len(body))
		}
		csnLen, pdLen := int(body[2]), int(body[3])
		if err := want(4 + csnLen + pdLen); err != nil {
			return nil, err
		}
		r.Reader, r.Protocol = int(body[0]), int(body[1])
		r.CSN = append([]byte(nil), body[4:4+csnLen]...)
		r.ProtocolData = append([]byte(nil), body[4+csnLen:]...)
	case XRDCardPresent:
		if err := want(2); err != nil {
			return nil, err
		}
		r.Reader, r.Status = int(body[0]), int(body[1])
	case XRDCardData:
		if len(body) < 2 || len(body) > 2+MaxAPDULength {
			return nil, badReply(ReplyXRD, "card data: invalid length %d", len(body))
		}
		r.Reader, r.Status = int(body[0]), int(body[1])
		r.APDU = append([]byte(nil), body[2:]...)
	case XRDPINComplete:
		if err := want(3); err != nil {
			return nil, err
		}
		r.Reader, r.Status, r.Tries = int(body[0]), int(body[1]), int(body[2])
	default:
		return nil, badReply(ReplyXRD, "unsupported mode %d reply %d", data[0], data[1])
	}
	return r, nil
}
