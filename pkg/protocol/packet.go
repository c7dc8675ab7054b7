package protocol

import "fmt"

// SecurityBlock is the optional SCB following CTRL
type SecurityBlock struct {
	Type byte
	Data []byte
}

// Packet is a frame split into its OSDP fields
type Packet struct {
	Address  byte // 7-bit device address
	Reply    bool
	Sequence byte
	UseCRC   bool
	SCB      *SecurityBlock
	Code     byte
	Data     []byte
	MAC      []byte // MACLength bytes when the SCB type carries a MAC
}

// Control returns the CTRL byte for the packet
func (p *Packet) Control() Control {
	return NewControl(p.Sequence, p.UseCRC, p.SCB != nil)
}

func (p *Packet) addressByte() byte {
	a := p.Address & AddressMask
	if p.Reply {
		a |= ReplyFlag
	}
	return a
}

// Body returns SCB + code + data, the part of the payload preceding any MAC
func (p *Packet) Body() []byte {
	var body []byte
	if p.SCB != nil {
		body = append(body, byte(2+len(p.SCB.Data)), p.SCB.Type)
		body = append(body, p.SCB.Data...)
	}
	body = append(body, p.Code)
	return append(body, p.Data...)
}

// MACInput returns the bytes a MAC covers: the header (with the final
// length, MAC included) followed by the body.
func (p *Packet) MACInput() []byte {
	body := p.Body()
	payloadLen := len(body)
	if p.SCB != nil && IsSecureBlockWithMAC(p.SCB.Type) {
		payloadLen += MACLength
	}
	return append(Header(p.addressByte(), p.Control(), payloadLen), body...)
}

// Encode serializes the packet into a frame
func (p *Packet) Encode() ([]byte, error) {
	payload := p.Body()
	if p.SCB != nil && IsSecureBlockWithMAC(p.SCB.Type) {
		if len(p.MAC) != MACLength {
			return nil, fmt.Errorf("packet %s: MAC must be %d bytes, got %d", p.name(), MACLength, len(p.MAC))
		}
		payload = append(payload, p.MAC...)
	}
	return Encode(p.addressByte(), p.Control(), payload)
}

// MACInputFromRaw returns the portion of an encoded frame covered by its MAC
func MACInputFromRaw(raw []byte, useCRC bool) []byte {
	end := len(raw) - checkLength(useCRC) - MACLength
	if end < HeaderLength {
		return nil
	}
	return raw[:end]
}

// ParsePacket splits a decoded frame into packet fields
func ParsePacket(f Frame) (*Packet, error) {
	p := &Packet{
		Address:  f.PDAddress(),
		Reply:    f.IsReply(),
		Sequence: f.Control.Sequence(),
		UseCRC:   f.Control.UsesCRC(),
	}

	rest := f.Payload
	if f.Control.HasSCB() {
		if len(rest) < 2 {
			return nil, fmt.Errorf("security block truncated: %d bytes", len(rest))
		}
		n := int(rest[0])
		if n < 2 || n > len(rest) {
			return nil, fmt.Errorf("security block length %d invalid", n)
		}
		p.SCB = &SecurityBlock{Type: rest[1], Data: append([]byte(nil), rest[2:n]...)}
		rest = rest[n:]
	}

	if p.SCB != nil && IsSecureBlockWithMAC(p.SCB.Type) {
		if len(rest) < 1+MACLength {
			return nil, fmt.Errorf("secure packet too short for MAC: %d bytes", len(rest))
		}
		p.MAC = append([]byte(nil), rest[len(rest)-MACLength:]...)
		rest = rest[:len(rest)-MACLength]
	}

	if len(rest) < 1 {
		return nil, fmt.Errorf("packet has no command or reply code")
	}
	p.Code = rest[0]
	p.Data = append([]byte(nil), rest[1:]...)
	return p, nil
}

func (p *Packet) name() string {
	if p.Reply {
		return ReplyName(p.Code)
	}
	return CommandName(p.Code)
}
