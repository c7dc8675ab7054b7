package transport

import (
	"fmt"

	"go.bug.st/serial"
)

// SerialChannel is an RS-485 line behind a serial port
type SerialChannel struct {
	*stream
	port serial.Port
	name string
	mode *serial.Mode
}

func serialMode(baud int) *serial.Mode {
	return &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
}

// OpenSerial opens a serial device at 8N1 and the given speed
func OpenSerial(device string, baud int) (*SerialChannel, error) {
	mode := serialMode(baud)
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", device, err)
	}
	return &SerialChannel{stream: newStream(port), port: port, name: device, mode: mode}, nil
}

// SetBaudRate changes the line speed, used after a COMSET took effect
func (c *SerialChannel) SetBaudRate(baud int) error {
	mode := serialMode(baud)
	if err := c.port.SetMode(mode); err != nil {
		return fmt.Errorf("transport: set %s to %d baud: %w", c.name, baud, err)
	}
	c.mode = mode
	return nil
}

// String returns the device path
func (c *SerialChannel) String() string { return c.name }
