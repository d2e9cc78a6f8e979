package stick

import (
	"fmt"
	"io"
	"log/slog"

	"go.bug.st/serial"
)

// DefaultBaud is the Plugwise USB stick line speed.
const DefaultBaud = 115200

// OpenSerial opens a USB stick on portName (8N1).
func OpenSerial(portName string, baudRate int, logger *slog.Logger) (*Port, error) {
	if baudRate == 0 {
		baudRate = DefaultBaud
	}
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	open := func() (io.ReadWriteCloser, error) {
		port, err := serial.Open(portName, mode)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", portName, err)
		}
		return port, nil
	}
	return newPort("serial:"+portName, open, logger)
}

// ListSerialPorts returns the serial ports present on this host.
func ListSerialPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}
	return ports, nil
}
