package wire

import (
	"time"

	"go.bug.st/serial"
)

// OpenSerial opens the named serial port at the given bit rate, 8N1, and
// flushes stale input.
func OpenSerial(name string, baud int) (Wire, error) {
	port, err := serial.Open(name, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, err
	}
	if err := port.ResetInputBuffer(); err != nil {
		port.Close()
		return nil, err
	}
	return &serialWire{port: port}, nil
}

type serialWire struct {
	port serial.Port
}

func (s *serialWire) Read(p []byte) (int, error) {
	return s.port.Read(p)
}

func (s *serialWire) Write(p []byte) (int, error) {
	return s.port.Write(p)
}

func (s *serialWire) Close() error {
	return s.port.Close()
}

func (s *serialWire) SetReadTimeout(d time.Duration) error {
	return s.port.SetReadTimeout(d)
}
