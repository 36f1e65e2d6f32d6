package link

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/tarm/serial"
)

// serialPort is the subset of *tarm/serial.Port SerialLink depends on,
// narrowed so tests can substitute a fake (mirrors the teacher's
// internal/serial.Port seam).
type serialPort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// openSerialPort is a hook for tests.
var openSerialPort = func(cfg *serial.Config) (serialPort, error) { return serial.OpenPort(cfg) }

// SerialLink drives a local serial port (RS-232/USB-CDC) carrying the V6
// framed protocol, grounded on the teacher's internal/serial port wrapper.
type SerialLink struct {
	name string
	baud int

	mu     sync.Mutex
	port   serialPort
	closed bool
}

// NewSerialLink constructs a SerialLink for the given device path and baud
// rate. The port is not opened until Open is called.
func NewSerialLink(name string, baud int) *SerialLink {
	return &SerialLink{name: name, baud: baud}
}

func (s *SerialLink) Open(ctx context.Context) error {
	cfg := &serial.Config{
		Name:        s.name,
		Baud:        s.baud,
		ReadTimeout: serialReadInterval * serialReadMultiplier,
	}
	p, err := openSerialPort(cfg)
	if err != nil {
		return ErrLinkOpen
	}
	s.mu.Lock()
	s.port = p
	s.closed = false
	s.mu.Unlock()
	return nil
}

func (s *SerialLink) Read(buf []byte) (int, error) {
	s.mu.Lock()
	p := s.port
	closed := s.closed
	s.mu.Unlock()
	if closed || p == nil {
		return 0, ErrClosed
	}
	n, err := p.Read(buf)
	if err == nil {
		return n, nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		// Read-timeout expiry surfaces as a transient EOF on some platforms;
		// treat it as "no bytes yet" so the reader task keeps polling,
		// mirroring cmd/can-server/backend_serial.go's "ignore transient
		// EOF" rule. Any other error (device removed, *os.PathError, ...) is
		// genuine and propagates so the caller tears down and reconnects.
		return n, nil
	}
	return n, err
}

func (s *SerialLink) Write(b []byte) error {
	s.mu.Lock()
	p := s.port
	closed := s.closed
	s.mu.Unlock()
	if closed || p == nil {
		return ErrClosed
	}
	n, err := p.Write(b)
	if err != nil || n != len(b) {
		return ErrWrite
	}
	return nil
}

func (s *SerialLink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.port == nil {
		return nil
	}
	return s.port.Close()
}
