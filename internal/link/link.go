// Package link implements the transport-agnostic byte-stream driver of
// spec.md §4.2: a single active link, either a serial port or a client TCP
// connection to the device (real hardware or the bundled simulator).
package link

import (
	"context"
	"errors"
	"time"
)

// ErrLinkOpen is returned when the underlying connection cannot be established.
var ErrLinkOpen = errors.New("link: open failed")

// ErrClosed is returned by Read once the link has been closed.
var ErrClosed = errors.New("link: closed")

// ErrWrite is returned by Write on a send failure (including a partial TCP
// write, which is treated as a failure per spec.md §4.2).
var ErrWrite = errors.New("link: write failed")

// serialReadInterval/serialReadMultiplier mirror spec.md's "10ms read
// interval/total timeout with 2x multiplier": the serial port's read
// deadline is interval*multiplier.
const (
	serialReadInterval   = 10 * time.Millisecond
	serialReadMultiplier = 2
	// DefaultBaud is used when a SerialConfig omits Baud.
	DefaultBaud = 115200
)

// Link is a byte-stream transport: a serial port or a TCP client connection
// to exactly one device at a time.
type Link interface {
	// Open establishes the underlying connection.
	Open(ctx context.Context) error
	// Read returns n >= 0 bytes read, or ErrClosed once the link is down.
	// It must not block indefinitely.
	Read(buf []byte) (int, error)
	// Write sends the entire buffer or returns ErrWrite.
	Write(b []byte) error
	// Close releases the underlying resources.
	Close() error
}

// SerialConfig selects the serial transport variant.
type SerialConfig struct {
	Port string
	Baud int // 0 defaults to DefaultBaud
}

// TCPConfig selects the TCP client transport variant.
type TCPConfig struct {
	Host string
	Port int
}

// Config picks exactly one of Serial or TCP (mirrors spec.md's
// "Serial { port, baud }" / "Tcp { host, port }" variants).
type Config struct {
	Serial *SerialConfig
	TCP    *TCPConfig
}

// New constructs the Link implementation selected by cfg.
func New(cfg Config) (Link, error) {
	switch {
	case cfg.Serial != nil:
		baud := cfg.Serial.Baud
		if baud == 0 {
			baud = DefaultBaud
		}
		return NewSerialLink(cfg.Serial.Port, baud), nil
	case cfg.TCP != nil:
		return NewTCPLink(cfg.TCP.Host, cfg.TCP.Port), nil
	default:
		return nil, errors.New("link: config selects neither serial nor tcp")
	}
}
