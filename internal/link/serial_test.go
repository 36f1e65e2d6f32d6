package link

import (
	"context"
	"io"
	"os"
	"testing"

	"github.com/tarm/serial"
)

// fakeSerialPort implements serialPort for tests.
type fakeSerialPort struct {
	reads   [][]byte
	idx     int
	readErr error // returned once reads is exhausted, instead of io.EOF
	closed  bool
}

func (f *fakeSerialPort) Read(p []byte) (int, error) {
	if f.idx < len(f.reads) {
		n := copy(p, f.reads[f.idx])
		f.idx++
		return n, nil
	}
	if f.readErr != nil {
		return 0, f.readErr
	}
	return 0, io.EOF
}

func (f *fakeSerialPort) Write(p []byte) (int, error) { return len(p), nil }
func (f *fakeSerialPort) Close() error                { f.closed = true; return nil }

func withFakeSerialPort(t *testing.T, p *fakeSerialPort) {
	t.Helper()
	orig := openSerialPort
	openSerialPort = func(cfg *serial.Config) (serialPort, error) { return p, nil }
	t.Cleanup(func() { openSerialPort = orig })
}

func TestSerialLinkReadDeliversBytes(t *testing.T) {
	withFakeSerialPort(t, &fakeSerialPort{reads: [][]byte{[]byte("hello")}})
	sl := NewSerialLink("/dev/ttyFAKE", 9600)
	if err := sl.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sl.Close()

	buf := make([]byte, 16)
	n, err := sl.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("got %q, want %q", buf[:n], "hello")
	}
}

func TestSerialLinkReadTimeoutEOFIsNotAnError(t *testing.T) {
	withFakeSerialPort(t, &fakeSerialPort{})
	sl := NewSerialLink("/dev/ttyFAKE", 9600)
	if err := sl.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sl.Close()

	buf := make([]byte, 16)
	n, err := sl.Read(buf)
	if err != nil {
		t.Fatalf("Read returned an error for a timeout-like EOF: %v", err)
	}
	if n != 0 {
		t.Fatalf("n = %d, want 0", n)
	}
}

func TestSerialLinkReadPropagatesGenuineError(t *testing.T) {
	fake := &fakeSerialPort{readErr: &os.PathError{Op: "read", Path: "/dev/ttyFAKE", Err: os.ErrClosed}}
	withFakeSerialPort(t, fake)
	sl := NewSerialLink("/dev/ttyFAKE", 9600)
	if err := sl.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sl.Close()

	buf := make([]byte, 16)
	if _, err := sl.Read(buf); err == nil {
		t.Fatal("expected a genuine I/O error (device removed) to propagate")
	}
}

func TestSerialLinkReadAfterCloseReturnsErrClosed(t *testing.T) {
	withFakeSerialPort(t, &fakeSerialPort{})
	sl := NewSerialLink("/dev/ttyFAKE", 9600)
	if err := sl.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	sl.Close()

	buf := make([]byte, 16)
	if _, err := sl.Read(buf); err != ErrClosed {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
}
