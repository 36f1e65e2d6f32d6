package protocol

import (
	"errors"
	"fmt"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrDeviceTimeout = errors.New("protocol: device timeout")
	ErrLinkDown      = errors.New("protocol: link down")
	ErrNotTriggered  = errors.New("protocol: not triggered")
	ErrWrongMode     = errors.New("protocol: wrong mode")
	ErrNotConnected  = errors.New("protocol: device not connected")
)

// NackError reports a device-issued NACK for an outbound command.
type NackError struct {
	ErrorCode byte
	SubError  byte
}

func (e *NackError) Error() string {
	return fmt.Sprintf("protocol: nack error_code=0x%02X sub_error=0x%02X", e.ErrorCode, e.SubError)
}

// NackErrorCode mirrors spec.md §6's NACK error-code taxonomy so callers can
// classify without re-parsing the payload.
func NackErrorCode(err error) (code byte, sub byte, ok bool) {
	var ne *NackError
	if errors.As(err, &ne) {
		return ne.ErrorCode, ne.SubError, true
	}
	return 0, 0, false
}
