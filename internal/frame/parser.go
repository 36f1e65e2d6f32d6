package frame

import (
	"bytes"
	"fmt"

	"github.com/arkwave-io/daq-gateway/internal/metrics"
)

// ErrCRC is returned by Next when a structurally valid frame fails its CRC
// check. The frame's bytes are still consumed (see Next).
var ErrCRC = fmt.Errorf("frame: crc mismatch")

// ringCapacity bounds the raw receive buffer the Parser retains between
// Push calls, matching spec.md's 65535-byte ring.
const ringCapacity = 65535

// Parser re-synchronizes a byte stream into complete V6 frames. It owns an
// internal ring of unconsumed bytes; callers Push arriving bytes and then
// drain frames with Next until it reports "need more data".
//
// This is a pull iterator rather than a callback sink: spec.md §9 calls out
// the teacher lineage's cyclic-callback framing (a C callback reaching back
// into parser buffers) as something to re-architect this way.
type Parser struct {
	buf bytes.Buffer
}

// NewParser returns a ready-to-use Parser.
func NewParser() *Parser { return &Parser{} }

// Push appends newly arrived bytes to the parser's ring.
func (p *Parser) Push(b []byte) {
	p.buf.Write(b)
	if p.buf.Len() > ringCapacity {
		// Caller is pushing faster than frames are being drained; this
		// should not happen under spec.md's single-reader-task model, but
		// guard against unbounded growth rather than trust that invariant.
		overflow := p.buf.Len() - ringCapacity
		p.buf.Next(overflow)
	}
}

// Next attempts to extract one complete frame from the buffered bytes.
//
// Return contract:
//   - (frame, true, nil): a frame was decoded; call Next again immediately,
//     more frames may be waiting.
//   - (Frame{}, false, nil): no complete frame is available yet; wait for
//     more Push calls.
//   - (Frame{}, false, ErrCRC): a structurally valid frame had a CRC
//     mismatch. Its bytes were consumed; call Next again for the next one.
func (p *Parser) Next() (Frame, bool, error) {
	for {
		data := p.buf.Bytes()
		if len(data) < 2 {
			return Frame{}, false, nil
		}

		idx := bytes.IndexByte(data, head0)
		if idx < 0 {
			p.buf.Reset()
			return Frame{}, false, nil
		}
		if idx > 0 {
			p.buf.Next(idx)
			data = p.buf.Bytes()
		}
		if len(data) < 2 {
			return Frame{}, false, nil
		}
		if data[1] != head1 {
			// Spurious head byte; advance past it and keep scanning.
			p.buf.Next(1)
			continue
		}

		// Head matched; need at least the minimum frame to read length.
		if len(data) < MinFrameLen {
			return Frame{}, false, nil
		}

		bodyLen := int(data[2]) | int(data[3])<<8
		// bodyLen = cmd(1)+seq(1)+payload+crc(2), so payload = bodyLen-4.
		payloadLen := bodyLen - 4
		total := Len(payloadLen)
		if total > MaxFrameLen || payloadLen < 0 {
			metrics.IncMalformed()
			p.buf.Next(1)
			continue
		}

		if len(data) < total {
			return Frame{}, false, nil
		}

		if data[total-2] != tail0 || data[total-1] != tail1 {
			// Tail mismatch: the head was spurious. Advance past just the
			// head (not the whole suspected frame) so a real frame hiding
			// inside this span is not skipped.
			p.buf.Next(1)
			continue
		}

		crcRegion := data[4 : 4+2+payloadLen]
		wantCRC := uint16(data[total-4]) | uint16(data[total-3])<<8
		gotCRC := CRC16(crcRegion)

		cmdID := data[4]
		seq := data[5]
		payload := data[6 : 6+payloadLen]

		if gotCRC != wantCRC {
			metrics.IncCRCError()
			p.buf.Next(total)
			return Frame{}, false, ErrCRC
		}

		out := Frame{
			CommandID: cmdID,
			Sequence:  seq,
			Payload:   append([]byte(nil), payload...),
		}
		p.buf.Next(total)
		metrics.IncFrameDecoded()
		return out, true, nil
	}
}

// Drain calls fn for every currently extractable frame, stopping at the
// first "need more data" return. It reports the number of CRC errors seen.
func (p *Parser) Drain(fn func(Frame)) (crcErrors int) {
	for {
		fr, ok, err := p.Next()
		if err != nil {
			crcErrors++
			continue
		}
		if !ok {
			return crcErrors
		}
		fn(fr)
	}
}
