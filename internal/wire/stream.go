package wire

import (
	"errors"
	"fmt"
	"strconv"
)

// ErrIncomplete reports that the buffered bytes do not yet hold one full
// frame. It is internal to stream reassembly and never surfaces as a protocol
// error.
var ErrIncomplete = errors.New("wire: incomplete frame")

// StreamDecoder reassembles frames from a byte stream. Transport reads may
// split a frame at any point; Feed accumulates and Next consumes exactly one
// frame's worth of bytes per successful (or checksum-failed) parse.
//
// Frame boundaries come solely from the declared length field, never from
// delimiter scanning, so a corrupt type or length field makes resync
// impossible: Next then discards the whole buffer and reports the error.
type StreamDecoder struct {
	buf []byte
}

// Feed appends freshly read transport bytes.
func (d *StreamDecoder) Feed(b []byte) {
	d.buf = append(d.buf, b...)
}

// Buffered returns the number of bytes awaiting a complete frame.
func (d *StreamDecoder) Buffered() int {
	return len(d.buf)
}

// Next parses the next buffered frame. It returns ErrIncomplete until a full
// frame is available. A checksum or payload error consumes the offending
// frame's bytes so the stream keeps going; a framing error (unknown type,
// unparseable length) drops the buffer.
func (d *StreamDecoder) Next() (Frame, error) {
	if len(d.buf) < HeaderLen {
		return Frame{}, ErrIncomplete
	}

	msgType := string(d.buf[:TypeLen])
	if !ValidType(msgType) {
		d.buf = nil
		return Frame{}, fmt.Errorf("%w: %q", ErrBadType, msgType)
	}
	payloadLen, err := strconv.Atoi(string(d.buf[TypeLen : TypeLen+LengthLen]))
	if err != nil || payloadLen < 0 {
		field := string(d.buf[TypeLen : TypeLen+LengthLen])
		d.buf = nil
		return Frame{}, fmt.Errorf("%w: %q", ErrBadLength, field)
	}

	total := HeaderLen + payloadLen + ChecksumLen
	if len(d.buf) < total {
		return Frame{}, ErrIncomplete
	}

	fr, err := Decode(d.buf[:total])
	d.buf = d.buf[total:]
	return fr, err
}
