package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Wire layout, all ASCII:
//
//	[TYPE:7][LENGTH:4][TIMESTAMP:13][PAYLOAD:LENGTH bytes][CHECKSUM:2]
//
// LENGTH is the zero-padded decimal payload byte count, TIMESTAMP is
// zero-padded decimal milliseconds since epoch, CHECKSUM is the sum of the
// byte values of TYPE+LENGTH+TIMESTAMP+PAYLOAD modulo 100 as two decimal
// digits.
const (
	TypeLen      = 7
	LengthLen    = 4
	TimestampLen = 13
	ChecksumLen  = 2

	HeaderLen   = TypeLen + LengthLen + TimestampLen
	MinFrameLen = HeaderLen + ChecksumLen

	MaxPayloadBytes = 9999
)

// Message type codes. The set is closed; anything else is rejected at both
// encode and decode time.
const (
	TypePackageReceived = "PKG_RCV"
	TypePackageStored   = "PKG_STR"
	TypePackagePicked   = "PKG_PCK"
	TypePackageLoaded   = "PKG_LDD"
	TypeStatusRequest   = "STS_REQ"
	TypeStatusResponse  = "STS_RSP"
	TypeHeartbeat       = "HBT_CHK"
	TypeAck             = "ACK_MSG"
	TypeErr             = "ERR_MSG"
)

var typeSet = map[string]struct{}{
	TypePackageReceived: {},
	TypePackageStored:   {},
	TypePackagePicked:   {},
	TypePackageLoaded:   {},
	TypeStatusRequest:   {},
	TypeStatusResponse:  {},
	TypeHeartbeat:       {},
	TypeAck:             {},
	TypeErr:             {},
}

var (
	ErrFrameTooShort    = errors.New("wire: frame too short")
	ErrBadType          = errors.New("wire: unknown frame type")
	ErrBadLength        = errors.New("wire: malformed length field")
	ErrBadTimestamp     = errors.New("wire: malformed timestamp field")
	ErrChecksumMismatch = errors.New("wire: checksum mismatch")
	ErrMalformedPayload = errors.New("wire: malformed json payload")
	ErrPayloadTooLarge  = errors.New("wire: payload exceeds 9999 bytes")
)

// Frame is one complete decoded wire message. It is a pure value; Raw is the
// payload exactly as framed and Payload its decoded object form.
type Frame struct {
	Type      string
	Timestamp int64
	Raw       []byte
	Payload   map[string]any
}

// ValidType reports whether t is one of the closed set of 7-char type codes.
func ValidType(t string) bool {
	_, ok := typeSet[t]
	return ok
}

// Encode frames payload as a wire message of the given type, stamped with the
// current time.
func Encode(msgType string, payload any) ([]byte, error) {
	return EncodeAt(msgType, payload, time.Now().UnixMilli())
}

// EncodeAt frames payload with an explicit millisecond timestamp.
func EncodeAt(msgType string, payload any, tsMillis int64) ([]byte, error) {
	if !ValidType(msgType) {
		return nil, fmt.Errorf("%w: %q", ErrBadType, msgType)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: encode payload: %w", err)
	}
	if len(body) > MaxPayloadBytes {
		return nil, fmt.Errorf("%w: %d", ErrPayloadTooLarge, len(body))
	}

	buf := make([]byte, 0, HeaderLen+len(body)+ChecksumLen)
	buf = append(buf, msgType...)
	buf = append(buf, fmt.Sprintf("%0*d", LengthLen, len(body))...)
	buf = append(buf, fmt.Sprintf("%0*d", TimestampLen, tsMillis)...)
	buf = append(buf, body...)
	buf = append(buf, checksum(buf)...)
	return buf, nil
}

// Decode parses exactly one frame from b. It never reads past the declared
// payload length, so payloads containing newlines or other frame-start bytes
// are safe.
func Decode(b []byte) (Frame, error) {
	if len(b) < MinFrameLen {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(b))
	}

	msgType := string(b[:TypeLen])
	if !ValidType(msgType) {
		return Frame{}, fmt.Errorf("%w: %q", ErrBadType, msgType)
	}
	payloadLen, err := strconv.Atoi(string(b[TypeLen : TypeLen+LengthLen]))
	if err != nil || payloadLen < 0 {
		return Frame{}, fmt.Errorf("%w: %q", ErrBadLength, string(b[TypeLen:TypeLen+LengthLen]))
	}
	total := HeaderLen + payloadLen + ChecksumLen
	if len(b) < total {
		return Frame{}, fmt.Errorf("%w: declared %d payload bytes, have %d total", ErrFrameTooShort, payloadLen, len(b))
	}

	tsField := string(b[TypeLen+LengthLen : HeaderLen])
	tsMillis, err := strconv.ParseInt(tsField, 10, 64)
	if err != nil {
		return Frame{}, fmt.Errorf("%w: %q", ErrBadTimestamp, tsField)
	}

	sum := string(b[HeaderLen+payloadLen : total])
	if want := checksum(b[:HeaderLen+payloadLen]); sum != want {
		return Frame{}, fmt.Errorf("%w: got %q want %q", ErrChecksumMismatch, sum, want)
	}

	raw := make([]byte, payloadLen)
	copy(raw, b[HeaderLen:HeaderLen+payloadLen])

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	return Frame{
		Type:      msgType,
		Timestamp: tsMillis,
		Raw:       raw,
		Payload:   payload,
	}, nil
}

// checksum renders the two-digit modular sum over header+payload bytes.
func checksum(b []byte) string {
	var sum int
	for _, c := range b {
		sum += int(c)
	}
	return fmt.Sprintf("%02d", sum%100)
}
