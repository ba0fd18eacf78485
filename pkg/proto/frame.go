package proto

import (
	"encoding/binary"
	"errors"
	"io"
)

// Header is the decoded form of the 16-byte frame header.
//
// Layout (little-endian):
//
//	0  magic      "CEQP"
//	4  version    0x01
//	5  type       message kind
//	6  flags      reserved, sender writes 0, unknown bits ignored
//	7  reserved   sender writes 0
//	8  request_id u32, echoed verbatim in the response
//	12 payload_len u32
type Header struct {
	Type       byte
	Flags      byte
	RequestID  uint32
	PayloadLen uint32
}

// ErrBadMagic reports a header whose first four bytes are not "CEQP".
// The receiver must not reply: the stream may be misaligned.
var ErrBadMagic = errors.New("ceqp: bad frame magic")

// EncodeFrame assembles a complete frame: header followed by payload.
// payload may be nil for empty-payload messages.
func EncodeFrame(typ byte, requestID uint32, payload []byte) []byte {
	b := make([]byte, HeaderSize+len(payload))
	copy(b, Magic)
	b[4] = Version
	b[5] = typ
	b[6] = 0
	b[7] = 0
	binary.LittleEndian.PutUint32(b[8:], requestID)
	binary.LittleEndian.PutUint32(b[12:], uint32(len(payload)))
	copy(b[HeaderSize:], payload)
	return b
}

// ParseHeader validates and decodes a 16-byte header. It returns
// ErrBadMagic for a misaligned stream, or an *Error (CodeBadVersion,
// CodePayloadTooLarge) the caller should send back before closing.
func ParseHeader(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderSize {
		return h, io.ErrUnexpectedEOF
	}
	if string(b[:4]) != Magic {
		return h, ErrBadMagic
	}
	h.Type = b[5]
	h.Flags = b[6]
	h.RequestID = binary.LittleEndian.Uint32(b[8:])
	h.PayloadLen = binary.LittleEndian.Uint32(b[12:])
	if b[4] != Version {
		return h, Errf(CodeBadVersion, "bad version 0x%02x", b[4])
	}
	if h.PayloadLen > MaxPayload {
		return h, Errf(CodePayloadTooLarge, "payload too large: %d", h.PayloadLen)
	}
	return h, nil
}

// ReadHeader reads exactly HeaderSize bytes from r and parses them.
// Transport failures surface as io errors; protocol failures as
// ErrBadMagic or *Error (see ParseHeader). On a protocol failure the
// parsed header is still returned so the caller can echo request_id.
func ReadHeader(r io.Reader) (Header, error) {
	var b [HeaderSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return Header{}, err
	}
	return ParseHeader(b[:])
}

// ReadPayload reads h.PayloadLen bytes from r. A zero-length payload
// returns nil without touching r.
func ReadPayload(r io.Reader, h Header) ([]byte, error) {
	if h.PayloadLen == 0 {
		return nil, nil
	}
	p := make([]byte, h.PayloadLen)
	if _, err := io.ReadFull(r, p); err != nil {
		return nil, err
	}
	return p, nil
}

// WriteFrame writes one complete frame to w.
func WriteFrame(w io.Writer, typ byte, requestID uint32, payload []byte) error {
	_, err := w.Write(EncodeFrame(typ, requestID, payload))
	return err
}

// WriteError writes an ERROR_RESP frame carrying ERRCODE and ERRMSG.
func WriteError(w io.Writer, requestID uint32, code uint32, msg string) error {
	p := AppendU32(nil, TagErrCode, code)
	p = AppendString(p, TagErrMsg, msg)
	return WriteFrame(w, MsgErrorResp, requestID, p)
}
