package proto

import (
	"encoding/binary"
	"errors"
	"strings"
)

// ErrMalformedTLV reports a record whose declared length runs past the end
// of the payload. Extraction stops there; handlers answer with their
// type-specific error code.
var ErrMalformedTLV = errors.New("ceqp: malformed tlv length")

// ErrOddOffsets reports an OFFSETS value whose length is not a multiple
// of 8.
var ErrOddOffsets = errors.New("ceqp: offsets length not a multiple of 8")

// maxTLVValue is the largest value a single record can carry (u16 length).
const maxTLVValue = 0xFFFF

// appendTLV writes one tag/length/value record. The length field is a
// u16, so values are clamped to 65535 bytes.
func appendTLV(b []byte, tag uint16, value []byte) []byte {
	if len(value) > maxTLVValue {
		value = value[:maxTLVValue]
	}
	var hdr [4]byte
	binary.LittleEndian.PutUint16(hdr[0:], tag)
	binary.LittleEndian.PutUint16(hdr[2:], uint16(len(value)))
	b = append(b, hdr[:]...)
	return append(b, value...)
}

// AppendU32 appends a 4-byte LE record.
func AppendU32(b []byte, tag uint16, v uint32) []byte {
	var val [4]byte
	binary.LittleEndian.PutUint32(val[:], v)
	return appendTLV(b, tag, val[:])
}

// AppendU64 appends an 8-byte LE record.
func AppendU64(b []byte, tag uint16, v uint64) []byte {
	var val [8]byte
	binary.LittleEndian.PutUint64(val[:], v)
	return appendTLV(b, tag, val[:])
}

// AppendI64 appends an 8-byte LE two's-complement record.
func AppendI64(b []byte, tag uint16, v int64) []byte {
	return AppendU64(b, tag, uint64(v))
}

// AppendI64s appends a packed sequence of i64 values as one record.
func AppendI64s(b []byte, tag uint16, vs []int64) []byte {
	val := make([]byte, 8*len(vs))
	for i, v := range vs {
		binary.LittleEndian.PutUint64(val[8*i:], uint64(v))
	}
	return appendTLV(b, tag, val)
}

// AppendString appends UTF-8 bytes with no terminator.
func AppendString(b []byte, tag uint16, s string) []byte {
	return appendTLV(b, tag, []byte(s))
}

// AppendBytes appends opaque bytes.
func AppendBytes(b []byte, tag uint16, v []byte) []byte {
	return appendTLV(b, tag, v)
}

// find scans p for the first record with the wanted tag and, when want >= 0,
// the exact value width. Records with a matching tag but wrong width are
// skipped, as are unknown tags.
func find(p []byte, tag uint16, want int) ([]byte, bool, error) {
	for len(p) > 0 {
		if len(p) < 4 {
			return nil, false, ErrMalformedTLV
		}
		t := binary.LittleEndian.Uint16(p[0:])
		n := int(binary.LittleEndian.Uint16(p[2:]))
		p = p[4:]
		if n > len(p) {
			return nil, false, ErrMalformedTLV
		}
		v := p[:n]
		p = p[n:]
		if t != tag {
			continue
		}
		if want >= 0 && n != want {
			continue
		}
		return v, true, nil
	}
	return nil, false, nil
}

// GetU32 extracts a u32 record. Only records with length 4 match.
func GetU32(p []byte, tag uint16) (uint32, bool, error) {
	v, ok, err := find(p, tag, 4)
	if !ok || err != nil {
		return 0, ok, err
	}
	return binary.LittleEndian.Uint32(v), true, nil
}

// GetU64 extracts a u64 record. Only records with length 8 match.
func GetU64(p []byte, tag uint16) (uint64, bool, error) {
	v, ok, err := find(p, tag, 8)
	if !ok || err != nil {
		return 0, ok, err
	}
	return binary.LittleEndian.Uint64(v), true, nil
}

// GetI64 extracts an i64 record. Only records with length 8 match.
func GetI64(p []byte, tag uint16) (int64, bool, error) {
	v, ok, err := GetU64(p, tag)
	return int64(v), ok, err
}

// GetI64s extracts a packed i64 sequence. A value length that is not a
// multiple of 8 fails with ErrOddOffsets.
func GetI64s(p []byte, tag uint16) ([]int64, bool, error) {
	v, ok, err := find(p, tag, -1)
	if !ok || err != nil {
		return nil, ok, err
	}
	if len(v)%8 != 0 {
		return nil, true, ErrOddOffsets
	}
	out := make([]int64, len(v)/8)
	for i := range out {
		out[i] = int64(binary.LittleEndian.Uint64(v[8*i:]))
	}
	return out, true, nil
}

// GetString extracts a UTF-8 string record of any length.
func GetString(p []byte, tag uint16) (string, bool, error) {
	v, ok, err := find(p, tag, -1)
	if !ok || err != nil {
		return "", ok, err
	}
	return string(v), true, nil
}

// GetLowerString extracts a string record lowercased, the read form for
// DTYPE tags.
func GetLowerString(p []byte, tag uint16) (string, bool, error) {
	s, ok, err := GetString(p, tag)
	return strings.ToLower(s), ok, err
}

// GetBytes extracts an opaque bytes record of any length.
func GetBytes(p []byte, tag uint16) ([]byte, bool, error) {
	return find(p, tag, -1)
}

// AppendChunkedBytes appends v as one or more records, splitting at the
// u16 length ceiling. Reads larger than 64 KiB span several DATA records.
func AppendChunkedBytes(b []byte, tag uint16, v []byte) []byte {
	for {
		n := len(v)
		if n > maxTLVValue {
			n = maxTLVValue
		}
		b = appendTLV(b, tag, v[:n])
		v = v[n:]
		if len(v) == 0 {
			return b
		}
	}
}

// GetBytesAll concatenates every record carrying the wanted tag, in order.
// Counterpart of AppendChunkedBytes for values that outgrow one record.
func GetBytesAll(p []byte, tag uint16) ([]byte, bool, error) {
	var out []byte
	found := false
	for len(p) > 0 {
		if len(p) < 4 {
			return nil, found, ErrMalformedTLV
		}
		t := binary.LittleEndian.Uint16(p[0:])
		n := int(binary.LittleEndian.Uint16(p[2:]))
		p = p[4:]
		if n > len(p) {
			return nil, found, ErrMalformedTLV
		}
		if t == tag {
			out = append(out, p[:n]...)
			found = true
		}
		p = p[n:]
	}
	return out, found, nil
}
