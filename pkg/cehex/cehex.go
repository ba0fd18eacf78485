// Package cehex parses the textual address, offset, and value forms the
// controller accepts and converts between byte slices and hex strings.
package cehex

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var ErrEmpty = errors.New("cehex: empty input")

// ParseAddress parses a u64 address: 0x-prefixed hex (case-insensitive)
// or plain decimal.
func ParseAddress(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrEmpty
	}
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		v, err := strconv.ParseUint(s[2:], 16, 64)
		if err != nil {
			return 0, fmt.Errorf("cehex: bad hex address %q: %w", s, err)
		}
		return v, nil
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("cehex: bad address %q: %w", s, err)
	}
	return v, nil
}

// ParseOffset parses a signed i64 offset. An optional leading '-' is
// allowed; a 0x prefix selects hex. A bare string containing hex letters
// is interpreted as hex for compatibility with the pointer-chain UI.
func ParseOffset(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, ErrEmpty
	}
	neg := s[0] == '-'
	if neg {
		s = s[1:]
		if s == "" {
			return 0, ErrEmpty
		}
	}
	base := 10
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		s = s[2:]
		base = 16
	} else if strings.ContainsAny(s, "abcdefABCDEF") {
		base = 16
	}
	v, err := strconv.ParseUint(s, base, 64)
	if err != nil {
		return 0, fmt.Errorf("cehex: bad offset %q: %w", s, err)
	}
	if neg {
		return -int64(v), nil
	}
	return int64(v), nil
}

// ParseLength parses a u32 byte count with the same decimal/hex heuristic
// as offsets, minus the sign.
func ParseLength(s string) (uint32, error) {
	v, err := ParseOffset(s)
	if err != nil {
		return 0, err
	}
	if v < 0 || v > math.MaxUint32 {
		return 0, fmt.Errorf("cehex: length out of range: %d", v)
	}
	return uint32(v), nil
}

const hexDigits = "0123456789ABCDEF"

// BytesToHex encodes b as uppercase hex, two characters per byte, no
// separators.
func BytesToHex(b []byte) string {
	out := make([]byte, 2*len(b))
	for i, c := range b {
		out[2*i] = hexDigits[c>>4]
		out[2*i+1] = hexDigits[c&0x0F]
	}
	return string(out)
}

// HexToBytes decodes a hex string. Whitespace is stripped first; the
// remainder must have even length and contain only [0-9a-fA-F].
func HexToBytes(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, s)
	if s == "" {
		return nil, ErrEmpty
	}
	if len(s)%2 != 0 {
		return nil, errors.New("cehex: hex string length must be even")
	}
	out := make([]byte, len(s)/2)
	for i := 0; i < len(s); i += 2 {
		hi, ok1 := nibble(s[i])
		lo, ok2 := nibble(s[i+1])
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("cehex: invalid hex character in %q", s)
		}
		out[i/2] = hi<<4 | lo
	}
	return out, nil
}

func nibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}

// EncodeValue converts a textual value into little-endian bytes for a
// memory write. kind selects the encoding; base (10 or 16) applies to the
// integer kinds.
//
// Kinds: hex (raw byte string), u8/u16/u32/u64, i8/i16/i32/i64, f32, f64.
func EncodeValue(kind string, base int, s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, ErrEmpty
	}
	if base != 10 && base != 16 {
		return nil, fmt.Errorf("cehex: unsupported base %d", base)
	}
	switch kind {
	case "hex":
		return HexToBytes(s)
	case "u8", "u16", "u32", "u64":
		size := uintSize(kind)
		t := s
		if base == 16 {
			t = strings.TrimPrefix(strings.TrimPrefix(t, "0x"), "0X")
		}
		v, err := strconv.ParseUint(t, base, 64)
		if err != nil {
			return nil, fmt.Errorf("cehex: bad %s value %q: %w", kind, s, err)
		}
		return putUint(v, size), nil
	case "i8", "i16", "i32", "i64":
		size := uintSize(kind)
		t := s
		neg := strings.HasPrefix(t, "-")
		if neg {
			t = t[1:]
		}
		if base == 16 {
			t = strings.TrimPrefix(strings.TrimPrefix(t, "0x"), "0X")
		}
		v, err := strconv.ParseInt(t, base, 64)
		if err != nil {
			return nil, fmt.Errorf("cehex: bad %s value %q: %w", kind, s, err)
		}
		if neg {
			v = -v
		}
		return putUint(uint64(v), size), nil
	case "f32":
		f, err := strconv.ParseFloat(s, 32)
		if err != nil {
			return nil, fmt.Errorf("cehex: bad f32 value %q: %w", s, err)
		}
		return putUint(uint64(math.Float32bits(float32(f))), 4), nil
	case "f64":
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("cehex: bad f64 value %q: %w", s, err)
		}
		return putUint(math.Float64bits(f), 8), nil
	}
	return nil, fmt.Errorf("cehex: unknown value kind %q", kind)
}

func uintSize(kind string) int {
	switch kind[1:] {
	case "8":
		return 1
	case "16":
		return 2
	case "32":
		return 4
	default:
		return 8
	}
}

func putUint(v uint64, size int) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:size:size]
}
