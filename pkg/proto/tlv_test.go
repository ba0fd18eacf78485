package proto

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTLVRoundTrip(t *testing.T) {
	p := AppendU64(nil, TagAddr, 0x1122334455667788)
	p = AppendU32(p, TagLen, 4096)
	p = AppendI64(p, TagOffset, -0x10)
	p = AppendI64s(p, TagOffsets, []int64{0x10, -0x20, 0})
	p = AppendString(p, TagModName, "kernel32.dll")
	p = AppendBytes(p, TagData, []byte{0xDE, 0xAD})

	addr, ok, err := GetU64(p, TagAddr)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(0x1122334455667788), addr)

	n, ok, err := GetU32(p, TagLen)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(4096), n)

	off, ok, err := GetI64(p, TagOffset)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(-0x10), off)

	offs, ok, err := GetI64s(p, TagOffsets)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []int64{0x10, -0x20, 0}, offs)

	name, ok, err := GetString(p, TagModName)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "kernel32.dll", name)

	data, ok, err := GetBytes(p, TagData)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte{0xDE, 0xAD}, data)
}

func TestTLVUnknownTagsSkipped(t *testing.T) {
	p := AppendU32(nil, 0x7777, 1) // unknown
	p = AppendU64(p, TagAddr, 0x1000)
	p = AppendBytes(p, 0x8888, []byte{1, 2, 3}) // unknown
	p = AppendU32(p, TagLen, 8)

	addr, ok, err := GetU64(p, TagAddr)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(0x1000), addr)

	n, ok, err := GetU32(p, TagLen)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(8), n)
}

func TestTLVFirstMatchWins(t *testing.T) {
	p := AppendU32(nil, TagLen, 1)
	p = AppendU32(p, TagLen, 2)
	n, ok, err := GetU32(p, TagLen)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(1), n)
}

func TestTLVFixedWidthExactMatch(t *testing.T) {
	// a TagLen record with 2 bytes must not match the u32 getter
	p := appendTLV(nil, TagLen, []byte{1, 2})
	p = AppendU32(p, TagLen, 9)
	n, ok, err := GetU32(p, TagLen)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(9), n)
}

func TestTLVMalformedLength(t *testing.T) {
	p := make([]byte, 4)
	binary.LittleEndian.PutUint16(p[0:], TagData)
	binary.LittleEndian.PutUint16(p[2:], 100) // declares 100 bytes, none follow
	_, _, err := GetBytes(p, TagData)
	require.ErrorIs(t, err, ErrMalformedTLV)

	// truncated record header
	_, _, err = GetBytes([]byte{0x01}, TagData)
	require.ErrorIs(t, err, ErrMalformedTLV)
}

func TestTLVOffsetsNotMultipleOf8(t *testing.T) {
	p := appendTLV(nil, TagOffsets, []byte{1, 2, 3, 4, 5})
	_, ok, err := GetI64s(p, TagOffsets)
	require.True(t, ok)
	require.ErrorIs(t, err, ErrOddOffsets)
}

func TestTLVLowercasedDType(t *testing.T) {
	p := AppendString(nil, TagDType, "U32Ptr")
	s, ok, err := GetLowerString(p, TagDType)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "u32ptr", s)
}

func TestTLVChunkedBytes(t *testing.T) {
	big := bytes.Repeat([]byte{0x5A}, 3*maxTLVValue+17)
	p := AppendChunkedBytes(nil, TagData, big)

	got, ok, err := GetBytesAll(p, TagData)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, big, got)

	// first-match extraction still sees the first chunk
	first, ok, err := GetBytes(p, TagData)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, first, maxTLVValue)
}

func TestTLVEmptyRecord(t *testing.T) {
	p := AppendChunkedBytes(nil, TagData, nil)
	got, ok, err := GetBytesAll(p, TagData)
	require.NoError(t, err)
	require.True(t, ok)
	require.Empty(t, got)
}
