// Package ptrchain resolves pointer chains: a base address plus a
// sequence of signed offsets, each step dereferencing one pointer at the
// target's pointer width.
package ptrchain

import (
	"encoding/binary"
	"fmt"

	"ceqpd/pkg/logger"
	"ceqpd/pkg/memory"
	"ceqpd/pkg/proto"
)

// hostPtrSize is the native pointer width of the host in bytes.
const hostPtrSize = 4 << (^uintptr(0) >> 63)

// Request describes one chain walk.
type Request struct {
	Base    uint64
	Offsets []int64
	// DType optionally forces the pointer width: u32ptr/ptr32/u32 or
	// u64ptr/ptr64/u64 (already lowercased by the TLV layer).
	DType string
	// Len is the byte count of the final read; 0 means "pointer width".
	Len uint32
	// Trace emits a step-by-step dereference log.
	Trace bool
}

// Result is a successful walk.
type Result struct {
	// Addr is the final dereferenced location.
	Addr uint64
	// Data holds the bytes read at Addr.
	Data []byte
	// Width is the pointer width used per step.
	Width int
	// Len is the effective final read length.
	Len uint32
}

// Width picks the per-step pointer width: the DType override wins,
// otherwise a 32-bit target gets 4 bytes and anything else the host width.
func Width(dtype string, p memory.Provider) int {
	switch dtype {
	case "u32ptr", "ptr32", "u32":
		return 4
	case "u64ptr", "ptr64", "u64":
		return 8
	}
	if p.Is32Bit() {
		return 4
	}
	return hostPtrSize
}

// Walk resolves the chain against p. Intermediate failures return error
// 14, the final read error 15; a failed step never leaves a partial
// dereference behind.
//
// Address arithmetic wraps modulo the host pointer width, so negative
// offsets subtract naturally.
func Walk(p memory.Provider, req Request) (*Result, error) {
	width := Width(req.DType, p)
	cur := req.Base
	for i, off := range req.Offsets {
		raw, err := p.Read(cur, uint32(width))
		if err != nil && len(raw) == 0 {
			return nil, proto.Errf(proto.CodeChainStepFailed,
				"pointer read failed at step %d (0x%X): %v", i, cur, err)
		}
		if len(raw) < width {
			return nil, proto.Errf(proto.CodeChainStepFailed,
				"short pointer read at step %d (0x%X): %d/%d bytes", i, cur, len(raw), width)
		}
		var v uint64
		if width == 4 {
			v = uint64(binary.LittleEndian.Uint32(raw))
		} else {
			v = binary.LittleEndian.Uint64(raw)
		}
		next := wrapAdd(v, off)
		if req.Trace {
			logger.Debug("ptrchain_step", "step", i, "at", hex(cur), "value", hex(v), "offset", off, "next", hex(next))
		}
		cur = next
	}

	n := req.Len
	if n == 0 {
		n = uint32(width)
	}
	data, err := p.Read(cur, n)
	if err != nil && len(data) == 0 {
		return nil, proto.Errf(proto.CodeChainFinalFailed,
			"final read failed at 0x%X: %v", cur, err)
	}
	if req.Trace {
		logger.Debug("ptrchain_done", "addr", hex(cur), "width", width, "len", n, "got", len(data))
	}
	return &Result{Addr: cur, Data: data, Width: width, Len: n}, nil
}

// wrapAdd adds a signed offset to an unsigned address, wrapping modulo
// the host pointer width.
func wrapAdd(v uint64, off int64) uint64 {
	r := v + uint64(off)
	if hostPtrSize == 4 {
		r &= 0xFFFFFFFF
	}
	return r
}

func hex(v uint64) string {
	return fmt.Sprintf("0x%X", v)
}
