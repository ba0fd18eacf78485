package server

import (
	"errors"

	"ceqpd/pkg/memory"
	"ceqpd/pkg/proto"
	"ceqpd/pkg/ptrchain"
	"ceqpd/pkg/telemetry"
)

// respReserve keeps room in a response payload for the non-DATA records
// (final ADDR, diagnostic DTYPE/LEN) plus chunking overhead so the frame
// stays under MaxPayload.
const respReserve = 256

// dispatch routes one request to its handler and returns the response
// frame's type and payload. Every path yields exactly one response:
// either a success frame of the request's type or an ERROR_RESP.
func dispatch(prov memory.Provider, diag bool, h proto.Header, payload []byte) (byte, []byte) {
	var (
		typ  byte
		resp []byte
		err  *proto.Error
	)
	switch h.Type {
	case proto.MsgHeartbeatReq:
		telemetry.Heartbeats.Inc()
		typ, resp = proto.MsgHeartbeatResp, nil
	case proto.MsgReadMemAddr:
		typ = proto.MsgReadMemAddr
		resp, err = handleReadMem(prov, payload)
	case proto.MsgWriteMemAddr:
		typ = proto.MsgWriteMemAddr
		resp, err = handleWriteMem(prov, payload)
	case proto.MsgReadModOff:
		typ = proto.MsgReadModOff
		resp, err = handleReadModOff(prov, payload)
	case proto.MsgWriteModOff:
		typ = proto.MsgWriteModOff
		resp, err = handleWriteModOff(prov, payload)
	case proto.MsgReadPtrChain:
		typ = proto.MsgReadPtrChain
		resp, err = handleReadPtrChain(prov, diag, payload)
	case proto.MsgGetModBase:
		typ = proto.MsgGetModBase
		resp, err = handleGetModBase(prov, payload)
	default:
		err = proto.Errf(proto.CodeUnknownType, "unknown message type 0x%02x", h.Type)
	}
	if err != nil {
		return proto.MsgErrorResp, errPayload(err)
	}
	return typ, resp
}

func handleReadMem(prov memory.Provider, payload []byte) ([]byte, *proto.Error) {
	addr, ok, ferr := proto.GetU64(payload, proto.TagAddr)
	if ferr != nil || !ok {
		return nil, missing(proto.CodeReadMissing, "ADDR", ferr)
	}
	n, ok, ferr := proto.GetU32(payload, proto.TagLen)
	if ferr != nil || !ok {
		return nil, missing(proto.CodeReadMissing, "LEN", ferr)
	}
	data, err := prov.Read(addr, n)
	if len(data) == 0 && err != nil {
		return nil, proto.Errf(proto.CodeReadFailed, "read failed at 0x%X: %v", addr, err)
	}
	telemetry.TargetBytesRead.Add(float64(len(data)))
	return proto.AppendChunkedBytes(nil, proto.TagData, capData(data)), nil
}

func handleWriteMem(prov memory.Provider, payload []byte) ([]byte, *proto.Error) {
	addr, ok, ferr := proto.GetU64(payload, proto.TagAddr)
	if ferr != nil || !ok {
		return nil, missing(proto.CodeWriteMissing, "ADDR", ferr)
	}
	data, ok, ferr := proto.GetBytesAll(payload, proto.TagData)
	if ferr != nil || !ok {
		return nil, missing(proto.CodeWriteMissing, "DATA", ferr)
	}
	wrote, err := prov.Write(addr, data)
	if err != nil || wrote != len(data) {
		return nil, proto.Errf(proto.CodeWriteFailed, "write failed at 0x%X (%d/%d bytes): %v", addr, wrote, len(data), err)
	}
	telemetry.TargetBytesWritten.Add(float64(wrote))
	return nil, nil
}

func handleReadModOff(prov memory.Provider, payload []byte) ([]byte, *proto.Error) {
	name, ok, ferr := proto.GetString(payload, proto.TagModName)
	if ferr != nil || !ok {
		return nil, missing(proto.CodeModReadMissing, "MODNAME", ferr)
	}
	off, ok, ferr := proto.GetI64(payload, proto.TagOffset)
	if ferr != nil || !ok {
		return nil, missing(proto.CodeModReadMissing, "OFFSET", ferr)
	}
	n, ok, ferr := proto.GetU32(payload, proto.TagLen)
	if ferr != nil || !ok {
		return nil, missing(proto.CodeModReadMissing, "LEN", ferr)
	}
	base, found, err := memory.FindModule(prov, name)
	if err != nil || !found {
		return nil, proto.Errf(proto.CodeModReadNotFound, "module not found: %s", name)
	}
	addr := base + uint64(off)
	data, rerr := prov.Read(addr, n)
	if len(data) == 0 && rerr != nil {
		return nil, proto.Errf(proto.CodeModReadFailed, "read failed at %s+0x%X: %v", name, off, rerr)
	}
	telemetry.TargetBytesRead.Add(float64(len(data)))
	return proto.AppendChunkedBytes(nil, proto.TagData, capData(data)), nil
}

func handleWriteModOff(prov memory.Provider, payload []byte) ([]byte, *proto.Error) {
	name, ok, ferr := proto.GetString(payload, proto.TagModName)
	if ferr != nil || !ok {
		return nil, missing(proto.CodeModWriteMissing, "MODNAME", ferr)
	}
	off, ok, ferr := proto.GetI64(payload, proto.TagOffset)
	if ferr != nil || !ok {
		return nil, missing(proto.CodeModWriteMissing, "OFFSET", ferr)
	}
	data, ok, ferr := proto.GetBytesAll(payload, proto.TagData)
	if ferr != nil || !ok {
		return nil, missing(proto.CodeModWriteMissing, "DATA", ferr)
	}
	base, found, err := memory.FindModule(prov, name)
	if err != nil || !found {
		return nil, proto.Errf(proto.CodeModWriteNotFound, "module not found: %s", name)
	}
	addr := base + uint64(off)
	wrote, werr := prov.Write(addr, data)
	if werr != nil || wrote != len(data) {
		return nil, proto.Errf(proto.CodeModWriteFailed, "write failed at %s+0x%X (%d/%d bytes): %v", name, off, wrote, len(data), werr)
	}
	telemetry.TargetBytesWritten.Add(float64(wrote))
	return nil, nil
}

func handleReadPtrChain(prov memory.Provider, diag bool, payload []byte) ([]byte, *proto.Error) {
	base, ok, ferr := proto.GetU64(payload, proto.TagAddr)
	if ferr != nil || !ok {
		return nil, missing(proto.CodeChainMissing, "ADDR", ferr)
	}
	offsets, ok, ferr := proto.GetI64s(payload, proto.TagOffsets)
	if ferr != nil || !ok {
		return nil, missing(proto.CodeChainMissing, "OFFSETS", ferr)
	}
	dtype, _, ferr := proto.GetLowerString(payload, proto.TagDType)
	if ferr != nil {
		return nil, missing(proto.CodeChainMissing, "DTYPE", ferr)
	}
	n, _, ferr := proto.GetU32(payload, proto.TagLen)
	if ferr != nil {
		return nil, missing(proto.CodeChainMissing, "LEN", ferr)
	}

	res, err := ptrchain.Walk(prov, ptrchain.Request{
		Base:    base,
		Offsets: offsets,
		DType:   dtype,
		Len:     n,
		Trace:   diag,
	})
	if err != nil {
		var pe *proto.Error
		if errors.As(err, &pe) {
			return nil, pe
		}
		return nil, proto.Errf(proto.CodeChainFinalFailed, "pointer chain failed: %v", err)
	}
	telemetry.TargetBytesRead.Add(float64(len(res.Data)))

	resp := proto.AppendChunkedBytes(nil, proto.TagData, capData(res.Data))
	resp = proto.AppendU64(resp, proto.TagAddr, res.Addr)
	if diag {
		resp = proto.AppendString(resp, proto.TagDType, widthTag(res.Width))
		resp = proto.AppendU32(resp, proto.TagLen, res.Len)
	}
	return resp, nil
}

func handleGetModBase(prov memory.Provider, payload []byte) ([]byte, *proto.Error) {
	name, ok, ferr := proto.GetString(payload, proto.TagModName)
	if ferr != nil || !ok {
		return nil, missing(proto.CodeModBaseMissing, "MODNAME", ferr)
	}
	base, found, err := memory.FindModule(prov, name)
	if err != nil || !found {
		return nil, proto.Errf(proto.CodeModBaseNotFound, "module not found: %s", name)
	}
	return proto.AppendU64(nil, proto.TagAddr, base), nil
}

// missing builds the handler-specific payload error: a genuinely absent
// record and a malformed payload share the code, the message tells them
// apart.
func missing(code uint32, tag string, ferr error) *proto.Error {
	if ferr != nil {
		return proto.Errf(code, "malformed payload (%s): %v", tag, ferr)
	}
	return proto.Errf(code, "missing required %s", tag)
}

// capData bounds response data so the encoded frame stays within
// MaxPayload.
func capData(data []byte) []byte {
	max := proto.MaxPayload - respReserve
	if len(data) > max {
		return data[:max]
	}
	return data
}

func widthTag(width int) string {
	if width == 4 {
		return "u32ptr"
	}
	return "u64ptr"
}
