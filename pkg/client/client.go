// Package client implements the CEQP controller side: a synchronous
// request/response client with a keepalive heartbeat, plus the textual
// base-address resolution the interactive tooling accepts.
package client

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"ceqpd/pkg/cehex"
	"ceqpd/pkg/proto"
)

// HeartbeatInterval is the cadence the controller pings at to keep the
// server's per-read deadline from expiring.
const HeartbeatInterval = 2 * time.Second

// ErrTooLarge reports a read request above MaxRead, rejected before it is
// sent.
var ErrTooLarge = errors.New("client: read length exceeds 1 MiB")

// ErrClosed reports use of a closed client.
var ErrClosed = errors.New("client: connection closed")

// Client is a CEQP controller connection. All request methods are safe
// for concurrent use; requests are serialized on the wire (the protocol
// allows one in-flight request per session).
type Client struct {
	timeout time.Duration
	nextID  atomic.Uint32

	mu    sync.Mutex
	conn  net.Conn
	stale *frameQueue
}

// Dial connects to a CEQP server, disabling Nagle on the socket.
func Dial(addr string) (*Client, error) {
	return DialTimeout(addr, 3*time.Second)
}

// DialTimeout connects with an explicit connect and I/O deadline.
func DialTimeout(addr string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return &Client{conn: conn, timeout: timeout, stale: newFrameQueue(1024)}, nil
}

// Close tears the connection down. Safe to call twice.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.stale.reset()
	return err
}

// roundTrip sends one request and waits for the frame answering it.
// Responses carrying other request ids (late replies to an earlier
// request whose read timed out) are buffered aside rather than discarded.
func (c *Client) roundTrip(typ byte, payload []byte) (frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return frame{}, ErrClosed
	}

	id := c.nextID.Add(1)
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.timeout))
	if err := proto.WriteFrame(c.conn, typ, id, payload); err != nil {
		return frame{}, fmt.Errorf("client: send: %w", err)
	}

	if f, ok := c.stale.take(id); ok {
		return c.checkResp(typ, f)
	}
	for {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.timeout))
		h, err := proto.ReadHeader(c.conn)
		if err != nil {
			return frame{}, fmt.Errorf("client: recv: %w", err)
		}
		p, err := proto.ReadPayload(c.conn, h)
		if err != nil {
			return frame{}, fmt.Errorf("client: recv payload: %w", err)
		}
		f := frame{Type: h.Type, RequestID: h.RequestID, Payload: p}
		if h.RequestID != id {
			c.stale.push(f)
			continue
		}
		return c.checkResp(typ, f)
	}
}

// checkResp turns an ERROR_RESP frame into a *proto.Error.
func (c *Client) checkResp(reqType byte, f frame) (frame, error) {
	if f.Type != proto.MsgErrorResp {
		return f, nil
	}
	code, _, _ := proto.GetU32(f.Payload, proto.TagErrCode)
	msg, _, _ := proto.GetString(f.Payload, proto.TagErrMsg)
	if msg == "" {
		msg = fmt.Sprintf("request 0x%02x failed", reqType)
	}
	return f, &proto.Error{Code: code, Msg: msg}
}

// Ping performs one heartbeat round trip.
func (c *Client) Ping() error {
	f, err := c.roundTrip(proto.MsgHeartbeatReq, nil)
	if err != nil {
		return err
	}
	if f.Type != proto.MsgHeartbeatResp {
		return fmt.Errorf("client: unexpected heartbeat reply type 0x%02x", f.Type)
	}
	return nil
}

// KeepAlive pings every HeartbeatInterval until stop is closed or a ping
// fails; the first failure is delivered to onDown.
func (c *Client) KeepAlive(stop <-chan struct{}, onDown func(error)) {
	t := time.NewTicker(HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if err := c.Ping(); err != nil {
				if onDown != nil {
					onDown(err)
				}
				return
			}
		}
	}
}

// ReadMemory reads n bytes at an absolute address.
func (c *Client) ReadMemory(addr uint64, n uint32) ([]byte, error) {
	if n > proto.MaxRead {
		return nil, ErrTooLarge
	}
	p := proto.AppendU64(nil, proto.TagAddr, addr)
	p = proto.AppendU32(p, proto.TagLen, n)
	f, err := c.roundTrip(proto.MsgReadMemAddr, p)
	if err != nil {
		return nil, err
	}
	data, _, err := proto.GetBytesAll(f.Payload, proto.TagData)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// WriteMemory writes data at an absolute address.
func (c *Client) WriteMemory(addr uint64, data []byte) error {
	p := proto.AppendU64(nil, proto.TagAddr, addr)
	p = proto.AppendChunkedBytes(p, proto.TagData, data)
	_, err := c.roundTrip(proto.MsgWriteMemAddr, p)
	return err
}

// ModuleBase resolves a module's base address by name
// (case-insensitive).
func (c *Client) ModuleBase(name string) (uint64, error) {
	p := proto.AppendString(nil, proto.TagModName, name)
	f, err := c.roundTrip(proto.MsgGetModBase, p)
	if err != nil {
		return 0, err
	}
	addr, ok, err := proto.GetU64(f.Payload, proto.TagAddr)
	if err != nil || !ok {
		return 0, fmt.Errorf("client: malformed module base reply")
	}
	return addr, nil
}

// ReadModuleOffset reads n bytes at module+offset.
func (c *Client) ReadModuleOffset(name string, off int64, n uint32) ([]byte, error) {
	if n > proto.MaxRead {
		return nil, ErrTooLarge
	}
	p := proto.AppendString(nil, proto.TagModName, name)
	p = proto.AppendI64(p, proto.TagOffset, off)
	p = proto.AppendU32(p, proto.TagLen, n)
	f, err := c.roundTrip(proto.MsgReadModOff, p)
	if err != nil {
		return nil, err
	}
	data, _, err := proto.GetBytesAll(f.Payload, proto.TagData)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// WriteModuleOffset writes data at module+offset.
func (c *Client) WriteModuleOffset(name string, off int64, data []byte) error {
	p := proto.AppendString(nil, proto.TagModName, name)
	p = proto.AppendI64(p, proto.TagOffset, off)
	p = proto.AppendChunkedBytes(p, proto.TagData, data)
	_, err := c.roundTrip(proto.MsgWriteModOff, p)
	return err
}

// ChainResult is a resolved pointer chain.
type ChainResult struct {
	Data []byte
	// Addr is the final dereferenced location.
	Addr uint64
	// DType and Len are present only when the server runs in diagnostic
	// mode.
	DType string
	Len   uint32
}

// ReadPointerChain walks base→offsets and reads length bytes at the end.
// dtype optionally forces the pointer width ("u32ptr"/"u64ptr" and
// aliases); empty length 0 reads one pointer width.
func (c *Client) ReadPointerChain(base uint64, offsets []int64, dtype string, length uint32) (*ChainResult, error) {
	if length > proto.MaxRead {
		return nil, ErrTooLarge
	}
	p := proto.AppendU64(nil, proto.TagAddr, base)
	p = proto.AppendI64s(p, proto.TagOffsets, offsets)
	if dtype != "" {
		p = proto.AppendString(p, proto.TagDType, dtype)
	}
	if length != 0 {
		p = proto.AppendU32(p, proto.TagLen, length)
	}
	f, err := c.roundTrip(proto.MsgReadPtrChain, p)
	if err != nil {
		return nil, err
	}
	res := &ChainResult{}
	if res.Data, _, err = proto.GetBytesAll(f.Payload, proto.TagData); err != nil {
		return nil, err
	}
	if addr, ok, aerr := proto.GetU64(f.Payload, proto.TagAddr); aerr == nil && ok {
		res.Addr = addr
	}
	res.DType, _, _ = proto.GetLowerString(f.Payload, proto.TagDType)
	res.Len, _, _ = proto.GetU32(f.Payload, proto.TagLen)
	return res, nil
}

// ResolveBase parses a pointer-chain base: either a plain address
// ("0x7FF6...", decimal) or "module+offset" ("client.dll+0x10"), which
// costs one GET_MOD_BASE round trip.
func (c *Client) ResolveBase(spec string) (uint64, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return 0, cehex.ErrEmpty
	}
	if isHexAddr(spec) {
		return cehex.ParseAddress(spec)
	}
	name, offStr, found := strings.Cut(spec, "+")
	var off uint64
	if found {
		v, err := cehex.ParseOffset(offStr)
		if err != nil {
			return 0, err
		}
		off = uint64(v)
	}
	base, err := c.ModuleBase(strings.TrimSpace(name))
	if err != nil {
		return 0, err
	}
	return base + off, nil
}

// isHexAddr mirrors the interactive tooling's heuristic: a string made
// entirely of hex digits (plus an optional 0x) is an address, anything
// else is a module name.
func isHexAddr(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		case r == 'x' || r == 'X':
		default:
			return false
		}
	}
	return true
}
