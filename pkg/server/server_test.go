package server

import (
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ceqpd/pkg/client"
	"ceqpd/pkg/memory"
	"ceqpd/pkg/proto"
)

func startTestServer(t *testing.T, prov memory.Provider, opts Options) (*Server, string) {
	t.Helper()
	opts.Addr = "127.0.0.1:0"
	if opts.IOTimeout == 0 {
		opts.IOTimeout = 3 * time.Second
	}
	s := New(prov, opts)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s, s.Addr().String()
}

func e2eProvider() *memory.MapProvider {
	p := memory.NewMapProvider()
	p.AddModule("foo.dll", 0x400000)
	p.AddModule("BAR.DLL", 0x500000)
	p.Put(0x1000, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	return p
}

func TestE2EHeartbeat(t *testing.T) {
	_, addr := startTestServer(t, e2eProvider(), Options{})
	c, err := client.Dial(addr)
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Ping())
}

func TestE2EReadMemory(t *testing.T) {
	_, addr := startTestServer(t, e2eProvider(), Options{})
	c, err := client.Dial(addr)
	require.NoError(t, err)
	defer c.Close()

	data, err := c.ReadMemory(0x1000, 8)
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, data)
}

func TestE2EWriteThenRead(t *testing.T) {
	_, addr := startTestServer(t, e2eProvider(), Options{})
	c, err := client.Dial(addr)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.WriteMemory(0x2000, []byte{0xDE, 0xAD, 0xBE, 0xEF}))
	data, err := c.ReadMemory(0x2000, 4)
	require.NoError(t, err)
	require.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, data)
}

func TestE2EModuleBase(t *testing.T) {
	_, addr := startTestServer(t, e2eProvider(), Options{})
	c, err := client.Dial(addr)
	require.NoError(t, err)
	defer c.Close()

	base, err := c.ModuleBase("Bar.dll")
	require.NoError(t, err)
	require.Equal(t, uint64(0x500000), base)

	_, err = c.ModuleBase("baz.dll")
	var pe *proto.Error
	require.ErrorAs(t, err, &pe)
	require.Equal(t, proto.CodeModBaseNotFound, pe.Code)

	// the error is recoverable: the session stays usable
	require.NoError(t, c.Ping())
}

func TestE2EPointerChain(t *testing.T) {
	prov := e2eProvider()
	prov.Put(0x1000, []byte{0x00, 0x20, 0, 0, 0, 0, 0, 0})
	prov.Put(0x2010, []byte{0x00, 0x30, 0, 0, 0, 0, 0, 0})
	prov.Put(0x3010, []byte{0x20, 0x30, 0, 0, 0, 0, 0, 0})
	prov.Put(0x3020, []byte{0xBE, 0xBA, 0xFE, 0xCA})
	_, addr := startTestServer(t, prov, Options{})
	c, err := client.Dial(addr)
	require.NoError(t, err)
	defer c.Close()

	res, err := c.ReadPointerChain(0x1000, []int64{0x10, 0x10, 0x00}, "", 4)
	require.NoError(t, err)
	require.Equal(t, uint64(0x3020), res.Addr)
	require.Equal(t, []byte{0xBE, 0xBA, 0xFE, 0xCA}, res.Data)
}

func TestE2EPointerChain32Override(t *testing.T) {
	prov := e2eProvider()
	prov.Put(0x1000, []byte{0x00, 0x20, 0, 0})
	prov.Put(0x2010, []byte{0x00, 0x30, 0, 0})
	prov.Put(0x3010, []byte{0x20, 0x30, 0, 0})
	prov.Put(0x3020, []byte{0xBE, 0xBA, 0xFE, 0xCA})
	_, addr := startTestServer(t, prov, Options{})
	c, err := client.Dial(addr)
	require.NoError(t, err)
	defer c.Close()

	res, err := c.ReadPointerChain(0x1000, []int64{0x10, 0x10, 0x00}, "u32ptr", 4)
	require.NoError(t, err)
	require.Equal(t, uint64(0x3020), res.Addr)
	require.Equal(t, []byte{0xBE, 0xBA, 0xFE, 0xCA}, res.Data)
}

func TestE2EModuleOffsetRoundTrip(t *testing.T) {
	_, addr := startTestServer(t, e2eProvider(), Options{})
	c, err := client.Dial(addr)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.WriteModuleOffset("foo.dll", 0x10, []byte{0x55, 0x66}))
	data, err := c.ReadModuleOffset("FOO.DLL", 0x10, 2)
	require.NoError(t, err)
	require.Equal(t, []byte{0x55, 0x66}, data)
}

// TestE2EOversizedPayload drives the raw wire: a header declaring
// payload_len over the cap elicits exactly one code-102 error frame on
// the same request id, then the server closes the connection.
func TestE2EOversizedPayload(t *testing.T) {
	_, addr := startTestServer(t, e2eProvider(), Options{})
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	raw := proto.EncodeFrame(proto.MsgReadMemAddr, 77, nil)
	binary.LittleEndian.PutUint32(raw[12:], 0x00200000)
	_, err = conn.Write(raw)
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	h, err := proto.ReadHeader(conn)
	require.NoError(t, err)
	require.Equal(t, proto.MsgErrorResp, h.Type)
	require.Equal(t, uint32(77), h.RequestID)
	p, err := proto.ReadPayload(conn, h)
	require.NoError(t, err)
	code, ok, err := proto.GetU32(p, proto.TagErrCode)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, proto.CodePayloadTooLarge, code)

	// connection is closed after the error frame
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var one [1]byte
	_, err = conn.Read(one[:])
	require.ErrorIs(t, err, io.EOF)
}

// TestE2EBadMagic verifies the server closes without replying when the
// stream is misaligned.
func TestE2EBadMagic(t *testing.T) {
	_, addr := startTestServer(t, e2eProvider(), Options{})
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	raw := proto.EncodeFrame(proto.MsgHeartbeatReq, 1, nil)
	copy(raw, "NOPE")
	_, err = conn.Write(raw)
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var one [1]byte
	_, err = conn.Read(one[:])
	require.ErrorIs(t, err, io.EOF)
}

// TestE2EBadVersion expects a code-101 reply before the close.
func TestE2EBadVersion(t *testing.T) {
	_, addr := startTestServer(t, e2eProvider(), Options{})
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	raw := proto.EncodeFrame(proto.MsgHeartbeatReq, 5, nil)
	raw[4] = 0x09
	_, err = conn.Write(raw)
	require.NoError(t, err)

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	h, err := proto.ReadHeader(conn)
	require.NoError(t, err)
	require.Equal(t, proto.MsgErrorResp, h.Type)
	require.Equal(t, uint32(5), h.RequestID)
	p, err := proto.ReadPayload(conn, h)
	require.NoError(t, err)
	code, _, _ := proto.GetU32(p, proto.TagErrCode)
	require.Equal(t, proto.CodeBadVersion, code)
}

func TestE2EUnknownTypeKeepsSession(t *testing.T) {
	_, addr := startTestServer(t, e2eProvider(), Options{})
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, proto.WriteFrame(conn, 0x42, 11, nil))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	h, err := proto.ReadHeader(conn)
	require.NoError(t, err)
	require.Equal(t, proto.MsgErrorResp, h.Type)
	require.Equal(t, uint32(11), h.RequestID)
	p, _ := proto.ReadPayload(conn, h)
	code, _, _ := proto.GetU32(p, proto.TagErrCode)
	require.Equal(t, proto.CodeUnknownType, code)

	// session still serves the next request
	require.NoError(t, proto.WriteFrame(conn, proto.MsgHeartbeatReq, 12, nil))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	h, err = proto.ReadHeader(conn)
	require.NoError(t, err)
	require.Equal(t, proto.MsgHeartbeatResp, h.Type)
	require.Equal(t, uint32(12), h.RequestID)
}

func TestE2ESessionDisplacement(t *testing.T) {
	_, addr := startTestServer(t, e2eProvider(), Options{})

	first, err := client.Dial(addr)
	require.NoError(t, err)
	defer first.Close()
	require.NoError(t, first.Ping())

	second, err := client.Dial(addr)
	require.NoError(t, err)
	defer second.Close()
	require.NoError(t, second.Ping())

	// the displaced session errors on its next request
	require.Error(t, first.Ping())
}

func TestE2EResolveBase(t *testing.T) {
	prov := e2eProvider()
	_, addr := startTestServer(t, prov, Options{})
	c, err := client.Dial(addr)
	require.NoError(t, err)
	defer c.Close()

	base, err := c.ResolveBase("foo.dll+0x10")
	require.NoError(t, err)
	require.Equal(t, uint64(0x400010), base)

	base, err = c.ResolveBase("0x1000")
	require.NoError(t, err)
	require.Equal(t, uint64(0x1000), base)

	_, err = c.ResolveBase("missing.dll+0x10")
	require.Error(t, err)
}

func TestStartStopIdempotent(t *testing.T) {
	s := New(e2eProvider(), Options{Addr: "127.0.0.1:0", IOTimeout: time.Second})
	require.NoError(t, s.Start())
	require.NoError(t, s.Start()) // no-op while running
	st := s.Status()
	require.True(t, st.Listening)
	s.Stop()
	s.Stop() // safe on a stopped server
	require.False(t, s.Status().Listening)
}
