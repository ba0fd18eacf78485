package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"ceqpd/pkg/logger"
	"ceqpd/pkg/memory"
	"ceqpd/pkg/proto"
	"ceqpd/pkg/telemetry"
)

// session owns exactly one accepted connection and processes requests one
// at a time: header read, payload read, dispatch, response write.
// Responses go out in strict request-arrival order.
type session struct {
	conn net.Conn
	prov memory.Provider
	opts Options
	lim  *rate.Limiter

	closeOnce sync.Once
}

func newSession(conn net.Conn, prov memory.Provider, opts Options) *session {
	s := &session{conn: conn, prov: prov, opts: opts}
	if opts.RateRPS > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 10
		}
		s.lim = rate.NewLimiter(rate.Limit(opts.RateRPS), burst)
	}
	return s
}

func (s *session) peer() string {
	if a := s.conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return "?"
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		_ = s.conn.Close()
	})
}

// run drives the request loop until the peer goes away, a transport or
// framing error occurs, or the session is displaced. Payload and
// operation errors answer with ERROR_RESP and keep the session alive.
func (s *session) run() {
	defer s.close()
	logger.Info("session_started", "peer", s.peer())

	for {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.IOTimeout))
		h, err := proto.ReadHeader(s.conn)
		if err != nil {
			if !silentClose(err) {
				// bad version or oversized payload: reply, then close
				var pe *proto.Error
				if errors.As(err, &pe) {
					s.reply(h.RequestID, proto.MsgErrorResp, errPayload(pe))
				}
			}
			logger.Info("session_closed", "peer", s.peer(), "reason", closeReason(err))
			return
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.IOTimeout))
		payload, err := proto.ReadPayload(s.conn, h)
		if err != nil {
			logger.Info("session_closed", "peer", s.peer(), "reason", fmt.Sprintf("payload read: %v", err))
			return
		}

		if s.lim != nil && !s.lim.Allow() {
			telemetry.RateLimited.Inc()
			// pace rather than drop: every request still gets its response
			_ = s.lim.Wait(context.Background())
		}

		telemetry.FramesIn.WithLabelValues(typeLabel(h.Type)).Inc()
		typ, resp := dispatch(s.prov, s.opts.Diagnostic, h, payload)
		if !s.reply(h.RequestID, typ, resp) {
			logger.Info("session_closed", "peer", s.peer(), "reason", "write failed")
			return
		}
	}
}

// reply writes exactly one response frame. Returns false when the write
// fails, which ends the session.
func (s *session) reply(requestID uint32, typ byte, payload []byte) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.IOTimeout))
	if err := proto.WriteFrame(s.conn, typ, requestID, payload); err != nil {
		return false
	}
	telemetry.FramesOut.WithLabelValues(typeLabel(typ)).Inc()
	return true
}

// silentClose reports errors that must not be answered: the peer is gone,
// the read timed out, or the stream is misaligned.
func silentClose(err error) bool {
	if errors.Is(err, proto.ErrBadMagic) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func closeReason(err error) string {
	switch {
	case errors.Is(err, io.EOF):
		return "peer closed"
	case errors.Is(err, proto.ErrBadMagic):
		return "bad magic"
	default:
		return err.Error()
	}
}

func errPayload(pe *proto.Error) []byte {
	telemetry.ErrorFrames.WithLabelValues(fmt.Sprintf("%d", pe.Code)).Inc()
	p := proto.AppendU32(nil, proto.TagErrCode, pe.Code)
	return proto.AppendString(p, proto.TagErrMsg, pe.Msg)
}

func typeLabel(t byte) string {
	switch t {
	case proto.MsgHeartbeatReq:
		return "heartbeat_req"
	case proto.MsgHeartbeatResp:
		return "heartbeat_resp"
	case proto.MsgReadMemAddr:
		return "read_mem_addr"
	case proto.MsgWriteMemAddr:
		return "write_mem_addr"
	case proto.MsgReadModOff:
		return "read_mod_off"
	case proto.MsgWriteModOff:
		return "write_mod_off"
	case proto.MsgReadPtrChain:
		return "read_ptr_chain"
	case proto.MsgGetModBase:
		return "get_mod_base"
	case proto.MsgErrorResp:
		return "error_resp"
	default:
		return fmt.Sprintf("0x%02x", t)
	}
}
