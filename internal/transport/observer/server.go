package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"tilestream.dev/internal/observerproto"
	"tilestream.dev/internal/protocol"
	"tilestream.dev/internal/sim/session"
)

const maxCellsPerTickLimit = 4096

type Options struct {
	// AllowRemote accepts observers from non-loopback addresses.
	AllowRemote bool
}

type Server struct {
	sess *session.Session
	log  *slog.Logger
	opts Options

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
}

func NewServer(sess *session.Session, logger *slog.Logger, opts Options) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		sess: sess,
		log:  logger.With("component", "observer"),
		opts: opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) allowed(r *http.Request) bool {
	return s.opts.AllowRemote || isLoopbackRemote(r.RemoteAddr)
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !s.allowed(r) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(s.sess.Bootstrap())
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !s.allowed(r) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub observerproto.SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil || sub.Type != observerproto.TypeSubscribe {
			s.reject(conn, protocol.ErrProtoBadRequest, "expected SUBSCRIBE")
			return
		}
		if sub.ProtocolVersion != observerproto.Version {
			s.reject(conn, protocol.ErrProtoVersion, fmt.Sprintf("protocol_version must be %s", observerproto.Version))
			return
		}
		normalizeSubscribe(&sub)
		driver := sub.Driver

		welcome := s.sess.Bootstrap()
		welcome.Type = observerproto.TypeWelcome
		b, _ := json.Marshal(welcome)
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			return
		}

		sid := fmt.Sprintf("O%d", s.nextID.Add(1))
		tickOut := make(chan []byte, 8)
		dataOut := make(chan []byte, 1024)
		ctrlOut := make(chan []byte, 16)

		joinReq := session.ObserverJoinRequest{
			SessionID:       sid,
			TickOut:         tickOut,
			DataOut:         dataOut,
			MaxCellsPerTick: sub.MaxCellsPerTick,
		}
		select {
		case s.sess.ObserverJoin() <- joinReq:
		default:
			s.reject(conn, protocol.ErrSessionBusy, "server busy")
			return
		}
		defer func() {
			select {
			case s.sess.ObserverLeave() <- sid:
			default:
				// Session loop is stopping; nothing else to do.
			}
		}()
		log := s.log.With("observer", sid, "driver", driver)
		log.Info("observer connected", "remote", r.RemoteAddr)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine. It owns every write after WELCOME.
		writeErr := make(chan error, 1)
		go func() {
			write := func(b []byte) error {
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				return conn.WriteMessage(websocket.TextMessage, b)
			}
			for {
				var (
					b  []byte
					ok bool
				)
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b = <-ctrlOut:
					ok = true
				case b, ok = <-dataOut:
				case b, ok = <-tickOut:
				}
				if !ok {
					// Session closed this observer; unblock the reader.
					if b, err := json.Marshal(observerproto.ErrorMsg{
						Type:            observerproto.TypeError,
						ProtocolVersion: observerproto.Version,
						Code:            protocol.ErrSessionStopped,
						Message:         "session stopped",
					}); err == nil {
						_ = write(b)
					}
					_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "session stopped"), time.Now().Add(time.Second))
					_ = conn.Close()
					writeErr <- nil
					return
				}
				if err := write(b); err != nil {
					writeErr <- err
					return
				}
			}
		}()

		sendErr := func(code, message string) {
			b, _ := json.Marshal(observerproto.ErrorMsg{
				Type:            observerproto.TypeError,
				ProtocolVersion: observerproto.Version,
				Code:            code,
				Message:         message,
			})
			select {
			case ctrlOut <- b:
			default:
			}
		}

		// Reader loop: SUBSCRIBE updates and MOVE from drivers.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil {
				sendErr(protocol.ErrProtoBadRequest, "invalid json")
				continue
			}
			if base.ProtocolVersion != observerproto.Version {
				sendErr(protocol.ErrProtoVersion, "protocol_version mismatch")
				continue
			}
			switch base.Type {
			case observerproto.TypeSubscribe:
				var sub observerproto.SubscribeMsg
				if err := json.Unmarshal(msg, &sub); err != nil {
					sendErr(protocol.ErrBadRequest, "bad SUBSCRIBE")
					continue
				}
				normalizeSubscribe(&sub)
				req := session.ObserverSubscribeRequest{SessionID: sid, MaxCellsPerTick: sub.MaxCellsPerTick}
				select {
				case s.sess.ObserverSubscribe() <- req:
				default:
					// Drop updates under load; the client may resend.
				}

			case observerproto.TypeMove:
				if !driver {
					sendErr(protocol.ErrNoPermission, "MOVE requires a driver subscription")
					continue
				}
				var mv observerproto.MoveMsg
				if err := json.Unmarshal(msg, &mv); err != nil {
					sendErr(protocol.ErrBadRequest, "bad MOVE")
					continue
				}
				if _, err := s.sess.CellFor(mv.Pos); err != nil {
					sendErr(protocol.ErrBadRequest, "MOVE position out of range")
					continue
				}
				select {
				case s.sess.Move() <- mv.Pos:
				default:
					sendErr(protocol.ErrRateLimit, "too many MOVE messages")
				}

			default:
				sendErr(protocol.ErrBadRequest, "unknown message type")
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
		log.Info("observer disconnected")
	}
}

// reject writes an ERROR and closes with a policy violation. Only used
// before the writer goroutine starts.
func (s *Server) reject(conn *websocket.Conn, code, message string) {
	b, _ := json.Marshal(observerproto.ErrorMsg{
		Type:            observerproto.TypeError,
		ProtocolVersion: observerproto.Version,
		Code:            code,
		Message:         message,
	})
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = conn.WriteMessage(websocket.TextMessage, b)
	closeCode := websocket.ClosePolicyViolation
	if code == protocol.ErrSessionBusy {
		closeCode = websocket.CloseTryAgainLater
	}
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(closeCode, message), time.Now().Add(time.Second))
}

func normalizeSubscribe(sub *observerproto.SubscribeMsg) {
	if sub.MaxCellsPerTick < 0 {
		sub.MaxCellsPerTick = 0
	}
	if sub.MaxCellsPerTick > maxCellsPerTickLimit {
		sub.MaxCellsPerTick = maxCellsPerTickLimit
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
