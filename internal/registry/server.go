package registry

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/panemux/panemux/internal/wire"
)

// Server exposes the registry over a WebSocket endpoint. One connection can
// multiplex any number of sessions; each message names its session id.
type Server struct {
	reg    *Registry
	token  string
	rateKB int
}

func NewServer(reg *Registry, token string, rateKB int) *Server {
	return &Server{reg: reg, token: token, rateKB: rateKB}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	return mux
}

// connSink fans stream events for one client connection onto its WebSocket.
// coder/websocket allows one concurrent writer, so every write holds mu.
// A failed or timed-out write would leave an in-order gap in the stream, so
// the sink kills the connection instead and lets the client reconnect.
type connSink struct {
	mu      sync.Mutex
	writeFn func(ctx context.Context, p []byte) error
	closeFn func()
	dead    bool
}

func newConnSink(conn *websocket.Conn) *connSink {
	return &connSink{
		writeFn: func(ctx context.Context, p []byte) error {
			return conn.Write(ctx, websocket.MessageText, p)
		},
		closeFn: func() { conn.CloseNow() },
	}
}

func (c *connSink) send(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dead {
		return
	}
	if err := c.writeFn(ctx, data); err != nil {
		log.Printf("stream write failed, dropping connection: %v", err)
		c.dead = true
		c.closeFn()
	}
}

func (c *connSink) StreamData(sessionID string, p []byte) {
	c.send(wire.StreamData{Type: wire.TypeData, SessionID: sessionID, Data: wire.EncodeData(p)})
}

func (c *connSink) StreamExit(sessionID string, exitCode int, reason string) {
	c.send(wire.StreamExit{Type: wire.TypeExit, SessionID: sessionID, ExitCode: exitCode, Reason: reason})
}

func (c *connSink) StreamDisconnect(sessionID, reason string) {
	c.send(wire.StreamDisconnect{Type: wire.TypeDisconnect, SessionID: sessionID, Reason: reason})
}

func (c *connSink) StreamError(sessionID, code, message string) {
	c.send(wire.ErrorMsg{Type: wire.TypeError, SessionID: sessionID, Code: code, Message: message})
}

func (s *Server) authorized(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		auth := r.Header.Get("Authorization")
		if strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	return token == s.token
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("websocket accept: %v", err)
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	sink := newConnSink(conn)

	// Inbound byte metering: backpressure on clients pasting megabytes.
	var limiter *rate.Limiter
	if s.rateKB > 0 {
		bps := s.rateKB * 1024
		limiter = rate.NewLimiter(rate.Limit(bps), bps)
	}

	// Connection death detaches everything it still streams.
	defer s.reg.DetachAll(sink)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			log.Printf("client disconnected: %v", err)
			return
		}

		if limiter != nil {
			n := len(data)
			if n > limiter.Burst() {
				n = limiter.Burst()
			}
			if err := limiter.WaitN(ctx, n); err != nil {
				return
			}
		}

		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}

		switch env.Type {
		case wire.TypeAttach:
			var req wire.Attach
			if err := json.Unmarshal(data, &req); err != nil {
				continue
			}
			result, err := s.reg.Attach(&req, sink)
			if err != nil {
				sink.send(wire.ErrorMsg{
					Type:      wire.TypeError,
					RequestID: req.RequestID,
					SessionID: req.SessionID,
					Code:      attachErrCode(err),
					Message:   err.Error(),
				})
				continue
			}
			sink.send(result)

		case wire.TypeWrite:
			var msg wire.WriteMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if err := s.reg.Write(msg.SessionID, wire.DecodeData(msg.Data)); err != nil {
				sink.StreamError(msg.SessionID, writeErrCode(err), err.Error())
			}

		case wire.TypeResize:
			var msg wire.ResizeMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			s.reg.Resize(msg.SessionID, msg.Cols, msg.Rows)

		case wire.TypeDetach:
			var msg wire.DetachMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			s.reg.Detach(msg.SessionID, msg.ViewportY, sink)

		case wire.TypeKill:
			var msg wire.KillMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if err := s.reg.Kill(msg.SessionID); err != nil {
				sink.StreamError(msg.SessionID, "", err.Error())
			}

		case wire.TypeClearScrollback:
			var msg wire.ClearScrollbackMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			s.reg.ClearScrollback(msg.SessionID)

		case wire.TypeAckColdRestore:
			var msg wire.AckColdRestoreMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			if err := s.reg.AckColdRestore(msg.SessionID); err != nil {
				sink.StreamError(msg.SessionID, "", err.Error())
			}

		case wire.TypeList:
			var msg wire.ListMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			sessions, err := s.reg.List()
			if err != nil {
				log.Printf("list sessions: %v", err)
			}
			sink.send(wire.SessionsSync{
				Type:      wire.TypeSessionsSync,
				RequestID: msg.RequestID,
				Sessions:  sessions,
			})
		}
	}
}

func attachErrCode(err error) string {
	if errors.Is(err, ErrSessionKilled) {
		return wire.CodeSessionKilled
	}
	return ""
}

func writeErrCode(err error) string {
	switch {
	case errors.Is(err, errQueueFull):
		return wire.CodeWriteQueueFull
	case errors.Is(err, errSessionDone):
		return wire.CodeSessionKilled
	default:
		return ""
	}
}
