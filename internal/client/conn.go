package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/panemux/panemux/internal/wire"
)

const writeTimeout = 10 * time.Second

// Handler receives everything the daemon pushes down the connection.
type Handler interface {
	HandleAttachResult(res *wire.AttachResult)
	HandleStreamData(sessionID string, data []byte)
	HandleStreamExit(sessionID string, exitCode int, reason string)
	HandleStreamDisconnect(sessionID, reason string)
	HandleError(msg *wire.ErrorMsg)
	HandleSessionsSync(sync *wire.SessionsSync)
	HandleConnectionLost(err error)
}

// Conn is the client side of the daemon's WebSocket endpoint, dialed over
// its unix socket. It implements Transport.
type Conn struct {
	socketPath string
	token      string
	handler    Handler

	// OnConnect fires after each successful dial, including reconnects.
	OnConnect func()

	mu        sync.Mutex
	conn      *websocket.Conn
	ready     chan struct{}
	readyOnce sync.Once
}

func NewConn(socketPath, token string, handler Handler) *Conn {
	return &Conn{
		socketPath: socketPath,
		token:      token,
		handler:    handler,
		ready:      make(chan struct{}),
	}
}

// Ready is closed once the first connection is established.
func (c *Conn) Ready() <-chan struct{} {
	return c.ready
}

// Run connects and processes pushes until ctx is cancelled, reconnecting
// with exponential backoff.
func (c *Conn) Run(ctx context.Context) error {
	backoff := wire.NewBackoff(time.Second, 10*time.Second)
	for {
		connected, err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff.Reset()
		}
		c.handler.HandleConnectionLost(err)
		delay := backoff.Next()
		log.Printf("daemon disconnected: %v — reconnecting in %s", err, delay)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (c *Conn) connectAndServe(ctx context.Context) (connected bool, err error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", c.socketPath)
			},
		},
	}
	opts := &websocket.DialOptions{
		HTTPClient: httpClient,
		HTTPHeader: make(http.Header),
	}
	if c.token != "" {
		opts.HTTPHeader.Set("Authorization", "Bearer "+c.token)
	}

	conn, _, dialErr := websocket.Dial(ctx, "http://panemux/ws", opts)
	if dialErr != nil {
		return false, fmt.Errorf("dial: %w", dialErr)
	}
	conn.SetReadLimit(4 * 1024 * 1024) // snapshots can be large
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer conn.CloseNow()
	connected = true
	c.readyOnce.Do(func() { close(c.ready) })
	if c.OnConnect != nil {
		c.OnConnect()
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return connected, fmt.Errorf("read: %w", err)
		}

		var env wire.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("bad message: %v", err)
			continue
		}

		switch env.Type {
		case wire.TypeAttachResult:
			var res wire.AttachResult
			if err := json.Unmarshal(data, &res); err != nil {
				continue
			}
			c.handler.HandleAttachResult(&res)

		case wire.TypeData:
			var msg wire.StreamData
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			c.handler.HandleStreamData(msg.SessionID, wire.DecodeData(msg.Data))

		case wire.TypeExit:
			var msg wire.StreamExit
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			c.handler.HandleStreamExit(msg.SessionID, msg.ExitCode, msg.Reason)

		case wire.TypeDisconnect:
			var msg wire.StreamDisconnect
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			c.handler.HandleStreamDisconnect(msg.SessionID, msg.Reason)

		case wire.TypeSessionsSync:
			var msg wire.SessionsSync
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			c.handler.HandleSessionsSync(&msg)

		case wire.TypeError:
			var msg wire.ErrorMsg
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			c.handler.HandleError(&msg)

		default:
			log.Printf("unknown message type: %s", env.Type)
		}
	}
}

func (c *Conn) writeJSON(v any) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		log.Printf("send %T: %v", v, err)
	}
}

// --- Transport ---

func (c *Conn) Attach(req *wire.Attach) {
	req.Type = wire.TypeAttach
	c.writeJSON(req)
}

func (c *Conn) Write(sessionID string, data []byte) {
	c.writeJSON(wire.WriteMsg{Type: wire.TypeWrite, SessionID: sessionID, Data: wire.EncodeData(data)})
}

func (c *Conn) Resize(sessionID string, cols, rows int) {
	c.writeJSON(wire.ResizeMsg{Type: wire.TypeResize, SessionID: sessionID, Cols: cols, Rows: rows})
}

func (c *Conn) Detach(sessionID string, viewportY int) {
	c.writeJSON(wire.DetachMsg{Type: wire.TypeDetach, SessionID: sessionID, ViewportY: viewportY})
}

func (c *Conn) Kill(sessionID string) {
	c.writeJSON(wire.KillMsg{Type: wire.TypeKill, SessionID: sessionID})
}

func (c *Conn) ClearScrollback(sessionID string) {
	c.writeJSON(wire.ClearScrollbackMsg{Type: wire.TypeClearScrollback, SessionID: sessionID})
}

func (c *Conn) AckColdRestore(sessionID string) {
	c.writeJSON(wire.AckColdRestoreMsg{Type: wire.TypeAckColdRestore, SessionID: sessionID})
}

// List requests the session inventory; the answer arrives via
// HandleSessionsSync.
func (c *Conn) List(requestID string) {
	c.writeJSON(wire.ListMsg{Type: wire.TypeList, RequestID: requestID})
}
