package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"zmnotify/internal/wire"
	logx "zmnotify/pkg/logx"
)

const (
	writeWait        = 10 * time.Second // Time allowed to write a message to the peer.
	handshakeTimeout = 15 * time.Second
	maxMessageSize   = 1 << 20 // Alarm frames can carry detection JSON; keep headroom.
)

var ErrNotOpen = errors.New("transport not open")

// WSOptions tunes the websocket transport.
type WSOptions struct {
	// InsecureTLS skips certificate verification. Event servers are very
	// often deployed with self-signed certificates on a LAN.
	InsecureTLS bool
}

type wsTransport struct {
	log  logx.Logger
	opts WSOptions

	mu      sync.Mutex
	conn    *websocket.Conn
	closed  bool
	closeCh chan struct{}

	msgHandlers   handlerList[*wire.ServerFrame]
	closeHandlers handlerList[error]
	closeOnce     sync.Once
}

// NewWebSocket returns a Dialer producing websocket transports.
func NewWebSocket(log logx.Logger, opts WSOptions) Dialer {
	if log.IsZero() {
		log = logx.Nop()
	}
	return func() Transport {
		return &wsTransport{log: log, opts: opts, closeCh: make(chan struct{})}
	}
}

func (t *wsTransport) Open(ctx context.Context, url string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrNotOpen
	}
	if t.conn != nil {
		t.mu.Unlock()
		return errors.New("transport already open")
	}
	t.mu.Unlock()

	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
		Proxy:            websocket.DefaultDialer.Proxy,
	}
	if t.opts.InsecureTLS {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	conn.SetReadLimit(maxMessageSize)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = conn.Close()
		return ErrNotOpen
	}
	t.conn = conn
	t.mu.Unlock()

	go t.readPump(conn)
	return nil
}

// readPump delivers inbound frames until the socket dies or Close() is called.
func (t *wsTransport) readPump(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.finish(err)
			return
		}
		frame, derr := wire.DecodeServerFrame(data)
		if derr != nil {
			// Malformed payloads never cross this boundary.
			t.log.Warn("dropping malformed frame", logx.Err(derr), logx.Int("bytes", len(data)))
			continue
		}
		t.msgHandlers.emit(frame)
	}
}

// finish reports the end of the connection exactly once. A nil error means
// the caller closed the transport deliberately.
func (t *wsTransport) finish(readErr error) {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		callerClosed := t.closed
		conn := t.conn
		t.conn = nil
		t.closed = true
		close(t.closeCh)
		t.mu.Unlock()

		if conn != nil {
			_ = conn.Close()
		}
		if callerClosed {
			t.closeHandlers.emit(nil)
			return
		}
		t.closeHandlers.emit(readErr)
	})
}

func (t *wsTransport) Send(v any) error {
	// gorilla allows at most one concurrent writer; serialize here.
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return ErrNotOpen
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteJSON(v)
}

func (t *wsTransport) OnMessage(fn func(*wire.ServerFrame)) func() {
	return t.msgHandlers.add(fn)
}

func (t *wsTransport) OnClose(fn func(error)) func() {
	return t.closeHandlers.add(fn)
}

func (t *wsTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conn := t.conn
	t.mu.Unlock()

	if conn != nil {
		// Best-effort close frame; the read pump observes the closed socket
		// and runs finish() with callerClosed=true.
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
		return nil
	}
	// Never opened; still report the deliberate close.
	t.closeOnce.Do(func() {
		close(t.closeCh)
		t.closeHandlers.emit(nil)
	})
	return nil
}
