package wsrpc

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/zaputil/zapctx"
	"go.uber.org/zap"

	"github.com/valoni/websocket-rpc/internal/errors"
	"github.com/valoni/websocket-rpc/internal/servermon"
)

// writeControlTimeout bounds how long a close control frame write may
// block the caller.
const writeControlTimeout = 5 * time.Second

// Close status codes used by this package, re-exported so callers need
// not import gorilla/websocket themselves for the common cases.
const (
	StatusNormalClosure     = websocket.CloseNormalClosure
	StatusMessageTooBig     = websocket.CloseMessageTooBig
	StatusInternalServerErr = websocket.CloseInternalServerErr
)

type connState int32

const (
	stateOpen connState = iota
	stateCloseReceived
	stateClosed
)

// OpenHandler is invoked exactly once, before the first Receive.
type OpenHandler func(c *Connection)

// ReceiveHandler is invoked for every frame the receive loop accepts,
// whether or not it turns out to be an RPC envelope; isText reports
// whether the frame was a text (vs. binary) message.
type ReceiveHandler func(c *Connection, data []byte, isText bool)

// ErrorHandler is invoked for every unhandled exception observed while
// pumping the connection. It may fire more than once.
type ErrorHandler func(c *Connection, err error)

// CloseHandler is invoked exactly once, after the last Receive or
// Error, when the connection transitions to Closed.
type CloseHandler func(c *Connection, status int, reason string)

// A Connection owns one WebSocket. It runs the receive loop, enforces
// the configured message-size limit, serializes outbound sends through
// a sendQueue, and notifies subscribers of open/receive/error/close
// events. The zero value is not usable; construct with NewConnection.
type Connection struct {
	conn    *websocket.Conn
	cfg     Config
	cookies map[string]string
	sendQ   *sendQueue

	state int32 // connState, accessed atomically

	mu        sync.Mutex
	onOpen    []OpenHandler
	onReceive []ReceiveHandler
	onError   []ErrorHandler
	onClose   []CloseHandler

	closeOnce sync.Once
}

// NewConnection wraps an already-upgraded WebSocket in a Connection.
// cookies is the immutable set of cookies captured at handshake time.
func NewConnection(conn *websocket.Conn, cookies map[string]string, cfg Config) *Connection {
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = DefaultMaxMessageSize
	}
	frozen := make(map[string]string, len(cookies))
	for k, v := range cookies {
		frozen[k] = v
	}
	c := &Connection{
		conn:    conn,
		cfg:     cfg,
		cookies: frozen,
		sendQ:   newSendQueue(),
		state:   int32(stateOpen),
	}
	servermon.ConnectionsOpened.Inc()
	servermon.ConnectionsActive.Inc()
	return c
}

// Cookies returns the cookie set captured at handshake.
func (c *Connection) Cookies() map[string]string {
	return c.cookies
}

// OnOpen subscribes h to the open notification.
func (c *Connection) OnOpen(h OpenHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onOpen = append(c.onOpen, h)
}

// OnReceive subscribes h to the receive notification.
func (c *Connection) OnReceive(h ReceiveHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReceive = append(c.onReceive, h)
}

// OnError subscribes h to the error notification.
func (c *Connection) OnError(h ErrorHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = append(c.onError, h)
}

// OnClose subscribes h to the close notification.
func (c *Connection) OnClose(h CloseHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = append(c.onClose, h)
}

func (c *Connection) fireOpen() {
	c.mu.Lock()
	handlers := append([]OpenHandler(nil), c.onOpen...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(c)
	}
}

func (c *Connection) fireReceive(data []byte, isText bool) {
	c.mu.Lock()
	handlers := append([]ReceiveHandler(nil), c.onReceive...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(c, data, isText)
	}
}

func (c *Connection) fireError(err error) {
	c.mu.Lock()
	handlers := append([]ErrorHandler(nil), c.onError...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(c, err)
	}
}

// SendText encodes and transmits a single text frame. It returns false
// without sending if the connection is not Open, and closes the
// connection with StatusMessageTooBig without sending if data's length
// meets or exceeds the configured MaxMessageSize.
func (c *Connection) SendText(data []byte) (bool, error) {
	if connState(atomic.LoadInt32(&c.state)) != stateOpen {
		return false, nil
	}
	if len(data) >= c.cfg.MaxMessageSize {
		c.Close(StatusMessageTooBig, "message too big")
		return false, nil
	}
	f := c.sendQ.enqueue(func() error {
		return c.conn.WriteMessage(websocket.TextMessage, data)
	})
	if err := f.Wait(); err != nil {
		return false, err
	}
	return true, nil
}

// Close initiates an outbound close with the given status and reason if
// the connection is currently Open or CloseReceived. Any error from the
// underlying close call is swallowed. The close notification fires
// exactly once, after which every subscriber list is cleared so no
// handler is ever invoked again.
func (c *Connection) Close(status int, reason string) {
	for {
		cur := connState(atomic.LoadInt32(&c.state))
		if cur == stateClosed {
			return
		}
		if atomic.CompareAndSwapInt32(&c.state, int32(cur), int32(stateClosed)) {
			break
		}
	}
	cm := websocket.FormatCloseMessage(status, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, cm, time.Now().Add(writeControlTimeout))
	c.sendQ.closeQueue()
	_ = c.conn.Close()

	c.closeOnce.Do(func() {
		c.mu.Lock()
		handlers := append([]CloseHandler(nil), c.onClose...)
		c.onOpen = nil
		c.onReceive = nil
		c.onError = nil
		c.onClose = nil
		c.mu.Unlock()
		servermon.ConnectionsActive.Dec()
		for _, h := range handlers {
			h(c, status, reason)
		}
	})
}

// markCloseReceived records that the peer initiated the close handshake
// (a received Close frame) without yet tearing down the socket, per the
// CloseReceived state named in the data model.
func (c *Connection) markCloseReceived() {
	atomic.CompareAndSwapInt32(&c.state, int32(stateOpen), int32(stateCloseReceived))
}

// Serve runs the connection's receive loop until the socket leaves
// Open, the given context is canceled, or an unrecoverable error
// occurs. It fires Open before the first Receive. Serve blocks; callers
// (normally the wsserver package) run it in its own goroutine.
func (c *Connection) Serve(ctx context.Context) {
	c.fireOpen()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.Close(StatusNormalClosure, "")
		case <-done:
		}
	}()

	for connState(atomic.LoadInt32(&c.state)) == stateOpen {
		messageType, r, err := c.conn.NextReader()
		if err != nil {
			// CloseAbnormalClosure is never sent on the wire: gorilla
			// synthesizes it when the socket ends without a Close frame.
			if ce, ok := err.(*websocket.CloseError); ok && ce.Code != websocket.CloseAbnormalClosure {
				c.markCloseReceived()
				c.Close(StatusNormalClosure, "")
				return
			}
			zapctx.Error(ctx, "websocket read failed", zap.Error(err))
			c.fireError(err)
			c.Close(StatusInternalServerErr, err.Error())
			return
		}

		data, err := readWithLimit(r, c.cfg.MaxMessageSize)
		if err == errMessageTooBig {
			zapctx.Debug(ctx, "closing oversize connection", zap.Int("limit", c.cfg.MaxMessageSize))
			c.Close(StatusMessageTooBig, "message too big")
			return
		}
		if err != nil {
			zapctx.Error(ctx, "websocket read failed", zap.Error(err))
			c.fireError(err)
			c.Close(StatusInternalServerErr, err.Error())
			return
		}

		if messageType == websocket.CloseMessage {
			c.markCloseReceived()
			c.Close(StatusNormalClosure, "")
			return
		}
		c.fireReceive(data, messageType == websocket.TextMessage)
	}
}

var errMessageTooBig = errors.E(errors.Op("wsrpc.Connection.Serve"), errors.CodeMessageTooBig, "message too big")

// readWithLimit fills a buffer across repeated reads until the reader
// reaches end-of-message, failing with errMessageTooBig as soon as the
// total read meets or exceeds max bytes rather than buffering an
// unbounded message first.
func readWithLimit(r io.Reader, max int) ([]byte, error) {
	buf := make([]byte, 0, 4096)
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if len(buf) >= max {
				return nil, errMessageTooBig
			}
		}
		if err == io.EOF {
			return buf, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

