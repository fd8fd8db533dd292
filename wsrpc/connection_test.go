package wsrpc_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/gorilla/websocket"

	"github.com/valoni/websocket-rpc/wsrpc"
)

// testServer wraps each accepted socket in a Connection and hands it to
// connect before serving it, so tests can subscribe to its
// notifications.
type testServer struct {
	*httptest.Server
	url     string
	connect func(*wsrpc.Connection)
	mu      sync.Mutex
	conns   []*wsrpc.Connection
}

func newTestServer(t *testing.T, onConnect func(*wsrpc.Connection)) *testServer {
	ts := &testServer{connect: onConnect}
	var upgrader websocket.Upgrader
	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		c := wsrpc.NewConnection(raw, nil, wsrpc.DefaultConfig())
		ts.mu.Lock()
		ts.conns = append(ts.conns, c)
		ts.mu.Unlock()
		if ts.connect != nil {
			ts.connect(c)
		}
		c.Serve(r.Context())
	}))
	ts.url = "ws" + strings.TrimPrefix(ts.Server.URL, "http")
	t.Cleanup(ts.Server.Close)
	return ts
}

func dial(c *qt.C, url string) *websocket.Conn {
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	c.Assert(err, qt.IsNil)
	return conn
}

func TestConnectionOpenFiresBeforeReceive(t *testing.T) {
	c := qt.New(t)

	var mu sync.Mutex
	var events []string
	ts := newTestServer(t, func(conn *wsrpc.Connection) {
		conn.OnOpen(func(*wsrpc.Connection) {
			mu.Lock()
			events = append(events, "open")
			mu.Unlock()
		})
		conn.OnReceive(func(conn *wsrpc.Connection, data []byte, isText bool) {
			mu.Lock()
			events = append(events, "receive")
			mu.Unlock()
		})
	})

	client := dial(c, ts.url)
	defer client.Close()
	c.Assert(client.WriteMessage(websocket.TextMessage, []byte(`{"hello":"world"}`)), qt.IsNil)

	c.Assert(waitFor(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) >= 2
	}, time.Second), qt.IsTrue)

	mu.Lock()
	defer mu.Unlock()
	c.Check(events[0], qt.Equals, "open")
	c.Check(events[1], qt.Equals, "receive")
}

func TestConnectionNonRPCFrameIsPassedThrough(t *testing.T) {
	c := qt.New(t)

	received := make(chan string, 1)
	ts := newTestServer(t, func(conn *wsrpc.Connection) {
		conn.OnReceive(func(conn *wsrpc.Connection, data []byte, isText bool) {
			received <- string(data)
		})
	})

	client := dial(c, ts.url)
	defer client.Close()
	c.Assert(client.WriteMessage(websocket.TextMessage, []byte(`plain text message`)), qt.IsNil)

	select {
	case msg := <-received:
		c.Check(msg, qt.Equals, "plain text message")
	case <-time.After(time.Second):
		c.Fatal("timed out waiting for receive")
	}
}

func TestConnectionOversizeFrameClosesWithMessageTooBig(t *testing.T) {
	c := qt.New(t)

	closed := make(chan struct {
		status int
		reason string
	}, 1)
	receivedAny := make(chan struct{}, 1)
	ts := newTestServer(t, func(conn *wsrpc.Connection) {
		conn.OnClose(func(conn *wsrpc.Connection, status int, reason string) {
			closed <- struct {
				status int
				reason string
			}{status, reason}
		})
		conn.OnReceive(func(conn *wsrpc.Connection, data []byte, isText bool) {
			select {
			case receivedAny <- struct{}{}:
			default:
			}
		})
	})

	client := dial(c, ts.url)
	defer client.Close()

	oversize := make([]byte, wsrpc.DefaultMaxMessageSize)
	c.Assert(client.WriteMessage(websocket.TextMessage, oversize), qt.IsNil)

	select {
	case ev := <-closed:
		c.Check(ev.status, qt.Equals, wsrpc.StatusMessageTooBig)
	case <-time.After(time.Second):
		c.Fatal("timed out waiting for close")
	}
	select {
	case <-receivedAny:
		c.Fatal("receive fired for an oversize frame")
	default:
	}
}

func TestConnectionReadErrorFiresErrorAndClosesInternal(t *testing.T) {
	c := qt.New(t)

	errored := make(chan error, 1)
	closed := make(chan struct {
		status int
		reason string
	}, 1)
	ts := newTestServer(t, func(conn *wsrpc.Connection) {
		conn.OnError(func(conn *wsrpc.Connection, err error) {
			select {
			case errored <- err:
			default:
			}
		})
		conn.OnClose(func(conn *wsrpc.Connection, status int, reason string) {
			closed <- struct {
				status int
				reason string
			}{status, reason}
		})
	})

	client := dial(c, ts.url)
	// Tear down the raw TCP socket without a WebSocket close handshake,
	// so the server's read fails without a Close frame (an abnormal
	// closure): that's the "unhandled exception" path the error
	// notification and internal-server-error close exist for.
	c.Assert(client.UnderlyingConn().Close(), qt.IsNil)

	select {
	case <-errored:
	case <-time.After(time.Second):
		c.Fatal("timed out waiting for error notification")
	}
	select {
	case ev := <-closed:
		c.Check(ev.status, qt.Equals, wsrpc.StatusInternalServerErr)
	case <-time.After(time.Second):
		c.Fatal("timed out waiting for close")
	}
}

func TestConnectionSendTextRefusesWhenNotOpen(t *testing.T) {
	c := qt.New(t)

	var conn *wsrpc.Connection
	ready := make(chan struct{})
	ts := newTestServer(t, func(cn *wsrpc.Connection) {
		conn = cn
		close(ready)
	})

	client := dial(c, ts.url)
	defer client.Close()
	<-ready

	conn.Close(wsrpc.StatusNormalClosure, "bye")
	ok, err := conn.SendText([]byte("hello"))
	c.Assert(err, qt.IsNil)
	c.Check(ok, qt.IsFalse)
}

func TestConnectionCloseIsIdempotent(t *testing.T) {
	c := qt.New(t)

	var calls int
	var conn *wsrpc.Connection
	ready := make(chan struct{})
	ts := newTestServer(t, func(cn *wsrpc.Connection) {
		conn = cn
		conn.OnClose(func(*wsrpc.Connection, int, string) {
			calls++
		})
		close(ready)
	})

	client := dial(c, ts.url)
	defer client.Close()
	<-ready

	conn.Close(wsrpc.StatusNormalClosure, "first")
	conn.Close(wsrpc.StatusNormalClosure, "second")

	c.Check(calls, qt.Equals, 1)
}

func waitFor(cond func() bool, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
