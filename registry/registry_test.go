package registry_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/gorilla/websocket"

	"github.com/valoni/websocket-rpc/registry"
	"github.com/valoni/websocket-rpc/wsrpc"
)

type fakeBinder struct {
	conn *wsrpc.Connection
}

func (f *fakeBinder) Connection() *wsrpc.Connection { return f.conn }

func newTestConnection(t *testing.T) *wsrpc.Connection {
	var upgrader websocket.Upgrader
	connCh := make(chan *wsrpc.Connection, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		connCh <- wsrpc.NewConnection(raw, nil, wsrpc.DefaultConfig())
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return <-connCh
}

func TestRegistrySnapshotIsolation(t *testing.T) {
	c := qt.New(t)

	reg := registry.New()
	b1 := &fakeBinder{conn: newTestConnection(t)}
	b2 := &fakeBinder{conn: newTestConnection(t)}
	reg.Register(b1)
	reg.Register(b2)

	snap := reg.Snapshot()
	c.Assert(snap, qt.HasLen, 2)

	reg.Register(&fakeBinder{conn: newTestConnection(t)})
	c.Check(snap, qt.HasLen, 2) // earlier snapshot unaffected by later registration
}

func TestRegistryUnregister(t *testing.T) {
	c := qt.New(t)

	reg := registry.New()
	b := &fakeBinder{conn: newTestConnection(t)}
	reg.Register(b)
	c.Assert(reg.Snapshot(), qt.HasLen, 1)

	reg.Unregister(b)
	c.Check(reg.Snapshot(), qt.HasLen, 0)
}

func TestRegistryAllForConnection(t *testing.T) {
	c := qt.New(t)

	reg := registry.New()
	conn := newTestConnection(t)
	b1 := &fakeBinder{conn: conn}
	b2 := &fakeBinder{conn: conn}
	other := &fakeBinder{conn: newTestConnection(t)}
	reg.Register(b1)
	reg.Register(b2)
	reg.Register(other)

	got := reg.AllForConnection(conn)
	c.Assert(got, qt.HasLen, 2)
	c.Check(got, qt.Contains, wsrpc.Binder(b1))
	c.Check(got, qt.Contains, wsrpc.Binder(b2))
}

func TestRegistryRegisterIsIdempotent(t *testing.T) {
	c := qt.New(t)

	reg := registry.New()
	b := &fakeBinder{conn: newTestConnection(t)}
	reg.Register(b)
	reg.Register(b)
	c.Check(reg.Snapshot(), qt.HasLen, 1)
}
