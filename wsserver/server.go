// Package wsserver provides the http.Handler that upgrades incoming
// requests to WebSocket connections and drives their Connection.Serve
// loop, modeled on the upgrade-then-delegate handler this library's
// RPC transport was built from (internal/jimmhttp.WSHandler).
package wsserver

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/zaputil/zapctx"
	"go.uber.org/zap"

	"github.com/valoni/websocket-rpc/wsrpc"
)

// OnConnect is called once per accepted connection, after the
// Connection is constructed but before Serve starts its receive loop,
// so the caller can install binders (binder.Bind, remote.Bind) ahead
// of the first frame.
type OnConnect func(ctx context.Context, conn *wsrpc.Connection)

// A Handler is an http.Handler that upgrades every request to a
// WebSocket and runs a wsrpc.Connection over it. The zero value is not
// usable; construct with New.
type Handler struct {
	upgrader  websocket.Upgrader
	onConnect OnConnect
	cfg       wsrpc.Config

	mu    sync.Mutex
	conns map[*wsrpc.Connection]struct{}
}

// New returns a Handler that upgrades connections and invokes onConnect
// for each one before serving it. cfg configures every Connection the
// handler constructs; the zero Config uses package defaults.
func New(onConnect OnConnect, cfg wsrpc.Config) *Handler {
	return &Handler{onConnect: onConnect, cfg: cfg, conns: make(map[*wsrpc.Connection]struct{})}
}

// Shutdown closes every connection currently being served by h. It does
// not wait for their Serve loops to return; callers that need that
// should pair Shutdown with their own http.Server.Shutdown, which
// blocks until ServeHTTP has returned for every in-flight request.
func (h *Handler) Shutdown(status int, reason string) {
	h.mu.Lock()
	live := make([]*wsrpc.Connection, 0, len(h.conns))
	for c := range h.conns {
		live = append(live, c)
	}
	h.mu.Unlock()
	for _, c := range live {
		c.Close(status, reason)
	}
}

func (h *Handler) track(c *wsrpc.Connection) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Handler) untrack(c *wsrpc.Connection) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

// CheckOrigin installs a custom origin check on the handler's upgrader,
// matching gorilla/websocket's escape hatch for cross-origin browser
// clients.
func (h *Handler) CheckOrigin(f func(*http.Request) bool) {
	h.upgrader.CheckOrigin = f
}

// ServeHTTP implements http.Handler by upgrading the request, wiring up
// the connection, and blocking for the lifetime of the socket.
func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()

	cookies := make(map[string]string)
	for _, ck := range req.Cookies() {
		cookies[ck.Name] = ck.Value
	}

	raw, err := h.upgrader.Upgrade(w, req, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		zapctx.Error(ctx, "cannot upgrade websocket", zap.Error(err))
		return
	}
	defer raw.Close()
	defer func() {
		if rec := recover(); rec != nil {
			zapctx.Error(ctx, "websocket handler panic", zap.Any("panic", rec), zap.Stack("stack"))
			data := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, fmt.Sprintf("%v", rec))
			_ = raw.WriteControl(websocket.CloseMessage, data, time.Now().Add(5*time.Second))
		}
	}()

	conn := wsrpc.NewConnection(raw, cookies, h.cfg)
	h.track(conn)
	defer h.untrack(conn)
	if h.onConnect != nil {
		h.onConnect(ctx, conn)
	}
	conn.Serve(ctx)
}
