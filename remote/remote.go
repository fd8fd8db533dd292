// Package remote implements the remote binder: it lets application
// code invoke methods exposed by the peer's local binder, correlating
// each request with its eventual response by a generated callId.
//
// Type-specific convenience queries over the registry (RemoteOfType,
// RemoteOfTypeBoundTo, CallMany) live here rather than in the registry
// package: they need to import both registry and binder, and both of
// those packages need to import registry to self-register, so placing
// generic type-aware helpers in registry itself would create an import
// cycle. See DESIGN.md.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/zaputil/zapctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/valoni/websocket-rpc/binder"
	"github.com/valoni/websocket-rpc/internal/errors"
	"github.com/valoni/websocket-rpc/internal/servermon"
	"github.com/valoni/websocket-rpc/registry"
	"github.com/valoni/websocket-rpc/wsrpc"
)

// callResult carries the outcome of one pending call back to its
// waiting goroutine.
type callResult struct {
	raw json.RawMessage
	err error
}

type waiter struct {
	resultCh chan callResult
}

// A Binder is the remote binder for one connection: it sends request
// envelopes and resolves the matching response envelope to the
// goroutine that sent it. Construct with Bind.
type Binder struct {
	conn             *wsrpc.Connection
	reg              *registry.Registry
	interfaceType    reflect.Type
	terminationDelay time.Duration

	mu      sync.Mutex
	pending map[string]*waiter
	closed  bool
}

// Bind constructs a Binder of the given interface type I bound to conn,
// subscribes it to conn's receive and close notifications, and
// registers it in reg. terminationDelay bounds how long Call waits for
// a response before giving up with errors.CodeCancellation; zero means
// wait only as long as ctx allows.
//
// Bind panics if conn already carries a remote binder for interface
// type I: the spec's data-model invariant is "at most one remote
// binder per (connection, interface type)", and a caller violating it
// has a wiring bug that should surface immediately rather than
// silently returning a second, shadow binder.
func Bind[I any](conn *wsrpc.Connection, reg *registry.Registry, terminationDelay time.Duration) *Binder {
	interfaceType := reflect.TypeOf((*I)(nil)).Elem()
	for _, existing := range reg.AllForConnection(conn) {
		if rb, ok := existing.(*Binder); ok && rb.interfaceType == interfaceType {
			panic(fmt.Sprintf("remote.Bind: connection already has a remote binder for %s", interfaceType))
		}
	}

	b := &Binder{
		conn:             conn,
		reg:              reg,
		interfaceType:    interfaceType,
		terminationDelay: terminationDelay,
		pending:          make(map[string]*waiter),
	}
	conn.OnReceive(b.handleReceive)
	conn.OnClose(b.handleClose)
	reg.Register(b)
	return b
}

// Connection implements wsrpc.Binder.
func (b *Binder) Connection() *wsrpc.Connection { return b.conn }

// InterfaceType returns the interface type this binder was bound for,
// for registry filtering by type (RemoteOfType).
func (b *Binder) InterfaceType() reflect.Type { return b.interfaceType }

func (b *Binder) handleReceive(conn *wsrpc.Connection, data []byte, isText bool) {
	if !isText {
		return
	}
	resp, ok := wsrpc.ParseResponse(data)
	if !ok {
		return
	}
	b.resolve(resp)
}

// resolve looks up and removes the waiter for resp.CallID under b.mu:
// deleting the map entry before resolving it is what makes a
// timeout/resolve race first-writer-wins — whichever of resolve and
// Call's own timeout path deletes the entry is the one that gets to
// act on it; the loser finds nothing and does nothing.
func (b *Binder) resolve(resp wsrpc.Response) {
	b.mu.Lock()
	w, ok := b.pending[resp.CallID]
	if ok {
		delete(b.pending, resp.CallID)
	}
	b.mu.Unlock()
	if !ok {
		return
	}
	servermon.PendingCalls.Dec()

	if resp.Error != "" {
		servermon.RemoteCallResults.WithLabelValues("remote_error").Inc()
		w.resultCh <- callResult{err: errors.E(errors.Op("remote.Binder.Call"), errors.CodeRemoteError, resp.Error)}
		return
	}
	servermon.RemoteCallResults.WithLabelValues("success").Inc()
	w.resultCh <- callResult{raw: resp.ReturnValue}
}

func (b *Binder) handleClose(conn *wsrpc.Connection, status int, reason string) {
	b.mu.Lock()
	b.closed = true
	pending := b.pending
	b.pending = make(map[string]*waiter)
	b.mu.Unlock()

	b.reg.Unregister(b)

	err := errors.E(errors.Op("remote.Binder.Call"), errors.CodeConnectionClosed, "connection closed")
	for _, w := range pending {
		servermon.PendingCalls.Dec()
		servermon.RemoteCallResults.WithLabelValues("connection_closed").Inc()
		w.resultCh <- callResult{err: err}
	}
}

// Call invokes method on the peer with the given positional args and
// decodes the response's returnValue into a new value of resultType.
// If resultType is nil, the returned reflect.Value is the zero Value
// and only the error is meaningful (a void call).
//
// Call blocks until a response arrives, ctx is canceled, or the
// binder's termination delay elapses, whichever comes first.
func (b *Binder) Call(ctx context.Context, method string, args []interface{}, resultType reflect.Type) (reflect.Value, error) {
	const op = errors.Op("remote.Binder.Call")

	callID := uuid.NewString()
	w := &waiter{resultCh: make(chan callResult, 1)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return reflect.Value{}, errors.E(op, errors.CodeConnectionClosed, "connection closed")
	}
	b.pending[callID] = w
	b.mu.Unlock()
	servermon.PendingCalls.Inc()

	removeWaiter := func() bool {
		b.mu.Lock()
		_, ok := b.pending[callID]
		delete(b.pending, callID)
		b.mu.Unlock()
		return ok
	}

	data, err := wsrpc.MarshalRequest(method, callID, args)
	if err != nil {
		removeWaiter()
		servermon.PendingCalls.Dec()
		return reflect.Value{}, errors.E(op, errors.CodeSendFailure, err)
	}
	if ok, err := b.conn.SendText(data); err != nil || !ok {
		removeWaiter()
		servermon.PendingCalls.Dec()
		if err != nil {
			return reflect.Value{}, errors.E(op, errors.CodeSendFailure, err)
		}
		return reflect.Value{}, errors.E(op, errors.CodeConnectionClosed, "connection not open")
	}

	var timeoutCh <-chan time.Time
	if b.terminationDelay > 0 {
		timer := time.NewTimer(b.terminationDelay)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	var res callResult
	select {
	case res = <-w.resultCh:
	case <-timeoutCh:
		if removeWaiter() {
			servermon.PendingCalls.Dec()
			servermon.RemoteCallResults.WithLabelValues("cancellation").Inc()
			zapctx.Debug(ctx, "remote call timed out", zap.String("method", method), zap.String("callId", callID))
			return reflect.Value{}, errors.E(op, errors.CodeCancellation, "call timed out")
		}
		res = <-w.resultCh
	case <-ctx.Done():
		if removeWaiter() {
			servermon.PendingCalls.Dec()
			servermon.RemoteCallResults.WithLabelValues("cancellation").Inc()
			return reflect.Value{}, errors.E(op, errors.CodeCancellation, ctx.Err())
		}
		res = <-w.resultCh
	}
	if res.err != nil {
		return reflect.Value{}, res.err
	}
	return decodeResult(res.raw, resultType)
}

func decodeResult(raw json.RawMessage, resultType reflect.Type) (reflect.Value, error) {
	const op = errors.Op("remote.decodeResult")
	if resultType == nil {
		return reflect.Value{}, nil
	}
	v := reflect.New(resultType)
	if len(raw) == 0 || string(raw) == "null" {
		return v.Elem(), nil
	}
	if err := json.Unmarshal(raw, v.Interface()); err != nil {
		return reflect.Value{}, errors.E(op, errors.CodeDecodeError, err)
	}
	return v.Elem(), nil
}

// CallAs invokes method on b and decodes the result as a T, a
// convenience wrapper around Call for callers that don't need to work
// with reflect.Value directly.
func CallAs[T any](ctx context.Context, b *Binder, method string, args ...interface{}) (T, error) {
	var zero T
	v, err := b.Call(ctx, method, args, reflect.TypeOf(zero))
	if err != nil {
		return zero, err
	}
	if !v.IsValid() {
		return zero, nil
	}
	return v.Interface().(T), nil
}

// CallVoid invokes method on b, discarding any result.
func CallVoid(ctx context.Context, b *Binder, method string, args ...interface{}) error {
	_, err := b.Call(ctx, method, args, nil)
	return err
}

// RemoteOfType returns every remote binder in reg bound for interface
// type I.
func RemoteOfType[I any](reg *registry.Registry) []*Binder {
	want := reflect.TypeOf((*I)(nil)).Elem()
	var out []*Binder
	for _, bnd := range reg.Snapshot() {
		rb, ok := bnd.(*Binder)
		if !ok || rb.interfaceType != want {
			continue
		}
		out = append(out, rb)
	}
	return out
}

// RemoteOfTypeBoundTo returns every remote binder in reg bound for
// interface type I on the same connection as a local binder.Binder
// whose bound target is obj (compared by ==).
func RemoteOfTypeBoundTo[I any](reg *registry.Registry, obj interface{}) []*Binder {
	var out []*Binder
	for _, rb := range RemoteOfType[I](reg) {
		for _, bnd := range reg.AllForConnection(rb.Connection()) {
			lb, ok := bnd.(*binder.Binder)
			if ok && lb.Target() == obj {
				out = append(out, rb)
				break
			}
		}
	}
	return out
}

// CallMany invokes method concurrently on every binder in binders and
// returns the decoded T results of the calls that succeeded; a failed
// or canceled call is silently dropped rather than aborting the
// others, since a broadcast's purpose is to reach every reachable
// peer, not to require all of them.
func CallMany[T any](ctx context.Context, binders []*Binder, method string, args ...interface{}) []T {
	results := make([]T, len(binders))
	ok := make([]bool, len(binders))

	g, gctx := errgroup.WithContext(ctx)
	for i, b := range binders {
		i, b := i, b
		g.Go(func() error {
			v, err := CallAs[T](gctx, b, method, args...)
			if err != nil {
				zapctx.Debug(ctx, "callMany call failed", zap.String("method", method), zap.Error(err))
				return nil
			}
			results[i] = v
			ok[i] = true
			return nil
		})
	}
	_ = g.Wait()

	out := make([]T, 0, len(binders))
	for i, v := range results {
		if ok[i] {
			out = append(out, v)
		}
	}
	return out
}

// CallManyVoid invokes method concurrently on every binder in binders,
// discarding results and silently dropping failures, as CallMany does.
func CallManyVoid(ctx context.Context, binders []*Binder, method string, args ...interface{}) {
	var g errgroup.Group
	for _, b := range binders {
		b := b
		g.Go(func() error {
			if err := CallVoid(ctx, b, method, args...); err != nil {
				zapctx.Debug(ctx, "callManyVoid call failed", zap.String("method", method), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}
