// Package binder implements the local binder: it exposes the methods
// of a bound Go object to the remote peer. On each incoming request
// frame it resolves the named method, decodes the positional JSON
// arguments into the method's parameters, invokes it, and transmits a
// response envelope carrying the result or a serialized error.
//
// The method table is built once, at Bind time, by enumerating the
// target's exported methods with reflection and wrapping each as a
// rpcreflect.MethodCaller — the same reflection-driven dispatch
// technique used by the RPC layer this package is modeled on, adapted
// from a single named-struct parameter to the positional JSON-array
// arguments this wire protocol uses (see newMethodCaller).
package binder

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"unicode"
	"unicode/utf8"

	"github.com/juju/rpcreflect"
	"github.com/juju/zaputil/zapctx"
	"go.uber.org/zap"

	"github.com/valoni/websocket-rpc/internal/errors"
	"github.com/valoni/websocket-rpc/internal/servermon"
	"github.com/valoni/websocket-rpc/registry"
	"github.com/valoni/websocket-rpc/wsrpc"
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	awaiterType = reflect.TypeOf((*Awaiter)(nil)).Elem()
)

// An Awaiter is returned by a bound method that completes
// asynchronously. The dispatcher awaits it before transmitting the
// response, so a future-returning method is indistinguishable on the
// wire from a synchronous one: both produce exactly one response
// envelope.
type Awaiter interface {
	Await(ctx context.Context) (interface{}, error)
}

// A Binder is the local binder for one (connection, target object)
// pair: it dispatches incoming requests to target's methods. Construct
// with Bind.
type Binder struct {
	conn    *wsrpc.Connection
	target  interface{}
	methods map[string]rpcreflect.MethodCaller
}

// Bind builds a method table from target's exported methods, subscribes
// to conn's receive notification, and registers the binder in reg.
// Construction fails if conn already carries a local binder for an
// object of the same type, if two methods would collide on the same
// dispatch key, or if a method's signature cannot be adapted (an
// exported method must look like
// f([ctx context.Context,] [arg1 T1, arg2 T2, ...]) ([ResultT,] [error]);
// all parameters and return values are optional).
func Bind(conn *wsrpc.Connection, reg *registry.Registry, target interface{}) (*Binder, error) {
	const op = errors.Op("binder.Bind")

	targetType := reflect.TypeOf(target)
	for _, existing := range reg.AllForConnection(conn) {
		if lb, ok := existing.(*Binder); ok && reflect.TypeOf(lb.target) == targetType {
			return nil, errors.E(op, fmt.Sprintf("connection already has a local binder for %s", targetType))
		}
	}

	methods, err := buildMethodTable(target)
	if err != nil {
		return nil, errors.E(op, err)
	}
	b := &Binder{conn: conn, target: target, methods: methods}
	conn.OnReceive(b.handleReceive)
	conn.OnClose(func(*wsrpc.Connection, int, string) { reg.Unregister(b) })
	reg.Register(b)
	return b, nil
}

// Connection implements wsrpc.Binder.
func (b *Binder) Connection() *wsrpc.Connection { return b.conn }

// Target returns the bound object, for registry object-identity
// filtering (remote.RemoteOfTypeBoundTo).
func (b *Binder) Target() interface{} { return b.target }

func (b *Binder) handleReceive(conn *wsrpc.Connection, data []byte, isText bool) {
	if !isText {
		return
	}
	req, ok := wsrpc.ParseRequest(data)
	if !ok {
		return
	}
	go b.dispatch(context.Background(), req)
}

func (b *Binder) dispatch(ctx context.Context, req wsrpc.Request) {
	mc, ok := b.methods[req.FunctionName]
	if !ok {
		servermon.DispatchedCalls.WithLabelValues("method_not_found").Inc()
		b.respondError(ctx, req.CallID, fmt.Sprintf("method not found: %s", req.FunctionName))
		return
	}

	argVal, err := decodeArguments(mc.ParamsType(), req.Arguments)
	if err != nil {
		servermon.DispatchedCalls.WithLabelValues("argument_decode_error").Inc()
		b.respondError(ctx, req.CallID, err.Error())
		return
	}

	result, err := mc.Call(ctx, "", argVal)
	if err != nil {
		servermon.DispatchedCalls.WithLabelValues("method_error").Inc()
		b.respondError(ctx, req.CallID, err.Error())
		return
	}

	value, err := awaitIfNeeded(ctx, result)
	if err != nil {
		servermon.DispatchedCalls.WithLabelValues("method_error").Inc()
		b.respondError(ctx, req.CallID, err.Error())
		return
	}

	servermon.DispatchedCalls.WithLabelValues("success").Inc()
	b.respondSuccess(ctx, req.CallID, value)
}

func awaitIfNeeded(ctx context.Context, result reflect.Value) (interface{}, error) {
	if !result.IsValid() {
		return nil, nil
	}
	if result.Type().Implements(awaiterType) {
		return result.Interface().(Awaiter).Await(ctx)
	}
	return result.Interface(), nil
}

func (b *Binder) respondSuccess(ctx context.Context, callID string, result interface{}) {
	data, err := wsrpc.MarshalSuccessResponse(callID, result)
	if err != nil {
		b.respondError(ctx, callID, err.Error())
		return
	}
	if _, err := b.conn.SendText(data); err != nil {
		zapctx.Error(ctx, "failed to send rpc response", zap.String("callId", callID), zap.Error(err))
		b.conn.Close(wsrpc.StatusInternalServerErr, err.Error())
	}
}

func (b *Binder) respondError(ctx context.Context, callID string, message string) {
	data, err := wsrpc.MarshalErrorResponse(callID, message)
	if err != nil {
		zapctx.Error(ctx, "failed to encode rpc error response", zap.Error(err))
		return
	}
	if _, err := b.conn.SendText(data); err != nil {
		zapctx.Error(ctx, "failed to send rpc error response", zap.String("callId", callID), zap.Error(err))
		b.conn.Close(wsrpc.StatusInternalServerErr, err.Error())
	}
}

// decodeArguments JSON-decodes args positionally into a new instance of
// paramsType, a struct generated by newMethodCaller with one field per
// method parameter.
func decodeArguments(paramsType reflect.Type, args []json.RawMessage) (reflect.Value, error) {
	const op = errors.Op("binder.decodeArguments")

	n := paramsType.NumField()
	if len(args) != n {
		return reflect.Value{}, errors.E(op, errors.CodeArgumentDecode, fmt.Sprintf("expected %d argument(s), got %d", n, len(args)))
	}
	v := reflect.New(paramsType).Elem()
	for i := 0; i < n; i++ {
		if err := json.Unmarshal(args[i], v.Field(i).Addr().Interface()); err != nil {
			return reflect.Value{}, errors.E(op, errors.CodeArgumentDecode, err)
		}
	}
	return v, nil
}

// buildMethodTable enumerates target's exported methods and wraps each
// as a rpcreflect.MethodCaller keyed by its dispatch name: the Go
// method name with its first rune lower-cased, matching the
// camelCase functionName convention on the wire.
func buildMethodTable(target interface{}) (map[string]rpcreflect.MethodCaller, error) {
	v := reflect.ValueOf(target)
	t := v.Type()

	table := make(map[string]rpcreflect.MethodCaller, t.NumMethod())
	for i := 0; i < t.NumMethod(); i++ {
		m := t.Method(i)
		if m.PkgPath != "" {
			continue // unexported
		}
		name := dispatchName(m.Name)
		if _, dup := table[name]; dup {
			return nil, fmt.Errorf("overloaded method name %q", name)
		}
		mc, err := newMethodCaller(v.MethodByName(m.Name))
		if err != nil {
			return nil, fmt.Errorf("method %s: %w", m.Name, err)
		}
		table[name] = mc
	}
	return table, nil
}

func dispatchName(name string) string {
	r, size := utf8.DecodeRuneInString(name)
	if r == utf8.RuneError {
		return name
	}
	return string(unicode.ToLower(r)) + name[size:]
}

// methodCaller adapts one bound Go method to rpcreflect.MethodCaller.
// Its parameters (after an optional leading context.Context) are
// packed into a generated struct type, one field per parameter, so a
// positional JSON arguments array can be decoded field-by-field by
// decodeArguments.
type methodCaller struct {
	fn         reflect.Value
	hasContext bool
	paramsType reflect.Type
	resultType reflect.Type
	hasResult  bool
	hasError   bool
}

func (m methodCaller) ParamsType() reflect.Type { return m.paramsType }
func (m methodCaller) ResultType() reflect.Type { return m.resultType }

// Call implements rpcreflect.MethodCaller. objID is unused: the spec's
// local binder addresses a single bound object per binder, unlike the
// multi-facade addressing rpcreflect.MethodCaller was designed for.
func (m methodCaller) Call(ctx context.Context, _ string, arg reflect.Value) (reflect.Value, error) {
	in := make([]reflect.Value, 0, m.paramsType.NumField()+1)
	if m.hasContext {
		in = append(in, reflect.ValueOf(ctx))
	}
	for i := 0; i < m.paramsType.NumField(); i++ {
		in = append(in, arg.Field(i))
	}

	out := m.fn.Call(in)

	var n int
	var result reflect.Value
	var err error
	if m.hasResult {
		result = out[n]
		n++
	}
	if m.hasError {
		if !out[n].IsNil() {
			err = out[n].Interface().(error)
		}
	}
	return result, err
}

func newMethodCaller(fn reflect.Value) (methodCaller, error) {
	t := fn.Type()

	var n int
	hasContext := t.NumIn() > n && t.In(n) == contextType
	if hasContext {
		n++
	}

	var fields []reflect.StructField
	for ; n < t.NumIn(); n++ {
		fields = append(fields, reflect.StructField{
			Name: fmt.Sprintf("Arg%d", len(fields)),
			Type: t.In(n),
		})
	}
	paramsType := reflect.TypeOf(struct{}{})
	if len(fields) > 0 {
		paramsType = reflect.StructOf(fields)
	}

	var resultType reflect.Type
	hasResult := t.NumOut() > 0 && t.Out(0) != errorType
	outN := 0
	if hasResult {
		resultType = t.Out(0)
		outN++
	}
	hasError := t.NumOut() > outN
	if hasError {
		if t.Out(outN) != errorType {
			return methodCaller{}, fmt.Errorf("return value %d must be error", outN)
		}
		outN++
	}
	if outN != t.NumOut() {
		return methodCaller{}, fmt.Errorf("invalid signature")
	}

	return methodCaller{
		fn:         fn,
		hasContext: hasContext,
		paramsType: paramsType,
		resultType: resultType,
		hasResult:  hasResult,
		hasError:   hasError,
	}, nil
}
