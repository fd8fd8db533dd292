// Package errors contains the error types shared by the wsrpc packages.
//
// It follows the op/code/wrap pattern: every returned error carries the
// operation that produced it, an optional machine-readable code, and
// the underlying cause.
package errors

import (
	"fmt"

	"github.com/juju/zaputil/zapctx"
	"go.uber.org/zap"
)

// An Error is an error produced by the wsrpc packages.
type Error struct {
	// Op is the operation that errored.
	Op Op

	// Code is a code attached to the error.
	Code Code

	// Message is a human-readable error description.
	Message string

	// Err contains the underlying error, if there is one.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	if e.Code != "" {
		return string(e.Code)
	}
	return "unknown error"
}

// Unwrap implements the Unwrap method used by errors.Unwrap.
func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorCode returns the value of this error's Code.
func (e *Error) ErrorCode() string {
	return string(e.Code)
}

// E constructs errors for use throughout wsrpc. An error is constructed
// by processing the given arguments. The meaning of the arguments is as
// follows:
//
//     errors.Op   - string representation of the operation being
//                   performed.
//     errors.Code - string code classifying the error.
//     error       - underlying error that caused the new error.
//     string      - A human readable message describing the error.
//
// E will panic if no arguments are provided.
func E(args ...interface{}) error {
	if len(args) == 0 {
		panic("call to errors.E with no arguments")
	}
	var setCode bool
	var e Error
	for _, arg := range args {
		switch v := arg.(type) {
		case Op:
			e.Op = v
		case Code:
			setCode = true
			e.Code = v
		case error:
			e.Err = v
		case string:
			e.Message = v
		default:
			zapctx.Default.DPanic("unknown type passed to errors.E", zap.String("type", fmt.Sprintf("%T", arg)), zap.Any("value", arg))
			return fmt.Errorf("unknown type (%T) passed to errors.E", arg)
		}
	}
	if setCode {
		return &e
	}
	// the caller didn't explicitly set the code for this error, attempt
	// to copy the code from the wrapped error.
	if ec, ok := e.Err.(interface{ ErrorCode() string }); ok {
		e.Code = Code(ec.ErrorCode())
	}
	return &e
}

// An Op describes the operation being performed that caused the error.
type Op string

// A Code is a code which describes the class of error. These map onto
// the error kinds produced by the RPC layer: a failed remote call
// surfaces one of these to the caller. The local dispatcher puts only
// an error's message text in the response envelope's error field, not
// its code.
type Code string

const (
	// CodeMethodNotFound names the case of a requested functionName
	// with no matching bound method. The local binder reports that case
	// as the plain string "method not found: <name>" and does not
	// construct an error with this code.
	CodeMethodNotFound Code = "method not found"
	// CodeArgumentDecode is used by the local binder when a request
	// argument cannot be decoded into the target parameter type.
	CodeArgumentDecode Code = "argument decode error"
	// CodeRemoteError means the peer's dispatcher returned a non-empty
	// error string in its response envelope.
	CodeRemoteError Code = "remote error"
	// CodeDecodeError means a response's returnValue could not be
	// decoded into the caller's expected type.
	CodeDecodeError Code = "decode error"
	// CodeCancellation means the call's termination delay elapsed
	// before a response arrived.
	CodeCancellation Code = "cancellation"
	// CodeConnectionClosed means the connection closed while the call
	// was still pending.
	CodeConnectionClosed Code = "connection closed"
	// CodeSendFailure means the request envelope could not be handed to
	// the socket.
	CodeSendFailure Code = "send failure"
	// CodeMessageTooBig means a frame met or exceeded MaxMessageSize.
	CodeMessageTooBig Code = "message too big"
	// CodeInternal is used for unexpected, unclassified failures.
	CodeInternal Code = "internal error"
)

// ErrorCode returns the error code from the given error.
func ErrorCode(err error) Code {
	e, ok := err.(*Error)
	if !ok {
		return ""
	}
	return e.Code
}
