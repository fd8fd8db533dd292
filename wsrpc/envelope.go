// Package wsrpc implements a bidirectional JSON-RPC protocol over a
// single WebSocket connection. Application code binds a local object
// (to let the remote peer invoke its methods) and/or binds a remote
// interface (to invoke methods executing on the remote peer); see the
// binder and remote packages.
package wsrpc

import "encoding/json"

// A Request is the wire envelope for a method invocation. It is
// addressed positionally: Arguments[i] corresponds to the i-th
// parameter of the named method.
type Request struct {
	FunctionName string            `json:"functionName,omitempty"`
	Arguments    []json.RawMessage `json:"arguments,omitempty"`
	CallID       string            `json:"callId,omitempty"`
}

// isEmpty reports whether r carries none of the fields that make a
// frame a request (functionName, arguments); an empty Request means
// "this frame is not a request" per the wire contract. callId alone
// does not count, since responses carry it too.
func (r Request) isEmpty() bool {
	return r.FunctionName == "" && r.Arguments == nil
}

// A Response is the wire envelope for the reply to a Request. Exactly
// one of ReturnValue or Error is meaningful: ReturnValue on success
// (json "null" for a void method), Error (non-empty) on failure.
type Response struct {
	CallID      string          `json:"callId,omitempty"`
	ReturnValue json.RawMessage `json:"returnValue,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// isEmpty reports whether r carries none of the fields that make a
// frame a response (returnValue, error); callId alone does not count,
// since requests carry it too.
func (r Response) isEmpty() bool {
	return r.ReturnValue == nil && r.Error == ""
}

// ParseRequest parses text as a Request envelope. If text does not
// parse as JSON, or parses but carries none of a request's fields, the
// returned Request is the zero value and ok is false.
func ParseRequest(text []byte) (req Request, ok bool) {
	if err := json.Unmarshal(text, &req); err != nil {
		return Request{}, false
	}
	if req.isEmpty() {
		return Request{}, false
	}
	return req, true
}

// ParseResponse parses text as a Response envelope. If text does not
// parse as JSON, or parses but carries none of a response's fields, the
// returned Response is the zero value and ok is false.
func ParseResponse(text []byte) (resp Response, ok bool) {
	if err := json.Unmarshal(text, &resp); err != nil {
		return Response{}, false
	}
	if resp.isEmpty() {
		return Response{}, false
	}
	return resp, true
}

// IsRPCMessage reports whether text parses as a non-empty Request or a
// non-empty Response. Frames for which this is false are passed
// through to the connection's Receive notification unchanged, so a
// single connection may carry both RPC and opaque application traffic.
func IsRPCMessage(text []byte) bool {
	if _, ok := ParseRequest(text); ok {
		return true
	}
	_, ok := ParseResponse(text)
	return ok
}

// MarshalRequest encodes a request envelope.
func MarshalRequest(functionName string, callID string, args []interface{}) ([]byte, error) {
	raw := make([]json.RawMessage, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, err
		}
		raw[i] = b
	}
	return json.Marshal(Request{
		FunctionName: functionName,
		Arguments:    raw,
		CallID:       callID,
	})
}

// MarshalSuccessResponse encodes a successful response envelope. A nil
// result marshals to the JSON null returnValue required for void
// methods.
func MarshalSuccessResponse(callID string, result interface{}) ([]byte, error) {
	rv, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Response{
		CallID:      callID,
		ReturnValue: rv,
	})
}

// MarshalErrorResponse encodes a failure response envelope. message
// must be non-empty; an empty error string would make the envelope
// indistinguishable from "not a response" on the wire.
func MarshalErrorResponse(callID string, message string) ([]byte, error) {
	return json.Marshal(Response{
		CallID: callID,
		Error:  message,
	})
}
