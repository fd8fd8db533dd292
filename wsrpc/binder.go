package wsrpc

// A Binder is implemented by both the local binder (binder.Binder) and
// the remote binder (remote.Binder) so the registry package can track
// both uniformly, regardless of call direction.
type Binder interface {
	// Connection returns the Connection this binder was constructed
	// against.
	Connection() *Connection
}
