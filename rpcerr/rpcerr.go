// Package rpcerr defines the handler-domain error kinds surfaced as RPC
// error replies. Each carries a stable Code that a remote client can
// switch on.
package rpcerr

// Error is a handler-domain error: it terminates the call with an error
// reply but never the connection. Contrast with an error that is not an
// *Error — the dispatcher treats those as unexpected and reports them
// under a generic "Internal" code, reserved for things this package
// does not model, such as a failed serialization.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return e.Message }

// New constructs a handler-domain error with the given code and message.
func New(code, message string) *Error { return &Error{Code: code, Message: message} }

var (
	// ErrNoAttachedServer is returned when a handler needs the editor
	// server for this connection but none has been attached yet.
	ErrNoAttachedServer = &Error{Code: "NoAttachedServer", Message: "no server is attached to this connection"}

	// ErrMismatchedLaunchMode is returned by serve when an editor server
	// is already running in a different launch mode than requested.
	ErrMismatchedLaunchMode = &Error{Code: "MismatchedLaunchMode", Message: "server is already running in a different launch mode"}

	// ErrInvalidRPCData is returned when an incoming frame cannot be
	// decoded into the shape a handler expects.
	ErrInvalidRPCData = &Error{Code: "InvalidRpcData", Message: "invalid rpc data"}

	// ErrBridgeExists is returned when serve is called twice with the
	// same socket_id on one connection: this implementation rejects
	// rather than replaces the existing bridge.
	ErrBridgeExists = &Error{Code: "BridgeExists", Message: "a bridge is already attached for this socket id"}

	// ErrMethodNotFound is returned for a request naming an unregistered
	// method.
	ErrMethodNotFound = &Error{Code: "MethodNotFound", Message: "method not found"}

	// ErrRateLimited is returned when a method configured with
	// rpc.Dispatcher.WithRateLimit rejects a call (see golang.org/x/time/rate usage
	// in the rpc package).
	ErrRateLimited = &Error{Code: "RateLimited", Message: "rate limit exceeded"}
)
