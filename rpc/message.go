package rpc

// envelope is the wire shape shared by requests, notifications, and
// replies: an object with an optional numeric id, a string method, and
// a params object; a reply carries the same id and either result or
// error. One struct models all three because a connection's single
// incoming frame can be any of them and the dispatcher must look at
// what's present to decide which.
type envelope struct {
	ID     *uint32        `codec:"id,omitempty" json:"id,omitempty"`
	Method string         `codec:"method,omitempty" json:"method,omitempty"`
	Params map[string]any `codec:"params,omitempty" json:"params,omitempty"`
	Result any            `codec:"result,omitempty" json:"result,omitempty"`
	Error  *WireError     `codec:"error,omitempty" json:"error,omitempty"`
}

// WireError is the serialized form of a handler-domain error (see the
// rpcerr package).
type WireError struct {
	Code    string `codec:"code" json:"code"`
	Message string `codec:"message" json:"message"`
}

func (e *WireError) Error() string { return e.Code + ": " + e.Message }

// isReply reports whether this envelope is a reply to one of our own
// outbound calls rather than an inbound request or notification. A reply
// never carries a method name.
func (e *envelope) isReply() bool { return e.Method == "" }

// isNotification reports whether this envelope, taken as an inbound
// request, expects no response.
func (e *envelope) isNotification() bool { return e.ID == nil }
