// Package rpcerr defines the error taxonomy shared by the router, registry,
// client and server packages.
package rpcerr

import "golang.org/x/xerrors"

// Sentinel errors. Every protocol-level failure in this module is one of
// these, or wraps one of these with xerrors.Errorf's %w verb so that
// errors.Is/errors.As keep working across package boundaries.
var (
	// ErrDuplicateRoute is returned when a route name collides within a registry.
	ErrDuplicateRoute = xerrors.New("rpcerr: a route with this name is already registered")

	// ErrDuplicateConnection is returned when an identifier is already present
	// on the server's connection table and no valid override key was given.
	ErrDuplicateConnection = xerrors.New("rpcerr: identifier already connected, provide the correct override key")

	// ErrUnknownRoute is returned by a remote's handler policy when the
	// requested route is not registered there. Surfaces to the caller as the
	// message carried by RequestFailed, not as this sentinel directly.
	ErrUnknownRoute = xerrors.New("rpcerr: route does not exist")

	// ErrUnknownClient is a server-side lookup miss on the connection table.
	ErrUnknownClient = xerrors.New("rpcerr: client is not currently connected")

	// ErrUnknownPacket covers decode/validation failures and responses with
	// no matching pending slot.
	ErrUnknownPacket = xerrors.New("rpcerr: packet is malformed or unrecognised")

	// ErrMissingReceiveHandler is logged by the Router when an inbound
	// request arrives but no receiver has been installed; that request gets
	// no response.
	ErrMissingReceiveHandler = xerrors.New("rpcerr: no receive handler registered")

	// ErrUnhandledWebsocketType covers any envelope/payload type an endpoint
	// does not expect in the position it arrived.
	ErrUnhandledWebsocketType = xerrors.New("rpcerr: unhandled websocket payload type")

	// ErrConnectionLost marks a pending slot failed because its Router shut
	// down: a terminal transport error on send or receive, or Close.
	ErrConnectionLost = xerrors.New("rpcerr: connection lost")

	// ErrRouterClosed is returned by Send/SendResponse once the Router has
	// transitioned to Closed.
	ErrRouterClosed = xerrors.New("rpcerr: router is closed")
)

// RequestFailed wraps a remote-supplied FAILURE_RESPONSE payload, carrying
// the remote's message.
type RequestFailed struct {
	Message string
}

func (e *RequestFailed) Error() string {
	return "rpcerr: request failed: " + e.Message
}

// NewRequestFailed builds a RequestFailed from an arbitrary FAILURE_RESPONSE
// payload, stringifying non-string payloads rather than rejecting them.
func NewRequestFailed(data any) *RequestFailed {
	if s, ok := data.(string); ok {
		return &RequestFailed{Message: s}
	}
	return &RequestFailed{Message: xerrors.Errorf("%v", data).Error()}
}
