// Package client implements the client side of the RPC connection: a single
// Router wrapping one WebSocket connection to a Server, an identify
// handshake on Start, a reconnect state machine on transport loss, and a
// RouteRegistry handling the Server's inbound CLIENT_REQUEST/REQUEST
// traffic.
package client

import (
	"context"
	"sync"

	"github.com/1ureka/wsrpc/internal/config"
	"github.com/1ureka/wsrpc/internal/protocol"
	"github.com/1ureka/wsrpc/internal/registry"
	"github.com/1ureka/wsrpc/internal/router"
	"github.com/1ureka/wsrpc/internal/rpcerr"
	"github.com/1ureka/wsrpc/internal/util"
	"github.com/segmentio/encoding/json"
)

// Client holds one Router, one identifier, and the RouteRegistry serving
// inbound requests from the Server.
type Client struct {
	cfg      config.ClientConfig
	registry *registry.RouteRegistry

	mu     sync.Mutex
	router *router.Router
	closed bool
}

// New builds a Client from cfg (defaults filled in via Normalize) using
// reg as its route registry. Pass registry.New() for a fresh registry, or
// call LoadDeferred on it beforehand to pull in routes registered via
// registry.Deferred.
func New(cfg config.ClientConfig, reg *registry.RouteRegistry) *Client {
	return &Client{
		cfg:      cfg.Normalize(),
		registry: reg,
	}
}

// Start opens the transport, runs the identify handshake, and returns once
// the server has acknowledged with its own IDENTIFY response.
func (c *Client) Start(ctx context.Context) error {
	r := router.New(c.cfg.Identifier)
	r.RegisterReceiver(c.handleInbound)

	identify := protocol.IdentifyData{SecretKey: c.cfg.SecretKey}
	if c.cfg.OverrideKey != "" {
		identify.OverrideKey = &c.cfg.OverrideKey
	}

	ackData, err := r.ConnectClient(ctx, c.cfg.DialURL(), protocol.Packet{Identifier: c.cfg.Identifier, Type: protocol.AppIdentify, Data: mustMarshal(identify)})
	if err != nil {
		return err
	}
	_ = ackData // the IDENTIFY ack carries no payload the client needs

	c.mu.Lock()
	c.router = r
	c.mu.Unlock()

	util.LogInfo("client %s: connected", c.cfg.Identifier)
	go c.watchForReconnect(ctx, r)
	return nil
}

// watchForReconnect waits for the current Router to close, then re-runs the
// handshake up to ReconnectAttemptCount times before giving up for good.
func (c *Client) watchForReconnect(ctx context.Context, r *router.Router) {
	<-r.BlockUntilClosed()

	c.mu.Lock()
	if c.closed || c.router != r {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	for attempt := 1; attempt <= c.cfg.ReconnectAttemptCount; attempt++ {
		util.LogWarning("client %s: connection lost, reconnect attempt %d/%d", c.cfg.Identifier, attempt, c.cfg.ReconnectAttemptCount)

		newRouter := router.New(c.cfg.Identifier)
		newRouter.RegisterReceiver(c.handleInbound)

		identify := protocol.IdentifyData{SecretKey: c.cfg.SecretKey}
		if c.cfg.OverrideKey != "" {
			identify.OverrideKey = &c.cfg.OverrideKey
		}

		if _, err := newRouter.ConnectClient(ctx, c.cfg.DialURL(), protocol.Packet{Identifier: c.cfg.Identifier, Type: protocol.AppIdentify, Data: mustMarshal(identify)}); err != nil {
			util.LogWarning("client %s: reconnect attempt %d failed: %v", c.cfg.Identifier, attempt, err)
			continue
		}

		c.mu.Lock()
		c.router = newRouter
		c.mu.Unlock()
		util.LogInfo("client %s: reconnected", c.cfg.Identifier)
		go c.watchForReconnect(ctx, newRouter)
		return
	}

	util.LogError("client %s: exhausted reconnect attempts, giving up", c.cfg.Identifier)
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Close stops the IPC client.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	r := c.router
	c.mu.Unlock()

	if r == nil {
		return nil
	}
	return r.Close()
}

// BlockUntilClosed returns the closed signal of the client's current
// connection: it releases when that connection's Router closes, or at once
// if the client has no connection. It does not wait for reconnect attempts;
// a connection made by a later reconnect has its own signal, returned by a
// later call.
func (c *Client) BlockUntilClosed() <-chan struct{} {
	c.mu.Lock()
	r := c.router
	c.mu.Unlock()
	if r == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return r.BlockUntilClosed()
}

// AddRoute registers handler under name on the client's own registry, so the
// server can invoke it as a REQUEST. Returns rpcerr.ErrDuplicateRoute
// if name is already taken.
func (c *Client) AddRoute(name string, handler registry.Handler) error {
	return c.registry.Add(name, handler)
}

// RemoveRoute deletes name from the client's registry. A no-op if absent.
func (c *Client) RemoveRoute(name string) {
	c.registry.Remove(name)
}

// BindInstance associates instance with handler under name, so a route
// declared as a method gets its receiver threaded through on dispatch.
func (c *Client) BindInstance(name string, instance any, handler registry.BoundHandler) error {
	return c.registry.BindInstance(name, instance, handler)
}

// Request makes a request to the server. Returns the SUCCESS_RESPONSE data,
// a *rpcerr.RequestFailed for a FAILURE_RESPONSE, or
// rpcerr.ErrUnhandledWebsocketType for anything else.
func (c *Client) Request(route string, args map[string]any) (any, error) {
	c.mu.Lock()
	r := c.router
	c.mu.Unlock()
	if r == nil {
		return nil, rpcerr.ErrRouterClosed
	}

	reqData, err := json.Marshal(protocol.RequestPacket{Route: route, Arguments: args})
	if err != nil {
		return nil, err
	}
	outer := protocol.Packet{
		Identifier: c.cfg.Identifier,
		Type:       protocol.AppClientRequest,
		Data:       reqData,
	}

	ch, err := r.Send(outer)
	if err != nil {
		return nil, err
	}
	result := <-ch
	if result.Err != nil {
		return nil, result.Err
	}

	var pkt protocol.Packet
	if err := json.Unmarshal(result.Data, &pkt); err != nil {
		return nil, rpcerr.ErrUnknownPacket
	}

	switch pkt.Type {
	case protocol.AppSuccess:
		var value any
		if err := json.Unmarshal(pkt.Data, &value); err != nil {
			return nil, err
		}
		return value, nil
	case protocol.AppFailure:
		var message any
		_ = json.Unmarshal(pkt.Data, &message)
		return nil, rpcerr.NewRequestFailed(message)
	default:
		return nil, rpcerr.ErrUnhandledWebsocketType
	}
}

// handleInbound is registered on the Router as the receive handler; it
// dispatches REQUEST packets from the server into the route registry.
func (c *Client) handleInbound(data json.RawMessage, reply router.ReplyFunc) {
	var pkt protocol.Packet
	if err := json.Unmarshal(data, &pkt); err != nil {
		util.LogWarning("client %s: malformed inbound packet: %v", c.cfg.Identifier, err)
		return
	}

	var reqData protocol.RequestPacket
	if err := json.Unmarshal(pkt.Data, &reqData); err != nil {
		util.LogWarning("client %s: malformed request data: %v", c.cfg.Identifier, err)
		return
	}

	handler, err := c.registry.Lookup(reqData.Route)
	if err != nil {
		_ = reply(protocol.Packet{
			Identifier: c.cfg.Identifier,
			Type:       protocol.AppFailure,
			Data:       mustMarshal(reqData.Route + " is not a valid route name."),
		})
		return
	}

	value, err := handler(reqData.Arguments)
	if err != nil {
		_ = reply(protocol.Packet{
			Identifier: c.cfg.Identifier,
			Type:       protocol.AppFailure,
			Data:       mustMarshal(err.Error()),
		})
		return
	}

	_ = reply(protocol.Packet{
		Identifier: c.cfg.Identifier,
		Type:       protocol.AppSuccess,
		Data:       mustMarshal(value),
	})
}

// mustMarshal marshals v to json.RawMessage, falling back to a literal null
// on the (unreachable for the value shapes this package produces) error
// path rather than propagating a marshal failure through a reply closure
// that has no error return path worth surfacing to the caller.
func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return raw
}
