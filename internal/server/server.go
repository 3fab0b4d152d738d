// Package server implements the host side of the RPC connection: a
// connection table keyed by client identifier, the IDENTIFY admission gate,
// single-target and fan-out request dispatch, and a RouteRegistry handling
// the server's own inbound REQUEST/CLIENT_REQUEST traffic.
package server

import (
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/1ureka/wsrpc/internal/config"
	"github.com/1ureka/wsrpc/internal/protocol"
	"github.com/1ureka/wsrpc/internal/registry"
	"github.com/1ureka/wsrpc/internal/router"
	"github.com/1ureka/wsrpc/internal/rpcerr"
	"github.com/1ureka/wsrpc/internal/transport"
	"github.com/1ureka/wsrpc/internal/util"
	"github.com/segmentio/encoding/json"
)

const serverIdentifier = "SERVER"

// Server holds the connection table and route registry for one IPC host.
type Server struct {
	cfg      config.ServerConfig
	registry *registry.RouteRegistry

	mu          sync.RWMutex
	connections map[string]*router.Router
}

// New builds a Server from cfg (OverrideKey generated if unset) using reg
// as its route registry.
func New(cfg config.ServerConfig, reg *registry.RouteRegistry) (*Server, error) {
	cfg, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:         cfg,
		registry:    reg,
		connections: make(map[string]*router.Router),
	}, nil
}

// OverrideKey returns the configured override key (generated at
// construction if the caller did not supply one), so operators can hand it
// to a second Client that needs to displace an existing connection.
func (s *Server) OverrideKey() string {
	return s.cfg.OverrideKey
}

// AddRoute registers handler under name on the server's own registry, so a
// connected client can invoke it via CLIENT_REQUEST. Returns rpcerr.ErrDuplicateRoute
// if name is already taken.
func (s *Server) AddRoute(name string, handler registry.Handler) error {
	return s.registry.Add(name, handler)
}

// RemoveRoute deletes name from the server's registry. A no-op if absent.
func (s *Server) RemoveRoute(name string) {
	s.registry.Remove(name)
}

// BindInstance associates instance with handler under name, so a route
// declared as a method gets its receiver threaded through on dispatch.
func (s *Server) BindInstance(name string, instance any, handler registry.BoundHandler) error {
	return s.registry.BindInstance(name, instance, handler)
}

// RegisterClassInstanceForRoutes binds handler to instance under every name
// in names in one call, for a class whose methods serve several routes at
// once. Stops at the first rpcerr.ErrDuplicateRoute, leaving names already
// bound before the conflict in place.
func (s *Server) RegisterClassInstanceForRoutes(instance any, handler registry.BoundHandler, names ...string) error {
	for _, name := range names {
		if err := s.registry.BindInstance(name, instance, handler); err != nil {
			return err
		}
	}
	return nil
}

// ParseIdentify is the admission gate for a freshly-upgraded WebSocket
// connection: read the first frame, validate it is an IDENTIFY packet with
// the correct secret key, resolve identifier collisions via the override
// key, then build a Router bound to tr, register it in the connection
// table, and acknowledge the identify packet. Returns the established
// identifier, or an error after closing tr with the appropriate close code.
func (s *Server) ParseIdentify(tr transport.AdmissionGate) (string, error) {
	firstFrame, err := tr.Receive()
	if err != nil {
		return "", err
	}
	env, err := protocol.Decode([]byte(firstFrame))
	if err != nil {
		_ = tr.CloseWithCode(protocol.CloseExpectedIdentify, "first frame was not a valid envelope")
		return "", rpcerr.ErrUnknownPacket
	}

	var outer protocol.Packet
	if err := json.Unmarshal(env.Data, &outer); err != nil {
		_ = tr.CloseWithCode(protocol.CloseExpectedIdentify, "first frame was not a valid packet")
		return "", rpcerr.ErrUnhandledWebsocketType
	}
	if outer.Type != protocol.AppIdentify {
		_ = tr.CloseWithCode(protocol.CloseExpectedIdentify, "expected IDENTIFY, received "+string(outer.Type))
		return "", rpcerr.ErrUnhandledWebsocketType
	}

	var identify protocol.IdentifyData
	if err := json.Unmarshal(outer.Data, &identify); err != nil {
		_ = tr.CloseWithCode(protocol.CloseExpectedIdentify, "malformed identify payload")
		return "", rpcerr.ErrUnhandledWebsocketType
	}
	if identify.SecretKey != s.cfg.SecretKey {
		_ = tr.CloseWithCode(protocol.CloseInvalidSecret, "invalid secret key")
		return "", rpcerr.NewRequestFailed("invalid secret key")
	}

	identifier := outer.Identifier

	s.mu.Lock()
	existing, hasExisting := s.connections[identifier]
	validOverride := identify.OverrideKey != nil && *identify.OverrideKey == s.cfg.OverrideKey
	if hasExisting && !validOverride {
		s.mu.Unlock()
		_ = tr.CloseWithCode(protocol.CloseDuplicateIdentifier, "duplicate identifier on IDENTIFY")
		return "", rpcerr.ErrDuplicateConnection
	}
	s.mu.Unlock()

	if hasExisting && validOverride {
		util.LogInfo("server: evicting existing connection for %s via override key", identifier)
		_ = existing.Close()
	}

	r := router.New(identifier)
	r.RegisterReceiver(s.handleInbound(identifier))
	r.ConnectServer(tr)

	s.mu.Lock()
	s.connections[identifier] = r
	s.mu.Unlock()

	ack := protocol.Packet{Identifier: identifier, Type: protocol.AppIdentify, Data: json.RawMessage("null")}
	if err := r.SendResponse(env.PacketID, ack); err != nil {
		s.mu.Lock()
		delete(s.connections, identifier)
		s.mu.Unlock()
		return "", err
	}

	util.Stats.AddConnection()
	util.LogInfo("server: identifier %s connected", identifier)
	go s.forgetOnClose(identifier, r)
	return identifier, nil
}

// forgetOnClose removes identifier from the connection table once r closes,
// but only if r is still the table's current entry for identifier (an
// override eviction may have already replaced it with a newer Router).
func (s *Server) forgetOnClose(identifier string, r *router.Router) {
	<-r.BlockUntilClosed()
	s.mu.Lock()
	if s.connections[identifier] == r {
		delete(s.connections, identifier)
	}
	s.mu.Unlock()
	util.Stats.AddDisconnection()
}

// Disconnect removes identifier from the table and closes its Router.
func (s *Server) Disconnect(identifier string) error {
	s.mu.Lock()
	r, ok := s.connections[identifier]
	if ok {
		delete(s.connections, identifier)
	}
	s.mu.Unlock()
	if !ok {
		return rpcerr.ErrUnknownClient
	}
	return r.Close()
}

// Request routes a request to the named client and returns the SUCCESS_RESPONSE
// data, or a *rpcerr.RequestFailed for a FAILURE_RESPONSE.
func (s *Server) Request(route, clientIdentifier string, args map[string]any) (any, error) {
	s.mu.RLock()
	r, ok := s.connections[clientIdentifier]
	s.mu.RUnlock()
	if !ok {
		return nil, rpcerr.ErrUnknownClient
	}
	return requestOne(r, clientIdentifier, route, args)
}

// RequestAll issues the same request to every connected client concurrently
// via errgroup and collects identifier -> (value | error). A transport
// failure for one client does not abort the others' results.
func (s *Server) RequestAll(route string, args map[string]any) map[string]any {
	s.mu.RLock()
	targets := make(map[string]*router.Router, len(s.connections))
	for id, r := range s.connections {
		targets[id] = r
	}
	s.mu.RUnlock()

	results := make(map[string]any, len(targets))
	var resultsMu sync.Mutex

	var g errgroup.Group
	for identifier, r := range targets {
		identifier, r := identifier, r
		g.Go(func() error {
			value, err := requestOne(r, identifier, route, args)
			resultsMu.Lock()
			if err != nil {
				results[identifier] = err
			} else {
				results[identifier] = value
			}
			resultsMu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// requestOne performs one Router round trip for route against r, unwrapping
// the Packet envelope exactly as Server.request does in the original.
func requestOne(r *router.Router, identifier, route string, args map[string]any) (any, error) {
	reqData, err := json.Marshal(protocol.RequestPacket{Route: route, Arguments: args})
	if err != nil {
		return nil, err
	}
	outer := protocol.Packet{Identifier: identifier, Type: protocol.AppRequest, Data: reqData}

	ch, err := r.Send(outer)
	if err != nil {
		return nil, rpcerr.NewRequestFailed("Connection Closed")
	}
	result := <-ch
	if result.Err != nil {
		return nil, rpcerr.NewRequestFailed(result.Err.Error())
	}

	var pkt protocol.Packet
	if err := json.Unmarshal(result.Data, &pkt); err != nil {
		return nil, rpcerr.ErrUnknownPacket
	}

	if pkt.Type == protocol.AppFailure {
		var message any
		_ = json.Unmarshal(pkt.Data, &message)
		return nil, rpcerr.NewRequestFailed(message)
	}

	var value any
	if err := json.Unmarshal(pkt.Data, &value); err != nil {
		return nil, err
	}
	return value, nil
}

// handleInbound builds the inbound-request handler for one client's Router:
// a CLIENT_REQUEST from that client against this server's own route
// registry.
func (s *Server) handleInbound(identifier string) router.ReceiveHandler {
	return func(data json.RawMessage, reply router.ReplyFunc) {
		var pkt protocol.Packet
		if err := json.Unmarshal(data, &pkt); err != nil {
			util.LogWarning("server: malformed inbound packet from %s: %v", identifier, err)
			return
		}

		var reqData protocol.RequestPacket
		if err := json.Unmarshal(pkt.Data, &reqData); err != nil {
			util.LogWarning("server: malformed request data from %s: %v", identifier, err)
			return
		}

		handler, err := s.registry.Lookup(reqData.Route)
		if err != nil {
			_ = reply(protocol.Packet{
				Identifier: serverIdentifier,
				Type:       protocol.AppFailure,
				Data:       mustMarshal(reqData.Route + " is not a valid route name."),
			})
			return
		}

		value, err := handler(reqData.Arguments)
		if err != nil {
			_ = reply(protocol.Packet{
				Identifier: serverIdentifier,
				Type:       protocol.AppFailure,
				Data:       mustMarshal(err.Error()),
			})
			return
		}

		_ = reply(protocol.Packet{
			Identifier: serverIdentifier,
			Type:       protocol.AppSuccess,
			Data:       mustMarshal(value),
		})
	}
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return raw
}
