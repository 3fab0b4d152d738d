package client

import (
	"sync"
	"testing"
	"time"

	"github.com/1ureka/wsrpc/internal/config"
	"github.com/1ureka/wsrpc/internal/protocol"
	"github.com/1ureka/wsrpc/internal/registry"
	"github.com/1ureka/wsrpc/internal/router"
	"github.com/1ureka/wsrpc/internal/rpcerr"
	"github.com/segmentio/encoding/json"
)

// mockPipe implements transport.Transport over in-process channels, same
// shape as internal/router's test fixture (duplicated here since tests
// stay package-local and the Transport interface is tiny).
type mockPipe struct {
	out       chan string
	in        chan string
	closeOnce sync.Once
	closed    chan struct{}
}

func newMockPipePair() (a, b *mockPipe) {
	ab := make(chan string, 64)
	ba := make(chan string, 64)
	a = &mockPipe{out: ab, in: ba, closed: make(chan struct{})}
	b = &mockPipe{out: ba, in: ab, closed: make(chan struct{})}
	return a, b
}

func (m *mockPipe) Send(text string) error {
	select {
	case m.out <- text:
		return nil
	case <-m.closed:
		return errClosed
	}
}

func (m *mockPipe) Receive() (string, error) {
	select {
	case text := <-m.in:
		return text, nil
	case <-m.closed:
		return "", errClosed
	}
}

func (m *mockPipe) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

type closedErr struct{}

func (closedErr) Error() string { return "mock pipe closed" }

var errClosed = closedErr{}

// newWiredClient builds a Client whose Router is already connected to a
// peer Router via an in-memory pipe pair, bypassing Start's real dial and
// identify handshake so Request/handleInbound can be tested directly.
func newWiredClient(t *testing.T, id string, reg *registry.RouteRegistry) (*Client, *router.Router) {
	t.Helper()
	pa, pb := newMockPipePair()

	c := New(config.ClientConfig{Identifier: id}, reg)
	r := router.New(id)
	r.RegisterReceiver(c.handleInbound)
	r.ConnectServer(pa)
	c.router = r

	peer := router.New(id + "-peer")
	peer.ConnectServer(pb)

	t.Cleanup(func() {
		r.Close()
		peer.Close()
	})
	return c, peer
}

// TestRequestSuccess verifies that Client.Request unwraps a SUCCESS_RESPONSE
// Packet into its Data value.
func TestRequestSuccess(t *testing.T) {
	c, peer := newWiredClient(t, "one", registry.New())

	peer.RegisterReceiver(func(data json.RawMessage, reply router.ReplyFunc) {
		var outer protocol.Packet
		if err := json.Unmarshal(data, &outer); err != nil {
			t.Errorf("peer: unmarshal outer: %v", err)
			return
		}
		if outer.Type != protocol.AppClientRequest {
			t.Errorf("peer: outer.Type = %q, want %q", outer.Type, protocol.AppClientRequest)
		}
		_ = reply(protocol.Packet{
			Identifier: "SERVER",
			Type:       protocol.AppSuccess,
			Data:       mustMarshal("pong"),
		})
	})

	value, err := c.Request("ping", nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if value != "pong" {
		t.Errorf("Request result = %v, want %q", value, "pong")
	}
}

// TestRequestFailure verifies that a FAILURE_RESPONSE Packet surfaces as a
// *rpcerr.RequestFailed carrying the remote's message.
func TestRequestFailure(t *testing.T) {
	c, peer := newWiredClient(t, "one", registry.New())

	peer.RegisterReceiver(func(data json.RawMessage, reply router.ReplyFunc) {
		_ = reply(protocol.Packet{
			Identifier: "SERVER",
			Type:       protocol.AppFailure,
			Data:       mustMarshal("nope is not a valid route name."),
		})
	})

	_, err := c.Request("nope", nil)
	rf, ok := err.(*rpcerr.RequestFailed)
	if !ok {
		t.Fatalf("Request error = %v (%T), want *rpcerr.RequestFailed", err, err)
	}
	if rf.Message != "nope is not a valid route name." {
		t.Errorf("RequestFailed.Message = %q", rf.Message)
	}
}

// TestRequestUnhandledType verifies that any response type other than
// SUCCESS_RESPONSE/FAILURE_RESPONSE surfaces as ErrUnhandledWebsocketType.
func TestRequestUnhandledType(t *testing.T) {
	c, peer := newWiredClient(t, "one", registry.New())

	peer.RegisterReceiver(func(data json.RawMessage, reply router.ReplyFunc) {
		_ = reply(protocol.Packet{Identifier: "SERVER", Type: protocol.AppIdentify, Data: mustMarshal(nil)})
	})

	if _, err := c.Request("ping", nil); err != rpcerr.ErrUnhandledWebsocketType {
		t.Fatalf("Request error = %v, want ErrUnhandledWebsocketType", err)
	}
}

// TestHandleInboundUnknownRoute verifies that an inbound request for a
// route the client has not registered replies with FAILURE_RESPONSE
// mentioning the route name.
func TestHandleInboundUnknownRoute(t *testing.T) {
	c, peer := newWiredClient(t, "one", registry.New())

	replyCh := make(chan protocol.Packet, 1)
	peer.RegisterReceiver(func(data json.RawMessage, reply router.ReplyFunc) {
		var pkt protocol.Packet
		_ = json.Unmarshal(data, &pkt)
		replyCh <- pkt
	})

	ch, err := peer.Send(protocol.Packet{
		Identifier: "one",
		Type:       protocol.AppRequest,
		Data:       mustMarshal(protocol.RequestPacket{Route: "missing", Arguments: nil}),
	})
	if err != nil {
		t.Fatalf("peer.Send: %v", err)
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			t.Fatalf("unexpected error: %v", res.Err)
		}
		var outer protocol.Packet
		if err := json.Unmarshal(res.Data, &outer); err != nil {
			t.Fatalf("unmarshal response: %v", err)
		}
		if outer.Type != protocol.AppFailure {
			t.Fatalf("response type = %q, want FAILURE_RESPONSE", outer.Type)
		}
		var msg string
		_ = json.Unmarshal(outer.Data, &msg)
		if msg == "" {
			t.Fatal("expected a non-empty failure message")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}
}

// TestHandleInboundSuccess verifies that a registered route is invoked with
// its arguments and its result comes back as SUCCESS_RESPONSE.
func TestHandleInboundSuccess(t *testing.T) {
	reg := registry.New()
	var gotArgs map[string]any
	if err := reg.Add("greet", func(args map[string]any) (any, error) {
		gotArgs = args
		return "hello " + args["name"].(string), nil
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	c, peer := newWiredClient(t, "one", reg)

	ch, err := peer.Send(protocol.Packet{
		Identifier: "one",
		Type:       protocol.AppRequest,
		Data: mustMarshal(protocol.RequestPacket{
			Route:     "greet",
			Arguments: map[string]any{"name": "world"},
		}),
	})
	if err != nil {
		t.Fatalf("peer.Send: %v", err)
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			t.Fatalf("unexpected error: %v", res.Err)
		}
		var outer protocol.Packet
		if err := json.Unmarshal(res.Data, &outer); err != nil {
			t.Fatalf("unmarshal response: %v", err)
		}
		if outer.Type != protocol.AppSuccess {
			t.Fatalf("response type = %q, want SUCCESS_RESPONSE", outer.Type)
		}
		var value string
		if err := json.Unmarshal(outer.Data, &value); err != nil {
			t.Fatalf("unmarshal value: %v", err)
		}
		if value != "hello world" {
			t.Errorf("result = %q, want %q", value, "hello world")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response")
	}
	if gotArgs["name"] != "world" {
		t.Errorf("handler did not receive expected arguments: %v", gotArgs)
	}
}

// TestAddRouteRemoveRouteBindInstance verifies that Client's route-management
// methods forward to its registry: AddRoute rejects a duplicate name,
// RemoveRoute clears it so a fresh Add succeeds, and BindInstance threads the
// receiver through on dispatch.
func TestAddRouteRemoveRouteBindInstance(t *testing.T) {
	c := New(config.ClientConfig{Identifier: "one"}, registry.New())

	if err := c.AddRoute("ping", func(map[string]any) (any, error) { return "pong", nil }); err != nil {
		t.Fatalf("AddRoute: %v", err)
	}
	if err := c.AddRoute("ping", func(map[string]any) (any, error) { return nil, nil }); err != rpcerr.ErrDuplicateRoute {
		t.Fatalf("AddRoute duplicate = %v, want ErrDuplicateRoute", err)
	}

	c.RemoveRoute("ping")
	if err := c.AddRoute("ping", func(map[string]any) (any, error) { return "pong-again", nil }); err != nil {
		t.Fatalf("AddRoute after RemoveRoute: %v", err)
	}

	type greeter struct{ name string }
	receiver := &greeter{name: "alice"}
	bound := func(instance any, args map[string]any) (any, error) {
		return "hello " + instance.(*greeter).name, nil
	}
	if err := c.BindInstance("greet", receiver, bound); err != nil {
		t.Fatalf("BindInstance: %v", err)
	}

	handler, err := c.registry.Lookup("greet")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	value, err := handler(nil)
	if err != nil {
		t.Fatalf("bound handler: %v", err)
	}
	if value != "hello alice" {
		t.Errorf("bound handler result = %v, want %q", value, "hello alice")
	}
}
