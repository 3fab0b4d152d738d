// Package router implements the per-connection full-duplex request/response
// multiplexer this module is built around. It correlates outbound requests
// with their future replies, dispatches inbound requests without blocking
// the receive loop, and tears down pending work cleanly on shutdown or
// transport failure.
package router

import (
	"context"
	"encoding/hex"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/wsrpc/internal/protocol"
	"github.com/1ureka/wsrpc/internal/rpcerr"
	"github.com/1ureka/wsrpc/internal/transport"
	"github.com/1ureka/wsrpc/internal/util"
	"github.com/segmentio/encoding/json"
)

// congestionThreshold is the outbound-queue depth past which the Router
// emits a single warning per crossing (a crossing is len(outbound) > 50,
// i.e. depth >= 51).
const congestionThreshold = 50

// outboundCapacity bounds the outbound queue. The Router never throttles;
// this is generous headroom so Send essentially never blocks on a healthy
// connection.
const outboundCapacity = 4096

// state is the Router's lifecycle: Open -> Draining -> Closed.
type state int32

const (
	stateOpen state = iota
	stateDraining
	stateClosed
)

type itemKind int

const (
	itemSendRequest itemKind = iota
	itemSendResponse
	itemClose
)

type queueItem struct {
	kind itemKind
	env  protocol.Envelope
}

// Result is what a pending slot resolves to: either the peer's response
// data, or a terminal failure.
type Result struct {
	Data json.RawMessage
	Err  error
}

// ReplyFunc is pre-bound to a specific inbound packet id; calling it sends
// the response envelope for that packet.
type ReplyFunc func(data any) error

// ReceiveHandler is the single inbound-request handler installed via
// RegisterReceiver. The Router runs each invocation on its own goroutine so
// the pipe loop is never blocked by a slow handler; shutdown waits for
// running handlers to return before the Router reports itself closed.
type ReceiveHandler func(data json.RawMessage, reply ReplyFunc)

// Router is the per-connection multiplexer. Zero value is not usable; build
// one with New.
type Router struct {
	label string // identifier, used only for log lines

	tr transport.Transport

	outbound  chan queueItem
	recvCh    chan recvResult
	decodedCh chan protocol.Envelope

	mu      sync.Mutex
	pending map[string]chan Result

	receiverMu sync.Mutex
	receiver   ReceiveHandler

	state     atomic.Int32
	closeOnce sync.Once
	closedCh  chan struct{}

	congestion congestionTracker

	group    *errgroup.Group
	groupCtx context.Context
}

type recvResult struct {
	text string
	err  error
}

// congestionTracker emits exactly one warning per crossing above
// congestionThreshold, resetting once depth falls back to or below it.
type congestionTracker struct {
	mu     sync.Mutex
	warned bool
}

func (c *congestionTracker) observe(depth int, label string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if depth > congestionThreshold {
		if !c.warned {
			c.warned = true
			util.Stats.AddCongestionHit()
			util.LogWarning("router[%s]: outbound queue depth %d exceeds congestion threshold %d", label, depth, congestionThreshold)
		}
		return
	}
	c.warned = false
}

// New builds a Router not yet attached to any Transport. label is used only
// in log output (typically a client identifier).
func New(label string) *Router {
	g, gctx := errgroup.WithContext(context.Background())

	r := &Router{
		label:     label,
		outbound:  make(chan queueItem, outboundCapacity),
		recvCh:    make(chan recvResult, 1),
		decodedCh: make(chan protocol.Envelope, 1),
		pending:   make(map[string]chan Result),
		closedCh:  make(chan struct{}),
		group:     g,
		groupCtx:  gctx,
	}
	r.state.Store(int32(stateOpen))
	return r
}

func (r *Router) currentState() state {
	return state(r.state.Load())
}

// RegisterReceiver installs the single inbound-request handler.
func (r *Router) RegisterReceiver(handler ReceiveHandler) {
	r.receiverMu.Lock()
	r.receiver = handler
	r.receiverMu.Unlock()
}

// Send assigns a fresh packet id, enqueues a request envelope, records the
// pending slot, and returns a channel the caller can await. Never blocks on
// the wire. The slot is recorded before the item is enqueued, so the pipe
// loop cannot observe and resolve a reply before the slot exists.
func (r *Router) Send(data any) (<-chan Result, error) {
	if r.currentState() != stateOpen {
		return nil, rpcerr.ErrRouterClosed
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	id := newPacketID()
	ch := make(chan Result, 1)

	r.mu.Lock()
	r.pending[id] = ch
	r.mu.Unlock()

	env := protocol.Envelope{PacketID: id, Type: protocol.TypeRequest, Data: raw}
	r.outbound <- queueItem{kind: itemSendRequest, env: env}
	r.congestion.observe(len(r.outbound), r.label)
	util.Stats.AddRequestSent()

	return ch, nil
}

// Dispatch feeds an already-decoded Envelope into the pipe loop as if it had
// just arrived over the wire. Hosts that decode JSON themselves (a framework
// middleware sitting in front of the transport, say) can call this instead
// of routing bytes through Transport.Receive.
func (r *Router) Dispatch(env protocol.Envelope) error {
	if r.currentState() != stateOpen {
		return rpcerr.ErrRouterClosed
	}
	r.decodedCh <- env
	return nil
}

// SendResponse enqueues a response envelope for packetID. No completion is
// tracked — the caller already has whatever context it needs.
func (r *Router) SendResponse(packetID string, data any) error {
	if r.currentState() != stateOpen {
		return rpcerr.ErrRouterClosed
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}

	env := protocol.Envelope{PacketID: packetID, Type: protocol.TypeResponse, Data: raw}
	r.outbound <- queueItem{kind: itemSendResponse, env: env}
	r.congestion.observe(len(r.outbound), r.label)
	return nil
}

// ConnectServer assumes tr is already accepted by the host framework and
// starts the pipe loop. No handshake is performed here — admission is the
// Server's concern.
func (r *Router) ConnectServer(tr transport.Transport) {
	r.tr = tr
	go r.receiveLoop()
	go r.runLoop()
}

// ConnectClient dials url, starts the pipe loop, and performs the identify
// handshake by sending identifyData as a request; it returns once the
// server has responded (or the handshake fails).
func (r *Router) ConnectClient(ctx context.Context, url string, identifyData any) (json.RawMessage, error) {
	tr, err := transport.DialClient(ctx, url)
	if err != nil {
		return nil, err
	}
	r.tr = tr
	go r.receiveLoop()
	go r.runLoop()

	ch, err := r.Send(identifyData)
	if err != nil {
		return nil, err
	}
	res := <-ch
	return res.Data, res.Err
}

// Close enqueues the close sentinel. Idempotent.
func (r *Router) Close() error {
	r.closeOnce.Do(func() {
		// The sentinel goes onto the buffered outbound queue, so Close
		// returns at once even if the pipe loop has already exited; it
		// blocks only while the queue holds outboundCapacity items.
		r.outbound <- queueItem{kind: itemClose}
	})
	return nil
}

// BlockUntilClosed awaits terminal shutdown.
func (r *Router) BlockUntilClosed() <-chan struct{} {
	return r.closedCh
}

func (r *Router) receiveLoop() {
	for {
		text, err := r.tr.Receive()
		r.recvCh <- recvResult{text: text, err: err}
		if err != nil {
			return
		}
	}
}

// runLoop concurrently awaits the next outbound queue item and the next
// decoded inbound envelope, services whichever completes first, and
// re-arms both sources.
func (r *Router) runLoop() {
	for {
		select {
		case item := <-r.outbound:
			if r.handleOutbound(item) {
				return
			}

		case rr := <-r.recvCh:
			if r.handleInbound(rr) {
				return
			}

		case env := <-r.decodedCh:
			r.processEnvelope(env)
		}
	}
}

// handleOutbound returns true when the pipe loop must terminate.
func (r *Router) handleOutbound(item queueItem) bool {
	switch item.kind {
	case itemClose:
		r.finalize(nil)
		return true

	default:
		raw, err := protocol.Encode(item.env)
		if err != nil {
			util.LogError("router[%s]: failed to encode envelope: %v", r.label, err)
			return false
		}
		if err := r.tr.Send(string(raw)); err != nil {
			util.LogWarning("router[%s]: transport send failed, tearing down: %v", r.label, err)
			if item.kind == itemSendRequest {
				r.resolve(item.env.PacketID, Result{Err: rpcerr.ErrConnectionLost})
			}
			r.finalize(rpcerr.ErrConnectionLost)
			return true
		}
		return false
	}
}

// handleInbound returns true when the pipe loop must terminate (a terminal
// transport error on receive).
func (r *Router) handleInbound(rr recvResult) bool {
	if rr.err != nil {
		util.LogWarning("router[%s]: transport receive failed, tearing down: %v", r.label, rr.err)
		r.finalize(rpcerr.ErrConnectionLost)
		return true
	}

	env, err := protocol.Decode([]byte(rr.text))
	if err != nil {
		// Non-terminal: log and discard.
		util.LogDebug("router[%s]: discarding malformed frame: %v", r.label, err)
		return false
	}

	r.processEnvelope(env)
	return false
}

// processEnvelope resolves a response or dispatches a request. Shared by the
// wire-decode path (handleInbound) and Dispatch's pre-decoded path.
func (r *Router) processEnvelope(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeResponse:
		if !r.resolve(env.PacketID, Result{Data: env.Data}) {
			util.LogDebug("router[%s]: response for unknown packet_id %s", r.label, env.PacketID)
		}

	case protocol.TypeRequest:
		r.dispatchRequest(env)
	}
}

// resolve completes the pending slot for packetID exactly once (the map
// entry is deleted under lock before sending, so a second delivery for the
// same id is reported as unresolved). Returns false if no slot existed.
func (r *Router) resolve(packetID string, result Result) bool {
	r.mu.Lock()
	ch, ok := r.pending[packetID]
	if ok {
		delete(r.pending, packetID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	ch <- result
	return true
}

// dispatchRequest spawns an independent task for the inbound request so the
// pipe loop can immediately return to awaiting its two sources.
func (r *Router) dispatchRequest(env protocol.Envelope) {
	r.receiverMu.Lock()
	handler := r.receiver
	r.receiverMu.Unlock()

	if handler == nil {
		util.LogWarning("router[%s]: %v", r.label, rpcerr.ErrMissingReceiveHandler)
		return
	}

	util.Stats.AddRequestRecv()
	packetID := env.PacketID
	data := env.Data
	reply := func(payload any) error {
		return r.SendResponse(packetID, payload)
	}

	r.group.Go(func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				util.LogError("router[%s]: receive handler panicked: %v", r.label, rec)
			}
		}()
		handler(data, reply)
		return nil
	})
}

// finalize transitions Open/Draining -> Closed: stops accepting new
// outbound items (the pipe loop has already returned by the time this
// runs), closes the transport, fails every still-pending slot, and
// resolves BlockUntilClosed. Safe to call exactly once per Router, which
// handleOutbound/handleInbound guarantee by always returning immediately
// after calling it.
func (r *Router) finalize(cause error) {
	r.state.Store(int32(stateDraining))

	_ = r.tr.Close()

	// Let in-flight inbound-request handlers finish (a late SendResponse
	// call will simply see the Router closed and fail) before declaring
	// the Router fully closed.
	_ = r.group.Wait()

	if cause == nil {
		cause = rpcerr.ErrConnectionLost
	}
	r.mu.Lock()
	pending := r.pending
	r.pending = make(map[string]chan Result)
	r.mu.Unlock()

	for id, ch := range pending {
		_ = id
		ch <- Result{Err: cause}
	}

	r.state.Store(int32(stateClosed))
	close(r.closedCh)
}

// newPacketID returns 32 lower-case hex characters from 16 cryptographically
// random bytes. uuid.New() is exactly 16 random bytes (version/variant bits
// aside) — hex-encoding the raw bytes directly, rather than uuid's dashed
// String(), yields a compact 32-character identifier.
func newPacketID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}
