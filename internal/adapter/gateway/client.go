package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"clawdeck/internal/domain"
	"clawdeck/internal/infra/tracer"
)

const (
	methodConnect         = "connect"
	eventConnectChallenge = "connect.challenge"
)

// session tracks a single WebSocket connection. A new session is created per
// dial; stale read/write pumps identify themselves by session pointer.
type session struct {
	ws        *websocket.Conn
	sendCh    chan Frame // buffered outbound queue
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(ws *websocket.Conn) *session {
	return &session{
		ws:     ws,
		sendCh: make(chan Frame, 64),
		done:   make(chan struct{}),
	}
}

func (s *session) close(code websocket.StatusCode, reason string) {
	s.closeOnce.Do(func() { close(s.done) })
	s.ws.Close(code, reason)
}

func (s *session) send(frame Frame) error {
	select {
	case s.sendCh <- frame:
		return nil
	case <-s.done:
		return domain.ErrConnectionLost
	}
}

type callResult struct {
	payload json.RawMessage
	err     error
}

// pendingCall is one in-flight request awaiting its response.
type pendingCall struct {
	id     string
	method string
	done   chan callResult // buffered so resolution never blocks the read pump
	timer  *time.Timer
}

// Client maintains a single logical connection to the gateway: it dials,
// answers the challenge handshake, correlates request/response frames and
// publishes pushed events to the bus in arrival order.
//
// Lifecycle notifications are published on the same bus under the reserved
// gateway.* names. After a transport loss the client schedules exactly one
// reconnect attempt after a fixed delay; Disconnect suppresses it.
type Client struct {
	opts   Options
	bus    domain.EventBus
	logger *slog.Logger

	// nextID feeds correlation IDs for requests, including the handshake
	// connect. IDs are never reused for the lifetime of the client.
	nextID atomic.Uint64

	mu             sync.Mutex
	state          ConnState
	sess           *session
	pending        map[string]*pendingCall
	reconnectTimer *time.Timer
	handshakeTimer *time.Timer
	closed         bool
}

// NewClient creates a gateway client. Zero-valued options fall back to
// DefaultOptions.
func NewClient(opts Options, bus domain.EventBus, logger *slog.Logger) *Client {
	opts.normalize()
	return &Client{
		opts:    opts,
		bus:     bus,
		logger:  logger,
		state:   StateDisconnected,
		pending: make(map[string]*pendingCall),
	}
}

// Connect dials the gateway and starts the handshake. It returns once the
// transport is open; readiness is signaled asynchronously through the
// connected notification (or polled via IsConnected). Calling Connect while
// a connection attempt or session is active is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	const op = "Client.Connect"

	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.closed = false
	c.state = StateConnecting
	c.mu.Unlock()

	c.logger.Info("connecting to gateway", "url", c.opts.URL)

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	ws, _, err := websocket.Dial(dialCtx, c.opts.URL, nil)
	cancel()
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		c.logger.Warn("gateway dial failed", "url", c.opts.URL, "error", err)
		return domain.NewDomainError(op, domain.ErrUnavailable, err.Error())
	}

	c.mu.Lock()
	if c.closed {
		// Disconnect raced the dial.
		c.state = StateDisconnected
		c.mu.Unlock()
		ws.Close(websocket.StatusNormalClosure, "client closing")
		return nil
	}
	sess := newSession(ws)
	c.sess = sess
	c.state = StateAwaitingChallenge
	c.armHandshakeTimerLocked(sess)
	c.mu.Unlock()

	go c.writeLoop(sess)
	go c.readLoop(sess)

	return nil
}

// Disconnect closes the connection, rejects all in-flight calls and
// suppresses any scheduled reconnect. Idempotent.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closed = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if c.handshakeTimer != nil {
		c.handshakeTimer.Stop()
		c.handshakeTimer = nil
	}
	sess := c.sess
	c.sess = nil
	c.state = StateDisconnected
	calls := c.takePendingLocked()
	c.mu.Unlock()

	c.rejectCalls(calls)

	if sess == nil {
		return
	}
	sess.close(websocket.StatusNormalClosure, "client closing")
	c.logger.Info("gateway disconnected", "reason", "requested")
	c.emitLifecycle(domain.EventGatewayDisconnected, nil)
}

// Call sends a request and blocks until the matching response arrives, the
// call times out, the connection drops, or ctx is cancelled. It fails fast
// when the connection is not ready.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	const op = "Client.Call"

	ctx, span := tracer.StartSpan(ctx, "gateway.call",
		trace.WithAttributes(tracer.StringAttr("rpc.method", method)),
	)
	defer span.End()

	raw, err := marshalParams(params)
	if err != nil {
		err = domain.NewDomainError(op, domain.ErrInvalidInput, "method '"+method+"': "+err.Error())
		tracer.RecordError(span, err)
		return nil, err
	}

	c.mu.Lock()
	if c.state != StateReady || c.sess == nil {
		c.mu.Unlock()
		err := domain.NewDomainError(op, domain.ErrNotConnected, "method '"+method+"'")
		tracer.RecordError(span, err)
		return nil, err
	}
	sess := c.sess
	id := strconv.FormatUint(c.nextID.Add(1), 10)
	pc := &pendingCall{
		id:     id,
		method: method,
		done:   make(chan callResult, 1),
	}
	c.pending[id] = pc
	pc.timer = time.AfterFunc(c.opts.CallTimeout, func() { c.expireCall(id) })
	c.mu.Unlock()

	span.SetAttributes(tracer.StringAttr("rpc.id", id))

	if err := sess.send(Frame{Type: FrameTypeRequest, ID: id, Method: method, Params: raw}); err != nil {
		c.dropCall(id)
		err = domain.NewDomainError(op, domain.ErrConnectionLost, "method '"+method+"'")
		tracer.RecordError(span, err)
		return nil, err
	}

	select {
	case res := <-pc.done:
		if res.err != nil {
			tracer.RecordError(span, res.err)
			return nil, res.err
		}
		tracer.SetOK(span)
		return res.payload, nil
	case <-ctx.Done():
		// The entry stays registered so a late response is consumed by ID
		// and dropped instead of leaking into another call.
		tracer.RecordError(span, ctx.Err())
		return nil, ctx.Err()
	}
}

// State reports the current connection state.
func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the handshake completed and the transport is
// still open. It has no side effects.
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateReady || c.sess == nil {
		return false
	}
	select {
	case <-c.sess.done:
		return false
	default:
		return true
	}
}

// OnAnyMessage registers a handler for every event pushed by the gateway.
// Local lifecycle notifications are filtered out; use OnConnected,
// OnDisconnected and OnError for those. Returns an unsubscribe function.
func (c *Client) OnAnyMessage(handler domain.EventHandler) func() {
	return c.bus.SubscribeAll(func(ctx context.Context, event domain.Event) {
		if domain.IsLifecycle(event.Name) {
			return
		}
		handler(ctx, event)
	})
}

// OnEvent registers a handler for a single event name.
func (c *Client) OnEvent(name domain.EventType, handler domain.EventHandler) func() {
	return c.bus.Subscribe(name, handler)
}

// OnConnected fires once per completed handshake.
func (c *Client) OnConnected(handler domain.EventHandler) func() {
	return c.bus.Subscribe(domain.EventGatewayConnected, handler)
}

// OnDisconnected fires when an established connection closes, whether lost
// or requested.
func (c *Client) OnDisconnected(handler domain.EventHandler) func() {
	return c.bus.Subscribe(domain.EventGatewayDisconnected, handler)
}

// OnError fires for failures that do not belong to a single call, such as
// malformed frames and handshake rejection.
func (c *Client) OnError(handler domain.EventHandler) func() {
	return c.bus.Subscribe(domain.EventGatewayError, handler)
}

func marshalParams(params any) (json.RawMessage, error) {
	switch p := params.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return p, nil
	default:
		return json.Marshal(params)
	}
}

// scheduleReconnectLocked arms the reconnect timer unless one is already
// armed or the client was closed. At most one timer exists at any moment.
func (c *Client) scheduleReconnectLocked() {
	if c.closed || c.reconnectTimer != nil {
		return
	}
	c.reconnectTimer = time.AfterFunc(c.opts.ReconnectDelay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		if err := c.Connect(context.Background()); err != nil {
			c.logger.Warn("gateway reconnect failed", "error", err)
		}
	})
	c.logger.Debug("gateway reconnect scheduled", "delay", c.opts.ReconnectDelay)
}

// armHandshakeTimerLocked bounds the challenge/connect exchange. A session
// that is not ready in time is closed, which feeds the normal
// teardown-and-reconnect path.
func (c *Client) armHandshakeTimerLocked(sess *session) {
	if c.handshakeTimer != nil {
		c.handshakeTimer.Stop()
	}
	c.handshakeTimer = time.AfterFunc(c.opts.HandshakeTimeout, func() {
		c.mu.Lock()
		stale := c.sess != sess || c.state == StateReady
		c.mu.Unlock()
		if stale {
			return
		}
		c.logger.Warn("gateway handshake timed out")
		sess.close(websocket.StatusPolicyViolation, "handshake timeout")
	})
}

func (c *Client) takePendingLocked() []*pendingCall {
	if len(c.pending) == 0 {
		return nil
	}
	calls := make([]*pendingCall, 0, len(c.pending))
	for id, pc := range c.pending {
		delete(c.pending, id)
		calls = append(calls, pc)
	}
	return calls
}

func (c *Client) rejectCalls(calls []*pendingCall) {
	for _, pc := range calls {
		if pc.timer != nil {
			pc.timer.Stop()
		}
		pc.done <- callResult{err: domain.NewDomainError("Client.Call", domain.ErrConnectionLost, "method '"+pc.method+"'")}
	}
}

func (c *Client) dropCall(id string) {
	c.mu.Lock()
	pc, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok && pc.timer != nil {
		pc.timer.Stop()
	}
}

func (c *Client) expireCall(id string) {
	c.mu.Lock()
	pc, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.logger.Warn("gateway call timed out", "method", pc.method, "frame_id", id)
	pc.done <- callResult{err: domain.NewDomainError("Client.Call", domain.ErrTimeout, "method '"+pc.method+"'")}
}

func (c *Client) writeLoop(sess *session) {
	for {
		select {
		case <-sess.done:
			return
		case frame := <-sess.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, sess.ws, frame)
			cancel()
			if err != nil {
				c.logger.Warn("gateway write failed", "error", err)
				c.emitError(domain.NewDomainError("Client.write", domain.ErrConnectionLost, err.Error()))
				// Closing the session unblocks the read pump, which owns
				// teardown.
				sess.close(websocket.StatusAbnormalClosure, "write failed")
				return
			}
		}
	}
}

// readLoop is the single reader for a session. All inbound dispatch happens
// inline here, which is what keeps event delivery in strict arrival order.
func (c *Client) readLoop(sess *session) {
	defer c.teardown(sess)

	for {
		select {
		case <-sess.done:
			return
		default:
		}

		// Read raw bytes so a frame that fails to decode can be discarded
		// without closing the transport.
		_, data, err := sess.ws.Read(context.Background())
		if err != nil {
			c.noteReadFailure(sess, err)
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warn("dropping malformed gateway frame", "error", err)
			c.emitError(domain.NewDomainError("Client.read", domain.ErrMalformedMessage, err.Error()))
			continue
		}

		switch frame.Type {
		case FrameTypeResponse:
			c.handleResponse(sess, frame)
		case FrameTypeEvent:
			c.handleEvent(sess, frame)
		case FrameTypeRequest:
			// The gateway never calls us; drop quietly.
			c.logger.Debug("ignoring request frame from gateway", "method", frame.Method)
		default:
			c.logger.Warn("dropping gateway frame with unknown type", "frame_type", string(frame.Type))
			c.emitError(domain.NewDomainError("Client.read", domain.ErrMalformedMessage, "unknown frame type '"+string(frame.Type)+"'"))
		}
	}
}

// noteReadFailure surfaces an abnormal transport loss as an error
// notification. The close itself is reported separately by teardown; a clean
// peer close or a locally initiated close is not an error.
func (c *Client) noteReadFailure(sess *session, err error) {
	select {
	case <-sess.done:
		return
	default:
	}
	if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway {
		return
	}
	c.logger.Warn("gateway read failed", "error", err)
	c.emitError(domain.NewDomainError("Client.read", domain.ErrConnectionLost, err.Error()))
}

func (c *Client) handleResponse(sess *session, frame Frame) {
	c.mu.Lock()

	// The handshake response is matched by method, not by pending entry.
	if c.sess == sess && c.state == StateHandshaking && frame.Method == methodConnect {
		if c.handshakeTimer != nil {
			c.handshakeTimer.Stop()
			c.handshakeTimer = nil
		}
		if frame.OK {
			c.state = StateReady
			c.mu.Unlock()
			c.logger.Info("gateway handshake complete", "url", c.opts.URL)
			c.emitLifecycle(domain.EventGatewayConnected, frame.Payload)
			return
		}
		c.state = StateClosing
		c.mu.Unlock()
		ferr := frame.Error
		if ferr == nil {
			ferr = &FrameError{Message: "connect rejected"}
		}
		c.logger.Error("gateway rejected handshake", "code", ferr.Code, "message", ferr.Message)
		c.emitError(domain.NewDomainError("Client.handshake", domain.ErrHandshakeRejected, ferr.Error()))
		sess.close(websocket.StatusPolicyViolation, "handshake rejected")
		return
	}

	pc, ok := c.pending[frame.ID]
	if ok {
		delete(c.pending, frame.ID)
	}
	c.mu.Unlock()

	if !ok {
		// Late, duplicate or stray. IDs are never reused, so dropping is
		// always safe.
		c.logger.Debug("dropping response with no pending call", "frame_id", frame.ID, "method", frame.Method)
		return
	}
	if pc.timer != nil {
		pc.timer.Stop()
	}
	if frame.OK {
		pc.done <- callResult{payload: frame.Payload}
		return
	}
	ferr := frame.Error
	if ferr == nil {
		ferr = &FrameError{Message: "request failed"}
	}
	pc.done <- callResult{err: domain.NewDomainError("Client.Call", ferr, "method '"+pc.method+"'")}
}

func (c *Client) handleEvent(sess *session, frame Frame) {
	if frame.Event == eventConnectChallenge {
		c.handleChallenge(sess, frame)
		return
	}
	if frame.Event == "" {
		c.logger.Warn("dropping event frame without a name")
		c.emitError(domain.NewDomainError("Client.read", domain.ErrMalformedMessage, "event frame without a name"))
		return
	}

	now := time.Now()
	c.bus.Publish(context.Background(), domain.Event{
		Name:         domain.EventType(frame.Event),
		Payload:      frame.Payload,
		Seq:          frame.Seq,
		StateVersion: frame.StateVersion,
		ReceiptID:    domain.NewReceiptID(now),
		ReceivedAt:   now,
	})
}

// handleChallenge answers connect.challenge with the connect request. The
// challenge itself is never forwarded to subscribers.
func (c *Client) handleChallenge(sess *session, frame Frame) {
	var challenge challengePayload
	if err := json.Unmarshal(frame.Payload, &challenge); err != nil {
		c.logger.Warn("dropping malformed challenge payload", "error", err)
		c.emitError(domain.NewDomainError("Client.handshake", domain.ErrMalformedMessage, "challenge: "+err.Error()))
		return
	}

	c.mu.Lock()
	if c.sess != sess || c.state != StateAwaitingChallenge {
		// Repeated or out-of-phase challenge. Answering twice would desync
		// the handshake, so ignore it.
		state := c.state
		c.mu.Unlock()
		c.logger.Debug("ignoring unexpected challenge", "state", string(state))
		return
	}
	id := strconv.FormatUint(c.nextID.Add(1), 10)
	c.state = StateHandshaking
	c.mu.Unlock()

	c.logger.Debug("gateway challenge received", "frame_id", id)

	req := Frame{
		Type:   FrameTypeRequest,
		ID:     id,
		Method: methodConnect,
		Params: mustMarshal(c.opts.connectParams(challenge.Nonce)),
	}
	if err := sess.send(req); err != nil {
		c.logger.Warn("gateway connect send failed", "error", err)
	}
}

// teardown runs exactly once per session when its read pump exits. It resets
// connection state, rejects in-flight calls, schedules the reconnect and
// publishes the disconnected notification.
func (c *Client) teardown(sess *session) {
	c.mu.Lock()
	if c.sess != sess {
		// A pump from an already replaced or discarded session.
		c.mu.Unlock()
		sess.close(websocket.StatusNormalClosure, "")
		return
	}
	c.sess = nil
	c.state = StateDisconnected
	if c.handshakeTimer != nil {
		c.handshakeTimer.Stop()
		c.handshakeTimer = nil
	}
	calls := c.takePendingLocked()
	c.scheduleReconnectLocked()
	c.mu.Unlock()

	sess.close(websocket.StatusAbnormalClosure, "connection lost")

	c.rejectCalls(calls)

	c.logger.Info("gateway disconnected", "reason", "connection lost", "rejected_calls", len(calls))
	c.emitLifecycle(domain.EventGatewayDisconnected, nil)
}

func (c *Client) emitLifecycle(name domain.EventType, payload json.RawMessage) {
	now := time.Now()
	c.bus.Publish(context.Background(), domain.Event{
		Name:       name,
		Payload:    payload,
		ReceiptID:  domain.NewReceiptID(now),
		ReceivedAt: now,
	})
}

func (c *Client) emitError(err error) {
	payload, merr := json.Marshal(map[string]string{
		"code":    string(domain.ErrorCodeOf(err)),
		"message": err.Error(),
	})
	if merr != nil {
		payload = nil
	}
	c.emitLifecycle(domain.EventGatewayError, payload)
}
