// Package channel is the asynchronous message-passing contract between the
// page context and the privileged context. Requests and responses are
// correlated by ID; the privileged side processes one message at a time, may
// be stopped and restarted between messages, and reports non-delivery as a
// distinguishable error instead of hanging forever.
package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"replypilot/internal/logging"
)

// Message type discriminators.
const (
	TypeGenerateReply = "GENERATE_REPLY"
	TypeGetSettings   = "GET_SETTINGS"
	TypeGetUsage      = "GET_USAGE"
	TypeResetUsage    = "RESET_USAGE"

	// typeKeepalive is the internal no-op self-ping. It keeps the dispatcher
	// resident and is never observable by callers.
	typeKeepalive = "__keepalive"
)

// KeepaliveInterval is how often the privileged side pings itself while
// running. Liveness only, not part of the logical protocol.
const KeepaliveInterval = 20 * time.Second

// Message is a request envelope.
type Message struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the correlated reply to a Message.
type Response struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Err     string          `json:"error,omitempty"`
}

// DeliveryError means the message never reached a running receiving end.
// Callers treat it like a provider failure for UI purposes.
type DeliveryError struct {
	Reason string
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("message not delivered: %s", e.Reason)
}

// HandlerError is a failure reported by the handler itself; the message was
// delivered and processed.
type HandlerError struct {
	Msg string
}

func (e *HandlerError) Error() string { return e.Msg }

// Handler processes one message type. The returned value is marshaled into
// the response payload.
type Handler func(ctx context.Context, payload json.RawMessage) (interface{}, error)

type envelope struct {
	msg   Message
	reply chan Response
}

// Dispatcher is the privileged-side endpoint. A single worker goroutine
// drains the inbox, so handlers never run concurrently and the ledger's
// critical section is guaranteed one logical request at a time.
type Dispatcher struct {
	mu       sync.Mutex
	handlers map[string]Handler
	inbox    chan envelope
	stopped  chan struct{}
	running  bool
	stopping bool
	interval time.Duration
}

// NewDispatcher creates a dispatcher. It does not start processing until
// Start is called.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]Handler),
		interval: KeepaliveInterval,
	}
}

// SetKeepaliveInterval overrides the self-ping interval. Used by tests.
func (d *Dispatcher) SetKeepaliveInterval(interval time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if interval > 0 {
		d.interval = interval
	}
}

// Register installs the handler for a message type. Registering the same
// type twice replaces the handler.
func (d *Dispatcher) Register(msgType string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[msgType] = h
}

// Start launches the worker. Idempotent while running; the dispatcher can be
// restarted after Stop or context cancellation (re-activation on demand).
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.inbox = make(chan envelope, 16)
	d.stopped = make(chan struct{})
	d.running = true
	d.stopping = false

	go d.run(ctx, d.inbox, d.stopped, d.interval)
	logging.Channel("dispatcher started")
}

// Stop shuts the worker down. Queued messages that have not been picked up
// are answered with a delivery error. Safe to call more than once and safe
// against a concurrent context-cancellation shutdown.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running || d.stopping {
		return
	}
	d.stopping = true
	close(d.stopped)
}

// Running reports whether the worker is live.
func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *Dispatcher) run(ctx context.Context, inbox chan envelope, stopped chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer d.shutdown(inbox, stopped)

	for {
		select {
		case env := <-inbox:
			env.reply <- d.dispatch(ctx, env.msg)
		case <-ticker.C:
			// Self-ping: goes through the normal dispatch path but has no
			// registered handler and no observer.
			d.dispatch(ctx, Message{ID: uuid.NewString(), Type: typeKeepalive})
		case <-stopped:
			return
		case <-ctx.Done():
			return
		}
	}
}

// shutdown marks the dispatcher stopped and fails whatever is still queued.
// running flips to false before the drain, under the same mutex that guards
// enqueues, so nothing can be added to the inbox after the drain returns.
func (d *Dispatcher) shutdown(inbox chan envelope, stopped chan struct{}) {
	d.mu.Lock()
	d.running = false
	if !d.stopping {
		d.stopping = true
		close(stopped)
	}
	d.mu.Unlock()

	for {
		select {
		case env := <-inbox:
			close(env.reply)
		default:
			logging.Channel("dispatcher stopped")
			return
		}
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, msg Message) Response {
	if msg.Type == typeKeepalive {
		logging.ChannelDebug("keepalive ping")
		return Response{ID: msg.ID}
	}

	d.mu.Lock()
	h, ok := d.handlers[msg.Type]
	d.mu.Unlock()
	if !ok {
		logging.ChannelError("no handler for message type %s", msg.Type)
		return Response{ID: msg.ID, Err: fmt.Sprintf("unknown message type %q", msg.Type)}
	}

	start := time.Now()
	result, err := h(ctx, msg.Payload)
	if err != nil {
		logging.ChannelDebug("%s handled in %v: %v", msg.Type, time.Since(start), err)
		return Response{ID: msg.ID, Err: err.Error()}
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return Response{ID: msg.ID, Err: fmt.Sprintf("failed to encode response: %v", err)}
	}
	logging.ChannelDebug("%s handled in %v", msg.Type, time.Since(start))
	return Response{ID: msg.ID, Payload: payload}
}

// Port is the page-side endpoint. Exactly one request/response correlation
// per Send call; delivery failure surfaces as *DeliveryError.
type Port struct {
	dispatcher *Dispatcher
	wake       func()
}

// NewPort creates a port talking to the given dispatcher. wake, if non-nil,
// is invoked to (re)activate a stopped receiving end before giving up on
// delivery.
func NewPort(d *Dispatcher, wake func()) *Port {
	return &Port{dispatcher: d, wake: wake}
}

// Send delivers one typed request and waits for its correlated response.
// The returned error is *DeliveryError when the receiving end was
// unreachable, *HandlerError when the handler reported failure, or the
// context error when the caller imposed a deadline.
func (p *Port) Send(ctx context.Context, msgType string, payload interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	msg := Message{ID: uuid.NewString(), Type: msgType, Payload: data}
	env := envelope{msg: msg, reply: make(chan Response, 1)}

	if !p.dispatcher.Running() && p.wake != nil {
		logging.Channel("receiving end idle, waking")
		p.wake()
	}

	if err := p.enqueue(ctx, env); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-env.reply:
		if !ok {
			// Shutdown drained the envelope before the worker saw it.
			return nil, &DeliveryError{Reason: "receiving end shut down"}
		}
		if resp.Err != "" {
			return nil, &HandlerError{Msg: resp.Err}
		}
		return resp.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// enqueue places the envelope in the worker's inbox. The liveness check and
// the send happen under the dispatcher mutex, so an envelope can never land
// in an inbox the shutdown drain has already abandoned.
func (p *Port) enqueue(ctx context.Context, env envelope) error {
	d := p.dispatcher
	for {
		d.mu.Lock()
		if !d.running || d.stopping {
			d.mu.Unlock()
			return &DeliveryError{Reason: "receiving end unreachable"}
		}
		inbox, stopped := d.inbox, d.stopped
		select {
		case inbox <- env:
			d.mu.Unlock()
			return nil
		default:
		}
		d.mu.Unlock()

		// Inbox full. Wait for the worker to make room, then retry.
		select {
		case <-stopped:
			return &DeliveryError{Reason: "receiving end shut down"}
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// Call sends a request and decodes the response payload into out.
func (p *Port) Call(ctx context.Context, msgType string, payload, out interface{}) error {
	resp, err := p.Send(ctx, msgType, payload)
	if err != nil {
		return err
	}
	if out == nil || len(resp) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", msgType, err)
	}
	return nil
}
