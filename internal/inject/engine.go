package inject

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"replypilot/internal/channel"
	"replypilot/internal/config"
	"replypilot/internal/dom"
	"replypilot/internal/gateway"
	"replypilot/internal/logging"
)

const (
	buttonLabel   = "AI Reply"
	busyLabel     = "Generating..."
	insertedLabel = "Inserted"
	copiedLabel   = "Copied"
	failedLabel   = "Failed"
	successLinger = 3 * time.Second
	errorLinger   = 5 * time.Second
	reasonAttr    = "data-replypilot-reason"
)

// Engine plants a reply helper into every post's toolbar and drives
// it through its lifecycle. Scans are idempotent: a post that already
// carries a marked helper is skipped, and a helper the page dropped
// during a re-render is simply planted again on the next scan.
type Engine struct {
	doc     *dom.Document
	profile *Profile
	port    *channel.Port
	typist  *Typist

	// fire delivers synthetic events to the page driver, copy hands
	// text to the clipboard sink.
	fire func(target *dom.Element, event string)
	copy func(text string) error

	after func(d time.Duration, fn func()) *time.Timer

	mu    sync.Mutex
	debnc *Debouncer
}

// Option adjusts engine wiring, mostly for tests.
type Option func(*Engine)

// WithEventSink routes synthetic composer events.
func WithEventSink(fire func(*dom.Element, string)) Option {
	return func(e *Engine) { e.fire = fire }
}

// WithClipboard routes the copy action.
func WithClipboard(copy func(string) error) Option {
	return func(e *Engine) { e.copy = copy }
}

// WithTypist replaces the insertion typist.
func WithTypist(t *Typist) Option {
	return func(e *Engine) { e.typist = t }
}

// WithRescanDelay changes the mutation debounce window.
func WithRescanDelay(d time.Duration) Option {
	return func(e *Engine) { e.debnc = NewDebouncer(d) }
}

func withAfterFunc(after func(time.Duration, func()) *time.Timer) Option {
	return func(e *Engine) { e.after = after }
}

// NewEngine wires an engine to a document and the request channel.
func NewEngine(doc *dom.Document, profile *Profile, port *channel.Port, opts ...Option) *Engine {
	e := &Engine{
		doc:     doc,
		profile: profile,
		port:    port,
		typist:  NewTypist(),
		after:   time.AfterFunc,
		debnc:   NewDebouncer(DefaultRescanDelay),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Scan walks the current tree and plants a helper into every post
// that does not already have one. Safe to call any number of times.
// Returns how many helpers were planted.
func (e *Engine) Scan() int {
	planted := 0
	for _, post := range e.doc.Root().QueryAll(e.profile.Post) {
		if post.Query(e.profile.Marker) != nil {
			continue
		}
		anchor := e.resolveAnchor(post)
		btn := e.doc.CreateElement("button")
		btn.SetAttr(MarkerAttr, "helper")
		btn.SetAttr(StateAttr, StateIdle)
		btn.SetAttr("class", "replypilot-btn")
		btn.SetText(buttonLabel)
		anchor.AppendChild(btn)
		planted++
	}
	if planted > 0 {
		logging.Inject("planted %d helper(s)", planted)
	}
	return planted
}

// resolveAnchor picks where the helper lives inside a post: the
// action toolbar, failing that the comment form, failing that the
// post itself.
func (e *Engine) resolveAnchor(post *dom.Element) *dom.Element {
	if toolbar := post.Query(e.profile.Toolbar); toolbar != nil {
		return toolbar
	}
	if form := post.Query(e.profile.Form); form != nil {
		return form
	}
	logging.InjectDebug("post has no toolbar or form, anchoring on the post itself")
	return post
}

// Run performs an initial scan and then rescans after every quiet
// period in the page's mutation stream. Blocks until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	events, cancel := e.doc.Subscribe(256)
	defer cancel()
	defer e.debnc.Cancel()

	e.Scan()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-events:
			if !ok {
				return nil
			}
			if e.ownMutation(m) {
				continue
			}
			e.debnc.Debounce(func() { e.Scan() })
		}
	}
}

// ownMutation filters out the engine's own writes so helper planting
// does not retrigger the scan loop.
func (e *Engine) ownMutation(m dom.Mutation) bool {
	if m.Target == nil {
		return false
	}
	if m.Target.HasAttr(MarkerAttr) {
		return true
	}
	return strings.HasPrefix(m.Attr, "data-replypilot")
}

// Activate runs the full reply flow for one helper: extract the post,
// request a reply over the channel, then insert or copy the result.
// A helper that is already busy ignores the activation.
func (e *Engine) Activate(ctx context.Context, btn *dom.Element) error {
	// The helper's state attribute is the busy guard; every exit path
	// below moves the state off busy via settle or fail.
	e.mu.Lock()
	if state, _ := btn.Attr(StateAttr); state == StateBusy {
		e.mu.Unlock()
		logging.InjectDebug("activation ignored, helper busy")
		return nil
	}
	e.setState(btn, StateBusy, busyLabel)
	e.mu.Unlock()

	post := btn.Closest(e.profile.Post)
	if post == nil {
		return e.fail(btn, "post container not found")
	}

	req := e.extract(post)
	if strings.TrimSpace(req.SourceText) == "" {
		return e.fail(btn, "no post text found")
	}

	var res gateway.ReplyResult
	if err := e.port.Call(ctx, channel.TypeGenerateReply, req, &res); err != nil {
		var de *channel.DeliveryError
		if errors.As(err, &de) {
			return e.fail(btn, "helper backend unavailable")
		}
		return e.fail(btn, err.Error())
	}
	if !res.OK {
		logging.InjectWarn("reply denied: %s", res.Reason)
		return e.fail(btn, res.Reason)
	}

	settings, err := e.fetchSettings(ctx)
	if err != nil {
		return e.fail(btn, err.Error())
	}

	switch settings.DefaultAction {
	case config.ActionCopy:
		if e.copy == nil {
			return e.fail(btn, "clipboard unavailable")
		}
		if err := e.copy(res.Text); err != nil {
			return e.fail(btn, err.Error())
		}
		e.settle(btn, copiedLabel)
	default:
		composer := e.findComposer(post)
		if composer == nil {
			return e.fail(btn, "comment box not found")
		}
		if err := e.typist.Insert(ctx, composer, res.Text, settings.PacedInsertion, e.fire); err != nil {
			return e.fail(btn, err.Error())
		}
		e.settle(btn, insertedLabel)
	}
	logging.Inject("reply delivered, usage now %d", res.UsageCountAfter)
	return nil
}

// extract pulls the post fields through the profile locators. Author
// and date are hints only; missing ones stay empty.
func (e *Engine) extract(post *dom.Element) gateway.ReplyRequest {
	req := gateway.ReplyRequest{}
	if el := post.Query(e.profile.PostText); el != nil {
		req.SourceText = el.Text()
	}
	if el := post.Query(e.profile.Author); el != nil {
		req.AuthorHint = el.Text()
	}
	if el := post.Query(e.profile.Date); el != nil {
		if dt, ok := el.Attr("datetime"); ok {
			req.DateHint = dt
		} else {
			req.DateHint = el.Text()
		}
	}
	return req
}

// findComposer looks for the reply editor inside the post first, then
// anywhere on the page. Feeds render one floating composer for the
// whole feed often enough that the page-wide fallback earns its keep.
func (e *Engine) findComposer(post *dom.Element) *dom.Element {
	if c := post.Query(e.profile.Composer); c != nil {
		return c
	}
	return e.doc.Root().Query(e.profile.Composer)
}

func (e *Engine) fetchSettings(ctx context.Context) (view gateway.SettingsView, err error) {
	err = e.port.Call(ctx, channel.TypeGetSettings, nil, &view)
	return view, err
}

// settle moves the helper to success and schedules the revert to idle.
func (e *Engine) settle(btn *dom.Element, label string) {
	e.setState(btn, StateSuccess, label)
	e.after(successLinger, func() { e.revert(btn) })
}

// fail moves the helper to error, records the reason on the element,
// and schedules the revert. The reason doubles as the return value so
// programmatic callers see the same text the page shows.
func (e *Engine) fail(btn *dom.Element, reason string) error {
	logging.InjectError("helper failed: %s", reason)
	e.setState(btn, StateError, failedLabel)
	btn.SetAttr(reasonAttr, reason)
	e.after(errorLinger, func() { e.revert(btn) })
	return errors.New(reason)
}

func (e *Engine) revert(btn *dom.Element) {
	if !btn.Attached() {
		return
	}
	btn.RemoveAttr(reasonAttr)
	e.setState(btn, StateIdle, buttonLabel)
}

func (e *Engine) setState(btn *dom.Element, state, label string) {
	btn.SetAttr(StateAttr, state)
	btn.SetText(label)
}
