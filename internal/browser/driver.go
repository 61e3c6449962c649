// Package browser binds the in-memory page model to a live Chrome tab.
// It mirrors the tab's DOM into a dom.Document, plants the real helper
// buttons, and relays clicks and insertions between the two worlds.
package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"

	"replypilot/internal/dom"
	"replypilot/internal/inject"
	"replypilot/internal/logging"
)

// Config holds browser configuration.
type Config struct {
	DebuggerURL         string   `json:"debugger_url"`
	Launch              []string `json:"launch"`
	Headless            bool     `json:"headless"`
	ViewportWidth       int      `json:"viewport_width"`
	ViewportHeight      int      `json:"viewport_height"`
	NavigationTimeoutMs int      `json:"navigation_timeout_ms"`
	PollIntervalMs      int      `json:"poll_interval_ms"`
	SnapshotThrottleMs  int      `json:"snapshot_throttle_ms"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Headless:            false,
		ViewportWidth:       1920,
		ViewportHeight:      1080,
		NavigationTimeoutMs: 30000,
		PollIntervalMs:      500,
		SnapshotThrottleMs:  1000,
	}
}

// GetViewportWidth returns viewport width.
func (c Config) GetViewportWidth() int {
	if c.ViewportWidth == 0 {
		return 1920
	}
	return c.ViewportWidth
}

// GetViewportHeight returns viewport height.
func (c Config) GetViewportHeight() int {
	if c.ViewportHeight == 0 {
		return 1080
	}
	return c.ViewportHeight
}

// NavigationTimeout returns the navigation timeout.
func (c Config) NavigationTimeout() time.Duration {
	if c.NavigationTimeoutMs == 0 {
		return 30 * time.Second
	}
	return time.Duration(c.NavigationTimeoutMs) * time.Millisecond
}

// PollInterval returns how often the click/mutation buffer is drained.
func (c Config) PollInterval() time.Duration {
	if c.PollIntervalMs == 0 {
		return 500 * time.Millisecond
	}
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

type throttle struct {
	interval time.Duration
	mu       sync.Mutex
	last     time.Time
}

func (t *throttle) Allow() bool {
	if t.interval <= 0 {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	if now.Sub(t.last) < t.interval {
		return false
	}
	t.last = now
	return true
}

// Driver owns the Chrome connection and the feed tab.
type Driver struct {
	cfg     Config
	doc     *dom.Document
	profile inject.LocatorProfile

	mu         sync.RWMutex
	browser    *rod.Browser
	page       *rod.Page
	controlURL string

	snapshots *throttle
}

// NewDriver creates a driver that mirrors the tab into doc using the
// page-side locators from profile.
func NewDriver(cfg Config, doc *dom.Document, profile inject.LocatorProfile) *Driver {
	return &Driver{
		cfg:       cfg,
		doc:       doc,
		profile:   profile,
		snapshots: &throttle{interval: time.Duration(cfg.SnapshotThrottleMs) * time.Millisecond},
	}
}

// Start connects to an existing Chrome or launches a new one, then
// opens the feed URL and takes the first snapshot.
func (d *Driver) Start(ctx context.Context, url string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.browser != nil {
		if _, err := d.browser.Version(); err == nil {
			return nil
		}
		logging.BrowserDebug("stale browser connection, reconnecting")
		_ = d.browser.Close()
		d.browser = nil
		d.page = nil
		d.controlURL = ""
	}

	controlURL := d.cfg.DebuggerURL
	if controlURL == "" && len(d.cfg.Launch) > 0 {
		bin := d.cfg.Launch[0]
		launch := launcher.New().Bin(bin).Headless(d.cfg.Headless)
		for _, rawFlag := range d.cfg.Launch[1:] {
			flagStr := strings.TrimLeft(rawFlag, "-")
			name, val, hasVal := strings.Cut(flagStr, "=")
			if hasVal {
				launch = launch.Set(flags.Flag(name), val)
			} else {
				launch = launch.Set(flags.Flag(name))
			}
		}
		u, err := launch.Launch()
		if err != nil {
			// Fallback without the extra flags.
			fallback := launcher.New().Bin(bin).Headless(d.cfg.Headless)
			alt, altErr := fallback.Launch()
			if altErr != nil {
				return fmt.Errorf("launch chrome: %w (fallback: %v)", err, altErr)
			}
			u = alt
		}
		controlURL = u
	}
	if controlURL == "" {
		u, err := launcher.New().Headless(d.cfg.Headless).Launch()
		if err != nil {
			return fmt.Errorf("no debugger_url and failed to launch: %w", err)
		}
		controlURL = u
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect to chrome: %w", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		_ = browser.Close()
		return fmt.Errorf("create page: %w", err)
	}
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             d.cfg.GetViewportWidth(),
		Height:            d.cfg.GetViewportHeight(),
		DeviceScaleFactor: 1.0,
		Mobile:            false,
	}).Call(page); err != nil {
		logging.BrowserDebug("failed to set viewport: %v", err)
	}
	if err := page.Timeout(d.cfg.NavigationTimeout()).Navigate(url); err != nil {
		_ = browser.Close()
		return fmt.Errorf("navigate %s: %w", url, err)
	}
	_ = page.Timeout(d.cfg.NavigationTimeout()).WaitLoad()

	d.browser = browser
	d.page = page
	d.controlURL = controlURL
	logging.Browser("connected to %s", url)

	return d.snapshotLocked(ctx)
}

// ControlURL returns the WebSocket debugger URL.
func (d *Driver) ControlURL() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.controlURL
}

// Stop closes the tab and the browser.
func (d *Driver) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var err error
	if d.page != nil {
		_ = d.page.Close()
		d.page = nil
	}
	if d.browser != nil {
		err = d.browser.Close()
		d.browser = nil
	}
	d.controlURL = ""
	return err
}

func (d *Driver) livePage() (*rod.Page, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.page == nil {
		return nil, errors.New("browser not connected")
	}
	return d.page, nil
}

// Snapshot re-reads the tab's HTML into the document model.
func (d *Driver) Snapshot(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.snapshotLocked(ctx)
}

func (d *Driver) snapshotLocked(ctx context.Context) error {
	if d.page == nil {
		return errors.New("browser not connected")
	}
	html, err := d.page.Context(ctx).HTML()
	if err != nil {
		return fmt.Errorf("read page html: %w", err)
	}
	return d.doc.LoadHTML(strings.NewReader(html))
}

// PlantHelpers injects the real reply buttons into the tab. The page
// side mirrors the model's idempotence rule: a post whose toolbar
// already holds a marked element is skipped.
func (d *Driver) PlantHelpers(ctx context.Context) (int, error) {
	page, err := d.livePage()
	if err != nil {
		return 0, err
	}

	res, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS: `
		(postSel, toolbarSel, formSel, marker) => {
			const w = window;
			if (!w.__replypilotClicks) w.__replypilotClicks = [];
			if (!w.__replypilotDirty) w.__replypilotDirty = false;
			if (!w.__replypilotObserver) {
				w.__replypilotObserver = new MutationObserver(() => { w.__replypilotDirty = true; });
				w.__replypilotObserver.observe(document.documentElement, { childList: true, subtree: true });
			}

			const posts = Array.from(document.querySelectorAll(postSel));
			let planted = 0;
			posts.forEach((post, idx) => {
				if (post.querySelector('[' + marker + ']')) return;
				const anchor = post.querySelector(toolbarSel) || post.querySelector(formSel) || post;
				const btn = document.createElement('button');
				btn.setAttribute(marker, 'helper');
				btn.setAttribute(marker + '-state', 'idle');
				btn.className = 'replypilot-btn';
				btn.textContent = 'AI Reply';
				btn.addEventListener('click', (ev) => {
					ev.preventDefault();
					ev.stopPropagation();
					w.__replypilotClicks.push({ post: idx, ts: Date.now() });
				});
				anchor.appendChild(btn);
				planted++;
			});
			return planted;
		}
		`,
		JSArgs: []interface{}{
			d.profile.Post, d.profile.Toolbar, d.profile.Form, inject.MarkerAttr,
		},
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return 0, fmt.Errorf("plant helpers: %w", err)
	}
	planted := res.Value.Int()
	if planted > 0 {
		logging.Browser("planted %d live helper(s)", planted)
	}
	return planted, nil
}

// Click describes one helper activation observed in the tab.
type Click struct {
	Post int   `json:"post"`
	TS   int64 `json:"ts"`
}

// Run drains the tab's click buffer and keeps the model in sync with
// page mutations. Each click is handed to activate with the index of
// its post in document order. Blocks until ctx ends.
func (d *Driver) Run(ctx context.Context, activate func(ctx context.Context, postIndex int)) error {
	ticker := time.NewTicker(d.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			clicks, dirty, err := d.drain(ctx)
			if err != nil {
				logging.BrowserDebug("drain: %v", err)
				continue
			}
			if dirty && d.snapshots.Allow() {
				if err := d.Snapshot(ctx); err != nil {
					logging.BrowserError("snapshot: %v", err)
				}
				if _, err := d.PlantHelpers(ctx); err != nil {
					logging.BrowserError("replant: %v", err)
				}
			}
			for _, c := range clicks {
				activate(ctx, c.Post)
			}
		}
	}
}

func (d *Driver) drain(ctx context.Context) ([]Click, bool, error) {
	page, err := d.livePage()
	if err != nil {
		return nil, false, err
	}
	res, err := page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS: `
		() => {
			const w = window;
			const clicks = Array.isArray(w.__replypilotClicks) ? w.__replypilotClicks : [];
			w.__replypilotClicks = [];
			const dirty = !!w.__replypilotDirty;
			w.__replypilotDirty = false;
			return { clicks, dirty };
		}
		`,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return nil, false, err
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return nil, false, err
	}
	var out struct {
		Clicks []Click `json:"clicks"`
		Dirty  bool    `json:"dirty"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false, err
	}
	return out.Clicks, out.Dirty, nil
}

// SetHelperState mirrors a helper's state and label onto the live
// button for the given post.
func (d *Driver) SetHelperState(ctx context.Context, postIndex int, state, label string) error {
	page, err := d.livePage()
	if err != nil {
		return err
	}
	_, err = page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS: `
		(postSel, marker, idx, state, label) => {
			const posts = Array.from(document.querySelectorAll(postSel));
			const post = posts[idx];
			if (!post) return false;
			const btn = post.querySelector('[' + marker + ']');
			if (!btn) return false;
			btn.setAttribute(marker + '-state', state);
			btn.textContent = label;
			return true;
		}
		`,
		JSArgs:       []interface{}{d.profile.Post, inject.MarkerAttr, postIndex, state, label},
		ByValue:      true,
		AwaitPromise: true,
	})
	return err
}

// TypeInto writes text into the composer for the given post, falling
// back to the first composer on the page. Rod's Input fires the same
// input events a typing user would.
func (d *Driver) TypeInto(ctx context.Context, postIndex int, text string) error {
	page, err := d.livePage()
	if err != nil {
		return err
	}

	for _, sel := range composerCandidates(d.profile, postIndex) {
		el, err := page.Context(ctx).Element(sel)
		if err != nil || el == nil {
			continue
		}
		if err := el.Input(text); err != nil {
			return fmt.Errorf("type into %s: %w", sel, err)
		}
		return nil
	}
	return errors.New("composer not found in tab")
}

func composerCandidates(p inject.LocatorProfile, postIndex int) []string {
	var out []string
	for _, composer := range strings.Split(p.Composer, ",") {
		composer = strings.TrimSpace(composer)
		for _, post := range strings.Split(p.Post, ",") {
			out = append(out, fmt.Sprintf("%s:nth-of-type(%d) %s", strings.TrimSpace(post), postIndex+1, composer))
		}
	}
	for _, composer := range strings.Split(p.Composer, ",") {
		out = append(out, strings.TrimSpace(composer))
	}
	return out
}

// CopyToClipboard places text on the tab's clipboard.
func (d *Driver) CopyToClipboard(ctx context.Context, text string) error {
	page, err := d.livePage()
	if err != nil {
		return err
	}
	_, err = page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS: `
		(text) => {
			if (navigator.clipboard && navigator.clipboard.writeText) {
				return navigator.clipboard.writeText(text).then(() => true, () => false);
			}
			return false;
		}
		`,
		JSArgs:       []interface{}{text},
		ByValue:      true,
		AwaitPromise: true,
		UserGesture:  true,
	})
	return err
}
