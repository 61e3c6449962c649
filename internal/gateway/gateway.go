// Package gateway is the privileged-context request handler. It validates
// input, consults the usage ledger, invokes the external generator and shapes
// the response. It holds no state across requests: preferences and the usage
// record are reloaded from persistent storage on every invocation, so the
// process can be torn down and restarted between messages.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"replypilot/internal/config"
	"replypilot/internal/generator"
	"replypilot/internal/ledger"
	"replypilot/internal/logging"
)

// Input bounds for the source text, measured after trimming.
const (
	MinSourceLen = 5
	MaxSourceLen = 10000
)

// ReplyRequest is what the page context sends for one generation.
type ReplyRequest struct {
	SourceText string `json:"postText"`
	AuthorHint string `json:"authorName,omitempty"`
	DateHint   string `json:"postDate,omitempty"`
}

// ReplyResult is the shaped response. It is a value, never an error: every
// failure mode degrades to OK=false with a reason the page can display.
type ReplyResult struct {
	OK              bool   `json:"success"`
	Text            string `json:"reply,omitempty"`
	UsageCountAfter int    `json:"usageCount,omitempty"`
	Reason          string `json:"error,omitempty"`
	IsRateLimit     bool   `json:"rateLimitReached,omitempty"`
}

// ClientFactory builds a generator client from the loaded settings. The
// gateway constructs the client per request so a credential change takes
// effect without a restart.
type ClientFactory func(config.Settings) generator.Client

// Gateway wires the settings store, the ledger and the generator together.
type Gateway struct {
	settings  *config.Store
	ledger    *ledger.Ledger
	newClient ClientFactory
}

// New creates a gateway. A nil factory defaults to the Gemini HTTP client.
func New(settings *config.Store, l *ledger.Ledger, factory ClientFactory) *Gateway {
	if factory == nil {
		factory = func(s config.Settings) generator.Client {
			return generator.NewGeminiClient(s.Credential)
		}
	}
	return &Gateway{settings: settings, ledger: l, newClient: factory}
}

// Handle runs the ordered gates for one generation request. Exactly one
// ledger mutation happens per request that reaches the consume gate,
// regardless of downstream outcome: a failed generation after a successful
// quota consumption is not refunded.
func (g *Gateway) Handle(ctx context.Context, req ReplyRequest) ReplyResult {
	// Gate 1: input validation, before any quota is touched.
	source := strings.TrimSpace(req.SourceText)
	if n := len([]rune(source)); n == 0 {
		return failure("post text is empty")
	} else if n < MinSourceLen {
		return failure(fmt.Sprintf("post text too short (%d characters, need at least %d)", n, MinSourceLen))
	} else if n > MaxSourceLen {
		return failure(fmt.Sprintf("post text too long (%d characters, maximum %d)", n, MaxSourceLen))
	}

	// Gate 2: configuration, still before any quota is touched.
	settings, err := g.settings.Load()
	if err != nil {
		logging.GatewayWarn("settings load failed: %v", err)
		return failure("could not load settings, please try again")
	}
	if settings.Credential == "" {
		return failure("no API key configured, set one in the settings")
	}

	// Gate 3: quota. The consumed unit is not rolled back on later failure.
	rec, err := g.ledger.TryConsume()
	if err != nil {
		var denied *ledger.DeniedError
		if errors.As(err, &denied) {
			logging.Gateway("rate limit reached: count=%d limit=%d", rec.Count, rec.Limit)
			return ReplyResult{
				OK:          false,
				Reason:      fmt.Sprintf("reply limit reached, resets in %s", FormatRemaining(denied.Remaining)),
				IsRateLimit: true,
			}
		}
		logging.GatewayWarn("ledger failure: %v", err)
		return failure("could not update usage counter, please try again")
	}

	// Gate 4: sanitize and call the generator.
	text := Sanitize(source)
	reply, err := g.newClient(settings).Generate(ctx, generator.Request{
		Text:      text,
		Author:    strings.TrimSpace(req.AuthorHint),
		Date:      strings.TrimSpace(req.DateHint),
		Tone:      settings.Tone,
		MaxLength: settings.MaxLength,
	})
	if err != nil {
		var pe *generator.ProviderError
		if errors.As(err, &pe) {
			return failure(pe.Message)
		}
		return failure(err.Error())
	}

	logging.Gateway("reply generated: len=%d usage=%d/%d", len(reply), rec.Count, rec.Limit)
	return ReplyResult{
		OK:              true,
		Text:            reply,
		UsageCountAfter: rec.Count,
	}
}

// Settings returns the current preferences merged over defaults.
func (g *Gateway) Settings() (config.Settings, error) {
	return g.settings.Load()
}

// Usage returns a read-only snapshot of the usage record without consuming.
func (g *Gateway) Usage() (ledger.Record, error) {
	return g.ledger.Read()
}

// ResetUsage starts a fresh window with a zero count.
func (g *Gateway) ResetUsage() (ledger.Record, error) {
	return g.ledger.Reset()
}

func failure(reason string) ReplyResult {
	return ReplyResult{OK: false, Reason: reason}
}

// Sanitize strips control characters, collapses whitespace runs to single
// spaces and enforces the source length ceiling.
func Sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inSpace := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			inSpace = true
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		if inSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		inSpace = false
		b.WriteRune(r)
	}
	out := b.String()
	runes := []rune(out)
	if len(runes) > MaxSourceLen {
		out = string(runes[:MaxSourceLen])
	}
	return out
}

// FormatRemaining renders a remaining-time duration for display:
// hours+minutes, or "now" when the window has already rolled over.
func FormatRemaining(d time.Duration) string {
	if d <= 0 {
		return "now"
	}
	h := int(d / time.Hour)
	m := int((d % time.Hour + time.Minute - 1) / time.Minute) // round up
	if m == 60 {
		h++
		m = 0
	}
	if h > 0 {
		return fmt.Sprintf("%dh %dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
