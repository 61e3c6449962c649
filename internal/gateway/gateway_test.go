package gateway

import (
	"context"
	"strings"
	"testing"
	"time"

	"replypilot/internal/config"
	"replypilot/internal/generator"
	"replypilot/internal/ledger"
)

type fakeGenerator struct {
	reply string
	err   error
	calls int
	last  generator.Request
}

func (f *fakeGenerator) Generate(_ context.Context, req generator.Request) (string, error) {
	f.calls++
	f.last = req
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func newTestGateway(t *testing.T, s config.Settings, limit int, gen *fakeGenerator) (*Gateway, *ledger.Ledger) {
	t.Helper()
	dir := t.TempDir()

	store := config.NewStore(dir)
	if s != (config.Settings{}) {
		if err := store.Save(s); err != nil {
			t.Fatalf("Save settings: %v", err)
		}
	}

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := ledger.New(dir, limit, ledger.WithClock(func() time.Time { return now }))

	g := New(store, l, func(config.Settings) generator.Client { return gen })
	return g, l
}

func configured() config.Settings {
	s := config.DefaultSettings()
	s.Credential = "key-abc"
	return s
}

func TestHandleSuccessScenario(t *testing.T) {
	// Scenario A: credential configured, limit=50, count=0.
	gen := &fakeGenerator{reply: "Thanks for sharing this perspective."}
	g, _ := newTestGateway(t, configured(), 50, gen)

	res := g.Handle(context.Background(), ReplyRequest{SourceText: "Great insights on leadership!"})
	if !res.OK {
		t.Fatalf("Handle failed: %s", res.Reason)
	}
	if res.Text != "Thanks for sharing this perspective." {
		t.Errorf("Text = %q", res.Text)
	}
	if res.UsageCountAfter != 1 {
		t.Errorf("UsageCountAfter = %d, want 1", res.UsageCountAfter)
	}
	if gen.calls != 1 {
		t.Errorf("generator calls = %d, want 1", gen.calls)
	}
	if gen.last.Tone != config.ToneProfessional {
		t.Errorf("tone = %s, want default professional", gen.last.Tone)
	}
}

func TestHandleRateLimitNeverCallsGenerator(t *testing.T) {
	// Scenario B: count=limit=5.
	gen := &fakeGenerator{reply: "should not happen"}
	g, l := newTestGateway(t, configured(), 5, gen)

	for i := 0; i < 5; i++ {
		if _, err := l.TryConsume(); err != nil {
			t.Fatalf("TryConsume %d: %v", i, err)
		}
	}

	res := g.Handle(context.Background(), ReplyRequest{SourceText: "Great insights on leadership!"})
	if res.OK {
		t.Fatal("expected rate-limit failure")
	}
	if !res.IsRateLimit {
		t.Error("IsRateLimit = false, want true")
	}
	if !strings.Contains(res.Reason, "resets in") {
		t.Errorf("Reason = %q, want remaining-time message", res.Reason)
	}
	if gen.calls != 0 {
		t.Errorf("generator calls = %d, want 0", gen.calls)
	}
}

func TestHandleEmptyInputLeavesLedgerUntouched(t *testing.T) {
	// Scenario C: empty input rejected before the ledger is touched.
	gen := &fakeGenerator{reply: "x"}
	g, l := newTestGateway(t, configured(), 5, gen)

	res := g.Handle(context.Background(), ReplyRequest{SourceText: "   "})
	if res.OK {
		t.Fatal("expected input failure")
	}
	if res.IsRateLimit {
		t.Error("IsRateLimit should be false for input errors")
	}

	rec, err := l.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if rec.Count != 0 {
		t.Errorf("Count = %d, want 0 (untouched)", rec.Count)
	}
}

func TestHandleInputBounds(t *testing.T) {
	gen := &fakeGenerator{reply: "x"}
	g, _ := newTestGateway(t, configured(), 5, gen)

	if res := g.Handle(context.Background(), ReplyRequest{SourceText: "hey"}); res.OK {
		t.Error("text under 5 characters should be rejected")
	}
	long := strings.Repeat("a", MaxSourceLen+1)
	if res := g.Handle(context.Background(), ReplyRequest{SourceText: long}); res.OK {
		t.Error("text over 10000 characters should be rejected")
	}
}

func TestHandleMissingCredentialBeforeQuota(t *testing.T) {
	gen := &fakeGenerator{reply: "x"}
	g, l := newTestGateway(t, config.Settings{}, 5, gen) // nothing saved, no credential

	res := g.Handle(context.Background(), ReplyRequest{SourceText: "Great insights on leadership!"})
	if res.OK {
		t.Fatal("expected config failure")
	}
	if !strings.Contains(res.Reason, "API key") {
		t.Errorf("Reason = %q", res.Reason)
	}

	rec, _ := l.Read()
	if rec.Count != 0 {
		t.Errorf("Count = %d, want 0 (quota untouched)", rec.Count)
	}
}

func TestHandleProviderFailureDoesNotRefundQuota(t *testing.T) {
	gen := &fakeGenerator{err: &generator.ProviderError{Status: 500, Message: "backend exploded"}}
	g, l := newTestGateway(t, configured(), 5, gen)

	res := g.Handle(context.Background(), ReplyRequest{SourceText: "Great insights on leadership!"})
	if res.OK {
		t.Fatal("expected provider failure")
	}
	if res.Reason != "backend exploded" {
		t.Errorf("Reason = %q, want provider message verbatim", res.Reason)
	}
	if res.IsRateLimit {
		t.Error("provider failure must not look like a rate limit")
	}

	rec, _ := l.Read()
	if rec.Count != 1 {
		t.Errorf("Count = %d, want 1 (consumed unit kept)", rec.Count)
	}
}

func TestHandleSanitizesSourceText(t *testing.T) {
	gen := &fakeGenerator{reply: "ok"}
	g, _ := newTestGateway(t, configured(), 5, gen)

	res := g.Handle(context.Background(), ReplyRequest{SourceText: "line one\n\n  line\ttwo\x00!"})
	if !res.OK {
		t.Fatalf("Handle failed: %s", res.Reason)
	}
	if gen.last.Text != "line one line two!" {
		t.Errorf("sanitized text = %q", gen.last.Text)
	}
}

func TestSanitize(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"a  b\t\nc", "a b c"},
		{"\x01\x02hello\x7f", "hello"},
		{"  leading and trailing  ", "leading and trailing"},
	}
	for _, tc := range cases {
		if got := Sanitize(tc.in); got != tc.want {
			t.Errorf("Sanitize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestFormatRemaining(t *testing.T) {
	cases := []struct {
		d    time.Duration
		want string
	}{
		{-time.Minute, "now"},
		{0, "now"},
		{30 * time.Second, "1m"},
		{45 * time.Minute, "45m"},
		{2*time.Hour + 5*time.Minute, "2h 5m"},
		{24 * time.Hour, "24h 0m"},
	}
	for _, tc := range cases {
		if got := FormatRemaining(tc.d); got != tc.want {
			t.Errorf("FormatRemaining(%v) = %q, want %q", tc.d, got, tc.want)
		}
	}
}
