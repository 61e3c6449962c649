package generator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"replypilot/internal/config"
)

func newTestClient(serverURL string) *GeminiClient {
	return NewGeminiClientWithConfig(GeminiConfig{
		APIKey:  "test-key",
		BaseURL: serverURL,
		Model:   "gemini-2.5-flash",
		Timeout: 5 * time.Second,
	})
}

func TestGenerateSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if !strings.Contains(r.URL.Path, "gemini-2.5-flash") {
			t.Errorf("path %s does not name the model", r.URL.Path)
		}
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"Great point, "},{"text":"thanks for sharing!"}]}}]}`))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	reply, err := c.Generate(context.Background(), Request{
		Text:      "Great insights on leadership!",
		Tone:      config.ToneProfessional,
		MaxLength: 500,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if reply != "Great point, thanks for sharing!" {
		t.Errorf("reply = %q", reply)
	}
}

func TestGenerateSurfacesProviderMessageVerbatim(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"code":403,"message":"API key not valid"}}`))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	_, err := c.Generate(context.Background(), Request{Text: "hello there", Tone: config.TonePolite, MaxLength: 200})

	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want ProviderError", err)
	}
	if pe.Status != http.StatusForbidden {
		t.Errorf("Status = %d, want 403", pe.Status)
	}
	if pe.Message != "API key not valid" {
		t.Errorf("Message = %q, want provider message verbatim", pe.Message)
	}
}

func TestGenerateEmptyCandidatesIsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"candidates":[]}`))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	_, err := c.Generate(context.Background(), Request{Text: "hello there", Tone: config.ToneFriendly, MaxLength: 200})

	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want ProviderError", err)
	}
	if !strings.Contains(pe.Message, "no completion") {
		t.Errorf("Message = %q", pe.Message)
	}
}

func TestGenerateRetriesOnRateLimit(t *testing.T) {
	attempts := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"code":429,"message":"quota exceeded"}}`))
			return
		}
		w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"ok"}]}}]}`))
	}))
	defer server.Close()

	c := newTestClient(server.URL)
	reply, err := c.Generate(context.Background(), Request{Text: "hello there", Tone: config.ToneConcise, MaxLength: 200})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if reply != "ok" {
		t.Errorf("reply = %q, want ok", reply)
	}
	if attempts != 2 {
		t.Errorf("attempts = %d, want 2", attempts)
	}
}

func TestGenerateMissingKey(t *testing.T) {
	c := NewGeminiClient("")
	_, err := c.Generate(context.Background(), Request{Text: "hello there", Tone: config.TonePolite, MaxLength: 200})
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want ProviderError", err)
	}
}

func TestClampReply(t *testing.T) {
	if got := clampReply("  hello  ", 100); got != "hello" {
		t.Errorf("clampReply trim = %q", got)
	}
	if got := clampReply(strings.Repeat("a", 20), 10); len([]rune(got)) != 10 {
		t.Errorf("clampReply ceiling = %q", got)
	}
}

func TestBuildPromptsMentionsToneAndLength(t *testing.T) {
	_, user := buildPrompts(Request{Text: "post body", Tone: config.ToneFriendly, MaxLength: 300})
	if !strings.Contains(user, "300") {
		t.Errorf("user prompt missing length: %q", user)
	}
	if !strings.Contains(user, "post body") {
		t.Errorf("user prompt missing text: %q", user)
	}
	if !strings.Contains(strings.ToLower(user), "warm") {
		t.Errorf("user prompt missing tone instruction: %q", user)
	}

	_, withAuthor := buildPrompts(Request{Text: "post body", Author: "Dana Reeve", Date: "2025-06-01", MaxLength: 300})
	if !strings.Contains(withAuthor, "Post by Dana Reeve on 2025-06-01") {
		t.Errorf("user prompt missing author hint: %q", withAuthor)
	}
}
