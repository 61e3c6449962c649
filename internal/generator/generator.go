// Package generator calls the external text-generation API. The rest of the
// system treats it as an opaque call: text + tone + max length in, reply text
// or a structured failure out.
package generator

import (
	"context"
	"fmt"
	"strings"

	"replypilot/internal/config"
)

// Request is the opaque generation call input. Author and Date are
// optional hints that give the model context about the post.
type Request struct {
	Text      string
	Author    string
	Date      string
	Tone      config.Tone
	MaxLength int
}

// Client is the minimal interface the gateway uses to generate a reply.
type Client interface {
	Generate(ctx context.Context, req Request) (string, error)
}

// ProviderError is a structured failure from the generation provider:
// an HTTP-like status plus the provider's message, surfaced verbatim.
type ProviderError struct {
	Status  int
	Message string
}

func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("provider error (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("provider error: %s", e.Message)
}

var toneInstructions = map[config.Tone]string{
	config.ToneProfessional: "Write in a professional, measured voice.",
	config.TonePolite:       "Write in a courteous, respectful voice.",
	config.ToneFriendly:     "Write in a warm, approachable voice.",
	config.ToneConcise:      "Be brief and to the point.",
}

const systemPrompt = `You write short replies to social feed posts on behalf of the user.
Reply directly to the post content. Do not quote the post back, do not add
hashtags, do not mention that you are an assistant. Output only the reply text.`

// buildPrompts renders the system and user prompts for a request.
func buildPrompts(req Request) (string, string) {
	tone, ok := toneInstructions[req.Tone]
	if !ok {
		tone = toneInstructions[config.ToneProfessional]
	}

	var user strings.Builder
	fmt.Fprintf(&user, "%s Keep the reply under %d characters.\n\n", tone, req.MaxLength)
	if req.Author != "" {
		fmt.Fprintf(&user, "Post by %s", req.Author)
		if req.Date != "" {
			fmt.Fprintf(&user, " on %s", req.Date)
		}
		user.WriteString(":\n")
	} else {
		user.WriteString("Post:\n")
	}
	user.WriteString(req.Text)
	return systemPrompt, user.String()
}

// clampReply enforces the length ceiling on whatever the provider returned.
func clampReply(text string, maxLength int) string {
	text = strings.TrimSpace(text)
	if maxLength > 0 {
		runes := []rune(text)
		if len(runes) > maxLength {
			text = strings.TrimSpace(string(runes[:maxLength]))
		}
	}
	return text
}
