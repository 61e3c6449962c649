package generator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"replypilot/internal/logging"
)

// =============================================================================
// GOOGLE GENAI SDK PROVIDER
// =============================================================================

// GenAIClient implements Client on the official Google GenAI SDK. It is the
// alternative to the hand-rolled HTTP GeminiClient for setups that prefer the
// SDK's credential handling.
type GenAIClient struct {
	client *genai.Client
	model  string
}

// NewGenAIClient creates an SDK-backed generator client.
func NewGenAIClient(ctx context.Context, apiKey, model string) (*GenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("GenAI API key is required")
	}
	if model == "" {
		model = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: apiKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GenAIClient{client: client, model: model}, nil
}

// Generate sends the request through the SDK. SDK failures are normalized to
// *ProviderError so the gateway treats both providers identically.
func (c *GenAIClient) Generate(ctx context.Context, req Request) (string, error) {
	startTime := time.Now()

	system, user := buildPrompts(req)
	contents := []*genai.Content{
		genai.NewContentFromText(user, genai.RoleUser),
	}
	cfg := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(system, genai.RoleUser),
		Temperature:       genai.Ptr[float32](0.7),
		MaxOutputTokens:   1024,
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, cfg)
	if err != nil {
		logging.APIError("[GenAI] Generate failed after %v: %v", time.Since(startTime), err)
		return "", normalizeGenAIError(err)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", &ProviderError{Message: "no completion returned"}
	}

	reply := clampReply(text, req.MaxLength)
	logging.API("[GenAI] Generate: completed in %v reply_len=%d", time.Since(startTime), len(reply))
	return reply, nil
}

func normalizeGenAIError(err error) error {
	var apiErr genai.APIError
	if ok := errorsAs(err, &apiErr); ok {
		return &ProviderError{Status: apiErr.Code, Message: apiErr.Message}
	}
	return &ProviderError{Message: err.Error()}
}

// errorsAs is a tiny indirection so normalizeGenAIError stays testable with
// plain errors.
func errorsAs(err error, target *genai.APIError) bool {
	if e, ok := err.(genai.APIError); ok {
		*target = e
		return true
	}
	if e, ok := err.(*genai.APIError); ok && e != nil {
		*target = *e
		return true
	}
	return false
}
