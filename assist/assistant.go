// Package assist wraps the text-generation collaborator used for bio
// rewriting, icebreaker suggestions, and persona chat replies. The
// collaborator is best effort: every operation degrades to a sensible
// fallback string, never an error, so the core keeps working when the
// service is down.
package assist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/linkup-app/linkup/types"
)

const (
	fallbackIcebreaker = "Hey! How's your night going?"
	fallbackReply      = "Hey there!"
)

// Assistant generates short texts. Implementations must not return
// errors; a failed generation returns the fallback.
type Assistant interface {
	// RewriteBio returns a punchier version of the bio, or the
	// original on failure.
	RewriteBio(ctx context.Context, bio string) string
	// SuggestIcebreaker returns an opener addressed to name.
	SuggestIcebreaker(ctx context.Context, name string) string
	// ChatReply returns an in-persona reply to the last message.
	ChatReply(ctx context.Context, personaBio string, history []types.Message, last string) string
}

// Static is the no-service assistant: fallbacks only.
type Static struct{}

func (Static) RewriteBio(_ context.Context, bio string) string { return bio }

func (Static) SuggestIcebreaker(_ context.Context, _ string) string { return fallbackIcebreaker }

func (Static) ChatReply(_ context.Context, _ string, _ []types.Message, _ string) string {
	return fallbackReply
}

// HTTPAssistant talks to a text-generation endpoint with a single
// request/response call per operation.
type HTTPAssistant struct {
	url  string
	http *http.Client
}

// NewHTTP creates an HTTP-backed assistant.
func NewHTTP(url string, timeout time.Duration) *HTTPAssistant {
	return &HTTPAssistant{
		url:  url,
		http: &http.Client{Timeout: timeout},
	}
}

type generateRequest struct {
	Prompt string `json:"prompt"`
}

type generateResponse struct {
	Text string `json:"text"`
}

func (a *HTTPAssistant) RewriteBio(ctx context.Context, bio string) string {
	prompt := fmt.Sprintf(
		"Rewrite this dating profile bio to be more catchy, confident, and direct. Keep it under 150 characters. Original: %s", bio)
	return a.generate(ctx, prompt, bio)
}

func (a *HTTPAssistant) SuggestIcebreaker(ctx context.Context, name string) string {
	prompt := fmt.Sprintf(
		"Suggest a short, bold, and playful icebreaker message for someone named %s.", name)
	return a.generate(ctx, prompt, fallbackIcebreaker)
}

func (a *HTTPAssistant) ChatReply(ctx context.Context, personaBio string, history []types.Message, last string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are chatting on a dating app. Your bio: %s\n", personaBio)
	for _, m := range history {
		fmt.Fprintf(&b, "%s: %s\n", m.SenderID, m.Text)
	}
	fmt.Fprintf(&b, "Reply briefly and in character to: %s", last)
	return a.generate(ctx, b.String(), fallbackReply)
}

// generate performs one request and falls back on any failure.
func (a *HTTPAssistant) generate(ctx context.Context, prompt, fallback string) string {
	body, err := json.Marshal(generateRequest{Prompt: prompt})
	if err != nil {
		return fallback
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.url, bytes.NewReader(body))
	if err != nil {
		return fallback
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.http.Do(req)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "generate",
			"error":    err,
		}).Warn("Assistant request failed")
		return fallback
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logrus.WithFields(logrus.Fields{
			"function": "generate",
			"status":   resp.StatusCode,
		}).Warn("Assistant returned error status")
		return fallback
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fallback
	}
	var out generateResponse
	if err := json.Unmarshal(raw, &out); err != nil || out.Text == "" {
		return fallback
	}
	return out.Text
}
