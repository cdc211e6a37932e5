// Package llm generates persona chat replies.
//
// Mirrors the embedding package: a small Provider interface with Ollama
// (local, recommended), OpenAI, and a deterministic noop implementation that
// keeps the runtime usable for demos and tests without a model server.
package llm

import (
	"context"
	"strings"
)

// Message is one turn of a chat exchange. Role is "system", "user", or
// "assistant".
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a completion request. Messages carry the persona system prompt,
// recalled memories, and the conversation so far, oldest first.
type Request struct {
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Provider generates assistant replies.
type Provider interface {
	// Complete returns the full assistant reply.
	Complete(ctx context.Context, req Request) (string, error)

	// Stream invokes onChunk for each reply fragment in order and returns
	// the assembled reply. Concatenating the chunks yields exactly the
	// returned string. An onChunk error aborts the stream and is returned.
	Stream(ctx context.Context, req Request, onChunk func(chunk string) error) (string, error)

	// Name identifies the provider for status reporting.
	Name() string
}

// NoopProvider answers deterministically from the last user message. Replies
// acknowledge the input so conversation flows remain observable end to end.
type NoopProvider struct{}

// NewNoopProvider creates a provider that needs no model backend.
func NewNoopProvider() *NoopProvider {
	return &NoopProvider{}
}

// Name identifies the provider.
func (p *NoopProvider) Name() string { return "noop" }

func lastUserMessage(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	return ""
}

// Complete returns a canned acknowledgement of the last user message.
func (p *NoopProvider) Complete(_ context.Context, req Request) (string, error) {
	user := strings.TrimSpace(lastUserMessage(req.Messages))
	if user == "" {
		return "I'm listening.", nil
	}
	const maxEcho = 120
	if len(user) > maxEcho {
		cut := user[:maxEcho]
		if i := strings.LastIndexByte(cut, ' '); i > 0 {
			cut = cut[:i]
		}
		user = cut + "…"
	}
	return "I hear you: " + user + " Tell me more.", nil
}

// noopChunkSize is small enough that even short replies produce several
// stream events.
const noopChunkSize = 16

// Stream splits the canned reply into fixed-size chunks on rune boundaries.
func (p *NoopProvider) Stream(ctx context.Context, req Request, onChunk func(chunk string) error) (string, error) {
	reply, err := p.Complete(ctx, req)
	if err != nil {
		return "", err
	}

	runes := []rune(reply)
	for start := 0; start < len(runes); start += noopChunkSize {
		end := min(start+noopChunkSize, len(runes))
		if err := onChunk(string(runes[start:end])); err != nil {
			return "", err
		}
	}
	return reply, nil
}
