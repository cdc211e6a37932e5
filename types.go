package kioku

// Message is one entry in a chat transcript passed to an LLMProvider.
type Message struct {
	Role    string // "system", "user", or "assistant"
	Content string
}

// CompletionRequest is the input to an LLMProvider call.
// No internal package imports — safe to implement from outside the module.
type CompletionRequest struct {
	Messages  []Message
	MaxTokens int
}
