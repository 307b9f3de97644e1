// Package llm provides shared data models for LLM providers.
package llm

import "encoding/json"

// ChatMessage represents a chat message with role and content.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// SystemMessage creates a system message.
func SystemMessage(content string) ChatMessage {
	return ChatMessage{Role: "system", Content: content}
}

// UserMessage creates a user message.
func UserMessage(content string) ChatMessage {
	return ChatMessage{Role: "user", Content: content}
}

// AssistantMessage creates an assistant message.
func AssistantMessage(content string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: content}
}

// Schema requests structured output: the response must be a single JSON
// value conforming to Raw (a JSON Schema document). Raw should already be
// normalized for strict mode; see NormalizeSchemaStrict.
type Schema struct {
	Name string
	Raw  json.RawMessage
}

// Request is a single completion request against a provider.
type Request struct {
	Model       string
	Messages    []ChatMessage
	MaxTokens   uint32
	Temperature float32
	Schema      *Schema
}

// Response represents a response from an LLM provider.
type Response struct {
	Content string
	Usage   *Usage
}

// Usage contains token usage statistics.
type Usage struct {
	PromptTokens     uint32
	CompletionTokens uint32
	TotalTokens      uint32
}
