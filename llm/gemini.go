// Google Gemini Provider implementation using official google.golang.org/genai SDK.
//
// Information Hiding:
// - API authentication and client creation
// - Request/response format for Gemini API
// - Structured output via ResponseSchema + JSON MIME type
// - Web search via the Google Search grounding tool

package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/genai"
)

// GeminiProvider implements the Provider interface for Google Gemini.
// It is the only provider implementing WebSearcher.
type GeminiProvider struct {
	client       *genai.Client
	defaultModel string
	initErr      error // Stores client initialization error for deferred reporting
}

// NewGeminiProvider creates a new Gemini provider.
// If client initialization fails, the error is stored and returned on first use.
func NewGeminiProvider(apiKey string) *GeminiProvider {
	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return &GeminiProvider{
			defaultModel: ModelGeminiDefault,
			initErr:      fmt.Errorf("failed to initialize Gemini client: %w", err),
		}
	}

	return &GeminiProvider{
		client:       client,
		defaultModel: ModelGeminiDefault,
	}
}

// Name returns the provider name.
func (p *GeminiProvider) Name() string { return "gemini" }

// Kind returns the provider kind.
func (p *GeminiProvider) Kind() Kind { return KindGemini }

// DefaultModel returns the default model.
func (p *GeminiProvider) DefaultModel() string { return p.defaultModel }

func (p *GeminiProvider) ready() error {
	if p.initErr != nil {
		return p.initErr
	}
	if p.client == nil {
		return fmt.Errorf("gemini client not initialized")
	}
	return nil
}

// Complete sends a completion request.
func (p *GeminiProvider) Complete(ctx context.Context, req Request) (Response, error) {
	if err := p.ready(); err != nil {
		return Response{}, err
	}

	contents, config, err := p.buildRequest(req)
	if err != nil {
		return Response{}, err
	}

	response, err := p.client.Models.GenerateContent(ctx, req.Model, contents, config)
	if err != nil {
		return Response{}, classifyGeminiErr(err)
	}

	content := response.Text()
	if content == "" {
		return Response{}, fmt.Errorf("empty response from Gemini")
	}

	return Response{Content: content, Usage: geminiUsage(response)}, nil
}

// Stream streams a completion.
func (p *GeminiProvider) Stream(ctx context.Context, req Request, chunks chan<- string) (*Usage, error) {
	if err := p.ready(); err != nil {
		return nil, err
	}

	contents, config, err := p.buildRequest(req)
	if err != nil {
		return nil, err
	}

	var usage *Usage
	for response, err := range p.client.Models.GenerateContentStream(ctx, req.Model, contents, config) {
		if err != nil {
			return usage, fmt.Errorf("stream error: %w", err)
		}

		if u := geminiUsage(response); u != nil {
			usage = u
		}

		text := response.Text()
		if text != "" {
			select {
			case chunks <- text:
			case <-ctx.Done():
				return usage, ctx.Err()
			}
		}
	}

	return usage, nil
}

// WebSearch answers a query with Google Search grounding.
func (p *GeminiProvider) WebSearch(ctx context.Context, query string) (string, error) {
	if err := p.ready(); err != nil {
		return "", err
	}

	config := &genai.GenerateContentConfig{
		Tools: []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}},
	}
	contents := []*genai.Content{genai.NewContentFromText(query, genai.RoleUser)}

	response, err := p.client.Models.GenerateContent(ctx, p.defaultModel, contents, config)
	if err != nil {
		return "", classifyGeminiErr(err)
	}

	text := response.Text()
	if text == "" {
		return "", fmt.Errorf("empty search response from Gemini")
	}
	return text, nil
}

func (p *GeminiProvider) buildRequest(req Request) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	contents, systemInstruction := convertToGeminiMessages(req.Messages)

	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(req.Temperature),
		MaxOutputTokens: int32(req.MaxTokens),
	}

	if systemInstruction != "" {
		config.SystemInstruction = genai.NewContentFromText(systemInstruction, genai.RoleUser)
	}

	if req.Schema != nil {
		schema, err := convertToGeminiSchema(req.Schema.Raw)
		if err != nil {
			return nil, nil, err
		}
		config.ResponseMIMEType = "application/json"
		config.ResponseSchema = schema
	}

	return contents, config, nil
}

func geminiUsage(response *genai.GenerateContentResponse) *Usage {
	if response.UsageMetadata == nil {
		return nil
	}
	return &Usage{
		PromptTokens:     uint32(response.UsageMetadata.PromptTokenCount),
		CompletionTokens: uint32(response.UsageMetadata.CandidatesTokenCount),
		TotalTokens:      uint32(response.UsageMetadata.TotalTokenCount),
	}
}

// classifyGeminiErr wraps credential rejections with ErrAuth.
func classifyGeminiErr(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && (apiErr.Code == 401 || apiErr.Code == 403) {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	return fmt.Errorf("chat completion failed: %w", err)
}

// convertToGeminiMessages converts our ChatMessage to Gemini format.
// Extracts system message and returns it separately.
func convertToGeminiMessages(messages []ChatMessage) ([]*genai.Content, string) {
	var contents []*genai.Content
	var systemInstruction string

	for _, msg := range messages {
		switch msg.Role {
		case "system":
			systemInstruction = msg.Content
		case "user":
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleUser))
		case "assistant":
			contents = append(contents, genai.NewContentFromText(msg.Content, genai.RoleModel))
		}
	}

	return contents, systemInstruction
}

// convertToGeminiSchema converts a JSON Schema document to Gemini's typed
// schema, recursively. Gemini requires 'items' on arrays.
func convertToGeminiSchema(raw json.RawMessage) (*genai.Schema, error) {
	var node map[string]any
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, fmt.Errorf("parse schema for Gemini: %w", err)
	}
	return convertSchemaNode(node), nil
}

func convertSchemaNode(node map[string]any) *genai.Schema {
	schema := &genai.Schema{Type: genai.TypeObject}

	if t, ok := node["type"].(string); ok {
		schema.Type = mapToGeminiType(t)
	}
	if d, ok := node["description"].(string); ok {
		schema.Description = d
	}
	if req, ok := node["required"].([]any); ok {
		for _, r := range req {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if node["nullable"] == true {
		schema.Nullable = genai.Ptr(true)
	}

	if props, ok := node["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = convertSchemaNode(propMap)
			}
		}
	}

	if schema.Type == genai.TypeArray {
		if items, ok := node["items"].(map[string]any); ok {
			schema.Items = convertSchemaNode(items)
		} else {
			schema.Items = &genai.Schema{Type: genai.TypeString}
		}
	}

	if enum, ok := node["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}

	return schema
}

// mapToGeminiType maps JSON schema type to Gemini type.
func mapToGeminiType(t string) genai.Type {
	switch t {
	case "string":
		return genai.TypeString
	case "integer", "number":
		return genai.TypeNumber
	case "boolean":
		return genai.TypeBoolean
	case "array":
		return genai.TypeArray
	case "object":
		return genai.TypeObject
	default:
		return genai.TypeString
	}
}

// Verify GeminiProvider implements Provider and WebSearcher
var _ Provider = (*GeminiProvider)(nil)
var _ WebSearcher = (*GeminiProvider)(nil)
