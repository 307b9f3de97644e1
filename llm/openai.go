// OpenAI Provider implementation using go-openai library.
//
// Information Hiding:
// - API endpoint and authentication
// - Request/response format for OpenAI Chat Completions API
// - Strict structured-output wiring via json_schema response format

package llm

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider implements the Provider interface for OpenAI.
type OpenAIProvider struct {
	client       *openai.Client
	defaultModel string
}

// NewOpenAIProvider creates a new OpenAI provider.
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	return &OpenAIProvider{
		client:       openai.NewClient(apiKey),
		defaultModel: ModelOpenAIDefault,
	}
}

// Name returns the provider name.
func (p *OpenAIProvider) Name() string { return "openai" }

// Kind returns the provider kind.
func (p *OpenAIProvider) Kind() Kind { return KindOpenAI }

// DefaultModel returns the default model.
func (p *OpenAIProvider) DefaultModel() string { return p.defaultModel }

// Complete sends a completion request.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (Response, error) {
	return completeOpenAICompatible(ctx, p.client, req)
}

// Stream streams a completion.
func (p *OpenAIProvider) Stream(ctx context.Context, req Request, chunks chan<- string) (*Usage, error) {
	return streamOpenAICompatible(ctx, p.client, req, chunks)
}

// completeOpenAICompatible is shared by every provider speaking the OpenAI
// wire protocol (OpenAI itself, LiteLLM, the hosted relay).
func completeOpenAICompatible(ctx context.Context, client *openai.Client, req Request) (Response, error) {
	oreq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    convertToOpenAIMessages(req.Messages),
		MaxTokens:   int(req.MaxTokens),
		Temperature: req.Temperature,
	}

	if req.Schema != nil {
		oreq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   req.Schema.Name,
				Schema: req.Schema.Raw,
				Strict: true,
			},
		}
	}

	resp, err := client.CreateChatCompletion(ctx, oreq)
	if err != nil {
		return Response{}, classifyOpenAIErr(err)
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	usage := &Usage{
		PromptTokens:     uint32(resp.Usage.PromptTokens),
		CompletionTokens: uint32(resp.Usage.CompletionTokens),
		TotalTokens:      uint32(resp.Usage.TotalTokens),
	}

	return Response{Content: content, Usage: usage}, nil
}

// streamOpenAICompatible streams a completion over the OpenAI wire protocol.
func streamOpenAICompatible(ctx context.Context, client *openai.Client, req Request, chunks chan<- string) (*Usage, error) {
	oreq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    convertToOpenAIMessages(req.Messages),
		MaxTokens:   int(req.MaxTokens),
		Temperature: req.Temperature,
		Stream:      true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}

	stream, err := client.CreateChatCompletionStream(ctx, oreq)
	if err != nil {
		return nil, classifyOpenAIErr(err)
	}
	defer stream.Close()

	var usage *Usage
	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return usage, nil
		}
		if err != nil {
			return usage, fmt.Errorf("stream recv failed: %w", err)
		}

		// Usage arrives on the final chunk.
		if response.Usage != nil {
			usage = &Usage{
				PromptTokens:     uint32(response.Usage.PromptTokens),
				CompletionTokens: uint32(response.Usage.CompletionTokens),
				TotalTokens:      uint32(response.Usage.TotalTokens),
			}
		}

		if len(response.Choices) > 0 {
			content := response.Choices[0].Delta.Content
			if content != "" {
				select {
				case chunks <- content:
				case <-ctx.Done():
					return usage, ctx.Err()
				}
			}
		}
	}
}

// classifyOpenAIErr wraps credential rejections with ErrAuth.
func classifyOpenAIErr(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && (apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403) {
		return fmt.Errorf("%w: %v", ErrAuth, err)
	}
	return fmt.Errorf("chat completion failed: %w", err)
}

// convertToOpenAIMessages converts our ChatMessage to openai.ChatCompletionMessage.
func convertToOpenAIMessages(messages []ChatMessage) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, len(messages))
	for i, msg := range messages {
		result[i] = openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}
	return result
}

// Verify OpenAIProvider implements Provider
var _ Provider = (*OpenAIProvider)(nil)
