// Hosted relay Provider implementation using go-openai library.
//
// The relay is the first-party fallback when no user credentials are
// configured. It speaks the OpenAI wire protocol at a fixed endpoint and is
// subject to the strict free-tier quota enforced by the dispatcher.

package llm

import (
	"context"

	openai "github.com/sashabaranov/go-openai"
)

const relayBaseURL = "https://relay.nbcopilot.dev/v1"

// HostedRelayProvider implements the Provider interface against the
// first-party relay.
type HostedRelayProvider struct {
	client *openai.Client
}

// NewHostedRelayProvider creates a relay provider. The token identifies the
// installation, not a paid provider account.
func NewHostedRelayProvider(token string) *HostedRelayProvider {
	cfg := openai.DefaultConfig(token)
	cfg.BaseURL = relayBaseURL

	return &HostedRelayProvider{client: openai.NewClientWithConfig(cfg)}
}

// Name returns the provider name.
func (p *HostedRelayProvider) Name() string { return "hosted-relay" }

// Kind returns the provider kind.
func (p *HostedRelayProvider) Kind() Kind { return KindHostedRelay }

// DefaultModel returns the relay's default model.
func (p *HostedRelayProvider) DefaultModel() string { return ModelAnthropicDefault }

// Complete sends a completion request.
func (p *HostedRelayProvider) Complete(ctx context.Context, req Request) (Response, error) {
	return completeOpenAICompatible(ctx, p.client, req)
}

// Stream streams a completion.
func (p *HostedRelayProvider) Stream(ctx context.Context, req Request, chunks chan<- string) (*Usage, error) {
	return streamOpenAICompatible(ctx, p.client, req, chunks)
}

// Verify HostedRelayProvider implements Provider
var _ Provider = (*HostedRelayProvider)(nil)
