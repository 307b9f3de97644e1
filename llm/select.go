// Provider selection for the completion dispatcher.
//
// The rule is ordered, first match wins:
//  1. LiteLLM base URL configured -> LiteLLM with the configured model list
//  2. OpenAI key present -> OpenAI
//  3. Anthropic key present -> Anthropic
//  4. Gemini key present -> Gemini
//  5. Otherwise the hosted first-party relay (strict free-tier quota)

package llm

// Credentials carries everything the selection rule inspects.
type Credentials struct {
	OpenAIKey      string
	AnthropicKey   string
	GeminiKey      string
	LiteLLMBaseURL string
	LiteLLMAPIKey  string
	LiteLLMModels  []string
	RelayToken     string
}

// Select picks the provider for this deployment.
func Select(creds Credentials) (Provider, error) {
	switch {
	case creds.LiteLLMBaseURL != "":
		return NewLiteLLMProvider(creds.LiteLLMBaseURL, creds.LiteLLMAPIKey, creds.LiteLLMModels)
	case creds.OpenAIKey != "":
		return NewOpenAIProvider(creds.OpenAIKey), nil
	case creds.AnthropicKey != "":
		return NewAnthropicProvider(creds.AnthropicKey), nil
	case creds.GeminiKey != "":
		return NewGeminiProvider(creds.GeminiKey), nil
	default:
		return NewHostedRelayProvider(creds.RelayToken), nil
	}
}

// AvailableModels returns the site-wide configured list when the provider
// carries one (LiteLLM), and the default fixed list otherwise.
func AvailableModels(p Provider) []string {
	if lp, ok := p.(*LiteLLMProvider); ok {
		return lp.Models()
	}
	return DefaultModelList
}
