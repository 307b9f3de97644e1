// Package config provides application settings loaded from environment variables.
//
// Settings are created via New() which handles:
// - Environment variable parsing with validation
// - Default value application
// - Provider key discovery for the dispatch selection rule

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Tier controls quota enforcement. Free deployments are subject to the
// monthly limits; pro and enterprise bypass them.
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

// Settings holds all application configuration.
type Settings struct {
	Providers ProviderConfig
	LLM       LLMConfig
	Agent     AgentConfig
	Convert   ConvertConfig
	Tier      Tier
	DataDir   string
}

// ProviderConfig holds credentials and endpoints for the completion backends.
type ProviderConfig struct {
	OpenAIKey      string
	AnthropicKey   string
	GeminiKey      string
	LiteLLMBaseURL string
	LiteLLMAPIKey  string
	LiteLLMModels  []string
	RelayToken     string
}

// LLMConfig holds request-shaping defaults shared by all providers.
type LLMConfig struct {
	MaxTokens   uint32
	Temperature float64
}

// AgentConfig holds agent loop configuration.
type AgentConfig struct {
	MaxIterations int
}

// ConvertConfig holds dashboard converter configuration.
type ConvertConfig struct {
	MaxRetries  int
	TimeoutSecs int
}

// New creates settings from environment variables.
// Returns an error if any variable contains an invalid value.
func New() (Settings, error) {
	maxTokens, err := getEnvUint32("LLM_MAX_TOKENS", 4096)
	if err != nil {
		return Settings{}, err
	}

	temperature, err := getEnvFloat64("LLM_TEMPERATURE", 0.2)
	if err != nil {
		return Settings{}, err
	}

	maxIterations, err := getEnvInt("AGENT_MAX_ITERATIONS", 25)
	if err != nil {
		return Settings{}, err
	}

	convertRetries, err := getEnvInt("CONVERT_MAX_RETRIES", 5)
	if err != nil {
		return Settings{}, err
	}

	convertTimeout, err := getEnvInt("CONVERT_TIMEOUT_SECS", 60)
	if err != nil {
		return Settings{}, err
	}

	tier, err := parseTier(os.Getenv("NBCOPILOT_TIER"))
	if err != nil {
		return Settings{}, err
	}

	dataDir := os.Getenv("NBCOPILOT_DATA_DIR")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Settings{}, fmt.Errorf("resolve home directory: %w", err)
		}
		dataDir = home + "/.nbcopilot"
	}

	return Settings{
		Providers: ProviderConfig{
			OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
			AnthropicKey:   os.Getenv("ANTHROPIC_API_KEY"),
			GeminiKey:      os.Getenv("GEMINI_API_KEY"),
			LiteLLMBaseURL: os.Getenv("LITELLM_BASE_URL"),
			LiteLLMAPIKey:  os.Getenv("LITELLM_API_KEY"),
			LiteLLMModels:  splitList(os.Getenv("LITELLM_MODELS")),
			RelayToken:     os.Getenv("NBCOPILOT_RELAY_TOKEN"),
		},
		LLM: LLMConfig{
			MaxTokens:   maxTokens,
			Temperature: temperature,
		},
		Agent: AgentConfig{
			MaxIterations: maxIterations,
		},
		Convert: ConvertConfig{
			MaxRetries:  convertRetries,
			TimeoutSecs: convertTimeout,
		},
		Tier:    tier,
		DataDir: dataDir,
	}, nil
}

// MustNew creates settings, panicking on invalid environment values.
// Use this only when configuration errors should be fatal.
func MustNew() Settings {
	settings, err := New()
	if err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
	return settings
}

// QuotaBypass reports whether this deployment skips quota enforcement.
func (s Settings) QuotaBypass() bool {
	return s.Tier == TierPro || s.Tier == TierEnterprise
}

func parseTier(val string) (Tier, error) {
	switch strings.ToLower(val) {
	case "", "free":
		return TierFree, nil
	case "pro":
		return TierPro, nil
	case "enterprise":
		return TierEnterprise, nil
	default:
		return "", fmt.Errorf("invalid value for NBCOPILOT_TIER: %q", val)
	}
}

func splitList(val string) []string {
	if val == "" {
		return nil
	}
	parts := strings.Split(val, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// Environment variable helpers with proper error handling

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	i, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return i, nil
}

func getEnvUint32(key string, defaultVal uint32) (uint32, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	i, err := strconv.ParseUint(val, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return uint32(i), nil
}

func getEnvFloat64(key string, defaultVal float64) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %q: %w", key, val, err)
	}
	return f, nil
}
