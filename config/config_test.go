package config

import (
	"strings"
	"testing"
)

func TestNewDefaults(t *testing.T) {
	t.Setenv("LLM_MAX_TOKENS", "")
	t.Setenv("AGENT_MAX_ITERATIONS", "")
	t.Setenv("NBCOPILOT_TIER", "")
	t.Setenv("NBCOPILOT_DATA_DIR", "/tmp/nbcopilot-test")

	s, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if s.LLM.MaxTokens != 4096 {
		t.Errorf("MaxTokens = %d, want 4096", s.LLM.MaxTokens)
	}
	if s.Agent.MaxIterations != 25 {
		t.Errorf("MaxIterations = %d, want 25", s.Agent.MaxIterations)
	}
	if s.Convert.MaxRetries != 5 {
		t.Errorf("Convert.MaxRetries = %d, want 5", s.Convert.MaxRetries)
	}
	if s.Convert.TimeoutSecs != 60 {
		t.Errorf("Convert.TimeoutSecs = %d, want 60", s.Convert.TimeoutSecs)
	}
	if s.Tier != TierFree {
		t.Errorf("Tier = %q, want free", s.Tier)
	}
	if s.QuotaBypass() {
		t.Error("free tier must not bypass quota")
	}
}

func TestNewOverrides(t *testing.T) {
	t.Setenv("LLM_MAX_TOKENS", "8192")
	t.Setenv("AGENT_MAX_ITERATIONS", "10")
	t.Setenv("NBCOPILOT_TIER", "enterprise")
	t.Setenv("LITELLM_BASE_URL", "http://litellm.internal:4000")
	t.Setenv("LITELLM_MODELS", "gpt-4o, claude-sonnet-4 ,")
	t.Setenv("NBCOPILOT_DATA_DIR", "/tmp/nbcopilot-test")

	s, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if s.LLM.MaxTokens != 8192 {
		t.Errorf("MaxTokens = %d, want 8192", s.LLM.MaxTokens)
	}
	if s.Agent.MaxIterations != 10 {
		t.Errorf("MaxIterations = %d, want 10", s.Agent.MaxIterations)
	}
	if !s.QuotaBypass() {
		t.Error("enterprise tier must bypass quota")
	}
	if s.Providers.LiteLLMBaseURL != "http://litellm.internal:4000" {
		t.Errorf("LiteLLMBaseURL = %q", s.Providers.LiteLLMBaseURL)
	}
	if len(s.Providers.LiteLLMModels) != 2 || s.Providers.LiteLLMModels[1] != "claude-sonnet-4" {
		t.Errorf("LiteLLMModels = %v", s.Providers.LiteLLMModels)
	}
}

func TestNewInvalidValues(t *testing.T) {
	t.Setenv("LLM_MAX_TOKENS", "not-a-number")

	_, err := New()
	if err == nil {
		t.Fatal("expected error for invalid LLM_MAX_TOKENS")
	}
	if !strings.Contains(err.Error(), "LLM_MAX_TOKENS") {
		t.Errorf("error should name the variable: %v", err)
	}
}

func TestNewInvalidTier(t *testing.T) {
	t.Setenv("NBCOPILOT_TIER", "platinum")

	if _, err := New(); err == nil {
		t.Fatal("expected error for invalid tier")
	}
}
