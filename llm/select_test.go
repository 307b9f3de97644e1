package llm

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestSelectOrder(t *testing.T) {
	cases := []struct {
		name  string
		creds Credentials
		want  Kind
	}{
		{
			"litellm wins over everything",
			Credentials{LiteLLMBaseURL: "http://gw:4000", LiteLLMModels: []string{"gpt-4o"}, OpenAIKey: "sk-x", AnthropicKey: "sk-ant", GeminiKey: "g"},
			KindLiteLLM,
		},
		{
			"openai before anthropic",
			Credentials{OpenAIKey: "sk-x", AnthropicKey: "sk-ant", GeminiKey: "g"},
			KindOpenAI,
		},
		{
			"anthropic before gemini",
			Credentials{AnthropicKey: "sk-ant", GeminiKey: "g"},
			KindAnthropic,
		},
		{
			"gemini when only gemini",
			Credentials{GeminiKey: "g"},
			KindGemini,
		},
		{
			"relay fallback",
			Credentials{},
			KindHostedRelay,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := Select(tc.creds)
			if err != nil {
				t.Fatalf("Select failed: %v", err)
			}
			if p.Kind() != tc.want {
				t.Errorf("Kind = %v, want %v", p.Kind(), tc.want)
			}
		})
	}
}

func TestSelectLiteLLMRequiresModels(t *testing.T) {
	_, err := Select(Credentials{LiteLLMBaseURL: "http://gw:4000"})
	if err == nil {
		t.Error("expected error for LiteLLM without a model list")
	}
}

func TestAvailableModels(t *testing.T) {
	lp, err := Select(Credentials{LiteLLMBaseURL: "http://gw:4000", LiteLLMModels: []string{"m1", "m2"}})
	if err != nil {
		t.Fatal(err)
	}
	got := AvailableModels(lp)
	if len(got) != 2 || got[0] != "m1" {
		t.Errorf("configured list not returned: %v", got)
	}

	op, _ := Select(Credentials{OpenAIKey: "sk-x"})
	if len(AvailableModels(op)) == 0 {
		t.Error("default model list is empty")
	}
}

func TestFastModelForStaysInFamily(t *testing.T) {
	cases := map[string]string{
		ModelOpenAIDefault:    "gpt-4o-mini",
		"gpt-4o":              "gpt-4o-mini",
		ModelAnthropicDefault: "claude-haiku-4-20250514",
		ModelGeminiDefault:    "gemini-3-flash",
		"mystery-model":       "mystery-model",
	}
	for model, want := range cases {
		if got := FastModelFor(model); got != want {
			t.Errorf("FastModelFor(%q) = %q, want %q", model, got, want)
		}
	}
}

func TestNormalizeSchemaStrict(t *testing.T) {
	in := json.RawMessage(`{
		"type": "object",
		"properties": {
			"message": {"type": "string"},
			"cell_update": {
				"type": "object",
				"properties": {"id": {"type": "string"}}
			},
			"tags": {"type": "array", "items": {"type": "object", "properties": {"k": {"type": "string"}}}}
		}
	}`)

	out, err := NormalizeSchemaStrict(in)
	if err != nil {
		t.Fatalf("NormalizeSchemaStrict failed: %v", err)
	}

	var node map[string]any
	if err := json.Unmarshal(out, &node); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}

	if node["additionalProperties"] != false {
		t.Error("root object missing additionalProperties=false")
	}
	props := node["properties"].(map[string]any)
	nested := props["cell_update"].(map[string]any)
	if nested["additionalProperties"] != false {
		t.Error("nested object missing additionalProperties=false")
	}
	items := props["tags"].(map[string]any)["items"].(map[string]any)
	if items["additionalProperties"] != false {
		t.Error("array item object missing additionalProperties=false")
	}

	required := node["required"].([]any)
	if len(required) != 3 {
		t.Errorf("root required = %v, want all three properties", required)
	}

	// Input must not be mutated.
	if strings.Contains(string(in), "additionalProperties") {
		t.Error("input schema was mutated")
	}
}

func TestNormalizeSchemaStrictNullableObject(t *testing.T) {
	in := json.RawMessage(`{
		"type": "object",
		"properties": {
			"cell_update": {
				"type": ["object", "null"],
				"properties": {
					"id": {"type": ["string", "null"]},
					"code": {"type": "string"}
				}
			}
		}
	}`)

	out, err := NormalizeSchemaStrict(in)
	if err != nil {
		t.Fatalf("NormalizeSchemaStrict failed: %v", err)
	}

	var node map[string]any
	if err := json.Unmarshal(out, &node); err != nil {
		t.Fatalf("output is not valid JSON: %v", err)
	}

	nested := node["properties"].(map[string]any)["cell_update"].(map[string]any)
	if nested["additionalProperties"] != false {
		t.Error("nullable object missing additionalProperties=false")
	}
	required, _ := nested["required"].([]any)
	if len(required) != 2 || required[0] != "code" || required[1] != "id" {
		t.Errorf("nullable object required = %v, want sorted [code id]", required)
	}
}

func TestNormalizeSchemaStrictInvalid(t *testing.T) {
	if _, err := NormalizeSchemaStrict(json.RawMessage(`{broken`)); err == nil {
		t.Error("expected error for invalid schema JSON")
	}
}
