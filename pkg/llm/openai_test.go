package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kadirpekel/nestor/pkg/config"
	"github.com/kadirpekel/nestor/pkg/fault"
)

func TestIsReasoningModel(t *testing.T) {
	reasoning := []string{"o1", "o3", "o4", "gpt-5", "o1-mini", "o3-mini", "o4-mini", "gpt-5-nano", "O3-Mini"}
	for _, model := range reasoning {
		if !isReasoningModel(model) {
			t.Errorf("isReasoningModel(%q) = false, want true", model)
		}
	}

	classic := []string{"gpt-4o", "gpt-4o-mini", "gpt-4-turbo", "gpt-oss", "o40", "llama3"}
	for _, model := range classic {
		if isReasoningModel(model) {
			t.Errorf("isReasoningModel(%q) = true, want false", model)
		}
	}
}

func TestBuildRequest_Classic(t *testing.T) {
	client := NewOpenAI(config.LLMConfig{
		Model:       "gpt-4o-mini",
		Temperature: 0.4,
		MaxTokens:   512,
	})

	req := client.buildRequest([]Message{{Role: RoleUser, Content: "hi"}}, Options{})

	if req.MaxTokens != 512 {
		t.Errorf("MaxTokens = %v, want 512", req.MaxTokens)
	}
	if req.MaxCompletionTokens != 0 {
		t.Errorf("MaxCompletionTokens = %v, want 0", req.MaxCompletionTokens)
	}
	if req.Temperature != float32(0.4) {
		t.Errorf("Temperature = %v, want 0.4", req.Temperature)
	}
	if req.ReasoningEffort != "" {
		t.Errorf("ReasoningEffort = %q, want empty", req.ReasoningEffort)
	}
}

func TestBuildRequest_Reasoning(t *testing.T) {
	client := NewOpenAI(config.LLMConfig{
		Model:           "o3-mini",
		Temperature:     0.4,
		MaxTokens:       512,
		ReasoningEffort: config.EffortHigh,
	})

	req := client.buildRequest([]Message{{Role: RoleUser, Content: "hi"}}, Options{})

	if req.MaxCompletionTokens != 512 {
		t.Errorf("MaxCompletionTokens = %v, want 512", req.MaxCompletionTokens)
	}
	if req.MaxTokens != 0 {
		t.Errorf("MaxTokens = %v, want 0", req.MaxTokens)
	}
	if req.Temperature != 1.0 {
		t.Errorf("Temperature = %v, want 1.0", req.Temperature)
	}
	if req.ReasoningEffort != "high" {
		t.Errorf("ReasoningEffort = %q, want high", req.ReasoningEffort)
	}
}

func TestBuildRequest_OptionsOverride(t *testing.T) {
	client := NewOpenAI(config.LLMConfig{
		Model:       "gpt-4o-mini",
		Temperature: 0.4,
		MaxTokens:   512,
	})

	req := client.buildRequest(nil, Options{Temperature: 0.9, MaxTokens: 64})

	if req.MaxTokens != 64 {
		t.Errorf("MaxTokens = %v, want 64", req.MaxTokens)
	}
	if req.Temperature != float32(0.9) {
		t.Errorf("Temperature = %v, want 0.9", req.Temperature)
	}
}

func TestOpenAI_Complete(t *testing.T) {
	var got map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("request body is not JSON: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"tasks\":[]}"}}]}`))
	}))
	defer server.Close()

	client := NewOpenAI(config.LLMConfig{
		Model:       "gpt-4o-mini",
		APIKey:      "sk-test",
		BaseURL:     server.URL + "/v1",
		Temperature: 0.5,
		MaxTokens:   256,
	})

	text, err := client.Complete(context.Background(), []Message{
		{Role: RoleSystem, Content: "You are a planner."},
		{Role: RoleUser, Content: "add 1 and 2"},
	}, Options{})
	if err != nil {
		t.Fatalf("Complete() error = %v, want nil", err)
	}
	if text != `{"tasks":[]}` {
		t.Errorf("Complete() = %v, want the canned body", text)
	}

	if got["model"] != "gpt-4o-mini" {
		t.Errorf("wire model = %v, want gpt-4o-mini", got["model"])
	}
	if got["max_tokens"] != float64(256) {
		t.Errorf("wire max_tokens = %v, want 256", got["max_tokens"])
	}
	if _, ok := got["max_completion_tokens"]; ok {
		t.Error("wire request carries max_completion_tokens for a classic model")
	}
	messages, ok := got["messages"].([]any)
	if !ok || len(messages) != 2 {
		t.Fatalf("wire messages = %v, want 2 entries", got["messages"])
	}
	first, _ := messages[0].(map[string]any)
	if first["role"] != "system" {
		t.Errorf("first wire role = %v, want system", first["role"])
	}
}

func TestOpenAI_Complete_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer server.Close()

	client := NewOpenAI(config.LLMConfig{
		Model:   "gpt-4o-mini",
		APIKey:  "sk-test",
		BaseURL: server.URL + "/v1",
	})

	_, err := client.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, Options{})
	if err == nil {
		t.Fatal("Complete() error = nil, want API error")
	}
	if fault.KindOf(err) != fault.KindLLMError {
		t.Errorf("Complete() error kind = %v, want %v", fault.KindOf(err), fault.KindLLMError)
	}
}

func TestOpenAI_Complete_NoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	client := NewOpenAI(config.LLMConfig{
		Model:   "gpt-4o-mini",
		APIKey:  "sk-test",
		BaseURL: server.URL + "/v1",
	})

	_, err := client.Complete(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, Options{})
	if err == nil {
		t.Fatal("Complete() error = nil, want no-choices error")
	}
	if fault.KindOf(err) != fault.KindLLMError {
		t.Errorf("Complete() error kind = %v, want %v", fault.KindOf(err), fault.KindLLMError)
	}
}
