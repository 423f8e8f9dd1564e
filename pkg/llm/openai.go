package llm

import (
	"context"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kadirpekel/nestor/pkg/config"
	"github.com/kadirpekel/nestor/pkg/fault"
	"github.com/kadirpekel/nestor/pkg/httpclient"
	"github.com/kadirpekel/nestor/pkg/textsafe"
)

// OpenAI is the chat completions client. Pointing base_url at any
// OpenAI-compatible endpoint (Ollama, vLLM, a proxy) works the same.
type OpenAI struct {
	client *openai.Client
	cfg    config.LLMConfig
}

// NewOpenAI creates a client for the configured model. Requests ride
// through a retrying transport that honors rate limit headers.
func NewOpenAI(cfg config.LLMConfig) *OpenAI {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	clientCfg.HTTPClient = httpclient.New(
		httpclient.WithHeaderParser(httpclient.ParseOpenAIHeaders),
	)
	return &OpenAI{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
	}
}

// Complete sends the conversation and returns the model's text.
func (o *OpenAI) Complete(ctx context.Context, messages []Message, opts Options) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, o.buildRequest(messages, opts))
	if err != nil {
		return "", fault.Wrap(fault.KindLLMError, err, "completion request failed")
	}
	if len(resp.Choices) == 0 {
		return "", fault.New(fault.KindLLMError, "no response choices returned")
	}
	return resp.Choices[0].Message.Content, nil
}

// Model returns the configured model name.
func (o *OpenAI) Model() string {
	return o.cfg.Model
}

// Close is a no-op; the underlying client holds no connections.
func (o *OpenAI) Close() error {
	return nil
}

// buildRequest normalizes across model families. Reasoning models take
// max_completion_tokens, a reasoning effort, and a fixed sampling
// temperature of 1.0; everything else takes max_tokens and the caller's
// temperature.
func (o *OpenAI) buildRequest(messages []Message, opts Options) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:    o.cfg.Model,
		Messages: make([]openai.ChatCompletionMessage, len(messages)),
	}
	for i, m := range messages {
		// Last line of defense: request bodies must never carry unpaired
		// surrogates, whatever assembled the prompt.
		req.Messages[i] = openai.ChatCompletionMessage{Role: m.Role, Content: textsafe.Clean(m.Content)}
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = o.cfg.MaxTokens
	}
	temperature := opts.Temperature
	if temperature <= 0 {
		temperature = o.cfg.Temperature
	}

	if isReasoningModel(o.cfg.Model) {
		req.MaxCompletionTokens = maxTokens
		req.Temperature = 1.0
		req.ReasoningEffort = string(o.cfg.ReasoningEffort)
	} else {
		req.MaxTokens = maxTokens
		req.Temperature = float32(temperature)
	}

	return req
}

// isReasoningModel reports whether the model belongs to a reasoning
// family (o-series, gpt-5). Those reject max_tokens and non-default
// sampling temperatures.
func isReasoningModel(model string) bool {
	name := strings.ToLower(model)
	switch name {
	case "o1", "o3", "o4", "gpt-5":
		return true
	}
	for _, prefix := range []string{"o1-", "o3-", "o4-", "gpt-5-"} {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

var _ Client = (*OpenAI)(nil)
