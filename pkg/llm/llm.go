// Package llm provides the completion clients behind planning, repair,
// and interpretation.
//
// Two providers exist: openai speaks the chat completions API (and any
// compatible endpoint via base_url), and mock returns canned responses
// keyed by substring match, which offline demos and tests rely on.
package llm

import (
	"context"

	"github.com/kadirpekel/nestor/pkg/config"
	"github.com/kadirpekel/nestor/pkg/fault"
)

// Chat roles shared by all providers.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one chat turn sent to the provider.
type Message struct {
	Role    string
	Content string
}

// Options tune a single completion call. Zero values fall back to the
// configured defaults.
type Options struct {
	Temperature float64
	MaxTokens   int
}

// Client produces a completion for a conversation.
type Client interface {
	Complete(ctx context.Context, messages []Message, opts Options) (string, error)
	Model() string
	Close() error
}

// New builds the client the configuration asks for.
func New(cfg config.LLMConfig) (Client, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		return NewOpenAI(cfg), nil
	case config.ProviderMock:
		return NewMock(cfg.MockRules), nil
	default:
		return nil, fault.Errorf(fault.KindConfig, "unknown llm provider %q", cfg.Provider)
	}
}
