package llm

import (
	"context"
	"log/slog"
	"strings"

	"github.com/kadirpekel/nestor/pkg/config"
	"github.com/kadirpekel/nestor/pkg/fault"
)

// Mock returns canned completions keyed by substring match against the
// rendered prompt. Rules are checked in order and the first match wins,
// so more specific rules belong first.
type Mock struct {
	rules []config.MockRule
}

// NewMock creates a mock client from the configured rules.
func NewMock(rules []config.MockRule) *Mock {
	return &Mock{rules: rules}
}

// Complete matches the concatenated message contents against the rules.
func (m *Mock) Complete(_ context.Context, messages []Message, _ Options) (string, error) {
	var b strings.Builder
	for _, msg := range messages {
		b.WriteString(msg.Content)
		b.WriteByte('\n')
	}
	prompt := b.String()

	for _, r := range m.rules {
		if strings.Contains(prompt, r.Contains) {
			slog.Debug("Mock completion matched", "contains", r.Contains)
			return r.Response, nil
		}
	}
	return "", fault.New(fault.KindLLMError, "no mock rule matches the prompt")
}

// Model identifies the provider in logs and stats.
func (m *Mock) Model() string {
	return "mock"
}

// Close is a no-op.
func (m *Mock) Close() error {
	return nil
}

var _ Client = (*Mock)(nil)
