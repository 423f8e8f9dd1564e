package prompt

import (
	"fmt"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/kadirpekel/nestor/pkg/store"
)

// tokensPerEntry approximates the per-message framing overhead of chat
// completion APIs (role and content delimiters).
const tokensPerEntry = 3

// TokenCounter counts tokens with the encoding of a specific model. A
// counter without an initialized encoding falls back to a rough
// four-characters-per-token estimate.
type TokenCounter struct {
	encoding *tiktoken.Tiktoken
	model    string
	mu       sync.RWMutex
}

var (
	// Encodings are cached per model; initialization is expensive.
	encodingCache = make(map[string]*tiktoken.Tiktoken)
	cacheMu       sync.RWMutex
)

// NewTokenCounter creates a counter for the given model. Models tiktoken
// does not know fall back to the cl100k_base encoding.
func NewTokenCounter(model string) (*TokenCounter, error) {
	cacheMu.RLock()
	cached, ok := encodingCache[model]
	cacheMu.RUnlock()
	if ok {
		return &TokenCounter{encoding: cached, model: model}, nil
	}

	encoding, err := tiktoken.EncodingForModel(model)
	if err != nil {
		encoding, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("failed to get encoding: %w", err)
		}
	}

	cacheMu.Lock()
	encodingCache[model] = encoding
	cacheMu.Unlock()

	return &TokenCounter{encoding: encoding, model: model}, nil
}

// Count returns the token count for text.
func (tc *TokenCounter) Count(text string) int {
	if tc == nil || tc.encoding == nil {
		return len(text) / 4
	}
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return len(tc.encoding.Encode(text, nil, nil))
}

// CountEntry returns the token cost of one conversation entry, framing
// overhead included.
func (tc *TokenCounter) CountEntry(e store.Entry) int {
	return tokensPerEntry + tc.Count(string(e.Role)) + tc.Count(e.Text)
}

// FitEntries returns the suffix of entries that fits within maxTokens,
// selected from the most recent backwards and returned oldest first.
func (tc *TokenCounter) FitEntries(entries []store.Entry, maxTokens int) []store.Entry {
	if len(entries) == 0 {
		return entries
	}

	// Reserve the reply priming overhead.
	used := tokensPerEntry

	fitted := []store.Entry{}
	for i := len(entries) - 1; i >= 0; i-- {
		cost := tc.CountEntry(entries[i])
		if used+cost > maxTokens {
			break
		}
		fitted = append([]store.Entry{entries[i]}, fitted...)
		used += cost
	}
	return fitted
}

// Model returns the model name the counter was built for.
func (tc *TokenCounter) Model() string {
	return tc.model
}
