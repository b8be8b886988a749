// Package tokencount provides token counting and budget truncation for
// embedding inputs.
//
// It uses tiktoken-go, a Go port of OpenAI's official tiktoken library, so
// the truncation boundary matches what the provider will count.
package tokencount

import (
	"log/slog"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"
)

// Counter provides thread-safe token counting per model.
type Counter struct {
	encodingCache map[string]*tiktoken.Tiktoken
	mu            sync.RWMutex
}

// NewCounter creates a new token counter instance.
func NewCounter() *Counter {
	return &Counter{
		encodingCache: make(map[string]*tiktoken.Tiktoken),
	}
}

// DefaultCounter is a global token counter instance.
var DefaultCounter = NewCounter()

// getEncodingForModel returns the tiktoken encoding for a model, cached for
// performance. Unknown models fall back to cl100k_base, the encoding used by
// the text-embedding-3 family.
func (c *Counter) getEncodingForModel(model string) (*tiktoken.Tiktoken, error) {
	c.mu.RLock()
	if enc, ok := c.encodingCache[model]; ok {
		c.mu.RUnlock()
		return enc, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock
	if enc, ok := c.encodingCache[model]; ok {
		return enc, nil
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		slog.Debug("falling back to cl100k_base encoding",
			slog.String("model", model),
			slog.Any("error", err))
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}

	c.encodingCache[model] = enc
	return enc, nil
}

// CountTokens counts the number of tokens in a text string for a given model.
func (c *Counter) CountTokens(text, model string) (int, error) {
	enc, err := c.getEncodingForModel(model)
	if err != nil {
		return 0, err
	}

	tokens := enc.Encode(text, nil, nil)
	return len(tokens), nil
}

// Truncate cuts text down to at most maxTokens tokens for the given model.
// When the encoding cannot be loaded it falls back to a rough 4-chars-per-
// token estimate rather than failing the embed.
func (c *Counter) Truncate(text, model string, maxTokens int) string {
	if maxTokens <= 0 || text == "" {
		return text
	}
	enc, err := c.getEncodingForModel(model)
	if err != nil {
		slog.Warn("token encoding unavailable, using size estimate",
			slog.String("model", model),
			slog.Any("error", err))
		if max := maxTokens * 4; len(text) > max {
			return text[:max]
		}
		return text
	}
	tokens := enc.Encode(text, nil, nil)
	if len(tokens) <= maxTokens {
		return text
	}
	return enc.Decode(tokens[:maxTokens])
}

// CountTokensDefault uses the default counter to count tokens.
func CountTokensDefault(text, model string) (int, error) {
	return DefaultCounter.CountTokens(text, model)
}

// TruncateDefault uses the default counter to truncate text.
func TruncateDefault(text, model string, maxTokens int) string {
	return DefaultCounter.Truncate(text, model, maxTokens)
}
