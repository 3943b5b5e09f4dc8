package utils

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates prompt sizes. The zero value uses the character
// heuristic; EnableTiktoken switches to cl100k_base when the encoding loads.
type TokenCounter struct {
	mu       sync.RWMutex
	encoding *tiktoken.Tiktoken
}

// NewTokenCounter returns a heuristic counter.
func NewTokenCounter() *TokenCounter {
	return &TokenCounter{}
}

// EnableTiktoken loads the cl100k_base encoding. The first load may fetch the
// BPE ranks, so it is only called at startup when configured.
func (c *TokenCounter) EnableTiktoken() error {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.encoding = enc
	c.mu.Unlock()
	return nil
}

// Count returns the token count of text.
func (c *TokenCounter) Count(text string) int {
	if c != nil {
		c.mu.RLock()
		enc := c.encoding
		c.mu.RUnlock()
		if enc != nil {
			return len(enc.Encode(text, nil, nil))
		}
	}
	return EstimateTokens(text)
}

// CountAll sums Count over several texts.
func (c *TokenCounter) CountAll(texts ...string) int {
	total := 0
	for _, t := range texts {
		total += c.Count(t)
	}
	return total
}

// EstimateTokens is max(runes/4, words), never zero for non-blank text.
func EstimateTokens(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	estimate := len([]rune(trimmed)) / 4
	if words := len(strings.Fields(trimmed)); estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}
