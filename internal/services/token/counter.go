// Package token counts prompt tokens the way the upstream provider
// bills them. It resolves a tiktoken encoder per model, falling back
// to cl100k_base for unknown models and to a character heuristic when
// no encoder can be loaded at all.
package token

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkoukk/tiktoken-go"
)

const countCacheSize = 4096

// Counter provides deterministic token counts for billing projections.
// Safe for concurrent use.
type Counter struct {
	mu       sync.RWMutex
	encoders map[string]*tiktoken.Tiktoken
	counts   *lru.Cache[string, int]
}

func NewCounter() *Counter {
	counts, _ := lru.New[string, int](countCacheSize)
	return &Counter{
		encoders: make(map[string]*tiktoken.Tiktoken),
		counts:   counts,
	}
}

// Count returns the token count of text for the given model. Counts
// are cached by content hash since the matching pipeline re-counts the
// same prompts while planning and shrinking.
func (c *Counter) Count(text, model string) int {
	if text == "" {
		return 0
	}

	key := countKey(text, model)
	if n, ok := c.counts.Get(key); ok {
		return n
	}

	var n int
	if enc := c.encoderFor(model); enc != nil {
		n = len(enc.Encode(text, nil, nil))
	} else {
		n = estimateFast(text)
	}

	c.counts.Add(key, n)
	return n
}

func (c *Counter) encoderFor(model string) *tiktoken.Tiktoken {
	c.mu.RLock()
	enc, ok := c.encoders[model]
	c.mu.RUnlock()
	if ok {
		return enc
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok = c.encoders[model]; ok {
		return enc
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			enc = nil
		}
	}
	c.encoders[model] = enc
	return enc
}

func countKey(text, model string) string {
	sum := sha256.Sum256([]byte(text))
	return model + ":" + hex.EncodeToString(sum[:])
}

// estimateFast is the heuristic used when no encoder is available:
// max(runes/4, word count), never zero for non-blank text.
func estimateFast(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	runes := len([]rune(trimmed))
	words := len(strings.Fields(trimmed))
	estimate := runes / 4
	if estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}
