// Package tokens provides token counting for callers that submit raw text
// instead of token estimates. Uses the cl100k_base encoding with a rough
// chars/4 fallback when the encoding cannot be initialized.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Counter lazily initializes a cl100k_base encoder.
type Counter struct {
	once sync.Once
	enc  *tiktoken.Tiktoken
	err  error
}

var defaultCounter = &Counter{}

// Count returns the number of tokens in text.
func Count(text string) int {
	return defaultCounter.Count(text)
}

// Count returns the number of tokens in text.
func (c *Counter) Count(text string) int {
	c.once.Do(func() {
		c.enc, c.err = tiktoken.GetEncoding("cl100k_base")
	})
	if c.err != nil || c.enc == nil {
		// Rough estimate: ~4 chars per token.
		return len(text) / 4
	}
	return len(c.enc.Encode(text, nil, nil))
}
