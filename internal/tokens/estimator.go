// Package tokens estimates token counts with tiktoken.
package tokens

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	. "github.com/pith-agent/pith/internal/logging"
	"github.com/pith-agent/pith/internal/types"
)

// DefaultEncoding is cl100k_base, a reasonable cross-model estimate
const DefaultEncoding = "cl100k_base"

// fallbackCharsPerToken is used when the encoding cannot be loaded.
const fallbackCharsPerToken = 4

// perMessageOverhead covers role markers and structural tokens the
// serialized form doesn't show.
const perMessageOverhead = 4

// Estimator counts tokens for strings and message windows. The zero
// value estimates by character length.
type Estimator struct {
	mu       sync.RWMutex
	encoding *tiktoken.Tiktoken
}

var global = struct {
	once sync.Once
	est  *Estimator
}{}

// Get returns the process-wide estimator, loading the encoding on first use.
func Get() *Estimator {
	global.once.Do(func() {
		enc, err := tiktoken.GetEncoding(DefaultEncoding)
		if err != nil {
			L_warn("tokens: failed to load encoding, estimating by length", "error", err)
			global.est = &Estimator{}
			return
		}
		global.est = &Estimator{encoding: enc}
	})
	return global.est
}

// Count returns the token count for a string.
func (e *Estimator) Count(text string) int {
	if e == nil || e.encoding == nil {
		return len(text) / fallbackCharsPerToken
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.encoding.Encode(text, nil, nil))
}

// CountMessages estimates the tokens a message window will occupy,
// based on each message's serialized form.
func (e *Estimator) CountMessages(messages []types.Message) int {
	total := 0
	for _, msg := range messages {
		data, err := types.MarshalMessage(msg)
		if err != nil {
			continue
		}
		total += e.Count(string(data)) + perMessageOverhead
	}
	return total
}
