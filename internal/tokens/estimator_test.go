package tokens

import (
	"strings"
	"testing"

	"github.com/pith-agent/pith/internal/types"
)

// The zero value and a nil estimator both fall back to length-based
// counting, so these paths stay deterministic without the encoding.

func TestCountFallback(t *testing.T) {
	var e Estimator
	if got := e.Count("12345678"); got != 2 {
		t.Errorf("Count = %d, want 2", got)
	}
	if got := e.Count(""); got != 0 {
		t.Errorf("Count(\"\") = %d, want 0", got)
	}

	var nilEst *Estimator
	if got := nilEst.Count("12345678"); got != 2 {
		t.Errorf("nil estimator Count = %d, want 2", got)
	}
}

func TestCountMessagesFallback(t *testing.T) {
	var e Estimator

	short := []types.Message{types.UserPrompt{Content: "hi"}}
	long := []types.Message{types.UserPrompt{Content: strings.Repeat("measure twice cut once ", 30)}}

	shortCount := e.CountMessages(short)
	if shortCount <= perMessageOverhead {
		t.Errorf("CountMessages = %d, should exceed the per-message overhead", shortCount)
	}
	if longCount := e.CountMessages(long); longCount <= shortCount {
		t.Errorf("longer window should cost more: %d <= %d", longCount, shortCount)
	}

	if got := e.CountMessages(nil); got != 0 {
		t.Errorf("CountMessages(nil) = %d, want 0", got)
	}
}
