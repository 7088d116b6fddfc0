package session

import (
	"sync"

	"github.com/MrWong99/voicerelay/pkg/provider/llm"
)

// History holds the ordered conversation turns of one session and keeps them
// within a token budget estimated with [llm.EstimateTokens].
//
// When an append pushes the estimate past the budget, the oldest turns are
// dropped until it fits again. The newest turn is always kept, even when it
// alone exceeds the budget. Turns are never modified after they are appended.
//
// All methods are safe for concurrent use.
type History struct {
	maxTokens int

	mu            sync.Mutex
	messages      []llm.Message
	currentTokens int
}

// NewHistory creates an empty History with the given budget. A budget of zero
// or less disables trimming.
func NewHistory(maxTokens int) *History {
	return &History{maxTokens: maxTokens}
}

// Append adds turns in order and trims the oldest turns if the budget is
// exceeded. It returns the number of turns dropped.
func (h *History) Append(msgs ...llm.Message) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, m := range msgs {
		h.messages = append(h.messages, m)
		h.currentTokens += llm.EstimateTokens(m)
	}
	return h.trimLocked()
}

// Messages returns a copy of the current turns, oldest first.
func (h *History) Messages() []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]llm.Message, len(h.messages))
	copy(out, h.messages)
	return out
}

// Len returns the number of turns held.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.messages)
}

// TokenEstimate returns the estimated token count of the held turns.
func (h *History) TokenEstimate() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.currentTokens
}

// Reset removes every turn.
func (h *History) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages = nil
	h.currentTokens = 0
}

// trimLocked drops turns from the front until the estimate fits the budget.
// Must be called with h.mu held.
func (h *History) trimLocked() int {
	if h.maxTokens <= 0 {
		return 0
	}
	drop := 0
	for h.currentTokens > h.maxTokens && len(h.messages)-drop > 1 {
		h.currentTokens -= llm.EstimateTokens(h.messages[drop])
		drop++
	}
	if drop == 0 {
		return 0
	}
	// Copy so the dropped turns are not pinned by the backing array.
	h.messages = append([]llm.Message(nil), h.messages[drop:]...)
	return drop
}
