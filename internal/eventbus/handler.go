package eventbus

import (
	"sync"
	"sync/atomic"
)

// Token identifies one listener registration on a Handler.
type Token uint64

var tokenSeq atomic.Uint64

// NewToken returns a process-unique token. Callers that want idempotent
// registration keep the token and pass it to AddWith.
func NewToken() Token { return Token(tokenSeq.Add(1)) }

// Handler is an ordered, synchronous listener list for one event kind.
//
// Contract:
//   - Fire calls listeners on the caller's goroutine, in registration order.
//   - A token is registered at most once; re-adding it is a no-op.
//   - Listeners may Add/Remove during Fire; changes apply to the next Fire.
//
// The zero value is ready to use.
type Handler[T any] struct {
	mu        sync.Mutex
	listeners []listener[T]
}

type listener[T any] struct {
	tok Token
	fn  func(T)
}

// Add registers fn under a fresh token.
func (h *Handler[T]) Add(fn func(T)) Token {
	tok := NewToken()
	h.AddWith(tok, fn)
	return tok
}

// AddWith registers fn under tok. It reports false when tok is already
// registered or fn is nil.
func (h *Handler[T]) AddWith(tok Token, fn func(T)) bool {
	if fn == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, l := range h.listeners {
		if l.tok == tok {
			return false
		}
	}
	h.listeners = append(h.listeners, listener[T]{tok: tok, fn: fn})
	return true
}

// Remove detaches tok. It reports whether it was registered.
func (h *Handler[T]) Remove(tok Token) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, l := range h.listeners {
		if l.tok == tok {
			h.listeners = append(h.listeners[:i:i], h.listeners[i+1:]...)
			return true
		}
	}
	return false
}

// Clear drops every listener.
func (h *Handler[T]) Clear() {
	h.mu.Lock()
	h.listeners = nil
	h.mu.Unlock()
}

func (h *Handler[T]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}

// Fire delivers v to a snapshot of the current listeners.
func (h *Handler[T]) Fire(v T) {
	h.mu.Lock()
	ls := make([]listener[T], len(h.listeners))
	copy(ls, h.listeners)
	h.mu.Unlock()

	for _, l := range ls {
		l.fn(v)
	}
}
