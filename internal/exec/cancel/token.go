// Package cancel implements the level-triggered cancellation token checked at
// every blocking point in the engine. A token is created per logical operation
// and, once set, stays set for the remainder of that operation.
package cancel

import (
	"sync"
	"time"
)

// Token is a shared, irreversible abort flag with a wake mechanism.
// Set is called at most meaningfully once (extra calls are no-ops); IsSet is
// cheap enough for tight polling loops.
type Token struct {
	once sync.Once
	done chan struct{}
}

// New creates an unset token.
func New() *Token {
	return &Token{done: make(chan struct{})}
}

// Set trips the token and wakes all waiters. Irreversible.
func (t *Token) Set() {
	t.once.Do(func() { close(t.done) })
}

// IsSet reports whether the token has been tripped.
func (t *Token) IsSet() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the token is set, for select loops.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the token is set or d elapses. Returns IsSet.
func (t *Token) Wait(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.done:
		return true
	case <-timer.C:
		return t.IsSet()
	}
}
