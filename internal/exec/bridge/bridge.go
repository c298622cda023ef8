// Package bridge is the engine's only crossing point to the UI: a worker
// goroutine signals "need input" and blocks on a bounded wait while the UI,
// on its own thread, presents the question and stores the answer. The call
// looks synchronous to the worker but is an asynchronous round trip inside.
package bridge

import "strings"

// Bridge is the abstract user-interaction boundary supplied by the
// presentation layer. Implementations must be callable from non-UI
// goroutines and must never block forever: a bounded timeout yields the
// default response instead.
type Bridge interface {
	// GetPromptResponse asks the human to answer a detected prompt. The
	// returned text is newline-terminated, as if typed at a terminal. On
	// timeout the default hint (or an empty line) is returned.
	GetPromptResponse(text, defaultHint string) string

	// GetElevationCredential asks for the elevation secret. ok is false
	// when the user declined or the wait timed out.
	GetElevationCredential() (secret string, ok bool)
}

// Terminated returns s with exactly one trailing newline, the way a human
// answer arrives from a terminal.
func Terminated(s string) string {
	return strings.TrimRight(s, "\r\n") + "\n"
}

// Nop is a headless bridge: prompts resolve to their defaults immediately
// and credentials are always declined.
type Nop struct{}

// GetPromptResponse implements Bridge.
func (Nop) GetPromptResponse(_, defaultHint string) string {
	return Terminated(defaultHint)
}

// GetElevationCredential implements Bridge.
func (Nop) GetElevationCredential() (string, bool) {
	return "", false
}
