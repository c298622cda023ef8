package bridge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellarforge/engine/internal/exec/cancel"
)

// serve runs a fake UI thread that resolves every request with resolve.
func serve(q *Queue, resolve func(*Request)) func() {
	done := make(chan struct{})
	go func() {
		for {
			select {
			case req := <-q.Requests():
				resolve(req)
			case <-done:
				return
			}
		}
	}()
	return func() { close(done) }
}

func TestPromptRoundTrip(t *testing.T) {
	q := NewQueue(Options{PromptTimeout: 2 * time.Second, CredentialTimeout: 2 * time.Second})
	stop := serve(q, func(req *Request) {
		assert.Equal(t, RequestPrompt, req.Kind)
		assert.Equal(t, "Overwrite file? (y/N)", req.Text)
		assert.Equal(t, "n", req.Default)
		req.Answer("y")
	})
	defer stop()

	resp := q.GetPromptResponse("Overwrite file? (y/N)", "n")
	assert.Equal(t, "y\n", resp, "responses are newline-terminated")
}

func TestPromptTimeoutReturnsDefault(t *testing.T) {
	q := NewQueue(Options{PromptTimeout: 50 * time.Millisecond})
	// No UI attached: the request sits unanswered.

	start := time.Now()
	resp := q.GetPromptResponse("Continue? [Y/n]", "y")

	assert.Equal(t, "y\n", resp)
	assert.Less(t, time.Since(start), time.Second)
}

func TestPromptTimeoutWithoutDefault(t *testing.T) {
	q := NewQueue(Options{PromptTimeout: 50 * time.Millisecond})

	resp := q.GetPromptResponse("Enter name:", "")
	assert.Equal(t, "\n", resp, "timeout yields an empty line, never a hang")
}

func TestCredentialRoundTrip(t *testing.T) {
	q := NewQueue(Options{PromptTimeout: 2 * time.Second, CredentialTimeout: 2 * time.Second})
	stop := serve(q, func(req *Request) {
		assert.Equal(t, RequestCredential, req.Kind)
		req.Answer("hunter2")
	})
	defer stop()

	secret, ok := q.GetElevationCredential()
	require.True(t, ok)
	assert.Equal(t, "hunter2", secret)
}

func TestCredentialDecline(t *testing.T) {
	q := NewQueue(Options{PromptTimeout: 2 * time.Second, CredentialTimeout: 2 * time.Second})
	stop := serve(q, func(req *Request) { req.Decline() })
	defer stop()

	_, ok := q.GetElevationCredential()
	assert.False(t, ok)
}

func TestCancelUnblocksPendingWait(t *testing.T) {
	q := NewQueue(Options{PromptTimeout: 30 * time.Second})
	tok := cancel.New()
	q.Bind(tok)

	done := make(chan string, 1)
	go func() {
		done <- q.GetPromptResponse("Continue? [Y/n]", "y")
	}()

	// Let the worker park on the bridge, then cancel.
	time.Sleep(20 * time.Millisecond)
	tok.Set()

	select {
	case resp := <-done:
		assert.Equal(t, "y\n", resp)
	case <-time.After(time.Second):
		t.Fatal("cancel must unblock a pending bridge wait immediately")
	}
}

func TestCredentialTimeoutIsIndependent(t *testing.T) {
	q := NewQueue(Options{
		PromptTimeout:     30 * time.Second,
		CredentialTimeout: 50 * time.Millisecond,
	})
	// No UI attached: the credential request sits unanswered.

	start := time.Now()
	_, ok := q.GetElevationCredential()

	assert.False(t, ok)
	assert.Less(t, time.Since(start), time.Second,
		"credential waits are capped by their own timeout, not the prompt's")
}

func TestTokenBoundMidWaitStillCancels(t *testing.T) {
	q := NewQueue(Options{PromptTimeout: 30 * time.Second, Tick: 10 * time.Millisecond})

	done := make(chan string, 1)
	go func() {
		done <- q.GetPromptResponse("Continue? [Y/n]", "y")
	}()

	// The wait is already in flight when the operation's token arrives.
	time.Sleep(30 * time.Millisecond)
	tok := cancel.New()
	q.Bind(tok)
	tok.Set()

	select {
	case resp := <-done:
		assert.Equal(t, "y\n", resp)
	case <-time.After(time.Second):
		t.Fatal("late-bound token did not unblock the wait")
	}
}

func TestLateAnswerDoesNotBlockUI(t *testing.T) {
	q := NewQueue(Options{PromptTimeout: 30 * time.Millisecond})

	respCh := make(chan string, 1)
	go func() { respCh <- q.GetPromptResponse("Continue?", "y") }()

	req := <-q.Requests()
	<-respCh // worker already timed out

	// The UI answering late must not deadlock.
	finished := make(chan struct{})
	go func() {
		req.Answer("n")
		req.Answer("n") // idempotent
		close(finished)
	}()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("late answer blocked")
	}
}

func TestNopBridge(t *testing.T) {
	var b Bridge = Nop{}

	assert.Equal(t, "n\n", b.GetPromptResponse("Overwrite? (y/N)", "n"))

	_, ok := b.GetElevationCredential()
	assert.False(t, ok)
}

func TestTerminated(t *testing.T) {
	assert.Equal(t, "y\n", Terminated("y"))
	assert.Equal(t, "y\n", Terminated("y\n"))
	assert.Equal(t, "\n", Terminated(""))
	assert.Equal(t, "yes\n", Terminated("yes\r\n"))
}
