package bridge

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cellarforge/engine/internal/exec/cancel"
)

// RequestKind distinguishes what the worker is asking for.
type RequestKind int

const (
	// RequestPrompt asks the human to answer a subprocess prompt.
	RequestPrompt RequestKind = iota
	// RequestCredential asks for the elevation secret.
	RequestCredential
)

// Request is one pending question for the UI. The UI resolves it with
// Answer or Decline; anything else times out on the worker side.
type Request struct {
	ID      string
	Kind    RequestKind
	Text    string
	Default string

	once   sync.Once
	answer chan response
}

type response struct {
	text string
	ok   bool
}

// Answer resolves the request with the human's input. Subsequent calls are
// no-ops.
func (r *Request) Answer(text string) {
	r.once.Do(func() { r.answer <- response{text: text, ok: true} })
}

// Decline resolves the request negatively (user dismissed the dialog).
func (r *Request) Decline() {
	r.once.Do(func() { r.answer <- response{} })
}

// Queue is the standard Bridge implementation: it parks worker questions on
// a channel for the UI to consume and blocks the worker on a bounded wait.
// A cancellation token bound to the current operation unblocks every
// pending wait immediately.
type Queue struct {
	opts     Options
	requests chan *Request

	mu  sync.Mutex
	tok *cancel.Token
}

// Options bounds the queue's waits.
type Options struct {
	// PromptTimeout caps the wait for a forwarded subprocess prompt.
	PromptTimeout time.Duration
	// CredentialTimeout caps the wait for the elevation secret.
	CredentialTimeout time.Duration
	// Tick is the wake granularity for re-reading the bound token, so an
	// operation bound after a wait began can still cancel it.
	Tick time.Duration
}

// NewQueue creates a bridge with the given wait caps per question kind.
func NewQueue(opts Options) *Queue {
	if opts.PromptTimeout <= 0 {
		opts.PromptTimeout = 30 * time.Second
	}
	if opts.CredentialTimeout <= 0 {
		opts.CredentialTimeout = 30 * time.Second
	}
	if opts.Tick <= 0 {
		opts.Tick = 100 * time.Millisecond
	}
	return &Queue{
		opts:     opts,
		requests: make(chan *Request, 8),
	}
}

// Requests is consumed by the UI thread. Each received request must be
// resolved with Answer or Decline.
func (q *Queue) Requests() <-chan *Request {
	return q.requests
}

// Bind attaches the current operation's cancellation token. Cancelling the
// operation unblocks any wait in progress with its default response.
func (q *Queue) Bind(tok *cancel.Token) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tok = tok
}

func (q *Queue) token() *cancel.Token {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tok
}

// GetPromptResponse implements Bridge.
func (q *Queue) GetPromptResponse(text, defaultHint string) string {
	resp, ok := q.ask(&Request{
		ID:      uuid.NewString(),
		Kind:    RequestPrompt,
		Text:    text,
		Default: defaultHint,
		answer:  make(chan response, 1),
	})
	if !ok {
		return Terminated(defaultHint)
	}
	return Terminated(resp)
}

// GetElevationCredential implements Bridge.
func (q *Queue) GetElevationCredential() (string, bool) {
	resp, ok := q.ask(&Request{
		ID:     uuid.NewString(),
		Kind:   RequestCredential,
		answer: make(chan response, 1),
	})
	if !ok || resp == "" {
		return "", false
	}
	return resp, true
}

// ask hands a request to the UI and waits, bounded by the per-kind timeout
// and the bound cancellation token. ok is false on decline, timeout, or
// cancel. The tick arm re-reads the bound token each interval, so a token
// attached after the wait began still unblocks it.
func (q *Queue) ask(req *Request) (string, bool) {
	timeout := q.opts.PromptTimeout
	if req.Kind == RequestCredential {
		timeout = q.opts.CredentialTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	tick := time.NewTicker(q.opts.Tick)
	defer tick.Stop()

	delivered := false
	for {
		// A nil channel blocks forever, so an unbound queue simply
		// waits out the timer.
		var cancelCh <-chan struct{}
		if tok := q.token(); tok != nil {
			if tok.IsSet() {
				return "", false
			}
			cancelCh = tok.Done()
		}

		if !delivered {
			select {
			case q.requests <- req:
				delivered = true
			case <-cancelCh:
				return "", false
			case <-tick.C:
			case <-timer.C:
				return "", false
			}
			continue
		}

		select {
		case resp := <-req.answer:
			return resp.text, resp.ok
		case <-cancelCh:
			return "", false
		case <-tick.C:
		case <-timer.C:
			return "", false
		}
	}
}
