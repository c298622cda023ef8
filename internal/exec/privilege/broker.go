// Package privilege obtains, validates, and caches the session's elevation
// credential. Exactly one credential is live at a time: once validated it is
// reused for every elevated command until a validation failure clears it.
// The credential value is never logged and never persisted.
package privilege

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/cellarforge/engine/internal/exec/bridge"
	"github.com/cellarforge/engine/internal/exec/cancel"
	"github.com/cellarforge/engine/internal/exec/spec"
	"github.com/cellarforge/engine/internal/logging"
)

// ErrBadCredential marks an explicit rejection by the elevation wrapper, as
// opposed to a timeout or launch problem. Consumes one retry attempt.
var ErrBadCredential = errors.New("credential rejected")

// Validator checks a candidate secret by running a minimal, harmless
// elevated probe. It returns nil on success, ErrBadCredential on explicit
// rejection, spec.ErrTimeout when the probe had to be force-terminated, and
// spec.ErrCancelled when the operation was aborted.
type Validator func(secret string, tok *cancel.Token) error

// Credential is the session's elevation secret with its validation state.
// Exclusively owned by the Broker.
type credential struct {
	secret     string
	validated  bool
	obtainedAt time.Time
}

// Options tunes the broker.
type Options struct {
	// RetryBudget is the number of credential attempts before a terminal
	// authentication failure.
	RetryBudget int
	// Attempts, when set, counts every validation attempt.
	Attempts prometheus.Counter
}

// DefaultOptions returns the standard retry policy.
func DefaultOptions() Options {
	return Options{RetryBudget: 3}
}

// Broker mediates between executors that need elevation and the human who
// holds the secret.
type Broker struct {
	bridge   bridge.Bridge
	validate Validator
	logger   *logging.Logger
	opts     Options

	mu   sync.Mutex
	cred *credential
}

// New creates a broker. The validator decides what "this secret works"
// means; production wiring uses SudoValidator.
func New(b bridge.Bridge, validate Validator, logger *logging.Logger, opts Options) *Broker {
	if opts.RetryBudget <= 0 {
		opts.RetryBudget = DefaultOptions().RetryBudget
	}
	return &Broker{bridge: b, validate: validate, logger: logger, opts: opts}
}

// EnsureCredential returns the session's validated elevation secret,
// requesting and validating one if necessary. The cached fast path does no
// I/O. Returns spec.ErrAuthCancelled when the user declines,
// spec.ErrAuthFailed once the retry budget is spent, and spec.ErrCancelled
// on user abort.
func (b *Broker) EnsureCredential(tok *cancel.Token) (string, error) {
	b.mu.Lock()
	if b.cred != nil && b.cred.validated {
		secret := b.cred.secret
		b.mu.Unlock()
		return secret, nil
	}
	b.mu.Unlock()

	for attempt := 1; attempt <= b.opts.RetryBudget; attempt++ {
		if tok != nil && tok.IsSet() {
			return "", spec.ErrCancelled
		}

		secret, ok := b.bridge.GetElevationCredential()
		if !ok {
			// A cancelled operation unblocks the bridge wait with the
			// same negative answer a decline produces; the token tells
			// the two apart.
			if tok != nil && tok.IsSet() {
				return "", spec.ErrCancelled
			}
			b.logger.Info("elevation credential request declined")
			return "", spec.ErrAuthCancelled
		}

		if b.opts.Attempts != nil {
			b.opts.Attempts.Inc()
		}
		err := b.validate(secret, tok)
		switch {
		case err == nil:
			b.mu.Lock()
			b.cred = &credential{secret: secret, validated: true, obtainedAt: time.Now()}
			b.mu.Unlock()
			b.logger.Info("elevation credential validated", zap.Int("attempt", attempt))
			return secret, nil

		case errors.Is(err, ErrBadCredential):
			b.Clear()
			b.logger.Warn("elevation credential rejected", zap.Int("attempt", attempt))

		case errors.Is(err, spec.ErrCancelled):
			b.Clear()
			return "", spec.ErrCancelled

		case errors.Is(err, spec.ErrTimeout):
			b.Clear()
			b.logger.Warn("credential validation timed out")
			return "", fmt.Errorf("%w: credential validation timed out", spec.ErrTimeout)

		default:
			b.Clear()
			return "", fmt.Errorf("%w: %v", spec.ErrAuthFailed, err)
		}
	}

	return "", fmt.Errorf("%w: %d attempts", spec.ErrAuthFailed, b.opts.RetryBudget)
}

// Validated reports whether a validated credential is cached.
func (b *Broker) Validated() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cred != nil && b.cred.validated
}

// Clear drops the cached credential. Called on any validation failure so a
// stale secret can never be replayed.
func (b *Broker) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cred = nil
}
