package privilege

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cellarforge/engine/internal/exec/cancel"
	"github.com/cellarforge/engine/internal/exec/spec"
	"github.com/cellarforge/engine/internal/exec/supervisor"
)

// rejectedPattern matches sudo's explicit bad-password chatter. Anything
// else on stderr is treated as an environmental failure, not a rejection.
var rejectedPattern = regexp.MustCompile(`(?i)incorrect|sorry|try again`)

// SudoValidator validates a secret by running a minimal elevated probe:
// sudo reads the secret from stdin (-S), drops any cached timestamp (-k),
// and runs /bin/true. SUDO_ASKPASS is cleared so an absent GUI helper can
// never hang the probe; timeout force-terminates the probe's whole group
// through the supervisor.
func SudoValidator(sup *supervisor.Supervisor, timeout time.Duration) Validator {
	return func(secret string, tok *cancel.Token) error {
		cs := spec.CommandSpec{
			Argv: []string{"sudo", "-S", "-k", "-p", "", "--", "true"},
			Env:  map[string]string{"SUDO_ASKPASS": ""},
		}

		cmd := sup.Command(cs)
		cmd.Stdin = strings.NewReader(secret + "\n")
		var stderr bytes.Buffer
		cmd.Stderr = &stderr

		p, err := sup.Launch(cs, cmd)
		if err != nil {
			return fmt.Errorf("probe launch: %w", err)
		}

		// Bound the probe with its own token: tripped by the operation's
		// token or by the validation timeout, whichever comes first.
		probeTok := cancel.New()
		// Release the token forwarder below once the probe is done.
		defer probeTok.Set()
		var timedOut atomic.Bool
		timer := time.AfterFunc(timeout, func() {
			timedOut.Store(true)
			probeTok.Set()
		})
		defer timer.Stop()
		if tok != nil {
			go func() {
				select {
				case <-tok.Done():
					probeTok.Set()
				case <-probeTok.Done():
				}
			}()
		}

		_, werr := sup.Wait(p, probeTok)
		switch {
		case werr == nil:
			return nil
		case errors.Is(werr, spec.ErrCancelled):
			if timedOut.Load() {
				return fmt.Errorf("%w: sudo probe exceeded %s", spec.ErrTimeout, timeout)
			}
			return spec.ErrCancelled
		case rejectedPattern.MatchString(stderr.String()):
			return ErrBadCredential
		default:
			return fmt.Errorf("sudo probe failed: %w", werr)
		}
	}
}
