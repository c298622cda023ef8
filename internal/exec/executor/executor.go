// Package executor composes the supervisor, privilege broker, prompt
// detector, and interaction bridge into the three execution contracts
// callers use: captured, streamed, and interactive. Every blocking point
// honors the operation's cancellation token and reports a distinguished
// Cancelled result, never a generic failure.
package executor

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cellarforge/engine/internal/exec/bridge"
	"github.com/cellarforge/engine/internal/exec/cancel"
	"github.com/cellarforge/engine/internal/exec/logbuf"
	"github.com/cellarforge/engine/internal/exec/privilege"
	"github.com/cellarforge/engine/internal/exec/spec"
	"github.com/cellarforge/engine/internal/exec/supervisor"
	"github.com/cellarforge/engine/internal/infrastructure/config"
	"github.com/cellarforge/engine/internal/infrastructure/monitoring"
	"github.com/cellarforge/engine/internal/logging"
	"github.com/cellarforge/engine/internal/shared/id"
)

// ElevationWrapper rewrites a spec to run under the privilege-elevation
// wrapper and returns the stdin preamble that authenticates it. Injectable
// so tests can elevate without a real sudo.
type ElevationWrapper func(cs spec.CommandSpec, secret string) (spec.CommandSpec, string)

// SudoWrapper is the production wrapper: sudo reads the secret from stdin
// (-S) with an empty prompt so it never pollutes captured output.
func SudoWrapper(cs spec.CommandSpec, secret string) (spec.CommandSpec, string) {
	wrapped := cs
	wrapped.Argv = append([]string{"sudo", "-S", "-p", ""}, cs.Argv...)
	return wrapped, secret + "\n"
}

// binder is implemented by bridges that want the current operation's token,
// so a cancel can unblock their pending waits.
type binder interface {
	Bind(tok *cancel.Token)
}

// Runner is the engine facade: it owns the operation lifecycle and
// dispatches specs to the right executor.
type Runner struct {
	sup     *supervisor.Supervisor
	broker  *privilege.Broker
	bridge  bridge.Bridge
	sink    logbuf.Sink
	logger  *logging.Logger
	metrics *monitoring.Metrics
	cfg     config.EngineConfig
	wrap    ElevationWrapper

	mu   sync.Mutex
	opID id.OperationID
	tok  *cancel.Token
}

// Options configures a Runner.
type Options struct {
	Engine config.EngineConfig
	// Wrapper overrides the elevation wrapper. Nil means SudoWrapper.
	Wrapper ElevationWrapper
}

// New creates the engine facade.
func New(
	sup *supervisor.Supervisor,
	broker *privilege.Broker,
	b bridge.Bridge,
	sink logbuf.Sink,
	logger *logging.Logger,
	metrics *monitoring.Metrics,
	opts Options,
) *Runner {
	wrap := opts.Wrapper
	if wrap == nil {
		wrap = SudoWrapper
	}
	return &Runner{
		sup:     sup,
		broker:  broker,
		bridge:  b,
		sink:    sink,
		logger:  logger,
		metrics: metrics,
		cfg:     opts.Engine,
		wrap:    wrap,
	}
}

// BeginOperation starts a logical operation: a fresh cancellation token
// shared by every command the operation runs. The token is bound to the
// bridge so cancelling unblocks pending questions.
func (r *Runner) BeginOperation() id.OperationID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opID = id.NewOperationID()
	r.tok = cancel.New()
	if b, ok := r.bridge.(binder); ok {
		b.Bind(r.tok)
	}
	r.logger.Info("operation started", zap.String("operation", r.opID.String()))
	return r.opID
}

// EndOperation closes the current operation. Its token stays set if it was
// cancelled; subsequent commands need a new operation.
func (r *Runner) EndOperation() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opID = ""
	r.tok = nil
}

// CancelCurrentOperation trips the active token and terminates every live
// managed process. Safe to call from the UI thread at any time.
func (r *Runner) CancelCurrentOperation() {
	r.mu.Lock()
	tok := r.tok
	opID := r.opID
	r.mu.Unlock()

	if tok == nil {
		return
	}
	tok.Set()
	r.metrics.Cancellations.Inc()
	r.logger.Info("operation cancelled", zap.String("operation", opID.String()))
	r.sink.Log("Cancelling current operation", logbuf.LevelWarn)

	if err := r.sup.Registry().TerminateAll(r.sup.Terminate); err != nil {
		r.logger.Warn("some processes resisted termination", zap.Error(err))
	}
}

// token returns the active operation's token, or a throwaway token for a
// bare call outside any operation.
func (r *Runner) token() *cancel.Token {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tok == nil {
		return cancel.New()
	}
	return r.tok
}

// Execute runs a command to completion under its spec's mode and returns
// the full result.
func (r *Runner) Execute(cs spec.CommandSpec) spec.ExecutionResult {
	if res, bad := r.rejectInvalid(cs); bad {
		return res
	}
	tok := r.token()
	start := time.Now()

	var res spec.ExecutionResult
	switch cs.Mode {
	case spec.ModeInteractive:
		res = r.runInteractive(cs, tok)
	case spec.ModeStreamed:
		res = r.runStreamed(cs, tok, nil, nil)
	default:
		res = r.runCaptured(cs, tok)
	}

	r.finish(cs, res, time.Since(start))
	return res
}

// ExecuteStreamed runs a command in streamed mode, forwarding each output
// line and any embedded progress percentage. Returns whether the command
// succeeded.
func (r *Runner) ExecuteStreamed(cs spec.CommandSpec, onLine func(string), onProgress func(float64)) bool {
	cs.Mode = spec.ModeStreamed
	if res, bad := r.rejectInvalid(cs); bad {
		return res.Success
	}
	tok := r.token()
	start := time.Now()

	res := r.runStreamed(cs, tok, onLine, onProgress)
	r.finish(cs, res, time.Since(start))
	return res.Success
}

// rejectInvalid screens out specs that can never launch, before any process
// or broker work happens. bad is true when the spec was rejected.
func (r *Runner) rejectInvalid(cs spec.CommandSpec) (spec.ExecutionResult, bool) {
	err := cs.Validate()
	if err == nil {
		return spec.ExecutionResult{}, false
	}
	res := spec.Failed(fmt.Errorf("%w: %v", spec.ErrLaunchFailed, err), -1, "", "")
	r.finish(cs, res, 0)
	return res, true
}

// resolveElevation obtains and validates the session credential when the
// spec needs it, returning the wrapped spec and its stdin preamble. Specs
// without RequiresElevation never touch the broker.
func (r *Runner) resolveElevation(cs spec.CommandSpec, tok *cancel.Token) (spec.CommandSpec, string, error) {
	if !cs.RequiresElevation {
		return cs, "", nil
	}
	secret, err := r.broker.EnsureCredential(tok)
	if err != nil {
		return cs, "", err
	}
	wrapped, stdin := r.wrap(cs, secret)
	return wrapped, stdin, nil
}

// finish classifies the result for the log sink and records metrics. Every
// classified error reaches the sink with a level and a human-readable
// cause; credential values never appear in any message.
func (r *Runner) finish(cs spec.CommandSpec, res spec.ExecutionResult, elapsed time.Duration) {
	r.metrics.ObserveExecution(cs.Mode.String(), res.Status.String(), elapsed)
	r.metrics.ProcessesLive.Set(float64(r.sup.Registry().Len()))

	switch res.Status {
	case spec.StatusCompleted:
		r.logger.Debug("command completed",
			zap.String("command", cs.String()), zap.Duration("elapsed", elapsed))
	case spec.StatusCancelled:
		r.sink.Log(fmt.Sprintf("Cancelled: %s", cs), logbuf.LevelWarn)
	case spec.StatusNonZeroExit:
		r.sink.Log(fmt.Sprintf("Command failed (exit %d): %s", res.ExitCode, cs), logbuf.LevelError)
	case spec.StatusLaunchFailed:
		r.sink.Log(fmt.Sprintf("Could not start command: %s", cs), logbuf.LevelError)
	case spec.StatusAuthCancelled:
		r.sink.Log("Authentication cancelled by user", logbuf.LevelWarn)
	case spec.StatusAuthFailed:
		r.sink.Log("Authentication failed: credential rejected", logbuf.LevelError)
	case spec.StatusTimeout:
		r.sink.Log(fmt.Sprintf("Timed out: %s", cs), logbuf.LevelError)
	}
}

