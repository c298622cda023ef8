// Package supervisor spawns managed subprocesses in their own process
// groups, wires their IO, and provides bounded-latency waiting and
// graceful-then-forceful termination of the whole group.
package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/creack/pty"
	gops "github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/cellarforge/engine/internal/exec/cancel"
	"github.com/cellarforge/engine/internal/exec/registry"
	"github.com/cellarforge/engine/internal/exec/spec"
	"github.com/cellarforge/engine/internal/logging"
	"github.com/cellarforge/engine/internal/shared/id"
)

// Options tunes supervision timing.
type Options struct {
	// PollInterval bounds how long a wait can go without checking the
	// cancellation token or the process state.
	PollInterval time.Duration
	// TerminationGrace is the window between SIGTERM and SIGKILL.
	TerminationGrace time.Duration
}

// DefaultOptions returns the standard supervision timing.
func DefaultOptions() Options {
	return Options{
		PollInterval:     100 * time.Millisecond,
		TerminationGrace: 2 * time.Second,
	}
}

// Supervisor launches and terminates managed processes through a shared
// registry.
type Supervisor struct {
	registry *registry.Registry
	logger   *logging.Logger
	opts     Options
}

// New creates a supervisor backed by the given registry.
func New(reg *registry.Registry, logger *logging.Logger, opts Options) *Supervisor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultOptions().PollInterval
	}
	if opts.TerminationGrace <= 0 {
		opts.TerminationGrace = DefaultOptions().TerminationGrace
	}
	return &Supervisor{registry: reg, logger: logger, opts: opts}
}

// Registry returns the registry this supervisor launches into.
func (s *Supervisor) Registry() *registry.Registry {
	return s.registry
}

// packageManagers are wrapped commands that must never block on their own
// interactive confirmation layer.
var packageManagers = map[string]bool{
	"apt":      true,
	"apt-get":  true,
	"aptitude": true,
	"dpkg":     true,
}

// Command builds an exec.Cmd for the spec with a sanitized environment and
// its own process group. IO is left for the caller to wire.
func (s *Supervisor) Command(cs spec.CommandSpec) *exec.Cmd {
	cmd := exec.Command(cs.Argv[0], cs.Argv[1:]...)
	cmd.Dir = cs.Dir
	cmd.Env = sanitizedEnv(cs)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

// sanitizedEnv builds the child environment: the parent environment with a
// deterministic locale, non-interactive toggles for wrapped package
// managers, and the spec's overlay applied last.
func sanitizedEnv(cs spec.CommandSpec) []string {
	overrides := map[string]string{
		"LC_ALL": "C",
		"LANG":   "C",
	}
	base := baseCommand(cs.Argv)
	if packageManagers[base] || base == "sudo" {
		overrides["DEBIAN_FRONTEND"] = "noninteractive"
	}
	for k, v := range cs.Env {
		overrides[k] = v
	}

	env := make([]string, 0, len(os.Environ())+len(overrides))
	for _, kv := range os.Environ() {
		key := kv
		if i := strings.IndexByte(kv, '='); i >= 0 {
			key = kv[:i]
		}
		if _, ok := overrides[key]; ok {
			continue
		}
		env = append(env, kv)
	}
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}

// baseCommand returns the bare name of the command being run, looking past
// a leading elevation wrapper.
func baseCommand(argv []string) string {
	for _, a := range argv {
		if strings.HasPrefix(a, "-") {
			continue
		}
		name := a
		if i := strings.LastIndexByte(a, '/'); i >= 0 {
			name = a[i+1:]
		}
		if name == "sudo" {
			continue
		}
		return name
	}
	return ""
}

// Launch starts a command whose IO the caller already wired, registers it,
// and returns the managed process.
func (s *Supervisor) Launch(cs spec.CommandSpec, cmd *exec.Cmd) (*registry.Process, error) {
	if err := cs.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", spec.ErrLaunchFailed, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", spec.ErrLaunchFailed, cs.Argv[0], err)
	}
	return s.adopt(cs, cmd), nil
}

// LaunchPTY starts the command under a pseudo-terminal so wrapped installers
// see a terminal and surface their prompts. Returns the managed process and
// the PTY master for reading output and writing answers.
func (s *Supervisor) LaunchPTY(cs spec.CommandSpec) (*registry.Process, *os.File, error) {
	if err := cs.Validate(); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", spec.ErrLaunchFailed, err)
	}
	cmd := exec.Command(cs.Argv[0], cs.Argv[1:]...)
	cmd.Dir = cs.Dir
	cmd.Env = sanitizedEnv(cs)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %v", spec.ErrLaunchFailed, cs.Argv[0], err)
	}
	return s.adopt(cs, cmd), ptmx, nil
}

// adopt registers a freshly started command as a managed process.
func (s *Supervisor) adopt(cs spec.CommandSpec, cmd *exec.Cmd) *registry.Process {
	pid := cmd.Process.Pid
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		// Already reaped or raced; fall back to the single handle.
		pgid = 0
	}

	p := registry.NewProcess(id.NewProcessID(), cs, cmd, pgid)
	p.SetState(registry.StateRunning)
	s.registry.Register(p)

	s.logger.Debug("process launched",
		zap.String("proc", p.ID.String()),
		zap.Int("pid", pid),
		zap.Int("pgid", pgid),
		zap.String("command", cs.String()),
	)
	return p
}

// Wait blocks until the process exits or the token trips. The wait wakes at
// bounded intervals even when the child is silent, so cancellation latency
// stays small. On cancellation the process group is terminated and
// spec.ErrCancelled is returned.
func (s *Supervisor) Wait(p *registry.Process, tok *cancel.Token) (int, error) {
	waitCh := make(chan error, 1)
	go func() { waitCh <- p.Cmd().Wait() }()

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-waitCh:
			code := exitCode(p.Cmd(), err)
			p.MarkExited(code)
			s.registry.Unregister(p)
			if err != nil {
				// When the exit races a tripped token, the failure is
				// the cancellation, not the kill signal's exit code.
				if tok.IsSet() {
					return code, spec.ErrCancelled
				}
				return code, fmt.Errorf("%w: %s: exit status %d", spec.ErrNonZeroExit, p.Spec.Argv[0], code)
			}
			return 0, nil

		case <-tok.Done():
			if err := s.Terminate(p); err != nil {
				s.logger.Warn("termination after cancel reported an error",
					zap.String("proc", p.ID.String()), zap.Error(err))
			}
			// Reap the killed child so it cannot linger as a zombie.
			select {
			case err := <-waitCh:
				p.MarkExited(exitCode(p.Cmd(), err))
			case <-time.After(s.opts.TerminationGrace + time.Second):
				s.logger.Warn("process did not reap within grace after kill",
					zap.String("proc", p.ID.String()))
			}
			return -1, spec.ErrCancelled

		case <-ticker.C:
			// Bounded wakeup so a silent child never holds this
			// goroutine in a single unbounded wait.
		}
	}
}

// Terminate stops a process group: graceful signal first, forceful kill
// after the grace period, and unconditional unregistration even when the
// kill itself fails. A missing process group means the process is already
// gone; that is expected, not an error.
func (s *Supervisor) Terminate(p *registry.Process) error {
	defer s.registry.Unregister(p)

	if p.Exited() {
		return nil
	}
	p.SetState(registry.StateTerminating)

	if err := s.signal(p, syscall.SIGTERM); err != nil {
		// Nothing left to signal.
		return nil
	}

	deadline := time.Now().Add(s.opts.TerminationGrace)
	for time.Now().Before(deadline) {
		if processGone(p) {
			return nil
		}
		time.Sleep(s.opts.PollInterval / 2)
	}

	s.logger.Warn("process ignored graceful termination, escalating",
		zap.String("proc", p.ID.String()), zap.Int("pid", p.Pid()))
	if err := s.signal(p, syscall.SIGKILL); err != nil {
		return nil
	}
	return nil
}

// signal delivers sig to the whole process group, falling back to the
// single handle when the group cannot be resolved. Returns an error only
// when there was nothing to signal at all.
func (s *Supervisor) signal(p *registry.Process, sig syscall.Signal) error {
	if pgid := p.Pgid(); pgid > 0 {
		if err := syscall.Kill(-pgid, sig); err == nil {
			return nil
		} else if !errors.Is(err, syscall.ESRCH) {
			s.logger.Debug("group signal failed, sweeping descendants",
				zap.Int("pgid", pgid), zap.Error(err))
			s.killDescendants(p.Pid(), sig)
		}
	}
	if p.Cmd() != nil && p.Cmd().Process != nil {
		if err := p.Cmd().Process.Signal(sig); err == nil {
			return nil
		}
	}
	return fmt.Errorf("process %s already gone", p.ID)
}

// killDescendants recursively signals every descendant of pid. Used when the
// process group cannot be signalled as a unit, e.g. a child that moved
// itself into a new group.
func (s *Supervisor) killDescendants(pid int, sig syscall.Signal) {
	proc, err := gops.NewProcess(int32(pid))
	if err != nil {
		return
	}
	children, _ := proc.Children()
	for _, child := range children {
		s.killDescendants(int(child.Pid), sig)
		_ = child.SendSignal(sig)
	}
}

// processGone reports whether the process has been reaped or turned into a
// zombie awaiting reaping.
func processGone(p *registry.Process) bool {
	if p.Exited() {
		return true
	}
	proc, err := gops.NewProcess(int32(p.Pid()))
	if err != nil {
		return true
	}
	statuses, err := proc.Status()
	if err != nil {
		return true
	}
	for _, st := range statuses {
		if st == gops.Zombie {
			return true
		}
	}
	return false
}

// HasLiveDescendants reports whether pid still has running children. Used by
// the liveness heuristic for wrapped installers that return suspiciously
// fast.
func HasLiveDescendants(pid int) bool {
	proc, err := gops.NewProcess(int32(pid))
	if err != nil {
		return false
	}
	children, err := proc.Children()
	return err == nil && len(children) > 0
}

// AwaitExit waits up to timeout for the process to leave the registry and
// exit. Best effort: a timeout is reported to the caller as false, to be
// downgraded to a warning rather than a failure.
func (s *Supervisor) AwaitExit(p *registry.Process, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if p.Exited() {
			return true
		}
		time.Sleep(s.opts.PollInterval)
	}
	return p.Exited()
}

// exitCode extracts the exit code from a Wait error.
func exitCode(cmd *exec.Cmd, err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	return -1
}
