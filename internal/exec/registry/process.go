// Package registry tracks every live managed subprocess so a concurrent
// cancel can always find and terminate it. Terminations go through the
// registry; a process is a member from launch until confirmed exited.
package registry

import (
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/cellarforge/engine/internal/exec/spec"
	"github.com/cellarforge/engine/internal/shared/id"
)

// State is the lifecycle stage of a managed process.
type State int32

const (
	StateStarting State = iota
	StateRunning
	StateTerminating
	StateExited
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateTerminating:
		return "terminating"
	case StateExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Process is one managed subprocess: the OS handle, its process group, and
// its owning command spec.
type Process struct {
	ID   id.ProcessID
	Spec spec.CommandSpec

	cmd  *exec.Cmd
	pgid int

	state    atomic.Int32
	exitMu   sync.Mutex
	exitCode *int
}

// NewProcess wraps a started command. pgid is the process group the command
// was launched into, or 0 when grouping was unavailable.
func NewProcess(procID id.ProcessID, cmdSpec spec.CommandSpec, cmd *exec.Cmd, pgid int) *Process {
	p := &Process{
		ID:   procID,
		Spec: cmdSpec,
		cmd:  cmd,
		pgid: pgid,
	}
	p.state.Store(int32(StateStarting))
	return p
}

// Cmd returns the underlying command handle.
func (p *Process) Cmd() *exec.Cmd {
	return p.cmd
}

// Pid returns the OS process id, or 0 before start.
func (p *Process) Pid() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Pgid returns the process group id, or 0 when the group is unknown.
func (p *Process) Pgid() int {
	return p.pgid
}

// State returns the current lifecycle stage.
func (p *Process) State() State {
	return State(p.state.Load())
}

// SetState transitions the process. Exited is terminal; later transitions
// are ignored.
func (p *Process) SetState(s State) {
	for {
		cur := p.state.Load()
		if State(cur) == StateExited {
			return
		}
		if p.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

// MarkExited records the exit code and moves the process to its terminal
// state.
func (p *Process) MarkExited(code int) {
	p.exitMu.Lock()
	c := code
	p.exitCode = &c
	p.exitMu.Unlock()
	p.state.Store(int32(StateExited))
}

// ExitCode returns the recorded exit code, if the process has exited.
func (p *Process) ExitCode() (int, bool) {
	p.exitMu.Lock()
	defer p.exitMu.Unlock()
	if p.exitCode == nil {
		return 0, false
	}
	return *p.exitCode, true
}

// Exited reports whether the process reached its terminal state. Checked
// before further reads/writes so pipe races against a finished process are
// treated as benign.
func (p *Process) Exited() bool {
	return p.State() == StateExited
}
