// Package spec defines the command descriptions and results shared by the
// execution engine: what to run, how to run it, and what came back.
package spec

import (
	"fmt"
	"strings"
)

// Mode selects the execution contract for a command.
type Mode int

const (
	// ModeCaptured buffers all output and returns it once the process exits.
	ModeCaptured Mode = iota
	// ModeStreamed forwards output line-by-line as it is produced.
	ModeStreamed
	// ModeInteractive reads output incrementally and answers detected prompts.
	ModeInteractive
)

// String returns a human-readable mode name.
func (m Mode) String() string {
	switch m {
	case ModeCaptured:
		return "captured"
	case ModeStreamed:
		return "streamed"
	case ModeInteractive:
		return "interactive"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// CommandSpec describes one external command to execute.
type CommandSpec struct {
	// Argv is the command and its arguments. Argv[0] is the binary.
	Argv []string
	// Env is overlaid on the sanitized base environment. Keys are unique.
	Env map[string]string
	// Dir is the working directory. Empty means inherit.
	Dir string
	// Mode selects captured, streamed, or interactive execution.
	Mode Mode
	// RequiresElevation wraps the command with the privilege broker's
	// credential before launch.
	RequiresElevation bool
}

// Validate checks that the spec can be launched.
func (s CommandSpec) Validate() error {
	if len(s.Argv) == 0 || s.Argv[0] == "" {
		return fmt.Errorf("command spec: empty argv")
	}
	return nil
}

// String renders the argv for logs. Environment values are never included.
func (s CommandSpec) String() string {
	return strings.Join(s.Argv, " ")
}
