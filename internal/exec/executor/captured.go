package executor

import (
	"bytes"
	"strings"

	"github.com/cellarforge/engine/internal/exec/cancel"
	"github.com/cellarforge/engine/internal/exec/spec"
)

// runCaptured buffers all output and returns it once the process exits.
// The contract for short, non-interactive probes.
func (r *Runner) runCaptured(cs spec.CommandSpec, tok *cancel.Token) spec.ExecutionResult {
	wrapped, stdin, err := r.resolveElevation(cs, tok)
	if err != nil {
		return spec.Failed(err, -1, "", "")
	}

	cmd := r.sup.Command(wrapped)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	p, err := r.sup.Launch(wrapped, cmd)
	if err != nil {
		return spec.Failed(err, -1, "", "")
	}

	code, err := r.sup.Wait(p, tok)
	if err != nil {
		return spec.Failed(err, code, stdout.String(), stderr.String())
	}
	return spec.Completed(stdout.String(), stderr.String())
}
