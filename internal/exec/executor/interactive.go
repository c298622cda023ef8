package executor

import (
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cellarforge/engine/internal/exec/cancel"
	"github.com/cellarforge/engine/internal/exec/logbuf"
	"github.com/cellarforge/engine/internal/exec/prompt"
	"github.com/cellarforge/engine/internal/exec/spec"
)

// runInteractive runs the command under a PTY, reads output incrementally,
// and answers every detected prompt through the interaction bridge before
// continuing. Prompts are resolved strictly in the order their lines were
// produced, by construction: one reader consumes the PTY.
func (r *Runner) runInteractive(cs spec.CommandSpec, tok *cancel.Token) spec.ExecutionResult {
	wrapped, stdin, err := r.resolveElevation(cs, tok)
	if err != nil {
		return spec.Failed(err, -1, "", "")
	}

	p, ptmx, err := r.sup.LaunchPTY(wrapped)
	if err != nil {
		return spec.Failed(err, -1, "", "")
	}
	defer ptmx.Close()

	// The elevation wrapper reads its secret first, over the same channel
	// the child's prompts arrive on.
	if stdin != "" {
		if _, werr := ptmx.Write([]byte(stdin)); werr != nil && !p.Exited() {
			r.logger.Warn("failed to feed elevation credential", zap.Error(werr))
		}
	}

	var transcript strings.Builder
	var partial string
	buf := make([]byte, 4096)

	for {
		if tok.IsSet() {
			break
		}

		// Deadline-bounded reads keep cancellation latency small and give
		// silent windows a chance to classify a pending partial line as a
		// prompt that arrived without a newline.
		_ = ptmx.SetReadDeadline(time.Now().Add(r.cfg.PollInterval))
		n, rerr := ptmx.Read(buf)
		if n > 0 {
			partial = r.consumeOutput(ptmx, partial+string(buf[:n]), &transcript)
		}
		if rerr != nil {
			if os.IsTimeout(rerr) {
				partial = r.answerIfPrompt(ptmx, partial, &transcript)
				continue
			}
			// EOF or EIO: the child closed its side. A read error racing
			// the process's own exit is benign.
			break
		}
	}

	if partial != "" {
		transcript.WriteString(partial)
		transcript.WriteByte('\n')
		r.sink.Log(partial, logbuf.LevelInfo)
	}

	code, werr := r.sup.Wait(p, tok)
	if werr != nil {
		return spec.Failed(werr, code, transcript.String(), "")
	}
	return spec.Completed(transcript.String(), "")
}

// consumeOutput splits buffered PTY output into complete lines, forwarding
// each to the sink and the prompt detector. The unterminated tail is
// returned as the new partial line.
func (r *Runner) consumeOutput(ptmx *os.File, data string, transcript *strings.Builder) string {
	for {
		i := strings.IndexByte(data, '\n')
		if i < 0 {
			return data
		}
		line := strings.TrimRight(data[:i], "\r")
		data = data[i+1:]

		transcript.WriteString(line)
		transcript.WriteByte('\n')
		r.sink.Log(line, logbuf.LevelInfo)

		if ev := prompt.Detect(line); ev.Kind != prompt.KindNone {
			r.forwardPrompt(ptmx, ev)
		}
	}
}

// answerIfPrompt classifies a pending partial line during a silent window.
// Prompts usually arrive without a trailing newline; once answered, the
// line moves to the transcript and the partial resets.
func (r *Runner) answerIfPrompt(ptmx *os.File, partial string, transcript *strings.Builder) string {
	if partial == "" {
		return partial
	}
	ev := prompt.Detect(partial)
	if ev.Kind == prompt.KindNone {
		return partial
	}

	transcript.WriteString(partial)
	transcript.WriteByte('\n')
	r.sink.Log(partial, logbuf.LevelInfo)
	r.forwardPrompt(ptmx, ev)
	return ""
}

// forwardPrompt asks the human through the bridge and types the answer back
// into the child's terminal.
func (r *Runner) forwardPrompt(ptmx *os.File, ev prompt.Event) {
	r.metrics.PromptsForwarded.Inc()
	r.logger.Debug("prompt detected", zap.String("line", ev.Line), zap.String("default", ev.Default))

	resp := r.bridge.GetPromptResponse(strings.TrimSpace(ev.Line), ev.Default)
	if _, err := ptmx.Write([]byte(resp)); err != nil {
		r.logger.Debug("prompt answer write failed, process likely exited", zap.Error(err))
	}
}
