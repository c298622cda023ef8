package executor

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cellarforge/engine/internal/exec/cancel"
	"github.com/cellarforge/engine/internal/exec/logbuf"
	"github.com/cellarforge/engine/internal/exec/spec"
	"github.com/cellarforge/engine/internal/exec/supervisor"
)

// runStreamed reads output line-by-line as it is produced, forwards each
// line to the sink and the caller, parses embedded "NN%" markers into the
// progress callback, and keeps the full transcript for post-hoc heuristics.
func (r *Runner) runStreamed(cs spec.CommandSpec, tok *cancel.Token, onLine func(string), onProgress func(float64)) spec.ExecutionResult {
	wrapped, stdin, err := r.resolveElevation(cs, tok)
	if err != nil {
		return spec.Failed(err, -1, "", "")
	}

	cmd := r.sup.Command(wrapped)
	pr, pw, err := os.Pipe()
	if err != nil {
		return spec.Failed(fmt.Errorf("%w: %v", spec.ErrLaunchFailed, err), -1, "", "")
	}
	// stdout and stderr interleave on one pipe, in production order.
	cmd.Stdout = pw
	cmd.Stderr = pw
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	p, err := r.sup.Launch(wrapped, cmd)
	if err != nil {
		pr.Close()
		pw.Close()
		return spec.Failed(err, -1, "", "")
	}
	// The child owns its copy of the write end now.
	pw.Close()

	// A silent child keeps the scanner blocked, so a watcher turns a
	// tripped token into a kill that unblocks it.
	watchDone := make(chan struct{})
	go func() {
		select {
		case <-tok.Done():
			_ = r.sup.Terminate(p)
		case <-watchDone:
		}
	}()

	start := time.Now()
	var transcript strings.Builder
	progress := newProgressParser(r.cfg.ProgressRate, onProgress)

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		transcript.WriteString(line)
		transcript.WriteByte('\n')
		r.sink.Log(line, logbuf.LevelInfo)
		if onLine != nil {
			onLine(line)
		}
		progress.feed(line)
	}
	pr.Close()
	close(watchDone)
	if serr := scanner.Err(); serr != nil {
		// A read error racing the child's own exit is benign.
		r.logger.Debug("stream read ended with error", zap.Error(serr))
	}

	code, werr := r.sup.Wait(p, tok)
	elapsed := time.Since(start)

	if werr != nil {
		return spec.Failed(werr, code, transcript.String(), "")
	}

	r.checkLiveness(p.Pid(), wrapped, transcript.String(), elapsed)
	return spec.Completed(transcript.String(), "")
}

// checkLiveness flags wrapped installers that return suspiciously fast. A
// launcher that immediately exits after forking the real installer is
// normal; one that exits fast with no surviving children and no output
// probably never started. Best effort: a signal for the log, never a
// correctness guarantee.
func (r *Runner) checkLiveness(pid int, cs spec.CommandSpec, transcript string, elapsed time.Duration) {
	if elapsed >= r.cfg.LivenessWindow {
		return
	}
	if supervisor.HasLiveDescendants(pid) {
		return
	}
	if strings.TrimSpace(transcript) != "" {
		return
	}
	r.sink.Log(
		fmt.Sprintf("%s returned after %s with no output; the installer may not have started", cs, elapsed.Round(time.Millisecond)),
		logbuf.LevelWarn,
	)
}
