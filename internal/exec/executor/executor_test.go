package executor

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellarforge/engine/internal/exec/cancel"
	"github.com/cellarforge/engine/internal/exec/logbuf"
	"github.com/cellarforge/engine/internal/exec/privilege"
	"github.com/cellarforge/engine/internal/exec/registry"
	"github.com/cellarforge/engine/internal/exec/spec"
	"github.com/cellarforge/engine/internal/exec/supervisor"
	"github.com/cellarforge/engine/internal/infrastructure/config"
	"github.com/cellarforge/engine/internal/infrastructure/monitoring"
	"github.com/cellarforge/engine/internal/logging"
)

// scriptedBridge feeds canned answers and records every call, so tests can
// assert which interactions actually happened.
type scriptedBridge struct {
	mu          sync.Mutex
	promptReply string
	prompts     []string
	secrets     []string
	credCalls   int
}

func (b *scriptedBridge) GetPromptResponse(text, defaultHint string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prompts = append(b.prompts, text)
	if b.promptReply != "" {
		return b.promptReply
	}
	if defaultHint == "" {
		return "\n"
	}
	return defaultHint + "\n"
}

func (b *scriptedBridge) GetElevationCredential() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.credCalls++
	if len(b.secrets) == 0 {
		return "", false
	}
	s := b.secrets[0]
	b.secrets = b.secrets[1:]
	return s, true
}

func (b *scriptedBridge) credentialCalls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.credCalls
}

func (b *scriptedBridge) promptTexts() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.prompts...)
}

// passthroughWrapper elevates without sudo: the spec runs unchanged so
// tests can exercise the credential path with ordinary binaries.
func passthroughWrapper(cs spec.CommandSpec, _ string) (spec.CommandSpec, string) {
	return cs, ""
}

func newTestRunner(b *scriptedBridge, validate privilege.Validator) (*Runner, *registry.Registry) {
	engine := config.Default().Engine
	engine.PollInterval = 20 * time.Millisecond
	engine.TerminationGrace = 500 * time.Millisecond
	engine.LivenessWindow = 0

	reg := registry.New()
	sup := supervisor.New(reg, logging.NewNop(), supervisor.Options{
		PollInterval:     engine.PollInterval,
		TerminationGrace: engine.TerminationGrace,
	})
	broker := privilege.New(b, validate, logging.NewNop(), privilege.Options{RetryBudget: 3})
	metrics := monitoring.NewMetricsWith(prometheus.NewRegistry())

	r := New(sup, broker, b, logbuf.Discard{}, logging.NewNop(), metrics, Options{
		Engine:  engine,
		Wrapper: passthroughWrapper,
	})
	return r, reg
}

func alwaysValid(string, *cancel.Token) error { return nil }

func TestExecuteCaptured(t *testing.T) {
	r, _ := newTestRunner(&scriptedBridge{}, alwaysValid)

	res := r.Execute(spec.CommandSpec{
		Argv: []string{"sh", "-c", "echo out; echo err 1>&2"},
		Mode: spec.ModeCaptured,
	})

	require.True(t, res.Success)
	assert.Equal(t, spec.StatusCompleted, res.Status)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Equal(t, 0, res.ExitCode)
}

func TestExecuteCapturedNonZeroExit(t *testing.T) {
	r, _ := newTestRunner(&scriptedBridge{}, alwaysValid)

	res := r.Execute(spec.CommandSpec{Argv: []string{"false"}, Mode: spec.ModeCaptured})

	assert.False(t, res.Success)
	assert.Equal(t, spec.StatusNonZeroExit, res.Status)
	assert.Equal(t, 1, res.ExitCode)
	assert.Empty(t, res.Stdout)
}

func TestExecuteLaunchFailed(t *testing.T) {
	r, _ := newTestRunner(&scriptedBridge{}, alwaysValid)

	res := r.Execute(spec.CommandSpec{Argv: []string{"/no/such/binary-xyz"}})

	assert.False(t, res.Success)
	assert.Equal(t, spec.StatusLaunchFailed, res.Status)
}

func TestExecuteEmptyArgv(t *testing.T) {
	r, _ := newTestRunner(&scriptedBridge{}, alwaysValid)

	res := r.Execute(spec.CommandSpec{Mode: spec.ModeCaptured})
	assert.False(t, res.Success)
	assert.Equal(t, spec.StatusLaunchFailed, res.Status)

	ok := r.ExecuteStreamed(spec.CommandSpec{}, nil, nil)
	assert.False(t, ok)
}

func TestUnprivilegedCommandNeverTouchesBroker(t *testing.T) {
	b := &scriptedBridge{secrets: []string{"hunter2"}}
	r, _ := newTestRunner(b, func(string, *cancel.Token) error {
		t.Error("validator invoked for a command that needs no elevation")
		return nil
	})

	res := r.Execute(spec.CommandSpec{Argv: []string{"true"}})

	require.True(t, res.Success)
	assert.Zero(t, b.credentialCalls())
}

func TestCancelUnblocksPromptly(t *testing.T) {
	r, reg := newTestRunner(&scriptedBridge{}, alwaysValid)
	r.BeginOperation()
	defer r.EndOperation()

	done := make(chan spec.ExecutionResult, 1)
	go func() {
		done <- r.Execute(spec.CommandSpec{Argv: []string{"sleep", "30"}, Mode: spec.ModeStreamed})
	}()

	time.Sleep(100 * time.Millisecond)
	start := time.Now()
	r.CancelCurrentOperation()

	select {
	case res := <-done:
		assert.Less(t, time.Since(start), time.Second)
		assert.Equal(t, spec.StatusCancelled, res.Status)
		assert.False(t, res.Success)
	case <-time.After(3 * time.Second):
		t.Fatal("execution did not unblock after cancellation")
	}
	assert.Zero(t, reg.Len())
}

func TestExecuteStreamedLinesAndProgress(t *testing.T) {
	r, _ := newTestRunner(&scriptedBridge{}, alwaysValid)

	var mu sync.Mutex
	var lines []string
	var values []float64
	ok := r.ExecuteStreamed(
		spec.CommandSpec{Argv: []string{"sh", "-c", "echo 'Unpacking: 42%'; echo 'Done: 100%'"}},
		func(line string) {
			mu.Lock()
			lines = append(lines, line)
			mu.Unlock()
		},
		func(v float64) {
			mu.Lock()
			values = append(values, v)
			mu.Unlock()
		},
	)

	require.True(t, ok)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"Unpacking: 42%", "Done: 100%"}, lines)
	require.NotEmpty(t, values)
	assert.InDelta(t, 0.42, values[0], 0.001)
	assert.InDelta(t, 1.0, values[len(values)-1], 0.001)
}

func TestElevatedCommandSucceedsOnThirdAttempt(t *testing.T) {
	b := &scriptedBridge{secrets: []string{"wrong1", "wrong2", "right"}}
	r, _ := newTestRunner(b, func(secret string, _ *cancel.Token) error {
		if secret != "right" {
			return privilege.ErrBadCredential
		}
		return nil
	})
	r.BeginOperation()
	defer r.EndOperation()

	res := r.Execute(spec.CommandSpec{
		Argv:              []string{"true"},
		RequiresElevation: true,
	})

	require.True(t, res.Success)
	assert.Equal(t, 3, b.credentialCalls())
}

func TestElevatedCommandAuthFailedAfterBudget(t *testing.T) {
	b := &scriptedBridge{secrets: []string{"w1", "w2", "w3", "w4"}}
	r, _ := newTestRunner(b, func(string, *cancel.Token) error {
		return privilege.ErrBadCredential
	})

	res := r.Execute(spec.CommandSpec{Argv: []string{"true"}, RequiresElevation: true})

	assert.False(t, res.Success)
	assert.Equal(t, spec.StatusAuthFailed, res.Status)
	assert.Equal(t, 3, b.credentialCalls())
}

func TestElevatedCommandAuthCancelledOnDecline(t *testing.T) {
	b := &scriptedBridge{} // no secrets: bridge declines
	r, _ := newTestRunner(b, alwaysValid)

	res := r.Execute(spec.CommandSpec{Argv: []string{"true"}, RequiresElevation: true})

	assert.Equal(t, spec.StatusAuthCancelled, res.Status)
}

func TestInteractivePromptRoundTrip(t *testing.T) {
	b := &scriptedBridge{promptReply: "y\n"}
	r, _ := newTestRunner(b, alwaysValid)

	res := r.Execute(spec.CommandSpec{
		Argv: []string{"sh", "-c", `printf 'Overwrite existing file? (y/N) '; read ans; echo "answered:$ans"`},
		Mode: spec.ModeInteractive,
	})

	require.True(t, res.Success)
	assert.Contains(t, res.Stdout, "answered:y")

	prompts := b.promptTexts()
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "Overwrite existing file?")
}

func TestInteractiveRunsToCompletionWithoutPrompts(t *testing.T) {
	b := &scriptedBridge{}
	r, _ := newTestRunner(b, alwaysValid)

	res := r.Execute(spec.CommandSpec{
		Argv: []string{"sh", "-c", "echo hello"},
		Mode: spec.ModeInteractive,
	})

	require.True(t, res.Success)
	assert.Contains(t, res.Stdout, "hello")
	assert.Empty(t, b.promptTexts())
}

func TestSudoWrapperShape(t *testing.T) {
	wrapped, stdin := SudoWrapper(spec.CommandSpec{Argv: []string{"apt-get", "install", "-y", "wine"}}, "s3cret")

	assert.Equal(t, []string{"sudo", "-S", "-p", "", "apt-get", "install", "-y", "wine"}, wrapped.Argv)
	assert.Equal(t, "s3cret\n", stdin)
}
