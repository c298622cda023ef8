package supervisor

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellarforge/engine/internal/exec/cancel"
	"github.com/cellarforge/engine/internal/exec/registry"
	"github.com/cellarforge/engine/internal/exec/spec"
	"github.com/cellarforge/engine/internal/logging"
)

func newTestSupervisor() (*Supervisor, *registry.Registry) {
	reg := registry.New()
	sup := New(reg, logging.NewNop(), Options{
		PollInterval:     20 * time.Millisecond,
		TerminationGrace: 200 * time.Millisecond,
	})
	return sup, reg
}

func TestLaunchAndWaitSuccess(t *testing.T) {
	sup, reg := newTestSupervisor()
	cs := spec.CommandSpec{Argv: []string{"true"}}

	cmd := sup.Command(cs)
	p, err := sup.Launch(cs, cmd)
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Len())

	code, err := sup.Wait(p, cancel.New())
	assert.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, 0, reg.Len(), "exited process must leave the registry")
	assert.True(t, p.Exited())
}

func TestWaitNonZeroExit(t *testing.T) {
	sup, reg := newTestSupervisor()
	cs := spec.CommandSpec{Argv: []string{"false"}}

	p, err := sup.Launch(cs, sup.Command(cs))
	require.NoError(t, err)

	code, err := sup.Wait(p, cancel.New())
	assert.True(t, errors.Is(err, spec.ErrNonZeroExit))
	assert.Equal(t, 1, code)
	assert.Equal(t, 0, reg.Len())
}

func TestWaitCancelledWinsExitRace(t *testing.T) {
	sup, reg := newTestSupervisor()
	cs := spec.CommandSpec{Argv: []string{"false"}}

	p, err := sup.Launch(cs, sup.Command(cs))
	require.NoError(t, err)

	// Token already tripped and the child already failing: whichever
	// select arm fires first, the result must read as a cancellation.
	tok := cancel.New()
	tok.Set()
	time.Sleep(50 * time.Millisecond)

	_, err = sup.Wait(p, tok)
	assert.True(t, errors.Is(err, spec.ErrCancelled), "got %v", err)
	assert.False(t, errors.Is(err, spec.ErrNonZeroExit))
	assert.Equal(t, 0, reg.Len())
}

func TestLaunchFailure(t *testing.T) {
	sup, reg := newTestSupervisor()
	cs := spec.CommandSpec{Argv: []string{"/nonexistent/binary-for-test"}}

	_, err := sup.Launch(cs, sup.Command(cs))
	assert.True(t, errors.Is(err, spec.ErrLaunchFailed))
	assert.Equal(t, 0, reg.Len())
}

func TestLaunchEmptyArgv(t *testing.T) {
	sup, _ := newTestSupervisor()
	cs := spec.CommandSpec{}

	_, err := sup.Launch(cs, sup.Command(spec.CommandSpec{Argv: []string{"true"}}))
	assert.True(t, errors.Is(err, spec.ErrLaunchFailed))
}

func TestCancelWhileBlocked(t *testing.T) {
	sup, reg := newTestSupervisor()
	cs := spec.CommandSpec{Argv: []string{"sleep", "30"}}

	p, err := sup.Launch(cs, sup.Command(cs))
	require.NoError(t, err)

	tok := cancel.New()
	go func() {
		time.Sleep(50 * time.Millisecond)
		tok.Set()
	}()

	start := time.Now()
	_, err = sup.Wait(p, tok)
	elapsed := time.Since(start)

	assert.True(t, errors.Is(err, spec.ErrCancelled), "cancellation must yield Cancelled, got %v", err)
	assert.Less(t, elapsed, time.Second, "cancellation latency must stay small")
	assert.Equal(t, 0, reg.Len(), "cancelled process must leave the registry")
}

func TestTerminateGracefulThenForceful(t *testing.T) {
	sup, reg := newTestSupervisor()
	// Trap TERM so only KILL can stop it.
	cs := spec.CommandSpec{Argv: []string{"sh", "-c", `trap "" TERM; while true; do sleep 1; done`}}

	var out bytes.Buffer
	cmd := sup.Command(cs)
	cmd.Stdout = &out
	p, err := sup.Launch(cs, cmd)
	require.NoError(t, err)

	// Give the shell a moment to install the trap.
	time.Sleep(100 * time.Millisecond)

	err = sup.Terminate(p)
	assert.NoError(t, err)
	assert.Equal(t, 0, reg.Len())

	// The child must actually die once escalation lands.
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("process survived forceful termination")
	}
}

func TestTerminateAlreadyExited(t *testing.T) {
	sup, reg := newTestSupervisor()
	cs := spec.CommandSpec{Argv: []string{"true"}}

	p, err := sup.Launch(cs, sup.Command(cs))
	require.NoError(t, err)
	_, err = sup.Wait(p, cancel.New())
	require.NoError(t, err)

	// A second terminate on a gone process is expected, not an error.
	assert.NoError(t, sup.Terminate(p))
	assert.Equal(t, 0, reg.Len())
}

func TestSanitizedEnvLocale(t *testing.T) {
	env := sanitizedEnv(spec.CommandSpec{Argv: []string{"wine", "setup.exe"}})

	assert.Contains(t, env, "LC_ALL=C")
	assert.Contains(t, env, "LANG=C")
	assert.NotContains(t, env, "DEBIAN_FRONTEND=noninteractive")
}

func TestSanitizedEnvPackageManager(t *testing.T) {
	env := sanitizedEnv(spec.CommandSpec{Argv: []string{"sudo", "apt-get", "install", "-y", "wine"}})

	assert.Contains(t, env, "DEBIAN_FRONTEND=noninteractive")
}

func TestSanitizedEnvOverlayWins(t *testing.T) {
	env := sanitizedEnv(spec.CommandSpec{
		Argv: []string{"wine", "setup.exe"},
		Env:  map[string]string{"LANG": "de_DE.UTF-8", "WINEPREFIX": "/tmp/prefix"},
	})

	assert.Contains(t, env, "LANG=de_DE.UTF-8")
	assert.Contains(t, env, "WINEPREFIX=/tmp/prefix")
	assert.NotContains(t, env, "LANG=C")
}

func TestBaseCommand(t *testing.T) {
	assert.Equal(t, "apt-get", baseCommand([]string{"sudo", "-E", "apt-get", "install"}))
	assert.Equal(t, "wine", baseCommand([]string{"/usr/bin/wine", "setup.exe"}))
	assert.Equal(t, "", baseCommand(nil))
}

func TestAwaitExit(t *testing.T) {
	sup, _ := newTestSupervisor()
	cs := spec.CommandSpec{Argv: []string{"sleep", "0.1"}}

	p, err := sup.Launch(cs, sup.Command(cs))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_, _ = sup.Wait(p, cancel.New())
		close(done)
	}()

	assert.True(t, sup.AwaitExit(p, 2*time.Second))
	<-done

	// Quiescence timeout on a process that never exits is reported, not fatal.
	cs = spec.CommandSpec{Argv: []string{"sleep", "30"}}
	p2, err := sup.Launch(cs, sup.Command(cs))
	require.NoError(t, err)
	assert.False(t, sup.AwaitExit(p2, 50*time.Millisecond))
	require.NoError(t, sup.Terminate(p2))
	_ = p2.Cmd().Wait()
}
