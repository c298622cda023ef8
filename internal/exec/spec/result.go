package spec

import "errors"

// Status classifies how an execution ended.
type Status int

const (
	// StatusCompleted means the process ran to completion and exited zero.
	StatusCompleted Status = iota
	// StatusNonZeroExit means the process ran to completion and reported failure.
	StatusNonZeroExit
	// StatusCancelled means the user aborted the operation mid-flight.
	StatusCancelled
	// StatusLaunchFailed means the OS could not start the command.
	StatusLaunchFailed
	// StatusAuthCancelled means the user declined to provide a credential.
	StatusAuthCancelled
	// StatusAuthFailed means the credential was rejected past the retry budget.
	StatusAuthFailed
	// StatusTimeout means a bounded wait exceeded its budget.
	StatusTimeout
)

// String returns a human-readable status name.
func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusNonZeroExit:
		return "non-zero exit"
	case StatusCancelled:
		return "cancelled"
	case StatusLaunchFailed:
		return "launch failed"
	case StatusAuthCancelled:
		return "authentication cancelled"
	case StatusAuthFailed:
		return "authentication failed"
	case StatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Sentinel errors for the engine's failure taxonomy. Callers match with
// errors.Is; wrapped causes carry the detail.
var (
	ErrCancelled     = errors.New("operation cancelled")
	ErrAuthCancelled = errors.New("authentication cancelled")
	ErrAuthFailed    = errors.New("authentication failed")
	ErrTimeout       = errors.New("timed out")
	ErrLaunchFailed  = errors.New("process launch failed")
	ErrNonZeroExit   = errors.New("command exited non-zero")
)

// StatusOf maps an engine error to its status. Nil maps to StatusCompleted.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusCompleted
	case errors.Is(err, ErrCancelled):
		return StatusCancelled
	case errors.Is(err, ErrAuthCancelled):
		return StatusAuthCancelled
	case errors.Is(err, ErrAuthFailed):
		return StatusAuthFailed
	case errors.Is(err, ErrTimeout):
		return StatusTimeout
	case errors.Is(err, ErrLaunchFailed):
		return StatusLaunchFailed
	default:
		return StatusNonZeroExit
	}
}

// ExecutionResult is what callers get back from an executor.
type ExecutionResult struct {
	Status   Status
	Success  bool
	ExitCode int
	// Stdout and Stderr hold captured output. Empty when streamed.
	Stdout string
	Stderr string
}

// Cancelled reports whether the execution ended by user abort. Distinct from
// ordinary failure so callers never retry a deliberate stop.
func (r ExecutionResult) Cancelled() bool {
	return r.Status == StatusCancelled
}

// Completed returns a successful result with the given output.
func Completed(stdout, stderr string) ExecutionResult {
	return ExecutionResult{Status: StatusCompleted, Success: true, Stdout: stdout, Stderr: stderr}
}

// Failed builds a result from an engine error.
func Failed(err error, exitCode int, stdout, stderr string) ExecutionResult {
	return ExecutionResult{
		Status:   StatusOf(err),
		Success:  false,
		ExitCode: exitCode,
		Stdout:   stdout,
		Stderr:   stderr,
	}
}
