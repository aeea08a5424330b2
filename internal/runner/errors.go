package runner

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotStarted reports an operation that needs a live worker
	// subprocess before Start was called or after its pipes are gone.
	ErrNotStarted = errors.New("worker not started")

	// ErrAlreadyAssigned reports an Assign on a worker still holding a
	// batch. It signals a dispatch bug and must not be retried.
	ErrAlreadyAssigned = errors.New("worker already has an assigned batch")

	// ErrStreamEnded reports a worker stdout stream that closed before
	// the awaited completion marker arrived.
	ErrStreamEnded = errors.New("worker output ended before completion marker")
)

// CrashError describes a worker subprocess that terminated with a nonzero
// exit status without announcing a clean shutdown. The captured output
// tails travel with the error so a crash is diagnosable from the error
// alone.
type CrashError struct {
	Worker      int
	ExitCode    int
	LastCommand string
	Stdout      string
	Stderr      string
}

func (e *CrashError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "worker %d crashed with exit code %d", e.Worker, e.ExitCode)
	if e.LastCommand != "" {
		fmt.Fprintf(&b, " (last command: %s)", e.LastCommand)
	}
	if out := strings.TrimSpace(e.Stdout); out != "" {
		b.WriteString("\nstdout:\n")
		b.WriteString(out)
	}
	if out := strings.TrimSpace(e.Stderr); out != "" {
		b.WriteString("\nstderr:\n")
		b.WriteString(out)
	}
	return b.String()
}
