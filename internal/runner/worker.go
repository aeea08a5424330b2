// Package runner supervises the pool of long-lived worker subprocesses and
// dispatches batches to them. Each worker owns one subprocess and its three
// standard pipes; completion and shutdown travel as marker lines on stdout
// while commands travel one per line on stdin.
package runner

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/leninalive/paratest/internal/batch"
	ilogger "github.com/leninalive/paratest/internal/logger"
	"github.com/leninalive/paratest/internal/protocol"
)

const readChunkSize = 4096

// StartOptions carries everything one worker needs to spawn its subprocess:
// the executable, its arguments, and the identifying values exported into
// the subprocess environment so siblings can select isolated resources.
type StartOptions struct {
	Path        string
	Args        []string
	Token       int
	UniqueToken string
	RunnerID    string
}

// Worker supervises a single worker subprocess. It is driven by one
// goroutine (the dispatch loop); it is not safe for concurrent use. Only
// the exit reaper runs concurrently, and it communicates through the done
// channel alone.
type Worker struct {
	id int

	cmd    *exec.Cmd
	stdin  *os.File // write end, commands
	stdout *os.File // read end, protocol + progress
	stderr *os.File // read end, diagnostics

	// Raw descriptors for the drain path. Captured once at start; taking
	// them switches the files out of the runtime poller so non-blocking
	// toggles behave predictably.
	stdoutFd uintptr
	stderrFd uintptr
	readBuf  []byte

	scan        protocol.Scanner
	inFlight    int
	running     bool
	started     bool
	sawFinished bool

	done     chan struct{} // closed by the reaper after the exit code is recorded
	exitCode int

	assigned  *batch.Batch
	commands  []string
	stdoutLog tailBuffer
	stderrLog tailBuffer
}

// NewWorker returns an idle worker with the given pool slot id.
func NewWorker(id int) *Worker {
	w := &Worker{
		id:        id,
		stdoutLog: tailBuffer{limit: outputTailLimit},
		stderrLog: tailBuffer{limit: outputTailLimit},
	}
	w.scan.OnFinished = func() {
		w.sawFinished = true
		if w.inFlight > 0 {
			w.inFlight--
		}
	}
	w.scan.OnExited = func() {
		w.running = false
	}
	return w
}

// ID returns the worker's pool slot, also its numeric token.
func (w *Worker) ID() int { return w.id }

// Start spawns the worker subprocess with its three pipes and marks the
// worker running. The environment gains the parallel-mode flag, the numeric
// token when positive, and the unique run token and runner id when set.
func (w *Worker) Start(opts StartOptions) error {
	if w.started {
		return fmt.Errorf("worker %d: start: already started", w.id)
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("worker %d: %w: stdin pipe: %v", w.id, ErrNotStarted, err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return fmt.Errorf("worker %d: %w: stdout pipe: %v", w.id, ErrNotStarted, err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return fmt.Errorf("worker %d: %w: stderr pipe: %v", w.id, ErrNotStarted, err)
	}

	cmd := exec.Command(opts.Path, opts.Args...)
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.Env = append(os.Environ(), workerEnv(opts)...)

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return fmt.Errorf("worker %d: %w: spawn %s: %v", w.id, ErrNotStarted, opts.Path, err)
	}

	// The child owns its ends now; closing ours makes EOF observable.
	stdinR.Close()
	stdoutW.Close()
	stderrW.Close()

	w.cmd = cmd
	w.stdin = stdinW
	w.stdout = stdoutR
	w.stderr = stderrR
	w.stdoutFd = stdoutR.Fd()
	w.stderrFd = stderrR.Fd()
	w.readBuf = make([]byte, readChunkSize)
	w.running = true
	w.started = true

	// Reap the exit status exactly once. The code is visible to pollExit
	// only after done closes, so the first capture is the only capture.
	w.done = make(chan struct{})
	go func() {
		err := cmd.Wait()
		w.exitCode = exitCodeOf(err)
		close(w.done)
	}()

	ilogger.LogInfo(fmt.Sprintf("Worker %d started pid=%d path=%s", w.id, cmd.Process.Pid, opts.Path))
	return nil
}

func workerEnv(opts StartOptions) []string {
	env := []string{protocol.EnvParallel + "=1"}
	if opts.Token > 0 {
		env = append(env, fmt.Sprintf("%s=%d", protocol.EnvToken, opts.Token))
	}
	if opts.UniqueToken != "" {
		env = append(env, protocol.EnvUniqueToken+"="+opts.UniqueToken)
	}
	if opts.RunnerID != "" {
		env = append(env, protocol.EnvRunnerID+"="+opts.RunnerID)
	}
	return env
}

func exitCodeOf(err error) int {
	if err == nil {
		return 0
	}
	if exit, ok := err.(*exec.ExitError); ok {
		return exit.ProcessState.ExitCode()
	}
	return -1
}

// Assign hands the worker a batch and issues its command. The previous
// assignment must have been cleared with Reset first.
func (w *Worker) Assign(b *batch.Batch, builder Builder) error {
	if w.assigned != nil {
		return fmt.Errorf("worker %d: assign %s: %w", w.id, b.Class, ErrAlreadyAssigned)
	}
	command, err := builder.Command(b)
	if err != nil {
		return fmt.Errorf("worker %d: build command for %s: %w", w.id, b.Class, err)
	}
	w.assigned = b
	return w.Execute(command)
}

// Execute writes one command line to the worker and bumps the in-flight
// counter. The matching FINISHED marker decrements it.
func (w *Worker) Execute(command string) error {
	if !w.started || w.stdin == nil {
		return fmt.Errorf("worker %d: execute: %w", w.id, ErrNotStarted)
	}
	if _, err := w.stdin.WriteString(command + "\n"); err != nil {
		return fmt.Errorf("worker %d: write command: %w", w.id, err)
	}
	w.commands = append(w.commands, command)
	w.inFlight++
	ilogger.LogDebug(fmt.Sprintf("Worker %d command issued, in flight %d", w.id, w.inFlight))
	return nil
}

// Reset clears the current assignment so the worker can take another batch.
func (w *Worker) Reset() { w.assigned = nil }

// Assigned returns the batch currently held by the worker, nil when free.
func (w *Worker) Assigned() *batch.Batch { return w.assigned }

// InFlight returns the count of commands issued but not yet confirmed.
func (w *Worker) InFlight() int { return w.inFlight }

// IsFree drains pending output and reports whether every issued command has
// been confirmed finished. Callers poll IsCrashed first; a dead worker also
// reads as busy forever.
func (w *Worker) IsFree() bool {
	w.pollExit()
	w.drainOutput()
	return w.inFlight == 0
}

// IsRunning drains pending output and returns the liveness flag. The flag
// goes false permanently once the EXITED marker is observed.
func (w *Worker) IsRunning() bool {
	w.drainOutput()
	return w.running
}

// IsCrashed reports whether the subprocess died without announcing a clean
// shutdown. The marker check wins every race: a worker that printed EXITED
// is never crashed, whatever the OS says about it in that instant.
func (w *Worker) IsCrashed() bool {
	if !w.started {
		return false
	}
	code, exited := w.pollExit()
	w.drainOutput()
	if !w.running {
		return false
	}
	return exited && code != 0
}

// pollExit is the non-blocking process status poll. The exit code is only
// meaningful when the second return is true.
func (w *Worker) pollExit() (int, bool) {
	select {
	case <-w.done:
		return w.exitCode, true
	default:
		return 0, false
	}
}

// ExitCode returns the captured exit status once the subprocess has been
// reaped.
func (w *Worker) ExitCode() (int, bool) {
	return w.pollExit()
}

// drainOutput empties both read pipes without blocking and feeds stdout
// through the protocol scanner. Complete lines fire markers; a trailing
// partial line is carried until a later drain completes it.
func (w *Worker) drainOutput() {
	w.drainPipe(w.stdoutFd, &w.stdoutLog, true)
	w.drainPipe(w.stderrFd, &w.stderrLog, false)
}

func (w *Worker) drainPipe(fd uintptr, log *tailBuffer, scan bool) {
	if !w.started || fd == 0 {
		return
	}
	if err := setNonblock(fd, true); err != nil {
		return
	}
	defer func() {
		_ = setNonblock(fd, false)
	}()

	for {
		n, err := readFd(fd, w.readBuf)
		if n > 0 {
			log.Write(w.readBuf[:n])
			if scan {
				w.scan.Feed(w.readBuf[:n])
			}
		}
		if err != nil {
			if !errWouldBlock(err) {
				ilogger.LogDebug(fmt.Sprintf("Worker %d pipe read: %v", w.id, err))
			}
			return
		}
		if n == 0 {
			return // EOF
		}
	}
}

// WaitForFinished blocks until the next FINISHED marker arrives,
// decrementing the in-flight counter as usual. Diagnostic and test use
// only; the dispatch loop never blocks on a worker pipe. It fails with
// ErrStreamEnded when the pipe closes before the marker shows up.
func (w *Worker) WaitForFinished() error {
	if !w.started || w.stdoutFd == 0 {
		return fmt.Errorf("worker %d: wait for finished: %w", w.id, ErrNotStarted)
	}
	w.sawFinished = false
	for !w.sawFinished {
		n, err := readFd(w.stdoutFd, w.readBuf)
		if n > 0 {
			w.stdoutLog.Write(w.readBuf[:n])
			w.scan.Feed(w.readBuf[:n])
		}
		if err != nil {
			return fmt.Errorf("worker %d: wait for finished: %w", w.id, err)
		}
		if n == 0 {
			return fmt.Errorf("worker %d: %w", w.id, ErrStreamEnded)
		}
	}
	return nil
}

// Stop asks the subprocess to exit by protocol message and closes the
// command pipe. It does not wait; the termination is cooperative and there
// is no forced kill here.
func (w *Worker) Stop() error {
	if w.stdin == nil {
		return nil
	}
	_, werr := w.stdin.WriteString(protocol.CommandQuit + "\n")
	cerr := w.stdin.Close()
	w.stdin = nil
	ilogger.LogDebug(fmt.Sprintf("Worker %d stop requested", w.id))
	if werr != nil {
		return fmt.Errorf("worker %d: stop: %w", w.id, werr)
	}
	if cerr != nil {
		return fmt.Errorf("worker %d: close command pipe: %w", w.id, cerr)
	}
	return nil
}

// LastCommand returns the most recently issued command, empty before any.
func (w *Worker) LastCommand() string {
	if len(w.commands) == 0 {
		return ""
	}
	return w.commands[len(w.commands)-1]
}

// Commands returns the history of issued commands.
func (w *Worker) Commands() []string {
	out := make([]string, len(w.commands))
	copy(out, w.commands)
	return out
}

// Output returns the retained tail of the worker's stdout.
func (w *Worker) Output() string { return w.stdoutLog.String() }

// ErrOutput returns the retained tail of the worker's stderr.
func (w *Worker) ErrOutput() string { return w.stderrLog.String() }

// CrashReport assembles the diagnostic error for a crashed worker.
func (w *Worker) CrashReport() *CrashError {
	code, _ := w.pollExit()
	return &CrashError{
		Worker:      w.id,
		ExitCode:    code,
		LastCommand: w.LastCommand(),
		Stdout:      w.Output(),
		Stderr:      w.ErrOutput(),
	}
}
