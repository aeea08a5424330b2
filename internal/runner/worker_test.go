package runner

import (
	"errors"
	"os"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/leninalive/paratest/internal/batch"
)

// echoHarness answers every command line with "<line> FINISHED" and shuts
// down cleanly on the termination command.
const echoHarness = `while IFS= read -r line; do
  if [ "$line" = "EXIT" ]; then
    echo "EXITED"
    exit 0
  fi
  echo "$line FINISHED"
done`

type stubBuilder struct {
	command string
	err     error
}

func (b stubBuilder) Name() string { return "stub" }

func (b stubBuilder) Command(*batch.Batch) (string, error) { return b.command, b.err }

func startWorker(t *testing.T, id int, script string, opts StartOptions) *Worker {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("worker harness tests need a POSIX shell")
	}
	w := NewWorker(id)
	opts.Path = "/bin/sh"
	opts.Args = []string{"-c", script}
	if err := w.Start(opts); err != nil {
		t.Fatalf("Start() = %v, want nil", err)
	}
	t.Cleanup(func() {
		_ = w.Stop()
		if w.done != nil {
			select {
			case <-w.done:
			case <-time.After(5 * time.Second):
			}
		}
	})
	return w
}

// newPipeWorker builds a worker around bare pipes, no subprocess. The
// returned files are the remote ends: write stdout lines into out, read
// issued commands from in.
func newPipeWorker(t *testing.T) (w *Worker, out *os.File, in *os.File) {
	t.Helper()
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe() = %v", err)
	}
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe() = %v", err)
	}
	w = NewWorker(1)
	w.stdout = stdoutR
	w.stdoutFd = stdoutR.Fd()
	w.stdin = stdinW
	w.readBuf = make([]byte, readChunkSize)
	w.started = true
	w.running = true
	t.Cleanup(func() {
		stdoutR.Close()
		stdoutW.Close()
		stdinR.Close()
		if w.stdin != nil {
			w.stdin.Close()
		}
	})
	return w, stdoutW, stdinR
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestWorkerFreshAfterStart(t *testing.T) {
	w := startWorker(t, 1, echoHarness, StartOptions{Token: 1})

	if !w.IsFree() {
		t.Fatal("IsFree() = false immediately after Start, want true")
	}
	if !w.IsRunning() {
		t.Fatal("IsRunning() = false immediately after Start, want true")
	}
	if w.IsCrashed() {
		t.Fatal("IsCrashed() = true immediately after Start, want false")
	}
}

func TestWorkerCounterTracksExecutes(t *testing.T) {
	w, out, _ := newPipeWorker(t)

	for i := 1; i <= 3; i++ {
		if err := w.Execute("cmd"); err != nil {
			t.Fatalf("Execute() = %v, want nil", err)
		}
		if got := w.InFlight(); got != i {
			t.Fatalf("InFlight() = %d after %d executes, want %d", got, i, i)
		}
	}

	if _, err := out.WriteString("ok FINISHED\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if w.IsFree() {
		t.Fatal("IsFree() = true with two commands outstanding, want false")
	}
	if got := w.InFlight(); got != 2 {
		t.Fatalf("InFlight() = %d after one marker, want 2", got)
	}

	if _, err := out.WriteString("ok FINISHED\nok FINISHED\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !w.IsFree() {
		t.Fatal("IsFree() = false after all markers, want true")
	}
}

func TestWorkerCounterNeverNegative(t *testing.T) {
	w, out, _ := newPipeWorker(t)

	if _, err := out.WriteString("stray FINISHED\nanother FINISHED\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !w.IsFree() {
		t.Fatal("IsFree() = false, want true")
	}
	if got := w.InFlight(); got != 0 {
		t.Fatalf("InFlight() = %d after stray markers, want 0", got)
	}
}

func TestWorkerMarkerSplitAcrossDrains(t *testing.T) {
	w, out, _ := newPipeWorker(t)

	if err := w.Execute("cmd"); err != nil {
		t.Fatalf("Execute() = %v", err)
	}

	if _, err := out.WriteString("ok 1 FINIS"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if w.IsFree() {
		t.Fatal("IsFree() = true on a partial marker line, want false")
	}

	if _, err := out.WriteString("HED\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !w.IsFree() {
		t.Fatal("IsFree() = false after the line completed, want true")
	}
	if got := w.Output(); !strings.Contains(got, "ok 1 FINISHED") {
		t.Fatalf("Output() = %q, want the stitched line retained", got)
	}
}

func TestWorkerExitedMarkerStopsRunning(t *testing.T) {
	w, out, _ := newPipeWorker(t)

	if !w.IsRunning() {
		t.Fatal("IsRunning() = false before any marker, want true")
	}
	if _, err := out.WriteString("bye EXITED\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if w.IsRunning() {
		t.Fatal("IsRunning() = true after EXITED marker, want false")
	}
	if w.IsRunning() {
		t.Fatal("IsRunning() flipped back to true, want permanently false")
	}
}

func TestWorkerCleanExitBeatsExitCode(t *testing.T) {
	w, out, _ := newPipeWorker(t)

	// The subprocess is gone with a nonzero status, but it announced a
	// clean shutdown first. That never counts as a crash.
	done := make(chan struct{})
	close(done)
	w.done = done
	w.exitCode = 137

	if _, err := out.WriteString("EXITED\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if w.IsCrashed() {
		t.Fatal("IsCrashed() = true after clean exit marker, want false")
	}
}

func TestWorkerCrashDetection(t *testing.T) {
	w := startWorker(t, 4, `read -r line
echo "boom" >&2
exit 42`, StartOptions{Token: 4})

	if err := w.Execute("run batch"); err != nil {
		t.Fatalf("Execute() = %v", err)
	}

	waitFor(t, "crash detection", w.IsCrashed)

	crash := w.CrashReport()
	if crash.Worker != 4 {
		t.Fatalf("CrashReport().Worker = %d, want 4", crash.Worker)
	}
	if crash.ExitCode != 42 {
		t.Fatalf("CrashReport().ExitCode = %d, want 42", crash.ExitCode)
	}
	if crash.LastCommand != "run batch" {
		t.Fatalf("CrashReport().LastCommand = %q, want %q", crash.LastCommand, "run batch")
	}
	if !strings.Contains(crash.Stderr, "boom") {
		t.Fatalf("CrashReport().Stderr = %q, want it to contain %q", crash.Stderr, "boom")
	}
	if !strings.Contains(crash.Error(), "exit code 42") {
		t.Fatalf("Error() = %q, want exit code in message", crash.Error())
	}
}

func TestWorkerZeroExitWithoutMarkerIsNotCrash(t *testing.T) {
	w := startWorker(t, 5, "exit 0", StartOptions{Token: 5})

	waitFor(t, "process exit", func() bool {
		_, exited := w.ExitCode()
		return exited
	})

	if w.IsCrashed() {
		t.Fatal("IsCrashed() = true for zero exit status, want false")
	}
	if code, _ := w.ExitCode(); code != 0 {
		t.Fatalf("ExitCode() = %d, want 0", code)
	}
}

func TestWorkerStopTriggersCleanShutdown(t *testing.T) {
	w := startWorker(t, 2, echoHarness, StartOptions{Token: 2})

	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() = %v, want nil", err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("second Stop() = %v, want nil", err)
	}

	waitFor(t, "EXITED marker", func() bool { return !w.IsRunning() })

	waitFor(t, "process exit", func() bool {
		_, exited := w.ExitCode()
		return exited
	})
	code, _ := w.ExitCode()
	if code != 0 {
		t.Fatalf("ExitCode() = %d after clean stop, want 0", code)
	}
	if w.IsCrashed() {
		t.Fatal("IsCrashed() = true after clean stop, want false")
	}

	// The captured code never changes once set.
	again, _ := w.ExitCode()
	if again != code {
		t.Fatalf("ExitCode() = %d on second read, want %d", again, code)
	}
}

func TestWorkerExecuteBeforeStart(t *testing.T) {
	w := NewWorker(9)

	if err := w.Execute("cmd"); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Execute() = %v, want ErrNotStarted", err)
	}
	if err := w.WaitForFinished(); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("WaitForFinished() = %v, want ErrNotStarted", err)
	}
	b := &batch.Batch{Class: "T", Names: []string{"testA"}}
	if err := w.Assign(b, stubBuilder{command: "cmd"}); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Assign() = %v, want ErrNotStarted", err)
	}
}

func TestWorkerAssignRequiresReset(t *testing.T) {
	w, out, _ := newPipeWorker(t)

	first := &batch.Batch{Class: "A", Names: []string{"t1"}}
	if err := w.Assign(first, stubBuilder{command: "run A"}); err != nil {
		t.Fatalf("Assign() = %v, want nil", err)
	}
	if got := w.Assigned(); got != first {
		t.Fatalf("Assigned() = %p, want the assigned batch", got)
	}
	if got := w.LastCommand(); got != "run A" {
		t.Fatalf("LastCommand() = %q, want %q", got, "run A")
	}

	second := &batch.Batch{Class: "B", Names: []string{"t2"}}
	if err := w.Assign(second, stubBuilder{command: "run B"}); !errors.Is(err, ErrAlreadyAssigned) {
		t.Fatalf("Assign() = %v, want ErrAlreadyAssigned", err)
	}

	if _, err := out.WriteString("done FINISHED\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if !w.IsFree() {
		t.Fatal("IsFree() = false after marker, want true")
	}
	w.Reset()
	if err := w.Assign(second, stubBuilder{command: "run B"}); err != nil {
		t.Fatalf("Assign() after Reset = %v, want nil", err)
	}
	if got := w.Commands(); len(got) != 2 || got[0] != "run A" || got[1] != "run B" {
		t.Fatalf("Commands() = %v, want [run A, run B]", got)
	}
}

func TestWorkerAssignBuilderError(t *testing.T) {
	w, _, _ := newPipeWorker(t)

	b := &batch.Batch{Class: "T", Names: []string{"t"}}
	err := w.Assign(b, stubBuilder{err: errors.New("bad template")})
	if err == nil || !strings.Contains(err.Error(), "bad template") {
		t.Fatalf("Assign() = %v, want builder error", err)
	}
	if w.Assigned() != nil {
		t.Fatal("Assigned() != nil after failed build, want nil")
	}
	if w.InFlight() != 0 {
		t.Fatalf("InFlight() = %d after failed build, want 0", w.InFlight())
	}
}

func TestWorkerWaitForFinished(t *testing.T) {
	w := startWorker(t, 3, echoHarness, StartOptions{Token: 3})

	if err := w.Execute("unit one"); err != nil {
		t.Fatalf("Execute() = %v", err)
	}
	if err := w.WaitForFinished(); err != nil {
		t.Fatalf("WaitForFinished() = %v, want nil", err)
	}
	if got := w.InFlight(); got != 0 {
		t.Fatalf("InFlight() = %d after wait, want 0", got)
	}
	if got := w.Output(); !strings.Contains(got, "unit one FINISHED") {
		t.Fatalf("Output() = %q, want echoed marker line", got)
	}
}

func TestWorkerWaitForFinishedStreamEnds(t *testing.T) {
	w := startWorker(t, 6, "read -r line", StartOptions{Token: 6})

	if err := w.Execute("no answer"); err != nil {
		t.Fatalf("Execute() = %v", err)
	}
	if err := w.WaitForFinished(); !errors.Is(err, ErrStreamEnded) {
		t.Fatalf("WaitForFinished() = %v, want ErrStreamEnded", err)
	}
}

func TestWorkerEnvContract(t *testing.T) {
	script := `echo "env=$PARATEST/$PARATEST_TOKEN/$PARATEST_UNIQUE_TOKEN/$PARATEST_RUNNER_ID"
` + echoHarness
	w := startWorker(t, 7, script, StartOptions{Token: 7, UniqueToken: "run-uuid", RunnerID: "runner-9"})

	waitFor(t, "env line", func() bool {
		w.drainOutput()
		return strings.Contains(w.Output(), "env=")
	})
	if got := w.Output(); !strings.Contains(got, "env=1/7/run-uuid/runner-9") {
		t.Fatalf("Output() = %q, want env line with all four values", got)
	}
}

func TestWorkerEnvOmitsEmptyOptionals(t *testing.T) {
	got := workerEnv(StartOptions{Token: 2})
	want := []string{"PARATEST=1", "PARATEST_TOKEN=2"}
	if len(got) != len(want) {
		t.Fatalf("workerEnv() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("workerEnv()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	if env := workerEnv(StartOptions{}); len(env) != 1 || env[0] != "PARATEST=1" {
		t.Fatalf("workerEnv(zero) = %v, want only the parallel flag", env)
	}
}

func TestWorkerStartFailure(t *testing.T) {
	w := NewWorker(8)
	err := w.Start(StartOptions{Path: "/nonexistent/paratest-harness"})
	if !errors.Is(err, ErrNotStarted) {
		t.Fatalf("Start() = %v, want ErrNotStarted", err)
	}
	if w.IsRunning() {
		t.Fatal("IsRunning() = true after failed start, want false")
	}
}
