package logger

import (
	"errors"
	"math"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Liveness seams for cleanup tests.
var (
	processRunningCheck = isProcessRunning
	processStartTimeFn  = getProcessStartTime
)

func pidToInt32(pid int) (int32, bool) {
	if pid <= 0 || pid > math.MaxInt32 {
		return 0, false
	}
	return int32(pid), true
}

// isProcessRunning reports whether pid appears to be alive. Inspection
// failures count as running: deleting a live run's log is worse than keeping
// a stale one.
func isProcessRunning(pid int) bool {
	pid32, ok := pidToInt32(pid)
	if !ok {
		return false
	}

	exists, err := process.PidExists(pid32)
	if err == nil {
		return exists
	}
	if errors.Is(err, process.ErrorProcessNotRunning) {
		return false
	}
	return true
}

// getProcessStartTime returns when pid started, zero when unknown.
func getProcessStartTime(pid int) time.Time {
	pid32, ok := pidToInt32(pid)
	if !ok {
		return time.Time{}
	}

	proc, err := process.NewProcess(pid32)
	if err != nil {
		return time.Time{}
	}
	ms, err := proc.CreateTime()
	if err != nil || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
