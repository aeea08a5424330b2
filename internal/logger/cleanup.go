package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Filesystem seams for cleanup tests.
var (
	removeLogFileFn = os.Remove
	globLogFiles    = filepath.Glob
	fileStatFn      = os.Lstat
	evalSymlinksFn  = filepath.EvalSymlinks
)

// Files older than this whose owner's start time is unknown count as stale.
const staleUnknownAge = 7 * 24 * time.Hour

// CleanupStats is the outcome of one cleanup sweep.
type CleanupStats struct {
	Scanned int
	Deleted int
	Kept    int
	Errors  int

	DeletedFiles []string
	KeptFiles    []string
}

// CleanupOldLogs deletes log files whose owning process is gone. Files with
// unparseable names, files owned by live processes, and anything that fails
// the safety checks are kept. Deletion failures are collected; the sweep
// continues past them.
func CleanupOldLogs() (CleanupStats, error) {
	return cleanupOldLogs()
}

func cleanupOldLogs() (CleanupStats, error) {
	var stats CleanupStats
	tempDir := os.TempDir()

	matches, err := globLogFiles(filepath.Join(tempDir, logPrefix+"-*.log"))
	if err != nil {
		return stats, fmt.Errorf("glob log files: %w", err)
	}

	var errs []error
	for _, path := range matches {
		stats.Scanned++

		pid, ok := parsePIDFromLog(path)
		if !ok {
			stats.Kept++
			stats.KeptFiles = append(stats.KeptFiles, path)
			continue
		}
		if processRunningCheck(pid) && !isPIDReused(path, pid) {
			stats.Kept++
			stats.KeptFiles = append(stats.KeptFiles, path)
			continue
		}
		if unsafe, reason := isUnsafeFile(path, tempDir); unsafe {
			LogDebug(fmt.Sprintf("Keeping %s: %s", path, reason))
			stats.Kept++
			stats.KeptFiles = append(stats.KeptFiles, path)
			continue
		}
		if err := removeLogFileFn(path); err != nil {
			stats.Errors++
			errs = append(errs, err)
			continue
		}
		stats.Deleted++
		stats.DeletedFiles = append(stats.DeletedFiles, path)
	}

	if len(errs) > 0 {
		return stats, errors.Join(errs...)
	}
	return stats, nil
}

// parsePIDFromLog extracts the owning PID from paratest-<pid>[-suffix].log.
func parsePIDFromLog(path string) (int, bool) {
	name := strings.TrimSuffix(filepath.Base(path), ".log")
	if !strings.HasPrefix(name, logPrefix+"-") {
		return 0, false
	}
	rest := name[len(logPrefix)+1:]
	numPart, _, _ := strings.Cut(rest, "-")
	pid, err := strconv.Atoi(numPart)
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// isPIDReused reports whether the live process owning pid started after the
// log file was written, meaning the PID was recycled and the file is an
// orphan. With an unknown start time only clearly old files count.
func isPIDReused(path string, pid int) bool {
	info, err := fileStatFn(path)
	if err != nil {
		return false
	}
	start := processStartTimeFn(pid)
	if start.IsZero() {
		return time.Since(info.ModTime()) > staleUnknownAge
	}
	return start.After(info.ModTime())
}

// isUnsafeFile rejects deletion targets that are symlinks or resolve outside
// the temp directory.
func isUnsafeFile(path, tempDir string) (bool, string) {
	info, err := fileStatFn(path)
	if err != nil {
		return true, "cannot stat file"
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return true, "refusing to delete symlink"
	}

	resolved, err := evalSymlinksFn(path)
	if err != nil {
		return true, "cannot resolve path"
	}
	resolvedDir, err := evalSymlinksFn(tempDir)
	if err != nil {
		return true, "cannot resolve tempDir"
	}
	absDir, err := filepath.Abs(resolvedDir)
	if err != nil {
		return true, "cannot resolve tempDir"
	}
	if !strings.HasPrefix(resolved, absDir+string(filepath.Separator)) {
		return true, "file is outside tempDir"
	}
	return false, ""
}
