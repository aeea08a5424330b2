package logger

import "sync/atomic"

var active atomic.Pointer[Logger]

// SetLogger installs l as the process-wide logger.
func SetLogger(l *Logger) {
	active.Store(l)
}

// ActiveLogger returns the installed logger, nil when none is set.
func ActiveLogger() *Logger {
	return active.Load()
}

// CloseLogger closes and uninstalls the active logger. Safe when no logger
// is installed.
func CloseLogger() error {
	l := active.Swap(nil)
	if l == nil {
		return nil
	}
	return l.Close()
}

// The Log* helpers write to the active logger and are no-ops before
// SetLogger and after CloseLogger.

func LogDebug(msg string) {
	if l := ActiveLogger(); l != nil {
		l.Debug(msg)
	}
}

func LogInfo(msg string) {
	if l := ActiveLogger(); l != nil {
		l.Info(msg)
	}
}

func LogWarn(msg string) {
	if l := ActiveLogger(); l != nil {
		l.Warn(msg)
	}
}

func LogError(msg string) {
	if l := ActiveLogger(); l != nil {
		l.Error(msg)
	}
}
