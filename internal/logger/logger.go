// Package logger provides the process-wide diagnostic log. Runs write to a
// per-PID file under the system temp directory so that a crashed or killed
// run leaves its trace behind; stale files from dead processes are swept by
// CleanupOldLogs.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"
)

// logPrefix is the fixed file name prefix for log files.
const logPrefix = "paratest"

// recentErrorsMax bounds the in-memory warn/error cache.
const recentErrorsMax = 100

type entry struct {
	level zerolog.Level
	msg   string
	ack   chan struct{}
}

// Logger writes structured entries to a per-process file. Writes are
// serialized through a single worker goroutine so concurrent callers never
// interleave partial lines.
type Logger struct {
	path string
	file *os.File
	zl   zerolog.Logger

	entries chan entry
	done    chan struct{}

	mu     sync.RWMutex
	closed bool

	cacheMu sync.Mutex
	recent  []string

	closeOnce sync.Once
	closeErr  error
}

// NewLogger opens the log file for this process, paratest-<pid>.log in the
// temp directory.
func NewLogger() (*Logger, error) {
	return newLogger("")
}

// NewLoggerWithSuffix opens paratest-<pid>-<suffix>.log. The suffix is
// sanitized for use in a file name.
func NewLoggerWithSuffix(suffix string) (*Logger, error) {
	return newLogger(sanitizeLogSuffix(suffix))
}

func newLogger(suffix string) (*Logger, error) {
	name := fmt.Sprintf("%s-%d.log", logPrefix, os.Getpid())
	if suffix != "" {
		name = fmt.Sprintf("%s-%d-%s.log", logPrefix, os.Getpid(), suffix)
	}
	path := filepath.Join(os.TempDir(), name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}

	l := &Logger{
		path:    path,
		file:    file,
		zl:      zerolog.New(file).With().Timestamp().Logger(),
		entries: make(chan entry, 256),
		done:    make(chan struct{}),
	}
	go l.run()
	return l, nil
}

// sanitizeLogSuffix makes a suffix file-name safe without introducing
// collisions: bytes outside [A-Za-z0-9_-] are percent-encoded, so distinct
// inputs stay distinct.
func sanitizeLogSuffix(suffix string) string {
	var b strings.Builder
	for _, r := range suffix {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			fmt.Fprintf(&b, "%%%02x", r)
		}
	}
	if b.Len() == 0 {
		return "log"
	}
	return b.String()
}

func (l *Logger) run() {
	defer close(l.done)
	for e := range l.entries {
		if e.ack != nil {
			_ = l.file.Sync()
			close(e.ack)
			continue
		}
		l.zl.WithLevel(e.level).Msg(e.msg)
	}
	_ = l.file.Sync()
}

// EchoTo additionally renders entries to w in zerolog's console format.
// It must be called before the first log entry is written.
func (l *Logger) EchoTo(w io.Writer) {
	if l == nil || l.file == nil {
		return
	}
	multi := zerolog.MultiLevelWriter(l.file, zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"})
	l.zl = zerolog.New(multi).With().Timestamp().Logger()
}

// Path returns the log file path, "" for a nil logger.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

func (l *Logger) Debug(msg string) { l.log(zerolog.DebugLevel, msg) }
func (l *Logger) Info(msg string)  { l.log(zerolog.InfoLevel, msg) }
func (l *Logger) Warn(msg string)  { l.log(zerolog.WarnLevel, msg) }
func (l *Logger) Error(msg string) { l.log(zerolog.ErrorLevel, msg) }

func (l *Logger) log(level zerolog.Level, msg string) {
	if l == nil {
		return
	}
	if level == zerolog.WarnLevel || level == zerolog.ErrorLevel {
		l.cacheRecent(msg)
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed || l.entries == nil {
		return
	}
	l.entries <- entry{level: level, msg: msg}
}

func (l *Logger) cacheRecent(msg string) {
	l.cacheMu.Lock()
	defer l.cacheMu.Unlock()
	l.recent = append(l.recent, msg)
	if len(l.recent) > recentErrorsMax {
		l.recent = l.recent[len(l.recent)-recentErrorsMax:]
	}
}

// Flush blocks until every queued entry is on disk.
func (l *Logger) Flush() {
	if l == nil {
		return
	}
	ack := make(chan struct{})
	l.mu.RLock()
	if l.closed || l.entries == nil {
		l.mu.RUnlock()
		return
	}
	l.entries <- entry{ack: ack}
	l.mu.RUnlock()
	<-ack
}

// Close drains the queue, stops the worker, and closes the file. The file
// itself is kept on disk for post-mortem reading; CleanupOldLogs or
// RemoveLogFile delete it. Close is idempotent.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		if l.entries != nil {
			close(l.entries)
			<-l.done
		}
		if l.file != nil {
			l.closeErr = l.file.Close()
		}
	})
	return l.closeErr
}

// RemoveLogFile deletes this logger's file. Safe on a nil logger.
func (l *Logger) RemoveLogFile() error {
	if l == nil || l.path == "" {
		return nil
	}
	return removeLogFileFn(l.path)
}

// ExtractRecentErrors returns up to max of the most recent warn and error
// messages, oldest first. The cache holds the last 100 entries.
func (l *Logger) ExtractRecentErrors(max int) []string {
	if l == nil || l.path == "" || max <= 0 {
		return nil
	}
	l.cacheMu.Lock()
	defer l.cacheMu.Unlock()
	if len(l.recent) == 0 {
		return nil
	}
	start := 0
	if len(l.recent) > max {
		start = len(l.recent) - max
	}
	out := make([]string, len(l.recent)-start)
	copy(out, l.recent[start:])
	return out
}
