// Package protocol defines the line-oriented control protocol spoken between
// the dispatcher and its worker subprocesses, and the environment contract a
// worker uses to disambiguate itself among siblings.
package protocol

import "bytes"

// Reserved tokens on the wire. Commands travel supervisor -> worker on stdin,
// one per line; markers travel worker -> supervisor on stdout as the tail of
// a complete line.
const (
	// MarkerFinished completes the oldest outstanding command.
	MarkerFinished = "FINISHED"
	// MarkerExited announces a clean shutdown; it must be the last
	// meaningful line before EOF.
	MarkerExited = "EXITED"
	// CommandQuit asks the worker to shut down and emit MarkerExited.
	CommandQuit = "EXIT"
)

// Environment variables exported to every worker subprocess.
const (
	// EnvParallel is set to "1" for every worker spawned by a pool.
	EnvParallel = "PARATEST"
	// EnvToken carries the numeric worker token (1..N within a pool).
	EnvToken = "PARATEST_TOKEN"
	// EnvUniqueToken carries the token shared by all workers of one run.
	EnvUniqueToken = "PARATEST_UNIQUE_TOKEN"
	// EnvRunnerID carries an opaque caller-supplied runner id.
	EnvRunnerID = "PARATEST_RUNNER_ID"
)

var (
	finishedSuffix = []byte(MarkerFinished)
	exitedSuffix   = []byte(MarkerExited)
)

// Scanner splits a worker's output stream into complete lines and recognizes
// the two sentinel markers. Bytes of an incomplete trailing line are carried
// over between feeds, so a marker split across two reads fires only when the
// read completing its line arrives, and never twice.
type Scanner struct {
	carry []byte

	// OnFinished fires once per line ending in MarkerFinished.
	OnFinished func()
	// OnExited fires once per line ending in MarkerExited.
	OnExited func()
	// OnLine, when set, receives every complete line (marker lines included)
	// without its trailing newline.
	OnLine func(line string)
}

// Feed appends chunk to the carry-over buffer and delivers every complete
// line it now holds. The final partial line, if any, is retained.
func (s *Scanner) Feed(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	s.carry = append(s.carry, chunk...)
	for {
		idx := bytes.IndexByte(s.carry, '\n')
		if idx < 0 {
			return
		}
		line := s.carry[:idx]
		s.deliver(line)
		s.carry = s.carry[idx+1:]
	}
}

// Pending returns a copy of the unprocessed partial line.
func (s *Scanner) Pending() []byte {
	if len(s.carry) == 0 {
		return nil
	}
	out := make([]byte, len(s.carry))
	copy(out, s.carry)
	return out
}

// A marker line is a complete line whose content ends with the marker
// token; anything printed before it on the same line is progress text.
func (s *Scanner) deliver(line []byte) {
	if s.OnLine != nil {
		s.OnLine(string(line))
	}
	switch {
	case bytes.HasSuffix(line, finishedSuffix):
		if s.OnFinished != nil {
			s.OnFinished()
		}
	case bytes.HasSuffix(line, exitedSuffix):
		if s.OnExited != nil {
			s.OnExited()
		}
	}
}
