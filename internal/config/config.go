// Package config resolves the effective run configuration from flags, the
// PARATEST_* environment, and an optional config file.
package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Config is the fully resolved configuration of one run.
type Config struct {
	SuitePath string

	Processes    int
	Functional   bool
	MaxBatchSize int

	Groups        []string
	ExcludeGroups []string
	Filter        string

	WorkerPath string
	WorkerArgs []string
	Builder    string

	CoverageDir string
	RunnerID    string

	PollInterval time.Duration

	JSONOutput bool
	NoColor    bool
	Verbose    bool
}

// Validate rejects configurations that cannot start a run.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.SuitePath) == "" {
		return fmt.Errorf("suite manifest required (--suite)")
	}
	if strings.TrimSpace(c.WorkerPath) == "" {
		return fmt.Errorf("worker command required (--worker)")
	}
	if c.RunnerID != "" {
		if err := ValidateRunnerID(c.RunnerID); err != nil {
			return err
		}
	}
	return nil
}

const maxWorkersLimit = 100

// ResolveWorkerCount normalizes the requested worker count: non-positive
// means one worker per CPU, and anything above the hard limit is capped.
func ResolveWorkerCount(requested int) int {
	if requested <= 0 {
		requested = runtime.NumCPU()
	}
	if requested > maxWorkersLimit {
		return maxWorkersLimit
	}
	if requested < 1 {
		return 1
	}
	return requested
}

// ValidateRunnerID rejects identifiers that cannot safely ride in an
// environment variable handed to worker shells.
func ValidateRunnerID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("runner id is empty")
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return fmt.Errorf("runner id %q contains invalid character %q", id, r)
		}
	}
	return nil
}
