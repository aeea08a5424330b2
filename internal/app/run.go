package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/leninalive/paratest/internal/batch"
	"github.com/leninalive/paratest/internal/config"
	"github.com/leninalive/paratest/internal/logger"
	"github.com/leninalive/paratest/internal/report"
	"github.com/leninalive/paratest/internal/runner"
	"github.com/leninalive/paratest/internal/suite"
)

// Exit codes: 0 all units confirmed, 1 configuration or test failure,
// 2 worker crash or interrupted run.
const (
	exitOK    = 0
	exitFail  = 1
	exitCrash = 2
)

// executeRun drives a full run: load the manifest, group it into batches,
// start the pool, dispatch, and print the summary. Progress goes to stdout,
// or to stderr when the JSON summary owns stdout.
func executeRun(ctx context.Context, cfg *config.Config, stdout, stderr io.Writer) int {
	progressOut := stdout
	if cfg.JSONOutput {
		progressOut = stderr
	}
	printer := report.NewPrinter(
		report.WithWriter(progressOut),
		report.WithNoColor(cfg.NoColor),
		report.WithVerbose(cfg.Verbose),
	)

	s, err := loadSuite(cfg.SuitePath)
	if err != nil {
		printer.Error("%v", err)
		return exitFail
	}

	builder, err := runner.SelectBuilder(cfg.Builder)
	if err != nil {
		printer.Error("%v", err)
		return exitFail
	}

	batcher, err := batch.New(s, batch.Options{
		Groups:        cfg.Groups,
		ExcludeGroups: cfg.ExcludeGroups,
		Filter:        cfg.Filter,
		MaxBatchSize:  cfg.MaxBatchSize,
		Functional:    cfg.Functional,
		CoverageDir:   cfg.CoverageDir,
	})
	if err != nil {
		printer.Error("%v", err)
		return exitFail
	}
	batches, err := batcher.Group(s.Classes)
	if err != nil {
		printer.Error("%v", err)
		return exitFail
	}
	totalUnits := batch.TotalUnits(batches)

	printer.Header(version, cfg.SuitePath, cfg.Processes, len(batches), totalUnits)
	logger.LogInfo(fmt.Sprintf("Scheduled %d unit(s) in %d batch(es) across %d worker(s)",
		totalUnits, len(batches), cfg.Processes))

	recorder := report.NewRecorder()
	if len(batches) == 0 {
		return emitSummary(printer, recorder.Summarize(cfg.Processes, 0, false, false), cfg.JSONOutput, stdout)
	}

	pool := runner.NewPool(runner.PoolOptions{
		Size:       cfg.Processes,
		WorkerPath: cfg.WorkerPath,
		WorkerArgs: cfg.WorkerArgs,
		RunnerID:   cfg.RunnerID,
	})
	if err := pool.Start(); err != nil {
		printer.Error("%v", err)
		return exitFail
	}

	dispatcher := runner.NewDispatcher(pool, builder, runner.DispatchOptions{
		PollInterval: cfg.PollInterval,
	})
	dispatcher.OnComplete(recorder.Feedback())
	dispatcher.OnComplete(printer.Feedback())

	runErr := dispatcher.Run(ctx, batches)

	var crash *runner.CrashError
	crashed := errors.As(runErr, &crash)
	interrupted := runErr != nil && !crashed &&
		(errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded))
	switch {
	case crashed:
		printer.Crash(crash)
		logger.LogError(crash.Error())
	case interrupted:
		printer.Interrupted()
		logger.LogWarn("Run interrupted before completion")
	case runErr != nil:
		printer.Error("%v", runErr)
		logger.LogError(runErr.Error())
	}

	summary := recorder.Summarize(pool.Size(), totalUnits, crashed, interrupted)
	code := emitSummary(printer, summary, cfg.JSONOutput, stdout)

	switch {
	case crashed || interrupted:
		return exitCrash
	case runErr != nil:
		return exitFail
	}
	return code
}

// emitSummary prints the run summary and converts it to an exit code.
func emitSummary(printer *report.Printer, s *report.Summary, asJSON bool, stdout io.Writer) int {
	if asJSON {
		if err := printer.JSONSummaryTo(stdout, s); err != nil {
			printer.Error("%v", err)
			return exitFail
		}
	} else {
		printer.Summary(s)
	}
	if s.FailedUnits > 0 {
		return exitFail
	}
	return exitOK
}

// loadSuite reads the manifest from a file, or from stdin when path is "-".
func loadSuite(path string) (*suite.Suite, error) {
	if path != "-" {
		return suite.Load(path)
	}
	data, err := io.ReadAll(stdinReader)
	if err != nil {
		return nil, fmt.Errorf("read suite manifest from stdin: %w", err)
	}
	s, err := suite.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("suite manifest (stdin): %w", err)
	}
	return s, nil
}
