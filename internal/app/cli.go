// Package app wires the command line surface: flag parsing, configuration
// resolution, the logger lifecycle, and the run orchestration.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/leninalive/paratest/internal/config"
	"github.com/leninalive/paratest/internal/logger"
)

const appName = "paratest"

// Test seams.
var (
	exitFn                = os.Exit
	stdinReader io.Reader = os.Stdin
)

// exitError carries a process exit code through cobra's error return path.
type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit %d", e.code)
}

// Run parses os.Args, executes the command, and exits the process.
func Run() {
	exitFn(run())
}

func run() int {
	cmd := newRootCommand()
	cmd.SetArgs(os.Args[1:])
	if err := cmd.Execute(); err != nil {
		var ee exitError
		if errors.As(err, &ee) {
			return ee.code
		}
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return 1
	}
	return 0
}

// cliOptions holds raw flag values before viper resolution.
type cliOptions struct {
	Suite        string
	Processes    int
	Functional   bool
	MaxBatchSize int

	Groups        []string
	ExcludeGroups []string
	Filter        string

	Worker     string
	WorkerArgs []string
	Builder    string

	CoverageDir  string
	RunnerID     string
	PollInterval time.Duration

	JSONOutput bool
	NoColor    bool
	Verbose    bool

	ConfigFile string
	Version    bool
	Cleanup    bool
}

func newRootCommand() *cobra.Command {
	opts := &cliOptions{}

	cmd := &cobra.Command{
		Use:           appName + " --suite <manifest> --worker <command> [flags]",
		Short:         "Run test units in parallel across persistent worker processes",
		SilenceErrors: true,
		SilenceUsage:  true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.Version {
				fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, version)
				return nil
			}
			if opts.Cleanup {
				if code := runCleanupMode(cmd.OutOrStdout()); code != 0 {
					return exitError{code: code}
				}
				return nil
			}

			v, err := config.NewViper(opts.ConfigFile)
			if err != nil {
				fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
				return exitError{code: 1}
			}
			cfg, err := resolveConfig(cmd.Flags(), opts, v)
			if err != nil {
				fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
				return exitError{code: 1}
			}

			code := runWithLoggerAndCleanup(cfg.Verbose, func() int {
				logger.LogInfo(fmt.Sprintf("Run starting: suite=%s workers=%d builder=%s",
					cfg.SuitePath, cfg.Processes, cfg.Builder))
				ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				return executeRun(ctx, cfg, os.Stdout, os.Stderr)
			})
			if code != 0 {
				return exitError{code: code}
			}
			return nil
		},
	}
	cmd.CompletionOptions.DisableDefaultCmd = true

	addRootFlags(cmd.Flags(), opts)
	cmd.AddCommand(newVersionCommand(), newCleanupCommand())

	return cmd
}

func addRootFlags(fs *pflag.FlagSet, opts *cliOptions) {
	fs.StringVarP(&opts.Suite, "suite", "s", "", `Suite manifest path, "-" for stdin`)
	fs.IntVarP(&opts.Processes, "processes", "p", 0, "Worker process count (default: one per CPU)")
	fs.BoolVarP(&opts.Functional, "functional", "f", false, "Expand data providers into per-dataset units")
	fs.IntVarP(&opts.MaxBatchSize, "max-batch-size", "m", 0, "Units per batch (0 = every unit in its own batch)")

	fs.StringSliceVar(&opts.Groups, "group", nil, "Only run tests in these groups (repeatable)")
	fs.StringSliceVar(&opts.ExcludeGroups, "exclude-group", nil, "Skip tests in these groups (repeatable)")
	fs.StringVar(&opts.Filter, "filter", "", `Name filter, plain text or "/pattern/flags"`)

	fs.StringVar(&opts.Worker, "worker", "", "Worker command that executes batches")
	fs.StringArrayVar(&opts.WorkerArgs, "worker-arg", nil, "Extra worker argument (repeatable)")
	fs.StringVar(&opts.Builder, "builder", "", "Command builder: argv, json, or phpunit (default json)")

	fs.StringVar(&opts.CoverageDir, "coverage-dir", "", "Directory for per-batch coverage artifacts")
	fs.StringVar(&opts.RunnerID, "runner-id", "", "Runner identity exported to workers")
	fs.DurationVar(&opts.PollInterval, "poll-interval", 0, "Dispatcher poll interval (default 10ms)")

	fs.BoolVar(&opts.JSONOutput, "json", false, "Print the run summary as JSON on stdout")
	fs.BoolVar(&opts.NoColor, "no-color", false, "Disable colored output")
	fs.BoolVarP(&opts.Verbose, "verbose", "v", false, "List units as they finish and echo the log to stderr")

	fs.StringVar(&opts.ConfigFile, "config", "", "Config file path (default: $HOME/.paratest/config.*)")
	fs.BoolVar(&opts.Version, "version", false, "Print version and exit")
	fs.BoolVar(&opts.Cleanup, "cleanup", false, "Delete stale log files and exit")
}

// resolveConfig merges flag values with viper settings. An explicitly set
// flag wins over environment variables and the config file.
func resolveConfig(flags *pflag.FlagSet, opts *cliOptions, v *viper.Viper) (*config.Config, error) {
	cfg := &config.Config{
		SuitePath:   stringSetting(flags, v, "suite", opts.Suite),
		WorkerPath:  stringSetting(flags, v, "worker", opts.Worker),
		Filter:      stringSetting(flags, v, "filter", opts.Filter),
		Builder:     stringSetting(flags, v, "builder", opts.Builder),
		CoverageDir: stringSetting(flags, v, "coverage-dir", opts.CoverageDir),
		RunnerID:    stringSetting(flags, v, "runner-id", opts.RunnerID),

		Functional: boolSetting(flags, v, "functional", opts.Functional),
		JSONOutput: boolSetting(flags, v, "json", opts.JSONOutput),
		NoColor:    boolSetting(flags, v, "no-color", opts.NoColor),
		Verbose:    boolSetting(flags, v, "verbose", opts.Verbose),

		Groups:        sliceSetting(flags, v, "group", opts.Groups),
		ExcludeGroups: sliceSetting(flags, v, "exclude-group", opts.ExcludeGroups),
		WorkerArgs:    sliceSetting(flags, v, "worker-arg", opts.WorkerArgs),
	}

	processes := opts.Processes
	if !flags.Changed("processes") {
		processes = v.GetInt("processes")
	}
	cfg.Processes = config.ResolveWorkerCount(processes)

	cfg.MaxBatchSize = opts.MaxBatchSize
	if !flags.Changed("max-batch-size") {
		cfg.MaxBatchSize = v.GetInt("max-batch-size")
	}

	cfg.PollInterval = opts.PollInterval
	if !flags.Changed("poll-interval") {
		cfg.PollInterval = v.GetDuration("poll-interval")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func stringSetting(flags *pflag.FlagSet, v *viper.Viper, name, flagValue string) string {
	if flags.Changed(name) {
		return strings.TrimSpace(flagValue)
	}
	return strings.TrimSpace(v.GetString(name))
}

func boolSetting(flags *pflag.FlagSet, v *viper.Viper, name string, flagValue bool) bool {
	if flags.Changed(name) {
		return flagValue
	}
	return v.GetBool(name)
}

func sliceSetting(flags *pflag.FlagSet, v *viper.Viper, name string, flagValue []string) []string {
	if flags.Changed(name) {
		return flagValue
	}
	return v.GetStringSlice(name)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s\n", appName, version)
		},
	}
}

func newCleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete log files left behind by dead runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if code := runCleanupMode(cmd.OutOrStdout()); code != 0 {
				return exitError{code: code}
			}
			return nil
		},
	}
}

func runCleanupMode(out io.Writer) int {
	stats, err := logger.CleanupOldLogs()
	fmt.Fprintf(out, "Scanned %d log file(s): deleted %d, kept %d, errors %d\n",
		stats.Scanned, stats.Deleted, stats.Kept, stats.Errors)
	for _, path := range stats.DeletedFiles {
		fmt.Fprintf(out, "  deleted %s\n", path)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		return 1
	}
	return 0
}

// runWithLoggerAndCleanup brackets fn with the logger lifecycle. On a
// non-zero exit it dumps the most recent logged errors to stderr before
// removing the log file.
func runWithLoggerAndCleanup(verbose bool, fn func() int) (exitCode int) {
	log, err := logger.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: failed to initialize logger: %v\n", err)
		return 1
	}
	if verbose {
		log.EchoTo(os.Stderr)
	}
	logger.SetLogger(log)

	defer func() {
		log.Flush()
		if err := logger.CloseLogger(); err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: failed to close logger: %v\n", err)
		}
		if exitCode != 0 {
			if entries := log.ExtractRecentErrors(10); len(entries) > 0 {
				fmt.Fprintln(os.Stderr, "\n=== Recent Errors ===")
				for _, entry := range entries {
					fmt.Fprintln(os.Stderr, entry)
				}
			}
		}
		if err := log.RemoveLogFile(); err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: failed to remove log file: %v\n", err)
		}
	}()

	scheduleStartupCleanup()

	return fn()
}

// scheduleStartupCleanup sweeps logs left behind by dead runs without
// blocking startup.
func scheduleStartupCleanup() {
	go func() {
		stats, err := logger.CleanupOldLogs()
		if err != nil {
			logger.LogDebug(fmt.Sprintf("Stale log sweep: %v", err))
			return
		}
		if stats.Deleted > 0 {
			logger.LogDebug(fmt.Sprintf("Stale log sweep removed %d file(s)", stats.Deleted))
		}
	}()
}
