// Package report renders per-batch progress lines and the end-of-run
// summary. It consumes dispatcher feedback; it never interprets test
// results beyond completion and crash.
package report

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"

	"github.com/leninalive/paratest/internal/runner"
	"github.com/leninalive/paratest/internal/utils"
)

const lastCommandLimit = 200

// Printer writes human-readable run output.
type Printer struct {
	out     io.Writer
	noColor bool
	verbose bool

	green  *color.Color
	red    *color.Color
	yellow *color.Color
	cyan   *color.Color
	bold   *color.Color
	dim    *color.Color
}

// PrinterOption configures the printer.
type PrinterOption func(*Printer)

// WithWriter sets the output writer.
func WithWriter(w io.Writer) PrinterOption {
	return func(p *Printer) { p.out = w }
}

// WithNoColor disables colored output.
func WithNoColor(noColor bool) PrinterOption {
	return func(p *Printer) { p.noColor = noColor }
}

// WithVerbose lists every unit of a batch as it completes.
func WithVerbose(verbose bool) PrinterOption {
	return func(p *Printer) { p.verbose = verbose }
}

// NewPrinter creates a printer writing to stdout unless overridden.
func NewPrinter(opts ...PrinterOption) *Printer {
	p := &Printer{out: os.Stdout}
	for _, opt := range opts {
		opt(p)
	}

	// Only ever force colors off; leave the package's TTY detection alone
	// otherwise.
	if p.noColor {
		color.NoColor = true
	}
	p.green = color.New(color.FgGreen)
	p.red = color.New(color.FgRed)
	p.yellow = color.New(color.FgYellow)
	p.cyan = color.New(color.FgCyan)
	p.bold = color.New(color.Bold)
	p.dim = color.New(color.Faint)
	return p
}

// Header prints the run banner.
func (p *Printer) Header(version, suitePath string, workers, batches, units int) {
	fmt.Fprintln(p.out)
	p.bold.Fprintf(p.out, "paratest %s\n", version)
	fmt.Fprintln(p.out)
	p.cyan.Fprintf(p.out, "Suite: %s\n", suitePath)
	fmt.Fprintf(p.out, "Workers: %d | Batches: %d | Units: %d\n", workers, batches, units)
	fmt.Fprintln(p.out)
}

// Feedback returns the dispatcher hook printing one line per completed
// batch.
func (p *Printer) Feedback() runner.Feedback {
	return func(r runner.Result) {
		p.green.Fprint(p.out, "✓ ")
		fmt.Fprintf(p.out, "%s", r.Batch.Class)
		p.dim.Fprintf(p.out, "  %d unit(s) in %s [worker %d]\n", len(r.Batch.Names), formatDuration(r.Duration), r.Worker)
		if p.verbose {
			for _, name := range r.Batch.Names {
				p.dim.Fprintf(p.out, "    %s\n", name)
			}
			if r.Batch.Coverage != "" {
				p.dim.Fprintf(p.out, "    coverage: %s\n", r.Batch.Coverage)
			}
		}
	}
}

// Crash prints the crash block: worker identity, last command, and the
// sanitized output tails.
func (p *Printer) Crash(crash *runner.CrashError) {
	fmt.Fprintln(p.out)
	p.red.Fprintf(p.out, "✗ worker %d crashed with exit code %d\n", crash.Worker, crash.ExitCode)
	if crash.LastCommand != "" {
		fmt.Fprintf(p.out, "  last command: %s\n", utils.SafeTruncate(crash.LastCommand, lastCommandLimit))
	}
	p.dumpStream("stdout", crash.Stdout)
	p.dumpStream("stderr", crash.Stderr)
}

func (p *Printer) dumpStream(name, raw string) {
	text := strings.TrimSpace(utils.SanitizeOutput(raw))
	if text == "" {
		return
	}
	p.bold.Fprintf(p.out, "  %s:\n", name)
	for _, line := range strings.Split(text, "\n") {
		fmt.Fprintf(p.out, "    %s\n", line)
	}
}

// Interrupted prints the cancellation notice.
func (p *Printer) Interrupted() {
	fmt.Fprintln(p.out)
	p.yellow.Fprintln(p.out, "Run interrupted, stopping workers")
}

// Error prints an error message.
func (p *Printer) Error(format string, args ...any) {
	p.red.Fprintf(p.out, "Error: "+format+"\n", args...)
}
