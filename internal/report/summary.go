package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	json "github.com/goccy/go-json"

	"github.com/leninalive/paratest/internal/runner"
)

// Batch durations are recorded in microseconds, 1us to 60s, 3 significant
// digits.
const (
	histogramMin = 1
	histogramMax = 60_000_000
)

// Recorder aggregates completed-batch results during a run. It is driven
// from the dispatch goroutine and read only after the run ends, so it
// carries no locking.
type Recorder struct {
	histogram *hdrhistogram.Histogram
	startedAt time.Time

	batches      int
	units        int
	perWorker    map[int]int
	slowest      time.Duration
	slowestClass string
}

// NewRecorder creates a recorder and stamps the run start.
func NewRecorder() *Recorder {
	return &Recorder{
		histogram: hdrhistogram.New(histogramMin, histogramMax, 3),
		startedAt: time.Now(),
		perWorker: make(map[int]int),
	}
}

// Feedback returns the dispatcher hook recording each completion.
func (r *Recorder) Feedback() runner.Feedback {
	return func(res runner.Result) {
		r.batches++
		r.units += len(res.Batch.Names)
		r.perWorker[res.Worker]++

		us := res.Duration.Microseconds()
		if us < histogramMin {
			us = histogramMin
		}
		if us > histogramMax {
			us = histogramMax
		}
		_ = r.histogram.RecordValue(us)

		if res.Duration > r.slowest {
			r.slowest = res.Duration
			r.slowestClass = res.Batch.Class
		}
	}
}

// Summary is the end-of-run accounting. FailedUnits counts units that were
// scheduled but never confirmed, whether undispatched or lost to a crash
// or interrupt; they are never retried.
type Summary struct {
	Duration    time.Duration
	Workers     int
	Batches     int
	Units       int
	FailedUnits int
	Crashed     bool
	Interrupted bool

	P50  time.Duration
	P95  time.Duration
	P99  time.Duration
	Max  time.Duration
	Mean time.Duration

	SlowestClass string
	Slowest      time.Duration
	PerWorker    map[int]int
}

// Summarize closes the recorder into a Summary. totalUnits is the number
// of units the batcher scheduled.
func (r *Recorder) Summarize(workers, totalUnits int, crashed, interrupted bool) *Summary {
	failed := totalUnits - r.units
	if failed < 0 {
		failed = 0
	}
	quantile := func(q float64) time.Duration {
		if r.batches == 0 {
			return 0
		}
		return time.Duration(r.histogram.ValueAtQuantile(q)) * time.Microsecond
	}
	s := &Summary{
		Duration:     time.Since(r.startedAt),
		Workers:      workers,
		Batches:      r.batches,
		Units:        r.units,
		FailedUnits:  failed,
		Crashed:      crashed,
		Interrupted:  interrupted,
		P50:          quantile(50),
		P95:          quantile(95),
		P99:          quantile(99),
		Mean:         time.Duration(r.histogram.Mean()) * time.Microsecond,
		SlowestClass: r.slowestClass,
		Slowest:      r.slowest,
		PerWorker:    r.perWorker,
	}
	if r.batches > 0 {
		s.Max = time.Duration(r.histogram.Max()) * time.Microsecond
	}
	return s
}

// Summary prints the human-readable run summary.
func (p *Printer) Summary(s *Summary) {
	fmt.Fprintln(p.out)
	p.bold.Fprintln(p.out, "RUN SUMMARY")
	fmt.Fprintln(p.out, strings.Repeat("─", 40))

	fmt.Fprintf(p.out, "Duration:  %s\n", formatDuration(s.Duration))
	fmt.Fprintf(p.out, "Workers:   %d\n", s.Workers)
	fmt.Fprintf(p.out, "Batches:   %d\n", s.Batches)
	fmt.Fprintf(p.out, "Units:     ")
	p.green.Fprintf(p.out, "%d completed", s.Units)
	if s.FailedUnits > 0 {
		fmt.Fprint(p.out, " | ")
		p.red.Fprintf(p.out, "%d failed", s.FailedUnits)
	}
	fmt.Fprintln(p.out)

	if s.Batches > 0 {
		fmt.Fprintf(p.out, "Batch time: p50 %s | p95 %s | p99 %s | max %s\n",
			formatDuration(s.P50), formatDuration(s.P95), formatDuration(s.P99), formatDuration(s.Max))
		if s.SlowestClass != "" {
			fmt.Fprintf(p.out, "Slowest:   %s (%s)\n", s.SlowestClass, formatDuration(s.Slowest))
		}
	}

	fmt.Fprintln(p.out)
	switch {
	case s.Crashed:
		p.red.Fprintln(p.out, "CRASHED")
	case s.Interrupted:
		p.yellow.Fprintln(p.out, "INTERRUPTED")
	case s.FailedUnits > 0:
		p.red.Fprintln(p.out, "INCOMPLETE")
	default:
		p.green.Fprintln(p.out, "OK")
	}
}

type jsonSummary struct {
	DurationMs   int64       `json:"duration_ms"`
	Workers      int         `json:"workers"`
	Batches      int         `json:"batches"`
	Units        int         `json:"units"`
	FailedUnits  int         `json:"failed_units"`
	Crashed      bool        `json:"crashed"`
	Interrupted  bool        `json:"interrupted"`
	BatchMs      jsonLatency `json:"batch_ms"`
	SlowestClass string      `json:"slowest_class,omitempty"`
	PerWorker    map[int]int `json:"batches_per_worker,omitempty"`
}

type jsonLatency struct {
	P50  int64 `json:"p50"`
	P95  int64 `json:"p95"`
	P99  int64 `json:"p99"`
	Max  int64 `json:"max"`
	Mean int64 `json:"mean"`
}

// JSONSummary writes the machine-readable summary to the printer's writer.
func (p *Printer) JSONSummary(s *Summary) error {
	return p.JSONSummaryTo(p.out, s)
}

// JSONSummaryTo writes the machine-readable summary to w. Callers that
// route progress output to stderr use this to keep stdout pure JSON.
func (p *Printer) JSONSummaryTo(w io.Writer, s *Summary) error {
	out := jsonSummary{
		DurationMs:  s.Duration.Milliseconds(),
		Workers:     s.Workers,
		Batches:     s.Batches,
		Units:       s.Units,
		FailedUnits: s.FailedUnits,
		Crashed:     s.Crashed,
		Interrupted: s.Interrupted,
		BatchMs: jsonLatency{
			P50:  s.P50.Milliseconds(),
			P95:  s.P95.Milliseconds(),
			P99:  s.P99.Milliseconds(),
			Max:  s.Max.Milliseconds(),
			Mean: s.Mean.Milliseconds(),
		},
		SlowestClass: s.SlowestClass,
		PerWorker:    s.PerWorker,
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%dµs", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	default:
		minutes := int(d.Minutes())
		seconds := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %02ds", minutes, seconds)
	}
}
