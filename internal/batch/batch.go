// Package batch turns the ordered class/method inventory into the ordered
// list of work batches handed to workers. Grouping honors declared
// dependencies, group and name filters, optional data-provider expansion,
// and a maximum batch size.
package batch

// Batch is an ordered run of test names executed inside a single worker
// invocation. All names belong to one class; Path is the source file the
// worker loads and Coverage, when set, is where that invocation writes its
// coverage artifact.
type Batch struct {
	Class    string
	Path     string
	Names    []string
	Coverage string
}

// Options is the immutable selection and batching configuration. Exclusion
// beats inclusion for groups; Filter is a regex matched against
// Class::name; MaxBatchSize <= 0 opens a fresh batch per unit; Functional
// enables data-provider expansion.
type Options struct {
	Groups        []string
	ExcludeGroups []string
	Filter        string
	MaxBatchSize  int
	Functional    bool
	CoverageDir   string
}

// TotalUnits counts the individual test names across batches.
func TotalUnits(batches []Batch) int {
	n := 0
	for _, b := range batches {
		n += len(b.Names)
	}
	return n
}
