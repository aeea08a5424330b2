package batch

import (
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	ilogger "github.com/leninalive/paratest/internal/logger"
	"github.com/leninalive/paratest/internal/suite"
)

// DataProvider resolves a provider reference to its ordered datasets.
// *suite.Suite satisfies it; tests may substitute their own.
type DataProvider interface {
	Datasets(provider string) ([]suite.Dataset, error)
}

// Batcher groups classes into batches according to its Options. It is
// stateless across Group calls.
type Batcher struct {
	opts     Options
	provider DataProvider
	filter   *regexp.Regexp
}

// New validates the options and compiles the name filter once.
func New(provider DataProvider, opts Options) (*Batcher, error) {
	filter, err := compileNameFilter(opts.Filter)
	if err != nil {
		return nil, err
	}
	return &Batcher{opts: opts, provider: provider, filter: filter}, nil
}

// Group walks the classes in order and produces the dispatch-ready batches.
// Within a class, methods are processed in declaration order: dependent
// methods join every existing batch already holding their dependee, all
// others are packed against the size cap.
func (b *Batcher) Group(classes []suite.Class) ([]Batch, error) {
	var out []Batch
	seq := 0
	for _, class := range classes {
		sets, err := b.groupClass(class)
		if err != nil {
			return nil, err
		}
		for _, names := range sets {
			bt := Batch{Class: class.Name, Path: class.Path, Names: names}
			if b.opts.CoverageDir != "" {
				bt.Coverage = filepath.Join(b.opts.CoverageDir, fmt.Sprintf("%s-%d.cov", safeFileName(class.Name), seq))
			}
			seq++
			out = append(out, bt)
		}
	}
	return out, nil
}

func (b *Batcher) groupClass(class suite.Class) ([][]string, error) {
	var sets [][]string
	for _, method := range class.Methods {
		names, err := b.expand(class, method)
		if err != nil {
			return nil, fmt.Errorf("%s::%s: %w", class.Name, method.Name, err)
		}
		if len(names) == 0 {
			continue
		}
		if method.DependsOn != "" {
			if !appendToDependee(sets, method.DependsOn, names) {
				ilogger.LogWarn(fmt.Sprintf("Dropping %d test(s) of %s::%s: no batch contains dependency %q yet", len(names), class.Name, method.Name, method.DependsOn))
			}
			continue
		}
		sets = pack(sets, names, b.opts.MaxBatchSize)
	}
	return sets, nil
}

// expand yields the concrete test names a method contributes, after group
// and name filtering. Data-provider references expand only in functional
// mode; otherwise the method runs as a single unit under its plain name.
func (b *Batcher) expand(class suite.Class, method suite.Method) ([]string, error) {
	if method.Provider == "" || !b.opts.Functional {
		if b.keep(class.Name, method.Name, method.Groups) {
			return []string{method.Name}, nil
		}
		return nil, nil
	}
	if b.provider == nil {
		return nil, fmt.Errorf("method references provider %q but no provider source is configured", method.Provider)
	}
	sets, err := b.provider.Datasets(method.Provider)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, set := range sets {
		name := set.Label(method.Name)
		if b.keep(class.Name, name, method.Groups) {
			names = append(names, name)
		}
	}
	return names, nil
}

func (b *Batcher) keep(class, name string, groups []string) bool {
	if !matchGroups(groups, b.opts.Groups, b.opts.ExcludeGroups) {
		return false
	}
	if b.filter == nil {
		return true
	}
	return b.filter.MatchString(class + "::" + name)
}

// appendToDependee fans names out to every batch already containing the
// dependee's literal name. Dependency batches may exceed the size cap;
// dependents are never split off from their dependee.
func appendToDependee(sets [][]string, dependsOn string, names []string) bool {
	hit := false
	for i, set := range sets {
		if slices.Contains(set, dependsOn) {
			sets[i] = append(set, names...)
			hit = true
		}
	}
	return hit
}

// pack appends names to the last open batch while it has room. A cap of
// zero or less never has room, so every name opens its own batch.
func pack(sets [][]string, names []string, limit int) [][]string {
	for _, name := range names {
		last := len(sets) - 1
		if last >= 0 && len(sets[last]) < limit {
			sets[last] = append(sets[last], name)
			continue
		}
		sets = append(sets, []string{name})
	}
	return sets
}

func safeFileName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}
