package runner

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	json "github.com/goccy/go-json"

	"github.com/leninalive/paratest/internal/batch"
)

// Builder renders the single command line a worker runs for one batch. The
// wire protocol forbids newlines in commands; every builder produces one
// line.
type Builder interface {
	Name() string
	Command(b *batch.Batch) (string, error)
}

var registry = map[string]Builder{
	"json":    jsonBuilder{},
	"phpunit": phpunitBuilder{},
	"argv":    argvBuilder{},
}

// Builders returns the registered builder names, sorted. Intended for
// listings and error messages.
func Builders() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SelectBuilder resolves a builder by name; empty selects the json default.
func SelectBuilder(name string) (Builder, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		key = "json"
	}
	if b, ok := registry[key]; ok {
		return b, nil
	}
	return nil, fmt.Errorf("unsupported command builder %q (known: %s)", name, strings.Join(Builders(), ", "))
}

// jsonBuilder emits the batch as a single-line JSON object. Harnesses that
// parse their own commands start here.
type jsonBuilder struct{}

type jsonCommand struct {
	Class    string   `json:"class"`
	Path     string   `json:"path"`
	Names    []string `json:"names"`
	Coverage string   `json:"coverage,omitempty"`
}

func (jsonBuilder) Name() string { return "json" }

func (jsonBuilder) Command(b *batch.Batch) (string, error) {
	if len(b.Names) == 0 {
		return "", fmt.Errorf("batch for %s has no test names", b.Class)
	}
	data, err := json.Marshal(jsonCommand{Class: b.Class, Path: b.Path, Names: b.Names, Coverage: b.Coverage})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// phpunitBuilder emits a phpunit invocation selecting exactly the batch's
// tests with an anchored --filter alternation.
type phpunitBuilder struct{}

func (phpunitBuilder) Name() string { return "phpunit" }

func (phpunitBuilder) Command(b *batch.Batch) (string, error) {
	if len(b.Names) == 0 {
		return "", fmt.Errorf("batch for %s has no test names", b.Class)
	}
	quoted := make([]string, len(b.Names))
	for i, name := range b.Names {
		quoted[i] = regexp.QuoteMeta(name)
	}
	var sb strings.Builder
	sb.WriteString("phpunit --filter ")
	sb.WriteString(shellQuote("/^(?:" + strings.Join(quoted, "|") + ")$/"))
	if b.Coverage != "" {
		sb.WriteString(" --coverage-php ")
		sb.WriteString(shellQuote(b.Coverage))
	}
	sb.WriteString(" ")
	sb.WriteString(shellQuote(b.Path))
	return sb.String(), nil
}

// argvBuilder emits the class path followed by the test names, each
// shell-quoted. The smallest contract a harness can parse.
type argvBuilder struct{}

func (argvBuilder) Name() string { return "argv" }

func (argvBuilder) Command(b *batch.Batch) (string, error) {
	if len(b.Names) == 0 {
		return "", fmt.Errorf("batch for %s has no test names", b.Class)
	}
	parts := make([]string, 0, len(b.Names)+1)
	parts = append(parts, shellQuote(b.Path))
	for _, name := range b.Names {
		parts = append(parts, shellQuote(name))
	}
	return strings.Join(parts, " "), nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
