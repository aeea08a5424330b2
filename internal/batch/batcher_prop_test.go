package batch

import (
	"fmt"
	"reflect"
	"slices"
	"strings"
	"testing"

	"pgregory.net/rapid"

	"github.com/leninalive/paratest/internal/suite"
)

// Packing invariants over random dependency-free method lists: a positive
// cap bounds every batch, a zero cap yields one unit per batch, source
// order survives flattening, nothing is lost or duplicated, and grouping
// is deterministic.
func TestGroupPackingProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 40).Draw(t, "methods")
		limit := rapid.IntRange(0, 5).Draw(t, "cap")

		methods := make([]suite.Method, n)
		want := make([]string, n)
		for i := range methods {
			name := fmt.Sprintf("test%03d", i)
			methods[i] = suite.Method{Name: name}
			want[i] = name
		}
		classes := []suite.Class{{Name: "T", Path: "t.php", Methods: methods}}

		b, err := New(nil, Options{MaxBatchSize: limit})
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		batches, err := b.Group(classes)
		if err != nil {
			t.Fatalf("Group: %v", err)
		}

		var got []string
		for _, bt := range batches {
			if limit <= 0 && len(bt.Names) != 1 {
				t.Fatalf("cap %d: batch holds %d units, want 1", limit, len(bt.Names))
			}
			if limit > 0 && len(bt.Names) > limit {
				t.Fatalf("cap %d: batch holds %d units", limit, len(bt.Names))
			}
			got = append(got, bt.Names...)
		}
		if !slices.Equal(got, want) {
			t.Fatalf("flattened batches = %v, want %v", got, want)
		}

		again, err := b.Group(classes)
		if err != nil {
			t.Fatalf("Group (second call): %v", err)
		}
		if !reflect.DeepEqual(batches, again) {
			t.Fatalf("grouping is not deterministic:\nfirst  %v\nsecond %v", batches, again)
		}
	})
}

// Filtering the survivors of a filtered run changes nothing: the name
// filter is idempotent.
func TestGroupFilterIdempotence(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(0, 40).Draw(t, "methods")
		limit := rapid.IntRange(0, 5).Draw(t, "cap")

		methods := make([]suite.Method, n)
		for i := range methods {
			methods[i] = suite.Method{Name: fmt.Sprintf("test%03d", i)}
		}
		opts := Options{MaxBatchSize: limit, Filter: "/1/"}

		survivors := flattenGrouped(t, methods, opts)
		for _, name := range survivors {
			if !strings.Contains(name, "1") {
				t.Fatalf("filter let %q through", name)
			}
		}

		remethods := make([]suite.Method, len(survivors))
		for i, name := range survivors {
			remethods[i] = suite.Method{Name: name}
		}
		refiltered := flattenGrouped(t, remethods, opts)
		if !slices.Equal(survivors, refiltered) {
			t.Fatalf("refiltering changed the surviving set:\nonce  %v\ntwice %v", survivors, refiltered)
		}
	})
}

func flattenGrouped(t *rapid.T, methods []suite.Method, opts Options) []string {
	b, err := New(nil, opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	batches, err := b.Group([]suite.Class{{Name: "T", Path: "t.php", Methods: methods}})
	if err != nil {
		t.Fatalf("Group: %v", err)
	}
	var names []string
	for _, bt := range batches {
		names = append(names, bt.Names...)
	}
	return names
}
