// Package suite loads the discovery manifest: the ordered inventory of test
// classes, their methods, and the data-provider tables methods may reference.
// Parsing test sources is out of scope; the manifest is the boundary where a
// discovery tool hands its findings to the scheduler.
package suite

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Method is one test method as discovery reported it, in declaration order.
type Method struct {
	Name      string   `yaml:"name"`
	Groups    []string `yaml:"groups"`
	DependsOn string   `yaml:"depends"`
	Provider  string   `yaml:"provider"`
}

// Class is one test class: an identity, the source path handed to workers,
// and its methods in declaration order.
type Class struct {
	Name    string   `yaml:"name"`
	Path    string   `yaml:"path"`
	Methods []Method `yaml:"methods"`
}

// Dataset is a single data-provider entry. Keys are either positional
// integers or names; the payload is opaque to the scheduler and rides along
// for command builders that want to embed it.
type Dataset struct {
	Index   int
	Name    string
	Named   bool
	Payload any
}

// Label renders the expanded display name for a method run against this
// dataset: `m with data set #2` for positional keys, `m with data set "edge"`
// for named ones.
func (d Dataset) Label(method string) string {
	if d.Named {
		return fmt.Sprintf("%s with data set %q", method, d.Name)
	}
	return fmt.Sprintf("%s with data set #%d", method, d.Index)
}

// Suite is a parsed manifest. Class and dataset order is preserved.
type Suite struct {
	Classes   []Class
	providers map[string][]Dataset
}

// Datasets returns the ordered datasets of a named provider.
func (s *Suite) Datasets(provider string) ([]Dataset, error) {
	sets, ok := s.providers[provider]
	if !ok {
		return nil, fmt.Errorf("data provider %q is not defined", provider)
	}
	return sets, nil
}

// Load reads and parses a manifest file.
func Load(path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read suite manifest: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("suite manifest %s: %w", path, err)
	}
	return s, nil
}

type manifest struct {
	Classes   []Class                   `yaml:"classes"`
	Providers map[string][]datasetEntry `yaml:"providers"`
}

type datasetEntry struct {
	Key  any `yaml:"key"`
	Data any `yaml:"data"`
}

// Parse decodes manifest YAML and validates the shape: non-empty identities,
// no duplicate methods within a class, and every provider reference resolved.
// Names and paths end up inside single-line worker commands, so embedded
// newlines are rejected here rather than at dispatch time.
func Parse(data []byte) (*Suite, error) {
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if len(m.Classes) == 0 {
		return nil, fmt.Errorf("no classes declared")
	}

	providers := make(map[string][]Dataset, len(m.Providers))
	for name, entries := range m.Providers {
		sets, err := buildDatasets(entries)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", name, err)
		}
		providers[name] = sets
	}

	s := &Suite{Classes: m.Classes, providers: providers}
	for ci, class := range s.Classes {
		if strings.TrimSpace(class.Name) == "" {
			return nil, fmt.Errorf("class #%d has no name", ci+1)
		}
		if strings.ContainsRune(class.Name, '\n') {
			return nil, fmt.Errorf("class %q: name contains a newline", class.Name)
		}
		if strings.TrimSpace(class.Path) == "" {
			return nil, fmt.Errorf("class %q has no path", class.Name)
		}
		if strings.ContainsRune(class.Path, '\n') {
			return nil, fmt.Errorf("class %q: path contains a newline", class.Name)
		}
		seen := make(map[string]struct{}, len(class.Methods))
		for _, method := range class.Methods {
			if strings.TrimSpace(method.Name) == "" {
				return nil, fmt.Errorf("class %q declares a method with no name", class.Name)
			}
			if strings.ContainsRune(method.Name, '\n') {
				return nil, fmt.Errorf("class %q: method name %q contains a newline", class.Name, method.Name)
			}
			if _, dup := seen[method.Name]; dup {
				return nil, fmt.Errorf("class %q declares method %q twice", class.Name, method.Name)
			}
			seen[method.Name] = struct{}{}
			if method.Provider != "" {
				if _, ok := providers[method.Provider]; !ok {
					return nil, fmt.Errorf("%s::%s references undefined provider %q", class.Name, method.Name, method.Provider)
				}
			}
		}
	}
	return s, nil
}

func buildDatasets(entries []datasetEntry) ([]Dataset, error) {
	sets := make([]Dataset, 0, len(entries))
	seenNames := make(map[string]struct{})
	seenIndexes := make(map[int]struct{})
	next := 0
	for i, entry := range entries {
		d := Dataset{Payload: entry.Data}
		switch key := entry.Key.(type) {
		case nil:
			d.Index = next
		case int:
			d.Index = key
		case string:
			d.Named = true
			d.Name = key
		default:
			return nil, fmt.Errorf("entry #%d has key %v of unsupported type %T", i+1, entry.Key, entry.Key)
		}
		if d.Named {
			if strings.ContainsRune(d.Name, '\n') {
				return nil, fmt.Errorf("dataset key %q contains a newline", d.Name)
			}
			if _, dup := seenNames[d.Name]; dup {
				return nil, fmt.Errorf("duplicate dataset key %q", d.Name)
			}
			seenNames[d.Name] = struct{}{}
		} else {
			if _, dup := seenIndexes[d.Index]; dup {
				return nil, fmt.Errorf("duplicate dataset key #%d", d.Index)
			}
			seenIndexes[d.Index] = struct{}{}
			next = d.Index + 1
		}
		sets = append(sets, d)
	}
	return sets, nil
}
