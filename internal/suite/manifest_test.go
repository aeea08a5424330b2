package suite

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleManifest = `
classes:
  - name: MoneyTest
    path: tests/MoneyTest.php
    methods:
      - name: testAdd
        groups: [fast, math]
      - name: testDivide
        provider: divisionCases
  - name: LedgerTest
    path: tests/LedgerTest.php
    methods:
      - name: testOpen
      - name: testClose
        depends: testOpen
providers:
  divisionCases:
    - key: 0
      data: [10, 2, 5]
    - key: 1
      data: [9, 3, 3]
    - key: edge
      data: [1, 3]
`

func TestParsePreservesDeclarationOrder(t *testing.T) {
	s, err := Parse([]byte(sampleManifest))
	require.NoError(t, err)

	require.Len(t, s.Classes, 2)
	assert.Equal(t, "MoneyTest", s.Classes[0].Name)
	assert.Equal(t, "tests/MoneyTest.php", s.Classes[0].Path)
	assert.Equal(t, "LedgerTest", s.Classes[1].Name)

	methods := s.Classes[0].Methods
	require.Len(t, methods, 2)
	assert.Equal(t, "testAdd", methods[0].Name)
	assert.Equal(t, []string{"fast", "math"}, methods[0].Groups)
	assert.Equal(t, "divisionCases", methods[1].Provider)

	assert.Equal(t, "testOpen", s.Classes[1].Methods[1].DependsOn)
}

func TestParseDatasetKeys(t *testing.T) {
	s, err := Parse([]byte(sampleManifest))
	require.NoError(t, err)

	sets, err := s.Datasets("divisionCases")
	require.NoError(t, err)
	require.Len(t, sets, 3)

	assert.False(t, sets[0].Named)
	assert.Equal(t, 0, sets[0].Index)
	assert.False(t, sets[1].Named)
	assert.Equal(t, 1, sets[1].Index)
	assert.True(t, sets[2].Named)
	assert.Equal(t, "edge", sets[2].Name)

	_, err = s.Datasets("nope")
	assert.ErrorContains(t, err, `"nope"`)
}

func TestDatasetLabel(t *testing.T) {
	cases := []struct {
		name string
		set  Dataset
		want string
	}{
		{"positional", Dataset{Index: 0}, `testDivide with data set #0`},
		{"positional offset", Dataset{Index: 7}, `testDivide with data set #7`},
		{"named", Dataset{Named: true, Name: "edge"}, `testDivide with data set "edge"`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.set.Label("testDivide"))
		})
	}
}

func TestParseAutoIndexesUnkeyedEntries(t *testing.T) {
	s, err := Parse([]byte(`
classes:
  - name: T
    path: t.php
    methods: [{name: testA, provider: rows}]
providers:
  rows:
    - data: [1]
    - data: [2]
    - key: 9
      data: [3]
    - data: [4]
`))
	require.NoError(t, err)

	sets, err := s.Datasets("rows")
	require.NoError(t, err)
	require.Len(t, sets, 4)
	assert.Equal(t, 0, sets[0].Index)
	assert.Equal(t, 1, sets[1].Index)
	assert.Equal(t, 9, sets[2].Index)
	assert.Equal(t, 10, sets[3].Index)
}

func TestParseRejectsMalformedManifests(t *testing.T) {
	cases := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			"no classes",
			`providers: {}`,
			"no classes",
		},
		{
			"unnamed class",
			"classes:\n  - path: t.php\n    methods: [{name: testA}]",
			"has no name",
		},
		{
			"missing path",
			"classes:\n  - name: T\n    methods: [{name: testA}]",
			"has no path",
		},
		{
			"duplicate method",
			"classes:\n  - name: T\n    path: t.php\n    methods: [{name: testA}, {name: testA}]",
			`method "testA" twice`,
		},
		{
			"undefined provider",
			"classes:\n  - name: T\n    path: t.php\n    methods: [{name: testA, provider: rows}]",
			`undefined provider "rows"`,
		},
		{
			"duplicate dataset name",
			"classes:\n  - name: T\n    path: t.php\n    methods: [{name: testA, provider: rows}]\nproviders:\n  rows:\n    - {key: edge, data: 1}\n    - {key: edge, data: 2}",
			`duplicate dataset key "edge"`,
		},
		{
			"duplicate dataset index",
			"classes:\n  - name: T\n    path: t.php\n    methods: [{name: testA, provider: rows}]\nproviders:\n  rows:\n    - {key: 1, data: 1}\n    - {key: 1, data: 2}",
			"duplicate dataset key #1",
		},
		{
			"newline in method name",
			"classes:\n  - name: T\n    path: t.php\n    methods: [{name: \"testA\\nEXIT\"}]",
			"contains a newline",
		},
		{
			"newline in path",
			"classes:\n  - name: T\n    path: \"t\\n.php\"\n    methods: [{name: testA}]",
			"path contains a newline",
		},
		{
			"newline in dataset key",
			"classes:\n  - name: T\n    path: t.php\n    methods: [{name: testA, provider: rows}]\nproviders:\n  rows:\n    - {key: \"a\\nb\", data: 1}",
			"contains a newline",
		},
		{
			"not yaml",
			"classes: [",
			"parse yaml",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestLoadReadsManifestFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "paratest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleManifest), 0o644))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, s.Classes, 2)

	_, err = Load(filepath.Join(dir, "absent.yaml"))
	assert.ErrorContains(t, err, "read suite manifest")
}
