package report

import (
	"bytes"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/splax/bibles/internal/domain"
)

type mapLookup map[string]domain.Project

func (m mapLookup) Lookup(id string) (domain.Project, bool) {
	p, ok := m[id]
	return p, ok
}

var projects = mapLookup{
	"a": {ID: "a", Name: "A", Branch: "main"},
	"b": {ID: "b", Name: "B", Branch: "release"},
}

func TestAssembleJoinsProjectsInAttributionOrder(t *testing.T) {
	records := []domain.AggregatedRecord{{
		Component: domain.Component{Ecosystem: "python", Name: "req", Version: "1.0"},
		Licenses:  []string{"MIT"},
		Projects:  []string{"a", "b"},
	}, {
		Component: domain.Component{Ecosystem: "go", Name: "pgx", Version: "5.7.5"},
		Licenses:  []string{"MIT", "BSD-3-Clause"},
		Copyright: "(c) Jack",
		Projects:  []string{"b", "ghost"},
	}}

	rows := Assemble(records, projects)
	require.Equal(t, []domain.ReportRow{
		{Licenses: "MIT", Component: "python:req:1.0", Projects: "A:main;B:release"},
		{Licenses: "MIT, BSD-3-Clause", Component: "go:pgx:5.7.5", Copyright: "(c) Jack", Projects: "B:release;ghost"},
	}, rows)
}

func TestEncodeWritesHeaderAndQuotes(t *testing.T) {
	var buf bytes.Buffer
	rows := []domain.ReportRow{{Licenses: "MIT, Apache-2.0", Component: "npm:a:1", Copyright: `say "hi"`, Projects: "A:main"}}
	require.NoError(t, Encode(&buf, rows))

	parsed, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Equal(t, [][]string{
		Header,
		{"MIT, Apache-2.0", "npm:a:1", `say "hi"`, "A:main"},
	}, parsed)
}

func TestWriteCSVReplacesAtomically(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bibles.csv")
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0o644))

	require.NoError(t, WriteCSV(path, []domain.ReportRow{{Licenses: "MIT", Component: "python:req:1.0", Projects: "A:main"}}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "LICENSES,COMPONENT,COPYRIGHT STATEMENTS,PROJECTS\nMIT,python:req:1.0,,A:main\n", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestWriteCSVMissingDirectory(t *testing.T) {
	err := WriteCSV(filepath.Join(t.TempDir(), "nope", "bibles.csv"), nil)
	require.Error(t, err)
}
