package manifest

import (
	stderrors "errors"
	"os"
	"path/filepath"
	"testing"

	dkerrors "github.com/driverkit/driverkit/errors"
)

const sample = `
name: net0
version: 0.3.1
requires:
  - name: core
    min: 1.0.0
    max: 2.0.0
exports:
  - probe
  - xmit
imports:
  - core::init
  - core::alloc_dma
image: net0.wasm
`

func TestParseValid(t *testing.T) {
	m, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if m.Name != "net0" || m.Version != "0.3.1" {
		t.Errorf("header = %s/%s", m.Name, m.Version)
	}
	if len(m.Requires) != 1 || m.Requires[0].Name != "core" || m.Requires[0].Max != "2.0.0" {
		t.Errorf("requires = %+v", m.Requires)
	}
	if got := m.QualifiedExports(); len(got) != 2 || got[0] != "net0::probe" {
		t.Errorf("QualifiedExports = %v", got)
	}
	if m.SemVer().Minor != 3 {
		t.Errorf("SemVer = %v", m.SemVer())
	}
}

func TestParseRejections(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing name", "version: 1.0.0"},
		{"bad version", "name: a\nversion: one.two"},
		{"name with separator", "name: a::b\nversion: 1.0.0"},
		{"unknown field", "name: a\nversion: 1.0.0\nbogus: true"},
		{"qualified export", "name: a\nversion: 1.0.0\nexports: [\"b::c\"]"},
		{"unqualified import", "name: a\nversion: 1.0.0\nimports: [init]"},
		{"bad constraint bound", "name: a\nversion: 1.0.0\nrequires: [{name: b, min: x}]"},
		{"unnamed requirement", "name: a\nversion: 1.0.0\nrequires: [{min: 1.0.0}]"},
	}

	invalid := dkerrors.Match(dkerrors.PhaseLoad, dkerrors.KindInvalidInput)
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.yaml)); !stderrors.Is(err, invalid) {
				t.Errorf("Parse = %v, want invalid_input", err)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "net0.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if m.Image != "net0.wasm" {
		t.Errorf("Image = %q", m.Image)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); !stderrors.Is(err, dkerrors.Match(dkerrors.PhaseLoad, dkerrors.KindIO)) {
		t.Errorf("missing file = %v, want io error", err)
	}
}

func TestSplitSymbol(t *testing.T) {
	cases := []struct {
		in       string
		mod, sym string
		ok       bool
	}{
		{"core::init", "core", "init", true},
		{"a::b::c", "a", "b::c", true},
		{"init", "", "", false},
	}
	for _, tc := range cases {
		mod, sym, ok := SplitSymbol(tc.in)
		if mod != tc.mod || sym != tc.sym || ok != tc.ok {
			t.Errorf("SplitSymbol(%q) = %q,%q,%v", tc.in, mod, sym, ok)
		}
	}
}
