// Package manifest defines the on-disk YAML description of a driver module:
// its name, semantic version, dependency constraints, and the symbols it
// exports and imports. Manifests are the unit the loader registers and the
// CLI feeds in.
package manifest

import (
	"fmt"
	"os"
	"strings"

	"github.com/coreos/go-semver/semver"
	"gopkg.in/yaml.v3"

	"github.com/driverkit/driverkit/errors"
)

// Requirement is a version-range constraint on another module. Min is
// inclusive, Max exclusive; either may be empty for an open bound.
type Requirement struct {
	Name string `yaml:"name"`
	Min  string `yaml:"min,omitempty"`
	Max  string `yaml:"max,omitempty"`
}

// Manifest describes one loadable driver module.
type Manifest struct {
	Name     string        `yaml:"name"`
	Version  string        `yaml:"version"`
	Requires []Requirement `yaml:"requires,omitempty"`
	Exports  []string      `yaml:"exports,omitempty"`
	Imports  []string      `yaml:"imports,omitempty"`
	Image    string        `yaml:"image,omitempty"`
}

// Parse decodes and validates a manifest. Unknown fields are rejected so a
// typo in a manifest fails loudly instead of silently dropping a constraint.
func Parse(data []byte) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		return nil, errors.Wrap(errors.PhaseLoad, errors.KindInvalidInput, err, "decoding manifest")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Load reads and parses a manifest file.
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseLoad, errors.KindIO, err, "reading manifest")
	}
	m, err := Parse(data)
	if err != nil {
		return nil, errors.New(errors.PhaseLoad, errors.KindInvalidInput).
			Cause(err).
			Detail("manifest %s", path).
			Build()
	}
	return m, nil
}

// Validate checks structural invariants: a name, a parseable semantic
// version, parseable constraint bounds, and qualified import names.
func (m *Manifest) Validate() error {
	bad := func(format string, args ...any) error {
		return errors.New(errors.PhaseLoad, errors.KindInvalidInput).
			Module(m.Name).
			Detail(format, args...).
			Build()
	}

	if m.Name == "" {
		return bad("manifest has no name")
	}
	if strings.Contains(m.Name, "::") {
		return bad("module name must not contain '::'")
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return bad("version %q: %v", m.Version, err)
	}

	for _, r := range m.Requires {
		if r.Name == "" {
			return bad("requirement has no name")
		}
		for _, bound := range []string{r.Min, r.Max} {
			if bound == "" {
				continue
			}
			if _, err := semver.NewVersion(bound); err != nil {
				return bad("requirement %s bound %q: %v", r.Name, bound, err)
			}
		}
	}

	for _, sym := range m.Exports {
		if sym == "" || strings.Contains(sym, "::") {
			return bad("export %q must be an unqualified symbol name", sym)
		}
	}
	for _, sym := range m.Imports {
		mod, name, ok := SplitSymbol(sym)
		if !ok || mod == "" || name == "" {
			return bad("import %q must be qualified as module::symbol", sym)
		}
	}
	return nil
}

// SemVer returns the parsed version. Validate must have succeeded.
func (m *Manifest) SemVer() *semver.Version {
	return semver.New(m.Version)
}

// QualifiedExports returns the module's export names in global
// "module::symbol" form.
func (m *Manifest) QualifiedExports() []string {
	out := make([]string, len(m.Exports))
	for i, sym := range m.Exports {
		out[i] = JoinSymbol(m.Name, sym)
	}
	return out
}

// JoinSymbol builds a global symbol name from a module name and a bare
// symbol.
func JoinSymbol(module, symbol string) string {
	return fmt.Sprintf("%s::%s", module, symbol)
}

// SplitSymbol splits a global "module::symbol" name.
func SplitSymbol(qualified string) (module, symbol string, ok bool) {
	i := strings.Index(qualified, "::")
	if i < 0 {
		return "", "", false
	}
	return qualified[:i], qualified[i+2:], true
}
