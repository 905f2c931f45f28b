// Package wasmimage derives a driver module's exported symbol set from a
// WebAssembly image. Driver payloads ship as wasm binaries; rather than
// trusting the manifest's export list, the loader can discover the real
// exports from the compiled image.
package wasmimage

import (
	"context"
	"os"
	"sort"

	"github.com/tetratelabs/wazero"

	"github.com/driverkit/driverkit/errors"
)

// Source is a compiled wasm image. Close releases compilation caches.
type Source struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
}

// Open reads and compiles a wasm image from disk.
func Open(ctx context.Context, path string) (*Source, error) {
	bin, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseLoad, errors.KindIO, err, "reading image")
	}
	return FromBytes(ctx, bin)
}

// FromBytes compiles a wasm binary.
func FromBytes(ctx context.Context, bin []byte) (*Source, error) {
	rt := wazero.NewRuntime(ctx)
	compiled, err := rt.CompileModule(ctx, bin)
	if err != nil {
		rt.Close(ctx)
		return nil, errors.Wrap(errors.PhaseLoad, errors.KindInvalidInput, err, "compiling image")
	}
	return &Source{runtime: rt, compiled: compiled}, nil
}

// Exports returns the image's exported function names, sorted. These become
// the module's symbol names.
func (s *Source) Exports() []string {
	defs := s.compiled.ExportedFunctions()
	out := make([]string, 0, len(defs))
	for name := range defs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Close releases the compiled module and its runtime.
func (s *Source) Close(ctx context.Context) error {
	if err := s.compiled.Close(ctx); err != nil {
		return errors.Wrap(errors.PhaseLoad, errors.KindIO, err, "closing image")
	}
	return s.runtime.Close(ctx)
}
