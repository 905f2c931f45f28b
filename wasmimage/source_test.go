package wasmimage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

// Minimal wasm binary exporting two no-op functions, "init" and "probe".
var testImage = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, // magic + version
	0x01, 0x04, 0x01, 0x60, 0x00, 0x00, // type section: () -> ()
	0x03, 0x03, 0x02, 0x00, 0x00, // function section: two funcs of type 0
	0x07, 0x10, 0x02, // export section, two entries
	0x04, 'i', 'n', 'i', 't', 0x00, 0x00,
	0x05, 'p', 'r', 'o', 'b', 'e', 0x00, 0x01,
	0x0a, 0x07, 0x02, 0x02, 0x00, 0x0b, 0x02, 0x00, 0x0b, // code section
}

func TestFromBytesExports(t *testing.T) {
	ctx := context.Background()
	src, err := FromBytes(ctx, testImage)
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	defer src.Close(ctx)

	got := src.Exports()
	want := []string{"init", "probe"}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Exports = %v, want %v", got, want)
	}
}

func TestFromBytesRejectsGarbage(t *testing.T) {
	if _, err := FromBytes(context.Background(), []byte("not wasm")); err == nil {
		t.Error("FromBytes accepted a non-wasm payload")
	}
}

func TestOpenFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "drv.wasm")
	if err := os.WriteFile(path, testImage, 0o644); err != nil {
		t.Fatal(err)
	}

	src, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer src.Close(ctx)

	if got := src.Exports(); len(got) != 2 {
		t.Errorf("Exports = %v, want two symbols", got)
	}

	if _, err := Open(ctx, filepath.Join(t.TempDir(), "absent.wasm")); err == nil {
		t.Error("Open accepted a missing file")
	}
}
