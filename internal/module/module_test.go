package module

import (
	"os"
	"path/filepath"
	"testing"
)

func TestOpenMainExecutable(t *testing.T) {
	reg := NewRegistry()
	m, err := reg.Open("")
	if err != nil {
		t.Fatalf("Open(\"\"): %s", err)
	}
	defer m.Close()

	exe, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}
	if m.File != filepath.Base(exe) {
		t.Errorf("File = %q, want %q", m.File, filepath.Base(exe))
	}
	if len(m.Segments()) == 0 {
		t.Error("no current segments")
	}
	if len(m.OriginalSegments()) == 0 {
		t.Error("no original segments")
	}
	if m.Base == 0 {
		t.Error("Base is zero")
	}
}

func TestOpenByBasename(t *testing.T) {
	reg := NewRegistry()
	exe, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}
	m, err := reg.Open(filepath.Base(exe))
	if err != nil {
		t.Fatalf("Open(%q): %s", filepath.Base(exe), err)
	}
	defer m.Close()
	if m.File != filepath.Base(exe) {
		t.Errorf("File = %q, want %q", m.File, filepath.Base(exe))
	}
}

func TestOpenMissingModule(t *testing.T) {
	reg := NewRegistry()
	_, err := reg.Open("libdoesnotexist12345.so")
	if err == nil {
		t.Fatal("Open of a missing module should fail")
	}
}

func TestOriginalSegmentsAreFrozen(t *testing.T) {
	reg := NewRegistry()
	m1, err := reg.Open("")
	if err != nil {
		t.Fatal(err)
	}
	first := m1.OriginalSegments()
	m1.Close()

	m2, err := reg.Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer m2.Close()
	second := m2.OriginalSegments()

	if len(first) != len(second) {
		t.Fatalf("original segment count changed: %d != %d", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Errorf("original segment %d changed: %+v != %+v", i, first[i], second[i])
		}
	}
}

func TestUnknownSymbolFails(t *testing.T) {
	reg := NewRegistry()
	m, err := reg.Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	if _, err := m.Symbol("definitely_not_a_symbol_1234"); err == nil {
		t.Error("Symbol lookup of a bogus name should fail")
	}
}

func TestLoadAndUnload(t *testing.T) {
	reg := NewRegistry()
	exe, err := os.Executable()
	if err != nil {
		t.Fatal(err)
	}

	m, err := reg.Load(exe)
	if err != nil {
		t.Fatalf("Load: %s", err)
	}
	if len(m.Segments()) == 0 {
		t.Error("loaded image has no segments")
	}

	// An Open of the same file must now resolve to the loaded image.
	view, err := reg.Open(exe)
	if err != nil {
		t.Fatalf("Open after Load: %s", err)
	}
	if view.Base != m.Base {
		t.Errorf("opened view base %#x, loaded base %#x", view.Base, m.Base)
	}
	if err := view.Unload(false); err == nil {
		t.Error("Unload of an opened handle without force should fail")
	}

	if err := m.Unload(false); err != nil {
		t.Fatalf("Unload: %s", err)
	}
}

func TestOpenByAddress(t *testing.T) {
	reg := NewRegistry()
	m, err := reg.Open("")
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	byAddr, err := reg.OpenByAddress(m.Base)
	if err != nil {
		t.Fatalf("OpenByAddress: %s", err)
	}
	defer byAddr.Close()
	if byAddr.File != m.File {
		t.Errorf("resolved %q, want %q", byAddr.File, m.File)
	}

	if _, err := reg.OpenByAddress(1); err == nil {
		t.Error("an unmapped address must not resolve")
	}
}

func TestPathfileMatch(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "libsample.so")
	if err := os.WriteFile(file, []byte{0x7f, 'E', 'L', 'F'}, 0o644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "alias.so")
	if err := os.Symlink(file, link); err != nil {
		t.Skipf("cannot symlink: %s", err)
	}

	tests := []struct {
		name string
		a, b string
		want bool
	}{
		{"basename match", "libsample.so", file, true},
		{"basename mismatch", "libother.so", file, false},
		{"same inode through symlink", link, file, true},
		{"different files", file, filepath.Join(dir, "missing.so"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pathfileMatch(tt.a, tt.b); got != tt.want {
				t.Errorf("pathfileMatch(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
			}
		})
	}
}
