package manager

import (
	"path/filepath"
	"testing"

	"mempatch/internal/protocol"
)

func TestSettingsDefaults(t *testing.T) {
	s, err := NewSettings(t.TempDir())
	if err != nil {
		t.Fatalf("NewSettings: %s", err)
	}
	if s.GetInt("manager.listenPort") != protocol.DefaultPort {
		t.Errorf("listenPort = %d, want %d", s.GetInt("manager.listenPort"), protocol.DefaultPort)
	}
	if s.Get("CoreManager.coreLibrary") != "mempatch-core" {
		t.Errorf("coreLibrary = %q", s.Get("CoreManager.coreLibrary"))
	}
	if s.Get("no.such.key") != "" {
		t.Error("unknown keys must read as empty")
	}
}

func TestSettingsSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSettings(dir)
	if err != nil {
		t.Fatal(err)
	}
	s.Set("CoreManager.applicationName", "/usr/bin/target")
	s.Set("hooks.h1.crc32", "12345")
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %s", err)
	}

	s2, err := NewSettings(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := s2.Load(); err != nil {
		t.Fatalf("Load: %s", err)
	}
	if got := s2.Get("CoreManager.applicationName"); got != "/usr/bin/target" {
		t.Errorf("applicationName = %q", got)
	}
	if got := s2.Get("hooks.h1.crc32"); got != "12345" {
		t.Errorf("crc32 = %q", got)
	}
}

func TestSettingsLoadMissingFileKeepsDefaults(t *testing.T) {
	s, err := NewSettings(filepath.Join(t.TempDir(), "fresh"))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Load(); err != nil {
		t.Fatalf("Load without a config file: %s", err)
	}
	if s.Get("CoreManager.coreLibrary") == "" {
		t.Error("defaults lost on first-run load")
	}
}
