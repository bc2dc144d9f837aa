package config

import (
	"path/filepath"
	"testing"
)

func TestSaveThenLoadRoundTrips(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg := Default()
	cfg.DisplayName = "Alex"
	cfg.LastRoomID = "room-42"
	cfg.IOSSafeProfile = true

	if err := Save(cfg); err != nil {
		t.Fatalf("save: %v", err)
	}

	got := Load()
	if got.DisplayName != "Alex" || got.LastRoomID != "room-42" || !got.IOSSafeProfile {
		t.Fatalf("got %+v", got)
	}
}

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	got := Load()
	want := Default()
	if got.DisplayName != want.DisplayName || len(got.Servers) != len(want.Servers) {
		t.Fatalf("expected default config, got %+v", got)
	}
}

func TestKeepSyncConfigSelectsProfile(t *testing.T) {
	cfg := Default()
	if cfg.KeepSyncConfig().SuppressSetSpeed {
		t.Fatal("expected default profile to not suppress setSpeed")
	}
	cfg.IOSSafeProfile = true
	if !cfg.KeepSyncConfig().SuppressSetSpeed {
		t.Fatal("expected iOS-safe profile to suppress setSpeed")
	}
}

func TestPathUsesRoomsyncSubdir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	p, err := Path()
	if err != nil {
		t.Fatalf("path: %v", err)
	}
	if filepath.Base(filepath.Dir(p)) != "roomsync" {
		t.Fatalf("expected roomsync config subdir, got %s", p)
	}
}
