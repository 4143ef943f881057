package daemonconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ReconcileTickMs != 5000 {
		t.Errorf("ReconcileTickMs = %d, want 5000", cfg.ReconcileTickMs)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := "store_path: " + dir + "\nreconcile_tick_ms: 1000\nqemu:\n  prefer_hvf: true\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.StorePath != dir {
		t.Errorf("StorePath = %q, want %q", cfg.StorePath, dir)
	}
	if cfg.ReconcileTickMs != 1000 {
		t.Errorf("ReconcileTickMs = %d, want 1000", cfg.ReconcileTickMs)
	}
	if !cfg.Qemu.PreferHvf {
		t.Error("expected PreferHvf to be true")
	}
	if cfg.DbPath() != filepath.Join(dir, "vmctld.db") {
		t.Errorf("DbPath() = %q", cfg.DbPath())
	}
}

func TestEnsureDirsCreatesTree(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "store")
	cfg := Default()
	cfg.StorePath = dir
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	if _, err := os.Stat(cfg.CasPath()); err != nil {
		t.Errorf("expected cas dir to exist: %v", err)
	}
}
