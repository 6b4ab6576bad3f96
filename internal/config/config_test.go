package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
[server]
addr = "127.0.0.1:9000"

[store]
db_path = "forge.db"
workspace_root = "out"

[queue]
workers_per_queue = 4
poll_interval_ms = 100

[gates]
pass_threshold = 0.8

[gates.thresholds]
security = 0.95
`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9000" {
		t.Fatalf("addr = %s", cfg.Server.Addr)
	}
	if cfg.Store.DBPath != "forge.db" || cfg.Store.WorkspaceRoot != "out" {
		t.Fatalf("store config = %+v", cfg.Store)
	}
	if cfg.Queue.WorkersPerQueue != 4 || cfg.Queue.PollIntervalMS != 100 {
		t.Fatalf("queue config = %+v", cfg.Queue)
	}
	if cfg.Gates.PassThreshold != 0.8 || cfg.Gates.Thresholds["security"] != 0.95 {
		t.Fatalf("gates config = %+v", cfg.Gates)
	}
	if cfg.Path != path {
		t.Fatalf("path = %s", cfg.Path)
	}
	if cfg.Raw == nil {
		t.Fatalf("raw config not captured")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
