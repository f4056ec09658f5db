package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gwlsn/audiopull/internal/config"
)

func TestWriteDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config", "audiopull.yaml")

	if err := writeDefaultConfig(path, false); err != nil {
		t.Fatalf("writeDefaultConfig: %v", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("written config does not validate: %v", err)
	}
	if *cfg != *config.DefaultConfig() {
		t.Errorf("written config differs from defaults: %+v", *cfg)
	}

	if err := os.WriteFile(path, []byte("port: 9000\n"), 0644); err != nil {
		t.Fatal(err)
	}
	err = writeDefaultConfig(path, false)
	if err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected refusal to overwrite, got %v", err)
	}
	if data, _ := os.ReadFile(path); string(data) != "port: 9000\n" {
		t.Errorf("existing file was modified: %q", data)
	}

	if err := writeDefaultConfig(path, true); err != nil {
		t.Fatalf("writeDefaultConfig with force: %v", err)
	}
	if cfg, _ := config.Load(path); cfg.Port != 3001 {
		t.Errorf("force should rewrite defaults, got port %d", cfg.Port)
	}
}
