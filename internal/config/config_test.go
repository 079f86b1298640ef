package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWhenMissing(t *testing.T) {
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:8080" || cfg.Server.BasePath != "/v0" {
		t.Fatalf("server defaults = %+v", cfg.Server)
	}
	if cfg.Proof.Chain != "REDBELLY_TESTNET" {
		t.Fatalf("chain = %s", cfg.Proof.Chain)
	}
	if cfg.Audit.TimeoutSeconds != 5 || cfg.Audit.IntervalSeconds != 2 {
		t.Fatalf("audit defaults = %+v", cfg.Audit)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	yml := `
server:
  addr: 0.0.0.0:9090
audit:
  enabled: true
  url: https://audit.example.com/events
  api_key: k
proof:
  chain: REDBELLY_MAINNET
`
	if err := os.WriteFile(filepath.Join(dir, "rampline.yml"), []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Addr != "0.0.0.0:9090" {
		t.Fatalf("addr = %s", cfg.Server.Addr)
	}
	// unset keys keep their defaults
	if cfg.Server.BasePath != "/v0" {
		t.Fatalf("base path = %s", cfg.Server.BasePath)
	}
	if cfg.Proof.Chain != "REDBELLY_MAINNET" {
		t.Fatalf("chain = %s", cfg.Proof.Chain)
	}
	if !cfg.Audit.Enabled || cfg.Audit.URL == "" {
		t.Fatalf("audit = %+v", cfg.Audit)
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Proof.Chain = "ETHEREUM"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for unknown chain")
	}
	cfg = Default()
	cfg.Audit.Enabled = true
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for enabled audit without url")
	}
}
