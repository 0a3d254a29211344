package main

import (
	"os"
	"path/filepath"
	"testing"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}

func TestParseJSONConfigTransferSuccess(t *testing.T) {
	path := writeTempConfig(t, `{"address":"example.com:4277","id":"abc","path":"/tmp/out","bitrate":512,"start":100}`)

	var cfg TransferConfig
	if err := parseJSONConfig(&cfg, path); err != nil {
		t.Fatalf("parseJSONConfig: %v", err)
	}
	if cfg.Address != "example.com:4277" || cfg.ID != "abc" || cfg.Path != "/tmp/out" {
		t.Fatalf("unexpected fields: %+v", cfg)
	}
	if cfg.Bitrate != 512 || cfg.Start != 100 {
		t.Fatalf("unexpected numeric fields: %+v", cfg)
	}
}

func TestParseJSONConfigHelperSuccess(t *testing.T) {
	path := writeTempConfig(t, `{"port":4277,"quiet":true,"metricsaddr":":9100"}`)

	var cfg HelperConfig
	if err := parseJSONConfig(&cfg, path); err != nil {
		t.Fatalf("parseJSONConfig: %v", err)
	}
	if cfg.Port != 4277 || !cfg.Quiet || cfg.MetricsAddr != ":9100" {
		t.Fatalf("unexpected fields: %+v", cfg)
	}
}

func TestParseJSONConfigMissingFile(t *testing.T) {
	var cfg TransferConfig
	missing := filepath.Join(t.TempDir(), "missing.json")
	if err := parseJSONConfig(&cfg, missing); err == nil {
		t.Fatal("expected error for missing file")
	}
}
