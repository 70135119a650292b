package dht

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseConfig(t *testing.T) {
	raw := `{"addr": "127.0.0.1", "port": 5000, "boot-addr": "127.0.0.2", "boot-port": 5001}`
	cfg, err := parseConfig([]byte(raw))
	if err != nil {
		t.Fatalf("parseConfig: %v", err)
	}
	want := Config{Address: "127.0.0.1", Port: 5000, BootstrapAddr: "127.0.0.2", BootstrapPort: 5001}
	if *cfg != want {
		t.Errorf("parseConfig = %+v, wanted %+v", *cfg, want)
	}
}

func TestParseConfigRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"invalid JSON", `{`},
		{"missing port", `{"addr": "a", "boot-addr": "", "boot-port": 0}`},
		{"superfluous key", `{"addr": "a", "port": 1, "boot-addr": "", "boot-port": 0, "uid": "x"}`},
		{"empty addr", `{"addr": "", "port": 1, "boot-addr": "", "boot-port": 0}`},
		{"port out of range", `{"addr": "a", "port": 70000, "boot-addr": "", "boot-port": 0}`},
		{"non-numeric port", `{"addr": "a", "port": "1", "boot-addr": "", "boot-port": 0}`},
	}
	for _, v := range tests {
		if _, err := parseConfig([]byte(v.raw)); err == nil {
			t.Errorf("%s: accepted %s", v.name, v.raw)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	raw := `{"addr": "127.0.0.1", "port": 5000, "boot-addr": "", "boot-port": 0}`
	if err := os.WriteFile(path, []byte(raw), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Address != "127.0.0.1" || cfg.Port != 5000 {
		t.Errorf("LoadConfig = %+v", *cfg)
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("LoadConfig accepted a missing file")
	}
}
