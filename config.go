package dht

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
)

// Config is the constructed configuration record for one node. The node
// UID is derived from Address and Port, never configured.
type Config struct {
	Address       string
	Port          int
	BootstrapAddr string
	BootstrapPort int
}

// configFields is the exact schema of the config file: each key required,
// superfluous keys rejected.
var configFields = []string{"addr", "port", "boot-addr", "boot-port"}

// LoadConfig reads a JSON config file of the form
//
//	{"addr": "127.0.0.1", "port": 5000, "boot-addr": "", "boot-port": 0}
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config")
	}
	cfg, err := parseConfig(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "config %s", path)
	}
	return cfg, nil
}

func parseConfig(raw []byte) (*Config, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, errors.Wrap(err, "invalid JSON")
	}
	if err := checkFields(fields, configFields); err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := json.Unmarshal(fields["addr"], &cfg.Address); err != nil {
		return nil, errors.Wrap(err, "addr")
	}
	if err := json.Unmarshal(fields["port"], &cfg.Port); err != nil {
		return nil, errors.Wrap(err, "port")
	}
	if err := json.Unmarshal(fields["boot-addr"], &cfg.BootstrapAddr); err != nil {
		return nil, errors.Wrap(err, "boot-addr")
	}
	if err := json.Unmarshal(fields["boot-port"], &cfg.BootstrapPort); err != nil {
		return nil, errors.Wrap(err, "boot-port")
	}
	if cfg.Address == "" {
		return nil, errors.New("empty addr")
	}
	if cfg.Port < 0 || cfg.Port > 65535 {
		return nil, errors.Errorf("port %d out of range", cfg.Port)
	}
	return cfg, nil
}
