package config

import (
	_ "embed"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mtaplabs/mtap/internal/device"
	"github.com/mtaplabs/mtap/internal/fault"
)

//go:embed dut_config.yaml
var defaultDutConfig []byte

// DutConfig is the DUT simulator configuration document.
type DutConfig struct {
	Determinism struct {
		Seed int64 `yaml:"seed"`
	} `yaml:"determinism"`
	DefaultFaultProfile string                    `yaml:"default_fault_profile"`
	DeviceDefaults      *device.Defaults          `yaml:"device_defaults"`
	FaultProfiles       map[string]*fault.Profile `yaml:"fault_profiles"`
}

// Defaults returns the device seed values, falling back to the built-in
// defaults when the document omits the section.
func (c *DutConfig) Defaults() device.Defaults {
	if c.DeviceDefaults == nil {
		return device.DefaultDefaults()
	}
	return *c.DeviceDefaults
}

// ProfileByName resolves a named fault profile. Unknown names resolve
// silently to "clean"; a missing "clean" yields the empty (all-zero)
// profile, which injects nothing.
func (c *DutConfig) ProfileByName(name string) *fault.Profile {
	if p, ok := c.FaultProfiles[name]; ok && p != nil {
		return p
	}
	if p, ok := c.FaultProfiles["clean"]; ok && p != nil {
		return p
	}
	return &fault.Profile{}
}

// LoadDutConfig resolves the DUT config through the fallback chain:
//
//  1. explicit path argument
//  2. MTAP_DUT_CONFIG environment variable
//  3. dut/config.yaml relative to the working directory
//  4. the embedded default document
//
// A missing or unreadable candidate falls through to the next; a chain
// that bottoms out entirely yields an empty config, which behaves as the
// clean profile.
func LoadDutConfig(path string) (*DutConfig, error) {
	candidates := []string{}
	if path != "" {
		candidates = append(candidates, path)
	}
	if env := os.Getenv("MTAP_DUT_CONFIG"); env != "" {
		candidates = append(candidates, env)
	}
	candidates = append(candidates, "dut/config.yaml")

	for _, p := range candidates {
		raw, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		cfg, err := parseDutConfig(raw)
		if err != nil {
			continue
		}
		return cfg, nil
	}

	cfg, err := parseDutConfig(defaultDutConfig)
	if err != nil {
		return &DutConfig{}, nil
	}
	return cfg, nil
}

func parseDutConfig(raw []byte) (*DutConfig, error) {
	var cfg DutConfig
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
