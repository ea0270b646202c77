// Package deviceprofile loads an optional YAML override file for
// values the conf/platform descriptor leaves at their vendor-tooling
// defaults: the PLL register pair written before the DDR image. It also
// carries a password_file path, resolved relative to the profile and
// checked to exist. It follows the same
// read/decode/resolve-paths/validate shape as the device config loader
// this tool's CLI front end is adapted from.
package deviceprofile

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Default PLL register values used when neither conf/platform nor a
// profile override supplies Control0/Control1.
const (
	DefaultControl0Reg = 0xC110419C
	DefaultControl0Val = 0xB1
	DefaultControl1Reg = 0xC1104174
	DefaultControl1Val = 0x5183
)

// Profile is an optional per-board override layered on top of the
// conf/platform descriptor embedded in the image.
type Profile struct {
	PLL          PLLConfig `yaml:"pll"`
	PasswordFile string    `yaml:"password_file,omitempty"`
}

// PLLConfig overrides the Control0/Control1 register pair.
type PLLConfig struct {
	Control0Reg *uint32 `yaml:"control0_reg"`
	Control0Val *uint32 `yaml:"control0_val"`
	Control1Reg *uint32 `yaml:"control1_reg"`
	Control1Val *uint32 `yaml:"control1_val"`
}

// Load reads and validates a profile YAML file at path.
func Load(path string) (*Profile, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read device profile: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	var p Profile
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("parse device profile yaml: %w", err)
	}
	p.resolvePaths(path)
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &p, nil
}

// Validate checks the override is internally consistent: either both
// halves of a register pair are set, or neither.
func (p *Profile) Validate() error {
	if (p.PLL.Control0Reg == nil) != (p.PLL.Control0Val == nil) {
		return fmt.Errorf("device profile: pll.control0_reg and pll.control0_val must be set together")
	}
	if (p.PLL.Control1Reg == nil) != (p.PLL.Control1Val == nil) {
		return fmt.Errorf("device profile: pll.control1_reg and pll.control1_val must be set together")
	}
	if strings.TrimSpace(p.PasswordFile) != "" {
		if info, err := os.Stat(p.PasswordFile); err != nil {
			return fmt.Errorf("device profile: password_file: %w", err)
		} else if info.IsDir() {
			return fmt.Errorf("device profile: password_file must point to a file, got directory")
		}
	}
	return nil
}

func (p *Profile) resolvePaths(profilePath string) {
	dir := filepath.Dir(profilePath)
	p.PasswordFile = resolvePath(dir, p.PasswordFile)
}

func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Clean(filepath.Join(baseDir, trimmed))
}

// Control0 resolves the effective register pair, preferring the
// profile override, falling back to the vendor-tooling default.
func (p *Profile) Control0() (reg, val uint32) {
	if p != nil && p.PLL.Control0Reg != nil {
		return *p.PLL.Control0Reg, *p.PLL.Control0Val
	}
	return DefaultControl0Reg, DefaultControl0Val
}

// Control1 resolves the effective register pair, preferring the
// profile override, falling back to the vendor-tooling default.
func (p *Profile) Control1() (reg, val uint32) {
	if p != nil && p.PLL.Control1Reg != nil {
		return *p.PLL.Control1Reg, *p.PLL.Control1Val
	}
	return DefaultControl1Reg, DefaultControl1Val
}
