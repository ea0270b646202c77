package deviceprofile

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	pwPath := filepath.Join(dir, "pw.bin")
	if err := os.WriteFile(pwPath, make([]byte, 64), 0o600); err != nil {
		t.Fatal(err)
	}

	yamlContent := `
pll:
  control0_reg: 0xc1104200
  control0_val: 0x99
  control1_reg: 0xc1104204
  control1_val: 0x100
password_file: pw.bin
`
	path := filepath.Join(dir, "profile.yaml")
	if err := os.WriteFile(path, []byte(yamlContent), 0o600); err != nil {
		t.Fatal(err)
	}

	p, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	reg, val := p.Control0()
	if reg != 0xc1104200 || val != 0x99 {
		t.Fatalf("Control0() = %#x/%#x", reg, val)
	}
	if p.PasswordFile != pwPath {
		t.Fatalf("PasswordFile = %q, want resolved path %q", p.PasswordFile, pwPath)
	}
}

func TestNilProfileUsesDefaults(t *testing.T) {
	var p *Profile
	reg, val := p.Control0()
	if reg != DefaultControl0Reg || val != DefaultControl0Val {
		t.Fatalf("nil profile Control0() = %#x/%#x, want defaults", reg, val)
	}
}

func TestValidateRejectsHalfSetPair(t *testing.T) {
	reg := uint32(1)
	p := Profile{PLL: PLLConfig{Control0Reg: &reg}}
	if err := p.Validate(); err == nil {
		t.Fatalf("expected error for half-set register pair")
	}
}
