package platform

import "testing"

const validDescriptor = `Platform:1
DDRLoad:0x200000
DDRRun:0x200000
Control0=0xc110419c:0xb1
Control1=0xc1104174:0x5183
UbootLoad:0x300000
DDRSize:0
# a comment line
UnknownThing:5
`

func TestParseValidDescriptor(t *testing.T) {
	d, err := Parse([]byte(validDescriptor), nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if d.Platform != 1 {
		t.Fatalf("Platform = %d, want 1", d.Platform)
	}
	if d.DDRLoad != 0x200000 || d.DDRRun != 0x200000 {
		t.Fatalf("DDRLoad/DDRRun = %#x/%#x", d.DDRLoad, d.DDRRun)
	}
	if d.Control0.Reg != 0xc110419c || d.Control0.Val != 0xb1 {
		t.Fatalf("Control0 = %+v", d.Control0)
	}
	if d.Control1.Reg != 0xc1104174 || d.Control1.Val != 0x5183 {
		t.Fatalf("Control1 = %+v", d.Control1)
	}
	if d.UbootLoad != 0x300000 {
		t.Fatalf("UbootLoad = %#x", d.UbootLoad)
	}
	if d.NeedPassword != 0 {
		t.Fatalf("NeedPassword default = %d, want 0", d.NeedPassword)
	}
}

func TestParseMissingRequiredKeyFails(t *testing.T) {
	missing := `Platform:1
DDRLoad:0x200000
DDRRun:0x200000
Control0=0xc110419c:0xb1
`
	if _, err := Parse([]byte(missing), nil); err == nil {
		t.Fatalf("expected error for missing Control1")
	}
}

func TestParseUnknownKeyIsIgnoredNotFatal(t *testing.T) {
	if _, err := Parse([]byte(validDescriptor), nil); err != nil {
		t.Fatalf("unknown key should not be fatal: %v", err)
	}
}

// TestParseBl2ParaAddrIsPlainInt covers the "=" form that carries a
// bare integer rather than a reg:val pair.
func TestParseBl2ParaAddrIsPlainInt(t *testing.T) {
	withAddr := validDescriptor + "bl2ParaAddr=0x1000000\n"
	d, err := Parse([]byte(withAddr), nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if d.Bl2ParaAddr != 0x1000000 {
		t.Fatalf("Bl2ParaAddr = %#x, want 0x1000000", d.Bl2ParaAddr)
	}
	if d.Bl2ParaAddr_u32() != 0x1000000 {
		t.Fatalf("Bl2ParaAddr_u32() = %#x, want 0x1000000", d.Bl2ParaAddr_u32())
	}
}

// TestParseEqualsPunctuatedOptionalKeys covers the "=" keys that carry
// plain integers alongside bl2ParaAddr rather than a reg:val pair.
func TestParseEqualsPunctuatedOptionalKeys(t *testing.T) {
	withKeys := validDescriptor + "Encrypt_reg0=0xd9040004\nEncrypt_reg1=0xd9040008\nEncrypt_reg2=0xd904000c\nneedPassword=1\n"
	d, err := Parse([]byte(withKeys), nil)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if d.EncryptReg0 != 0xd9040004 {
		t.Fatalf("EncryptReg0 = %#x, want 0xd9040004", d.EncryptReg0)
	}
	if d.EncryptReg1 != 0xd9040008 {
		t.Fatalf("EncryptReg1 = %#x, want 0xd9040008", d.EncryptReg1)
	}
	if d.EncryptReg2 != 0xd904000c {
		t.Fatalf("EncryptReg2 = %#x, want 0xd904000c", d.EncryptReg2)
	}
	if d.NeedPassword != 1 {
		t.Fatalf("NeedPassword = %d, want 1", d.NeedPassword)
	}
}

func TestParseBadRegPairFails(t *testing.T) {
	bad := `Platform:1
DDRLoad:0x200000
DDRRun:0x200000
Control0=not-a-pair
Control1=0xc1104174:0x5183
`
	if _, err := Parse([]byte(bad), nil); err == nil {
		t.Fatalf("expected error for malformed reg:val pair")
	}
}
