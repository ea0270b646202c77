package socid

import "testing"

func TestDecodeLockedBoard(t *testing.T) {
	id, err := Decode([]byte{0, 9, 0, 0, 1, 0, 0, 0})
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !id.NeedPassword || id.PasswordOK {
		t.Fatalf("unexpected password state: %+v", id)
	}
	if id.StageName() != "IPL" {
		t.Fatalf("StageName() = %q", id.StageName())
	}
}

func TestDecodeTooShort(t *testing.T) {
	if _, err := Decode([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error on short reply")
	}
}

func TestAtLeastOrdering(t *testing.T) {
	id := Ident{Major: 0, Minor: 9, StageMajor: 0, StageMinor: 0}
	if !id.AtLeast(0, 9, 0, 0) {
		t.Fatalf("expected equal tuple to satisfy AtLeast")
	}
	below := Ident{Major: 0, Minor: 8, StageMajor: 0, StageMinor: 0}
	if below.AtLeast(0, 9, 0, 0) {
		t.Fatalf("expected lower tuple to fail AtLeast")
	}
}

func TestStageNames(t *testing.T) {
	cases := []struct {
		minor uint8
		want  string
	}{
		{StageMinorIPL, "IPL"},
		{StageMinorSPL, "SPL"},
		{StageMinorTPL, "TPL"},
		{99, "UNKNOWN"},
	}
	for _, c := range cases {
		id := Ident{StageMinor: c.minor}
		if got := id.StageName(); got != c.want {
			t.Fatalf("StageName(%d) = %q, want %q", c.minor, got, c.want)
		}
	}
}
