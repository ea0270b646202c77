// Package socid decodes the 8-byte reply to the IDENTIFY_HOST control
// request into the SoC's version/stage/password-state fields.
package socid

import (
	"fmt"

	"github.com/jethome-iot/amlboot/internal/amlerr"
)

// Stage minor values.
const (
	StageMinorIPL = 0  // ROM
	StageMinorSPL = 8  // BL2
	StageMinorTPL = 16 // U-Boot
)

// Ident is the decoded identify() reply.
type Ident struct {
	Major        uint8
	Minor        uint8
	StageMajor   uint8
	StageMinor   uint8
	NeedPassword bool
	PasswordOK   bool
}

// Decode parses the raw 8-byte identify reply. Only the first 6 bytes
// are meaningful; bytes 6-7 are reserved and ignored — read but not validated.
func Decode(raw []byte) (Ident, error) {
	if len(raw) < 6 {
		return Ident{}, &amlerr.ProtocolError{Want: "8-byte identify reply", Got: fmt.Sprintf("%d bytes", len(raw))}
	}
	return Ident{
		Major:        raw[0],
		Minor:        raw[1],
		StageMajor:   raw[2],
		StageMinor:   raw[3],
		NeedPassword: raw[4] != 0,
		PasswordOK:   raw[5] != 0,
	}, nil
}

// StageName returns "IPL", "SPL", "TPL" or "UNKNOWN".
func (id Ident) StageName() string {
	if id.StageMajor != 0 {
		return "UNKNOWN"
	}
	switch id.StageMinor {
	case StageMinorIPL:
		return "IPL"
	case StageMinorSPL:
		return "SPL"
	case StageMinorTPL:
		return "TPL"
	default:
		return "UNKNOWN"
	}
}

// String renders the identity the way pyamlboot/socid.py's __str__ does:
// "major-minor-stageMajor-stageMinor (STAGE)".
func (id Ident) String() string {
	return fmt.Sprintf("%d-%d-%d-%d (%s)", id.Major, id.Minor, id.StageMajor, id.StageMinor, id.StageName())
}

// AtLeast reports whether id's (major, minor, stageMajor, stageMinor)
// tuple is ordered >= the given tuple, used by Optimus's keep_power
// gate against (0,9,0,0).
func (id Ident) AtLeast(major, minor, stageMajor, stageMinor uint8) bool {
	a := [4]uint8{id.Major, id.Minor, id.StageMajor, id.StageMinor}
	b := [4]uint8{major, minor, stageMajor, stageMinor}
	for i := range a {
		if a[i] != b[i] {
			return a[i] > b[i]
		}
	}
	return true
}
