package optimus

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"

	"github.com/jethome-iot/amlboot/internal/amlerr"
	"github.com/jethome-iot/amlboot/internal/socid"
	"github.com/jethome-iot/amlboot/internal/usbproto"
)

// CheckPassword asks the device whether it is locked and, if so, sends
// the configured password file over the password control channel. A
// device past the IPL stage, or one that reports no lock, is a no-op.
type CheckPassword struct{}

func (CheckPassword) Name() string { return "check password" }

func (CheckPassword) Do(s *State) (bool, error) {
	ident, err := identify(s.Dev)
	if err != nil {
		return false, err
	}
	if ident.StageMinor != socid.StageMinorIPL || ident.Major == 0 {
		return false, nil
	}
	if !ident.NeedPassword || ident.PasswordOK {
		return false, nil
	}
	if s.PasswordPath == "" {
		return false, &amlerr.AuthError{Context: "board is locked with a password; none was supplied"}
	}
	data, err := os.ReadFile(s.PasswordPath)
	if err != nil {
		return false, &amlerr.AuthError{Context: "read password file", Cause: err}
	}
	buf := make([]byte, 64)
	copy(buf, data)
	if err := s.Dev.SendPassword(buf); err != nil {
		return false, &amlerr.AuthError{Context: "send password", Cause: err}
	}
	s.sleep()(passwordSettleDelay)
	ident, err = identify(s.Dev)
	if err != nil {
		return false, err
	}
	if !ident.PasswordOK {
		return false, &amlerr.AuthError{Context: "check password failed"}
	}
	return false, nil
}

// EraseBootloader wipes a stale bootloader out of the reserved area
// before the SPL/Uboot downloads run, guarded at the caller by
// --no-erase-bootloader. A device still in IPL has nothing to erase
// yet; one past TPL with a current bootloader needs no erase either.
type EraseBootloader struct{}

func (EraseBootloader) Name() string { return "erase bootloader" }

func (EraseBootloader) Do(s *State) (bool, error) {
	ident, err := identify(s.Dev)
	if err != nil {
		return false, err
	}
	if ident.StageMinor == socid.StageMinorIPL {
		return false, nil
	}
	if ident.StageMinor != socid.StageMinorTPL {
		return false, &amlerr.StateError{Context: "invalid power state for erase bootloader"}
	}

	// This command must run first or the reset below drops the first
	// four bytes of whatever command follows it.
	if err := checkTplCmd(s.Dev, "    echo 1234", "success"); err != nil {
		return false, err
	}
	if err := checkBulkCmd(s.Dev, "    low_power", "success", bulkCmdDefaultTimeout, s.sleep()); err != nil {
		return false, err
	}

	if err := checkBulkCmd(s.Dev, "bootloader_is_old", "success", bulkCmdDefaultTimeout, s.sleep()); err != nil {
		return false, nil
	}

	if err := checkBulkCmd(s.Dev, "erase_bootloader", "success", bulkCmdDefaultTimeout, s.sleep()); err != nil {
		return false, err
	}
	// Best-effort: the device may vanish before it can ack this one.
	_ = checkBulkCmd(s.Dev, "reset", "success", bulkCmdDefaultTimeout, s.sleep())

	return true, nil
}

// Command wraps a single bulk command/status round trip: low_power,
// disk_initial, save_setting, and burn_complete all take this shape.
type Command struct {
	Cmd     string
	Want    string
	Timeout time.Duration
}

func (c Command) Name() string { return "command " + c.Cmd }

func (c Command) Do(s *State) (bool, error) {
	want := c.Want
	if want == "" {
		want = "success"
	}
	timeout := c.Timeout
	if timeout == 0 {
		timeout = bulkCmdDefaultTimeout
	}
	err := checkBulkCmd(s.Dev, c.Cmd, want, timeout, s.sleep())
	return false, err
}

// BoardIsSecure reads the SoC's encrypt-status register — by chip-id
// selected register from IPL, or an "upload mem" bulk read from TPL —
// and records whether the board is running in secure-boot mode.
// DownloadSPL and DownloadUboot consult s.Secure to choose the plain or
// _ENC image; DownloadMedia does not, so dtb.meson1 is sent as is.
type BoardIsSecure struct{}

func (BoardIsSecure) Name() string { return "board is secure" }

const chipIDRegister = 0xd9040004

func (BoardIsSecure) Do(s *State) (bool, error) {
	ident, err := identify(s.Dev)
	if err != nil {
		return false, err
	}

	var reg, val uint32
	switch ident.StageMinor {
	case socid.StageMinorIPL:
		reg, val, err = readEncryptIPL(s)
	case socid.StageMinorTPL:
		reg, val, err = readEncryptTPL(s)
	}
	if err != nil {
		return false, err
	}

	s.EncryptV = val
	s.Secure = val&0x10 != 0
	s.log().Info("secure boot check", "register", reg, "value", val, "secure", s.Secure)
	return false, nil
}

func readEncryptIPL(s *State) (uint32, uint32, error) {
	reg := uint32(s.Platform.EncryptReg)
	if reg == 0 {
		data, err := s.Dev.ReadLargeMemory(chipIDRegister, 0x200, 0x200, usbproto.DefaultTimeout)
		if err != nil {
			return 0, 0, err
		}
		chipID := binary.LittleEndian.Uint32(data[:4])
		switch uint32(chipID) {
		case uint32(s.Platform.EncChipID1):
			reg = uint32(s.Platform.EncryptReg1)
		case uint32(s.Platform.EncChipID2):
			reg = uint32(s.Platform.EncryptReg2)
		}
	}
	data, err := s.Dev.ReadSimpleMemory(reg, 4)
	if err != nil {
		return 0, 0, err
	}
	return reg, binary.LittleEndian.Uint32(data[:4]), nil
}

func readEncryptTPL(s *State) (uint32, uint32, error) {
	reg := uint32(s.Platform.EncryptReg)
	if err := checkBulkCmd(s.Dev, tplUploadMemCmd(reg), "success", bulkCmdDefaultTimeout, s.sleep()); err != nil {
		return 0, 0, err
	}
	buf := make([]byte, 4)
	n, err := s.Dev.Transport().BulkRead(buf, bulkCmdDefaultTimeout)
	if err != nil {
		return 0, 0, err
	}
	return reg, binary.LittleEndian.Uint32(buf[:n]), nil
}

func tplUploadMemCmd(reg uint32) string {
	return fmt.Sprintf("upload mem 0x%x normal 0x4", reg)
}
