package optimus

import (
	"encoding/binary"
	"io"
	"time"

	"github.com/jethome-iot/amlboot/internal/amlerr"
	"github.com/jethome-iot/amlboot/internal/image"
	"github.com/jethome-iot/amlboot/internal/socid"
	"github.com/jethome-iot/amlboot/internal/usbproto"
)

const (
	paramMagic     = 0x3412cdab
	paramAckMagic  = 0x7856efab
	splParamLen    = 0x200
	splSubCmd      = 0xc0df
	ubootUpdateSub = 0xc0e0
	ubootParamSub  = 0xc0e1
	ubootParamPad  = 100

	splBootDelay     = 8 * time.Second
	ubootStepDelay   = 200 * time.Millisecond
	ubootParamSettle = 5 * time.Second
)

func downloadItem(s *State, path, part string) (*image.Item, error) {
	full := part
	if s.Secure {
		full += "_ENC"
	}
	it, err := s.Pack.ItemGet(path, full)
	if err != nil {
		return nil, &amlerr.StateError{Context: "image does not contain " + path + "." + full}
	}
	return it, nil
}

func downloadFile(s *State, it *image.Item, address uint32, size uint64) error {
	if _, err := it.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if size == 0 || size > it.Size() {
		size = it.Size()
	}
	const blockLength = downloadBlockLength
	var written uint64
	for written < size {
		buf, err := it.Read(blockLength)
		if err != nil {
			return err
		}
		if len(buf) == 0 {
			break
		}
		if err := s.Dev.WriteLargeMemory(address, buf, len(buf), true, usbproto.DefaultTimeout); err != nil {
			return err
		}
		written += uint64(len(buf))
		address += uint32(blockLength)
	}
	return nil
}

func writeRegs(s *State) error {
	reg0, val0 := s.Profile.Control0()
	if c := s.Platform.Control0; c.Reg != 0 {
		reg0, val0 = c.Reg, c.Val
	}
	if err := s.Dev.WriteSimpleMemory(reg0, le32Bytes(val0)); err != nil {
		return err
	}
	s.sleep()(pllSettleDelay)

	reg1, val1 := s.Profile.Control1()
	if c := s.Platform.Control1; c.Reg != 0 {
		reg1, val1 = c.Reg, c.Val
	}
	if err := s.Dev.WriteSimpleMemory(reg1, le32Bytes(val1)); err != nil {
		return err
	}
	s.sleep()(pllSettleDelay)
	return nil
}

func le32Bytes(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// DownloadSPL pushes the DDR/SPL payload over large-memory writes,
// runs it, and waits for the board to come up under SPL with a valid
// parameter block.
type DownloadSPL struct{}

func (DownloadSPL) Name() string { return "download SPL" }

func (DownloadSPL) Do(s *State) (bool, error) {
	ident, err := identify(s.Dev)
	if err != nil {
		return false, err
	}
	switch ident.StageMinor {
	case socid.StageMinorTPL, socid.StageMinorSPL:
		return false, nil
	case socid.StageMinorIPL:
	default:
		return false, &amlerr.StateError{Context: "unexpected stage before SPL download"}
	}

	it, err := downloadItem(s, "USB", "DDR")
	if err != nil {
		return false, err
	}
	if err := writeRegs(s); err != nil {
		return false, err
	}
	if err := downloadFile(s, it, uint32(s.Platform.DDRLoad), uint64(s.Platform.DDRSize)); err != nil {
		return false, err
	}

	params := make([]byte, 24)
	binary.LittleEndian.PutUint32(params[0:4], paramMagic)
	binary.LittleEndian.PutUint32(params[4:8], splParamLen)
	binary.LittleEndian.PutUint32(params[8:12], splSubCmd)
	if err := writeParams(s, params); err != nil {
		return false, err
	}
	if err := runInAddress(s, uint32(s.Platform.DDRRun)); err != nil {
		return false, err
	}

	s.sleep()(splBootDelay)

	ident, err = identify(s.Dev)
	if err != nil {
		return false, err
	}
	switch {
	case ident.StageMinor == socid.StageMinorIPL:
		// still in IPL: the device reset cleanly back to the ROM stage.
	case ident.StageMajor == 1 && ident.StageMinor == socid.StageMinorSPL:
	case ident.StageMajor == 0 && ident.StageMinor == socid.StageMinorSPL:
		if s.Platform.Bl2ParaAddr != 0 {
			if err := runInAddress(s, s.Platform.Bl2ParaAddr_u32()); err != nil {
				return false, err
			}
		}
	default:
		return false, &amlerr.StateError{Context: "board did not come up under SPL"}
	}

	_, err = checkParams(s, paramAckMagic)
	return false, err
}

// DownloadUboot pushes the U-Boot payload, updates the DDR parameter
// block with a checksum the device verifies, and rides out the reset
// into TPL.
type DownloadUboot struct{}

func (DownloadUboot) Name() string { return "download uboot" }

func (DownloadUboot) Do(s *State) (bool, error) {
	uboot, err := downloadItem(s, "USB", "UBOOT")
	if err != nil {
		return false, err
	}
	ddr, err := downloadItem(s, "USB", "DDR")
	if err != nil {
		return false, err
	}

	ident, err := identify(s.Dev)
	if err != nil {
		return false, err
	}
	if ident.StageMinor == socid.StageMinorTPL {
		return false, nil
	}
	if ident.StageMinor != socid.StageMinorIPL && !(ident.StageMajor == 0 && ident.StageMinor == socid.StageMinorSPL) {
		return false, &amlerr.StateError{Context: "unexpected stage before uboot download"}
	}

	if err := downloadFile(s, uboot, uint32(s.Platform.UbootLoad), 0); err != nil {
		return false, err
	}
	s.sleep()(ubootStepDelay)

	ident, err = identify(s.Dev)
	if err != nil {
		return false, err
	}
	if ident.StageMinor == socid.StageMinorIPL {
		if err := downloadFile(s, ddr, uint32(s.Platform.DDRLoad), uint64(s.Platform.DDRSize)); err != nil {
			return false, err
		}
	}

	if s.Platform.Bl2ParaAddr != 0 {
		if err := updateDDRParams(s, uboot); err != nil {
			return false, err
		}

		params := make([]byte, 36)
		binary.LittleEndian.PutUint32(params[0:4], paramMagic)
		binary.LittleEndian.PutUint32(params[4:8], splParamLen)
		binary.LittleEndian.PutUint32(params[8:12], ubootParamSub)
		binary.LittleEndian.PutUint32(params[16:20], 1)
		binary.LittleEndian.PutUint32(params[20:24], uint32(s.Platform.UbootLoad))
		binary.LittleEndian.PutUint32(params[24:28], uint32(uboot.Size()))
		if err := writeParams(s, params); err != nil {
			return false, err
		}
	}

	if err := runUboot(s); err != nil {
		return false, err
	}
	return true, nil
}

func updateDDRParams(s *State, uboot *image.Item) error {
	if _, err := uboot.Seek(0, io.SeekStart); err != nil {
		return err
	}
	data, err := uboot.ReadAll()
	if err != nil {
		return err
	}
	sum := amlsChecksum(data)
	if _, err := uboot.Seek(0, io.SeekStart); err != nil {
		return err
	}

	buf := make([]byte, 36, ubootParamPad)
	binary.LittleEndian.PutUint32(buf[0:4], paramMagic)
	binary.LittleEndian.PutUint32(buf[4:8], splParamLen)
	binary.LittleEndian.PutUint32(buf[8:12], ubootUpdateSub)
	binary.LittleEndian.PutUint32(buf[20:24], 1)
	binary.LittleEndian.PutUint32(buf[24:28], uint32(s.Platform.UbootLoad))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(uboot.Size()))
	binary.LittleEndian.PutUint32(buf[32:36], sum)
	buf = buf[:ubootParamPad]
	if err := writeParams(s, buf); err != nil {
		return err
	}

	if err := runUboot(s); err != nil {
		return err
	}
	s.sleep()(ubootParamSettle)

	_, err = checkParams(s, paramAckMagic)
	if err != nil {
		return err
	}
	ident, err := identify(s.Dev)
	if err != nil {
		return err
	}
	if ident.StageMinor == socid.StageMinorIPL {
		return downloadFile(s, s.ddrImageFor(uboot), uint32(s.Platform.DDRLoad), uint64(s.Platform.DDRSize))
	}
	return nil
}

func runUboot(s *State) error {
	ident, err := identify(s.Dev)
	if err != nil {
		return err
	}
	switch {
	case ident.StageMinor == socid.StageMinorIPL:
		return runInAddress(s, uint32(s.Platform.UbootRun))
	case ident.StageMajor == 0 && ident.StageMinor == socid.StageMinorSPL:
		return runInAddress(s, s.Platform.Bl2ParaAddr_u32())
	}
	return nil
}

// ddrImageFor resolves the DDR payload item matching uboot's security
// suffix; kept as a State convenience since updateDDRParams only has
// the uboot item in hand.
func (s *State) ddrImageFor(*image.Item) *image.Item {
	it, _ := downloadItem(s, "USB", "DDR")
	return it
}
