package optimus

import (
	"github.com/jethome-iot/amlboot/internal/image"
)

// WipeMode selects the disk_initial argument (the --wipe flag) sent
// before the DownloadMedia pass.
type WipeMode int

const (
	WipeNone WipeMode = iota
	WipeData
	WipeAll
)

func (w WipeMode) String() string {
	switch w {
	case WipeData:
		return "1"
	case WipeAll:
		return "3"
	default:
		return "0"
	}
}

// BuildSteps assembles the ordered Optimus burn-step list for pack,
// following the same construction order as the reference tooling:
// (optional) erase-bootloader preceded by its own password check,
// password check, secure-boot probe, SPL/Uboot download, low-power and
// disk-initial commands, one DownloadMedia step per eligible
// PARTITION/dtb item (skipping dtb.meson1_ENC), then save-setting and
// burn-complete.
func BuildSteps(pack *image.Pack, noEraseBootloader bool, reset bool, wipe WipeMode) []Step {
	steps := []Step{
		CheckPassword{},
		BoardIsSecure{},
		DownloadSPL{},
		DownloadUboot{},
		Command{Cmd: "    low_power"},
		Command{Cmd: "disk_initial " + wipe.String(), Timeout: diskInitialTimeout},
	}

	if !noEraseBootloader {
		steps = append([]Step{CheckPassword{}, EraseBootloader{}}, steps...)
	}

	for _, main := range []string{"PARTITION", "dtb"} {
		for _, it := range pack.Items(main, "", nil) {
			if main == "dtb" && it.SubType() == "meson1_ENC" {
				continue
			}
			verify := findVerify(pack, it.SubType())
			steps = append(steps, DownloadMedia{Item: it, Verify: verify})
		}
	}

	resetChoice := "3"
	if reset {
		resetChoice = "1"
	}
	steps = append(steps,
		Command{Cmd: "save_setting"},
		Command{Cmd: "burn_complete " + resetChoice},
	)
	return steps
}

func findVerify(pack *image.Pack, sub string) *image.Item {
	it, err := pack.ItemGet("VERIFY", sub)
	if err != nil {
		return nil
	}
	return it
}
