// Package dispatch picks the burn engine for a composite image and
// runs it to completion. The image itself carries the signal: an
// "aml/usb_flow" item present means the board speaks ADNL, its
// absence means Optimus.
package dispatch

import (
	"fmt"
	"log/slog"

	"github.com/jethome-iot/amlboot/internal/adnl"
	"github.com/jethome-iot/amlboot/internal/deviceprofile"
	"github.com/jethome-iot/amlboot/internal/image"
	"github.com/jethome-iot/amlboot/internal/optimus"
	"github.com/jethome-iot/amlboot/internal/platform"
	"github.com/jethome-iot/amlboot/internal/progress"
	"github.com/jethome-iot/amlboot/internal/transport"
)

// Options carries the CLI-facing knobs the chosen engine is built
// from.
type Options struct {
	ImagePath         string
	Reset             bool
	NoEraseBootloader bool
	Wipe              optimus.WipeMode
	PasswordPath      string

	Finder  transport.Finder
	Profile *deviceprofile.Profile

	Log      *slog.Logger
	Progress progress.Reporter
}

// usbFlowMain and usbFlowSub name the sentinel item that marks an
// image as ADNL-targeted.
const (
	usbFlowMain = "aml"
	usbFlowSub  = "usb_flow"
)

// Run opens the image at opts.ImagePath, selects ADNL or Optimus based
// on the presence of the usb_flow sentinel item, and runs the chosen
// engine to completion.
func Run(opts Options) error {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}

	pack, err := image.Open(opts.ImagePath)
	if err != nil {
		return fmt.Errorf("dispatch: open image: %w", err)
	}
	defer pack.Close()

	if _, err := pack.ItemGet(usbFlowMain, usbFlowSub); err == nil {
		log.Info("usb_flow sentinel present, selecting ADNL engine")
		return runADNL(opts, pack)
	}

	log.Info("usb_flow sentinel absent, selecting Optimus engine")
	return runOptimus(opts, pack)
}

func runADNL(opts Options, pack *image.Pack) error {
	wipe := 0
	switch opts.Wipe {
	case optimus.WipeData:
		wipe = 1
	case optimus.WipeAll:
		wipe = 3
	}

	e := &adnl.Engine{
		Finder:   opts.Finder,
		Pack:     pack,
		Reset:    opts.Reset,
		Wipe:     wipe,
		Log:      opts.Log,
		Progress: opts.Progress,
	}
	return e.Run()
}

func runOptimus(opts Options, pack *image.Pack) error {
	desc, err := loadPlatform(pack, opts.Log)
	if err != nil {
		return err
	}

	steps := optimus.BuildSteps(pack, opts.NoEraseBootloader, opts.Reset, opts.Wipe)
	state := &optimus.State{
		Finder:       opts.Finder,
		Pack:         pack,
		Platform:     desc,
		Profile:      opts.Profile,
		PasswordPath: opts.PasswordPath,
		Log:          opts.Log,
		Progress:     opts.Progress,
	}
	e := &optimus.Engine{State: state, Steps: steps}
	return e.Run()
}

// loadPlatform reads and parses the conf/platform item every Optimus
// image must carry.
func loadPlatform(pack *image.Pack, log *slog.Logger) (platform.Descriptor, error) {
	item, err := pack.ItemGet("conf", "platform")
	if err != nil {
		return platform.Descriptor{}, fmt.Errorf("dispatch: optimus image missing conf/platform: %w", err)
	}
	data, err := item.ReadAll()
	if err != nil {
		return platform.Descriptor{}, fmt.Errorf("dispatch: read conf/platform: %w", err)
	}
	return platform.Parse(data, log)
}
