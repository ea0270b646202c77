// Package optimus implements the Optimus burn pipeline: an ordered
// list of burn steps, each exposing do(ctx) -> (reopen, error). Between
// steps that request it, the engine closes and reopens the device
// handle to ride out a reset or mode change, mirroring the shared-state
// burn-step design the protocol's original tooling uses.
package optimus

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/jethome-iot/amlboot/internal/amlerr"
	"github.com/jethome-iot/amlboot/internal/checksum"
	"github.com/jethome-iot/amlboot/internal/deviceprofile"
	"github.com/jethome-iot/amlboot/internal/image"
	"github.com/jethome-iot/amlboot/internal/platform"
	"github.com/jethome-iot/amlboot/internal/progress"
	"github.com/jethome-iot/amlboot/internal/reenum"
	"github.com/jethome-iot/amlboot/internal/socid"
	"github.com/jethome-iot/amlboot/internal/transport"
	"github.com/jethome-iot/amlboot/internal/usbproto"
)

// VendorID and ProductID identify Optimus-class devices .
const (
	VendorID  = 0x1b8e
	ProductID = 0xc003
)

const (
	bulkCmdDefaultTimeout = 3 * time.Second
	diskInitialTimeout    = 60 * time.Second
	mediaVerifyTimeout    = 150 * time.Second
	continuePollInterval  = 3 * time.Second
	paramStampMagic       = 0x7856EFAB
	downloadBlockLength   = 0x1000
	mediaBlockSize        = 0x10000
	mediaAckLen           = 0x200
	mediaRetryLimit       = 3
	mediaRetryBackoff     = 200 * time.Millisecond
	mediaPollTimeout      = 10 * time.Second
	disconnectTimeout     = 60 * time.Second
	reconnectTimeout      = 60 * time.Second
	pllSettleDelay        = 500 * time.Millisecond
	passwordSettleDelay   = 2 * time.Second
	reopenSettleDelay     = 5 * time.Second
)

// State is shared mutable state threaded through every step: the
// current device handle, the parsed platform descriptor, and facts
// discovered along the way (secure-boot status, the resolved encrypt
// register).
type State struct {
	Dev      *usbproto.Device
	Finder   transport.Finder
	Pack     *image.Pack
	Platform platform.Descriptor
	Profile  *deviceprofile.Profile

	PasswordPath string

	Secure   bool
	EncryptV uint32
	lastAddr int

	Log      *slog.Logger
	Progress progress.Reporter
	Sleep    reenum.Sleeper
}

func (s *State) log() *slog.Logger {
	if s.Log != nil {
		return s.Log
	}
	return slog.Default()
}

func (s *State) rep() progress.Reporter {
	if s.Progress != nil {
		return s.Progress
	}
	return progress.Noop{}
}

func (s *State) sleep() reenum.Sleeper {
	if s.Sleep != nil {
		return s.Sleep
	}
	return time.Sleep
}

// Step is one stage of the Optimus burn pipeline.
type Step interface {
	Name() string
	Do(s *State) (reopen bool, err error)
}

// Engine runs an ordered step list to completion, reopening the device
// whenever a step requests it.
type Engine struct {
	State *State
	Steps []Step
}

// Run executes every step in order.
func (e *Engine) Run() error {
	s := e.State
	rep := s.rep()

	dev, err := s.Finder.Find(VendorID, ProductID)
	if err != nil {
		return fmt.Errorf("optimus: find device: %w", err)
	}
	s.Dev = usbproto.New(dev)
	s.lastAddr = dev.ID().BusAddress

	if err := e.maybeRebootFromTPL(); err != nil {
		return err
	}

	for _, step := range e.Steps {
		rep.Stage(step.Name())
		reopen, err := step.Do(s)
		if err != nil {
			rep.Done(err)
			return fmt.Errorf("optimus: step %s: %w", step.Name(), err)
		}
		if reopen {
			if err := e.reopen(); err != nil {
				rep.Done(err)
				return err
			}
		}
	}
	rep.Done(nil)
	return nil
}

// maybeRebootFromTPL handles the case where Optimus finds the device
// already in TPL at startup: issue reboot-romusb and wait for a fresh
// enumeration before the ROM stage steps run.
func (e *Engine) maybeRebootFromTPL() error {
	s := e.State
	ident, err := identify(s.Dev)
	if err != nil {
		return err
	}
	if ident.StageMinor != socid.StageMinorTPL {
		return nil
	}
	if _, err := s.Dev.BulkCmd("reboot-romusb", false, usbproto.DefaultTimeout); err != nil {
		return err
	}
	return e.reopen()
}

func (e *Engine) reopen() error {
	s := e.State
	oldAddr := s.lastAddr
	if s.Dev != nil {
		s.Dev.Transport().Close()
	}
	if err := reenum.WaitForDisconnect(s.Finder, VendorID, ProductID, disconnectTimeout, s.sleep()); err != nil {
		return err
	}
	dev, err := reenum.WaitForReconnect(s.Finder, VendorID, ProductID, oldAddr, reconnectTimeout, s.sleep())
	if err != nil {
		return err
	}
	s.sleep()(reopenSettleDelay)
	s.Dev = usbproto.New(dev)
	s.lastAddr = dev.ID().BusAddress
	return nil
}

func identify(dev *usbproto.Device) (socid.Ident, error) {
	raw, err := dev.Identify()
	if err != nil {
		return socid.Ident{}, err
	}
	return socid.Decode(raw)
}

// checkBulkCmd writes cmd on the bulk channel and polls bulkCmdStat
// until a reply arrives that does not begin with "Continue:34",
// matching the device's long-running-command status protocol.
func checkBulkCmd(dev *usbproto.Device, cmd string, want string, timeout time.Duration, sleep reenum.Sleeper) error {
	if _, err := dev.BulkCmd(cmd, false, usbproto.DefaultTimeout); err != nil {
		return err
	}
	deadline := time.Now().Add(timeout)
	var last []byte
	for {
		resp, err := dev.BulkCmdStat(usbproto.DefaultTimeout)
		if err != nil {
			return err
		}
		last = resp
		if !hasPrefix(resp, "Continue:34") {
			break
		}
		if time.Now().After(deadline) {
			return &amlerr.TimeoutError{Op: fmt.Sprintf("bulk command %q", cmd)}
		}
		sleep(continuePollInterval)
	}
	got := trimNulAndSpace(last)
	if got != want {
		return &amlerr.ProtocolError{Want: want, Got: got}
	}
	return nil
}

func checkTplCmd(dev *usbproto.Device, cmd string, want string) error {
	if err := dev.TplCommand(1, cmd); err != nil {
		return err
	}
	resp, err := dev.TplStat(amlcReplyLen, usbproto.DefaultTimeout)
	if err != nil {
		return err
	}
	got := trimNulAndSpace(resp)
	if got != want {
		return &amlerr.ProtocolError{Want: want, Got: got}
	}
	return nil
}

const amlcReplyLen = 512

func hasPrefix(b []byte, prefix string) bool {
	return len(b) >= len(prefix) && string(b[:len(prefix)]) == prefix
}

func trimNulAndSpace(b []byte) string {
	end := len(b)
	for end > 0 && (b[end-1] == 0 || b[end-1] == ' ') {
		end--
	}
	return string(b[:end])
}

func runInAddress(s *State, address uint32) error {
	ident, err := identify(s.Dev)
	if err != nil {
		return err
	}
	keepPower := ident.AtLeast(0, 9, 0, 0)
	return s.Dev.Run(address, keepPower)
}

func writeParams(s *State, params []byte) error {
	return s.Dev.WriteLargeMemory(s.Platform.Bl2ParaAddr_u32(), params, len(params), true, usbproto.DefaultTimeout)
}

func checkParams(s *State, wantMagic uint32) ([]byte, error) {
	data, err := s.Dev.ReadLargeMemory(s.Platform.Bl2ParaAddr_u32(), 0x200, 0x200, usbproto.DefaultTimeout)
	if err != nil {
		return nil, err
	}
	if len(data) < 4 {
		return nil, &amlerr.ProtocolError{Want: "at least 4 param bytes", Got: fmt.Sprintf("%d", len(data))}
	}
	got := binary.LittleEndian.Uint32(data[:4])
	if got != wantMagic {
		return nil, &amlerr.ProtocolError{Want: fmt.Sprintf("param magic %#x", wantMagic), Got: fmt.Sprintf("%#x", got)}
	}
	return data, nil
}

func amlsChecksum(data []byte) uint32 {
	return checksum.Sum(data)
}
