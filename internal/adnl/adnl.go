// Package adnl implements the ADNL boot/burn protocol: a ROM stage
// that loads SPL over a handful of text commands, a BL2 stage that
// streams U-Boot in device-requested chunks (the CBW loop), and a TPL
// stage that burns and verifies partitions once U-Boot is running.
// Every stage talks the same 4-byte-prefixed reply framing over bulk
// endpoints; there is no control-transfer traffic in this protocol.
package adnl

import (
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/jethome-iot/amlboot/internal/amlerr"
	"github.com/jethome-iot/amlboot/internal/checksum"
	"github.com/jethome-iot/amlboot/internal/image"
	"github.com/jethome-iot/amlboot/internal/progress"
	"github.com/jethome-iot/amlboot/internal/reenum"
	"github.com/jethome-iot/amlboot/internal/transport"
)

// VendorID and ProductID identify ADNL-class devices.
const (
	VendorID  = 0x1b8e
	ProductID = 0xc004
)

const (
	replyOkay = "OKAY"
	replyFail = "FAIL"
	replyInfo = "INFO"
	replyData = "DATA"
)

const (
	ioTimeout   = 5 * time.Second
	bulkChunk   = 16 * 1024
	readLen     = 512
	verifyRetry = 1 * time.Second
	verifyCeil  = 150 * time.Second // oem verify ceiling, matches the Optimus verify timeout
	reconnectTO = 60 * time.Second
)

// Burnsteps values written to the device's "burnsteps" variable at
// each stage boundary.
const (
	romBurnsteps0 = 0xC0040000
	romBurnsteps1 = 0xC0040001
	romBurnsteps2 = 0xC0040002
	romBurnsteps3 = 0xC0040003

	tplBurnsteps0 = 0xC0041030
	tplBurnsteps1 = 0xC0041031
	tplBurnsteps2 = 0xC0041032
)

const (
	stageMinorROM = 0
	stageMinorTPL = 16
)

// Engine drives one ADNL session to completion.
type Engine struct {
	Finder transport.Finder
	Pack   *image.Pack

	Reset bool
	Wipe  int // 0=no, 1=normal, 3=all

	Log      *slog.Logger
	Progress progress.Reporter
	Sleep    reenum.Sleeper
}

// Run executes the full ROM -> BL2 -> TPL sequence.
func (e *Engine) Run() error {
	log := e.log()
	rep := e.rep()
	sleep := e.sleepFn()

	dev, err := e.Finder.Find(VendorID, ProductID)
	if err != nil {
		return fmt.Errorf("adnl: find device: %w", err)
	}
	romAddr := dev.ID().BusAddress

	stage, err := sendCmdIdentify(dev)
	if err != nil {
		dev.Close()
		return err
	}

	if stage == stageMinorTPL {
		log.Info("device already in TPL, requesting ROM reboot")
		if err := sendCmd(dev, "reboot-romusb", replyOkay); err != nil {
			dev.Close()
			return err
		}
		dev.Close()
		newDev, err := reenum.WaitForReconnect(e.Finder, VendorID, ProductID, romAddr, reconnectTO, sleep)
		if err != nil {
			return err
		}
		dev = newDev
		romAddr = dev.ID().BusAddress
	} else if stage != stageMinorROM {
		dev.Close()
		return &amlerr.ProtocolError{Want: "stage_minor 0 or 16", Got: fmt.Sprintf("%d", stage)}
	}

	rep.Stage("rom")
	if err := e.runRomStage(dev); err != nil {
		dev.Close()
		return err
	}

	rep.Stage("bl2")
	if err := e.runBl2Stage(dev); err != nil {
		dev.Close()
		return err
	}
	dev.Close()

	rep.Stage("tpl")
	if err := e.runTplStage(romAddr, sleep); err != nil {
		return err
	}

	rep.Done(nil)
	return nil
}

func (e *Engine) log() *slog.Logger {
	if e.Log != nil {
		return e.Log
	}
	return slog.Default()
}

func (e *Engine) rep() progress.Reporter {
	if e.Progress != nil {
		return e.Progress
	}
	return progress.Noop{}
}

func (e *Engine) sleepFn() reenum.Sleeper {
	if e.Sleep != nil {
		return e.Sleep
	}
	return time.Sleep
}

func (e *Engine) runRomStage(dev transport.Device) error {
	item, err := e.Pack.ItemGet("USB", "DDR")
	if err != nil {
		return err
	}

	for _, cmd := range []string{
		"getvar:serialno",
		"getvar:getchipinfo-1",
		"getvar:getchipinfo-0",
		"getvar:getchipinfo-1",
		"getvar:getchipinfo-2",
		"getvar:getchipinfo-3",
	} {
		if err := sendCmd(dev, cmd, replyOkay); err != nil {
			return err
		}
	}
	if err := sendBurnsteps(dev, romBurnsteps0); err != nil {
		return err
	}
	if err := sendCmd(dev, "getvar:getchipinfo-1", replyOkay); err != nil {
		return err
	}
	if err := sendBurnsteps(dev, romBurnsteps1); err != nil {
		return err
	}

	if err := sendCmd(dev, "getvar:downloadsize", replyOkay); err != nil {
		return err
	}
	// Despite the real SPL size, the ROM code only accepts this fixed
	// download-size literal.
	if err := sendCmd(dev, "download:00010000", replyData); err != nil {
		return err
	}

	buf, err := item.ReadAll()
	if err != nil {
		return err
	}
	if _, err := dev.BulkWrite(buf, ioTimeout); err != nil {
		return &amlerr.TransportError{Op: "send SPL image", Cause: err}
	}
	if err := expectFrame(dev, replyOkay); err != nil {
		return err
	}

	if err := sendBurnsteps(dev, romBurnsteps2); err != nil {
		return err
	}
	return sendCmd(dev, "boot", replyOkay)
}

func (e *Engine) runBl2Stage(dev transport.Device) error {
	if _, err := sendCmdIdentify(dev); err != nil {
		return err
	}
	if err := sendBurnsteps(dev, romBurnsteps3); err != nil {
		return err
	}

	item, err := e.Pack.ItemGet("USB", "UBOOT")
	if err != nil {
		return err
	}

	for {
		cbw, err := requestCBW(dev)
		if err != nil {
			return err
		}
		if cbw.End {
			return nil
		}

		if _, err := item.Seek(int64(cbw.Offset), io.SeekStart); err != nil {
			return err
		}
		buf, err := item.Read(int(cbw.Size))
		if err != nil {
			return err
		}

		var sum uint32
		remaining := len(buf)
		off := 0
		for remaining > 0 {
			toSend := remaining
			if toSend > bulkChunk {
				toSend = bulkChunk
			}
			chunk := buf[off : off+toSend]

			if err := sendCmd(dev, fmt.Sprintf("download:%08x", toSend), replyData); err != nil {
				return err
			}
			if _, err := dev.BulkWrite(chunk, ioTimeout); err != nil {
				return &amlerr.TransportError{Op: "send U-Boot chunk", Cause: err}
			}
			if err := expectFrame(dev, replyOkay); err != nil {
				return err
			}

			sum += checksum.Sum(chunk)
			off += toSend
			remaining -= toSend
		}

		if err := sendCmd(dev, "setvar:checksum", replyData); err != nil {
			return err
		}
		sumBytes := checksum.Bytes(sum)
		if _, err := dev.BulkWrite(sumBytes[:], ioTimeout); err != nil {
			return &amlerr.TransportError{Op: "send BL2 checksum", Cause: err}
		}
		if err := expectFrame(dev, replyOkay); err != nil {
			return &amlerr.ChecksumError{Context: "BL2 chunk checksum rejected"}
		}
	}
}

func (e *Engine) runTplStage(romAddr int, sleep reenum.Sleeper) error {
	dev, err := reenum.WaitForReconnect(e.Finder, VendorID, ProductID, romAddr, reconnectTO, sleep)
	if err != nil {
		return err
	}
	defer dev.Close()

	if _, err := sendCmdIdentify(dev); err != nil {
		return err
	}

	if err := tplBurnsteps(dev, tplBurnsteps0); err != nil {
		return err
	}
	if err := tplBurnsteps(dev, tplBurnsteps1); err != nil {
		return err
	}
	if err := sendCmd(dev, fmt.Sprintf("oem disk_initial %d", e.Wipe), replyOkay); err != nil {
		return err
	}
	if err := tplBurnsteps(dev, tplBurnsteps2); err != nil {
		return err
	}

	for _, it := range e.Pack.Items("PARTITION", "", nil) {
		if err := e.burnPartition(dev, it); err != nil {
			return err
		}
	}

	if e.Reset {
		return sendCmd(dev, "reboot", replyOkay)
	}
	return nil
}

func (e *Engine) burnPartition(dev transport.Device, it *image.Item) error {
	log := e.log()
	name := it.SubType()
	log.Info("burning partition", "name", name)
	e.rep().Item("PARTITION", name, 0, it.Size())

	cmd := fmt.Sprintf("oem mwrite 0x%x normal store %s", it.Size(), name)
	if err := sendCmd(dev, cmd, replyOkay); err != nil {
		return err
	}

	for {
		if err := writeText(dev, "mwrite:verify=addsum"); err != nil {
			return err
		}
		msg, err := readFrame(dev)
		if err != nil {
			return err
		}
		text := string(msg)
		if len(text) >= 4 && text[:4] == replyOkay {
			break
		}
		if len(text) < 7 || text[:7] != "DATAOUT" {
			return &amlerr.ProtocolError{Want: `"OKAY" or "DATAOUTx:y"`, Got: text}
		}

		var size, offs uint64
		if _, err := fmt.Sscanf(text[7:], "%x:%x", &size, &offs); err != nil {
			return &amlerr.ProtocolError{Want: "DATAOUT<size>:<offset>", Got: text}
		}

		if _, err := it.Seek(int64(offs), io.SeekStart); err != nil {
			return err
		}
		buf, err := it.Read(int(size))
		if err != nil {
			return err
		}
		sum := checksum.Sum(buf)

		remaining := len(buf)
		off := 0
		for remaining > 0 {
			toSend := remaining
			if toSend > bulkChunk {
				toSend = bulkChunk
			}
			if _, err := dev.BulkWrite(buf[off:off+toSend], ioTimeout); err != nil {
				return &amlerr.TransportError{Op: "send partition chunk", Cause: err}
			}
			off += toSend
			remaining -= toSend
		}

		sumBytes := checksum.Bytes(sum)
		if _, err := dev.BulkWrite(sumBytes[:], ioTimeout); err != nil {
			return &amlerr.TransportError{Op: "send partition checksum", Cause: err}
		}
		if err := expectFrame(dev, replyOkay); err != nil {
			return &amlerr.ChecksumError{Context: fmt.Sprintf("partition %s block checksum rejected", name)}
		}
	}

	verifyItem, err := e.Pack.ItemGet("VERIFY", name)
	if err != nil {
		return &amlerr.StateError{Context: fmt.Sprintf("partition %s marked verify but no VERIFY item present", name)}
	}
	verifyBytes, err := verifyItem.ReadAll()
	if err != nil {
		return err
	}

	if err := writeText(dev, "oem verify "+string(verifyBytes)); err != nil {
		return err
	}

	deadline := time.Now().Add(verifyCeil)
	for {
		msg, err := readFrame(dev)
		if err != nil {
			return err
		}
		p := prefix(msg)
		if p == replyOkay {
			return nil
		}
		if p == replyInfo {
			if time.Now().After(deadline) {
				return &amlerr.TimeoutError{Op: fmt.Sprintf("verify partition %s", name)}
			}
			e.sleepFn()(verifyRetry)
			continue
		}
		return &amlerr.ChecksumError{Context: fmt.Sprintf("partition %s verify rejected: %s", name, p)}
	}
}

// CBW is the 32-byte device-issued request driving the BL2 upload loop.
type CBW struct {
	Seq          uint32
	Size         uint32
	Offset       uint32
	NeedChecksum bool
	End          bool
}

func requestCBW(dev transport.Device) (CBW, error) {
	if err := writeText(dev, "getvar:cbw"); err != nil {
		return CBW{}, err
	}
	msg, err := readFrame(dev)
	if err != nil {
		return CBW{}, err
	}
	return parseCBW(msg)
}

func parseCBW(msg []byte) (CBW, error) {
	if len(msg) < 22 || string(msg[4:8]) != "AMLC" {
		return CBW{}, &amlerr.ProtocolError{Want: `CBW with "AMLC" magic`, Got: fmt.Sprintf("%x", msg)}
	}
	return CBW{
		Seq:          binary.LittleEndian.Uint32(msg[8:12]),
		Size:         binary.LittleEndian.Uint32(msg[12:16]),
		Offset:       binary.LittleEndian.Uint32(msg[16:20]),
		NeedChecksum: msg[20] == 0,
		End:          msg[21] != 0,
	}, nil
}

func sendCmdIdentify(dev transport.Device) (byte, error) {
	if err := writeText(dev, "getvar:identify"); err != nil {
		return 0, err
	}
	msg, err := readFrame(dev)
	if err != nil {
		return 0, err
	}
	if prefix(msg) != replyOkay {
		return 0, &amlerr.ProtocolError{Want: replyOkay, Got: prefix(msg)}
	}
	if len(msg) < 8 || msg[4] != 0x5 {
		return 0, &amlerr.ProtocolError{Want: "identify payload tag 0x5", Got: fmt.Sprintf("%x", msg)}
	}
	return msg[7], nil
}

func sendBurnsteps(dev transport.Device, step uint32) error {
	if err := sendCmd(dev, "setvar:burnsteps", replyData); err != nil {
		return err
	}
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], step)
	if _, err := dev.BulkWrite(buf[:], ioTimeout); err != nil {
		return &amlerr.TransportError{Op: "send burnsteps value", Cause: err}
	}
	return expectFrame(dev, replyOkay)
}

func tplBurnsteps(dev transport.Device, step uint32) error {
	return sendCmd(dev, fmt.Sprintf("oem setvar burnsteps %#x", step), replyOkay)
}

func sendCmd(dev transport.Device, cmd, expected string) error {
	if err := writeText(dev, cmd); err != nil {
		return err
	}
	return expectFrame(dev, expected)
}

func writeText(dev transport.Device, s string) error {
	if _, err := dev.BulkWrite([]byte(s), ioTimeout); err != nil {
		return &amlerr.TransportError{Op: fmt.Sprintf("write %q", s), Cause: err}
	}
	return nil
}

func readFrame(dev transport.Device) ([]byte, error) {
	buf := make([]byte, readLen)
	n, err := dev.BulkRead(buf, ioTimeout)
	if err != nil {
		return nil, &amlerr.TransportError{Op: "read reply frame", Cause: err}
	}
	if n < 4 {
		return nil, &amlerr.ProtocolError{Want: "at least 4 reply bytes", Got: fmt.Sprintf("%d bytes", n)}
	}
	return buf[:n], nil
}

func expectFrame(dev transport.Device, expected string) error {
	msg, err := readFrame(dev)
	if err != nil {
		return err
	}
	if prefix(msg) != expected {
		return &amlerr.ProtocolError{Want: expected, Got: prefix(msg)}
	}
	return nil
}

func prefix(msg []byte) string {
	if len(msg) < 4 {
		return ""
	}
	return string(msg[:4])
}
