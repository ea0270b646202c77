// Package platform parses the conf/platform descriptor item of a
// composite image: a key=value/key: text blob supplying the load
// addresses, PLL register pairs, and feature flags the Optimus engine
// needs to drive a specific board.
package platform

import (
	"bufio"
	"bytes"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/jethome-iot/amlboot/internal/amlerr"
)

// RegPair is a "reg:val" paired value, e.g. Control0/Control1.
type RegPair struct {
	Reg uint32
	Val uint32
}

// Descriptor holds every recognized conf/platform key. Required keys
// have no usable zero value; Parse fails if any is missing. Optional
// keys default to zero.
type Descriptor struct {
	Platform int64

	DDRLoad int64
	DDRRun  int64

	Control0 RegPair
	Control1 RegPair

	UbootLoad    int64
	UbootRun     int64
	BinPara      int64
	UbootDown    int64
	UbootDecomp  int64
	UbootEncDown int64
	UbootEncRun  int64
	Uboot        int64
	EncryptReg   int64
	Bl2ParaAddr  int64
	EncryptReg0  int64
	EncryptReg1  int64
	EncryptReg2  int64
	NeedPassword int64
	DDRSize      int64
	EncChipID1   int64
	EncChipID2   int64
}

var requiredKeys = []string{"Platform", "DDRLoad", "DDRRun", "Control0", "Control1"}

// Bl2ParaAddr_u32 returns the parameter-block address the Optimus
// DownloadSPL/DownloadUboot steps write to, truncated to 32 bits.
func (d Descriptor) Bl2ParaAddr_u32() uint32 {
	return uint32(d.Bl2ParaAddr)
}

// setOptional stores v in the optional Descriptor field named by key
// and reports whether key is recognized; kept as a function rather than
// a map of pointers since Descriptor is a value received fresh per
// Parse call.
func setOptional(d *Descriptor, key string, v int64) bool {
	switch key {
	case "UbootLoad":
		d.UbootLoad = v
	case "UbootRun":
		d.UbootRun = v
	case "BinPara":
		d.BinPara = v
	case "Uboot_down":
		d.UbootDown = v
	case "Uboot_decomp":
		d.UbootDecomp = v
	case "Uboot_enc_down":
		d.UbootEncDown = v
	case "Uboot_enc_run":
		d.UbootEncRun = v
	case "Uboot":
		d.Uboot = v
	case "Encrypt_reg":
		d.EncryptReg = v
	case "bl2ParaAddr":
		d.Bl2ParaAddr = v
	case "Encrypt_reg0":
		d.EncryptReg0 = v
	case "Encrypt_reg1":
		d.EncryptReg1 = v
	case "Encrypt_reg2":
		d.EncryptReg2 = v
	case "needPassword":
		d.NeedPassword = v
	case "DDRSize":
		d.DDRSize = v
	case "enc_chip_id1":
		d.EncChipID1 = v
	case "enc_chip_id2":
		d.EncChipID2 = v
	default:
		return false
	}
	return true
}

// Parse reads a conf/platform text blob. log receives a warning for
// every unrecognized key; a nil log discards warnings.
func Parse(data []byte, log *slog.Logger) (Descriptor, error) {
	if log == nil {
		log = slog.New(slog.NewTextHandler(discardWriter{}, nil))
	}

	var d Descriptor
	seen := make(map[string]bool)

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if idx := strings.Index(line, "="); idx >= 0 {
			key := strings.TrimSpace(line[:idx])
			val := strings.TrimSpace(line[idx+1:])
			switch key {
			case "Control0", "Control1":
				reg, err := parseRegPair(val)
				if err != nil {
					return Descriptor{}, &amlerr.StateError{Context: fmt.Sprintf("platform key %q: %v", key, err)}
				}
				if key == "Control0" {
					d.Control0 = reg
				} else {
					d.Control1 = reg
				}
			case "bl2ParaAddr":
				n, err := parseInt(val)
				if err != nil {
					return Descriptor{}, &amlerr.StateError{Context: fmt.Sprintf("platform key %q: %v", key, err)}
				}
				d.Bl2ParaAddr = n
			default:
				n, err := parseInt(val)
				if err != nil {
					return Descriptor{}, &amlerr.StateError{Context: fmt.Sprintf("platform key %q: %v", key, err)}
				}
				if !setOptional(&d, key, n) {
					log.Warn("unknown platform key", "key", key)
				}
			}
			seen[key] = true
			continue
		}

		if idx := strings.Index(line, ":"); idx >= 0 {
			key := strings.TrimSpace(line[:idx])
			val := strings.TrimSpace(line[idx+1:])
			n, err := parseInt(val)
			if err != nil {
				return Descriptor{}, &amlerr.StateError{Context: fmt.Sprintf("platform key %q: %v", key, err)}
			}
			if key == "Platform" {
				d.Platform = n
			} else if key == "DDRLoad" {
				d.DDRLoad = n
			} else if key == "DDRRun" {
				d.DDRRun = n
			} else if !setOptional(&d, key, n) {
				log.Warn("unknown platform key", "key", key)
			}
			seen[key] = true
			continue
		}

		log.Warn("unparseable platform line", "line", line)
	}
	if err := scanner.Err(); err != nil {
		return Descriptor{}, fmt.Errorf("platform: scan conf/platform: %w", err)
	}

	var missing []string
	for _, k := range requiredKeys {
		if !seen[k] {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return Descriptor{}, &amlerr.StateError{Context: fmt.Sprintf("platform descriptor missing required key(s): %s", strings.Join(missing, ", "))}
	}

	return d, nil
}

func parseInt(s string) (int64, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return strconv.ParseInt(s[2:], 16, 64)
	}
	return strconv.ParseInt(s, 10, 64)
}

func parseRegPair(s string) (RegPair, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return RegPair{}, fmt.Errorf("expected reg:val, got %q", s)
	}
	reg, err := parseInt(strings.TrimSpace(parts[0]))
	if err != nil {
		return RegPair{}, fmt.Errorf("reg: %w", err)
	}
	val, err := parseInt(strings.TrimSpace(parts[1]))
	if err != nil {
		return RegPair{}, fmt.Errorf("val: %w", err)
	}
	return RegPair{Reg: uint32(reg), Val: uint32(val)}, nil
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
