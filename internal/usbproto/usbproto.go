// Package usbproto implements the Amlogic command primitives shared by
// both protocol engines: simple and large memory transfers, run,
// identify, the TPL and bulk command channels, password delivery, and
// the AMLC/AMLS data-block exchange. It is the only package that knows
// the wire-level bRequest codes and frames; internal/adnl and
// internal/optimus only call these methods.
package usbproto

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/jethome-iot/amlboot/internal/amlerr"
	"github.com/jethome-iot/amlboot/internal/checksum"
	"github.com/jethome-iot/amlboot/internal/transport"
)

// bRequest codes for the Amlogic vendor command set.
const (
	reqWriteMem     = 0x01
	reqReadMem      = 0x02
	reqModifyMem    = 0x04
	reqRunInAddr    = 0x05
	reqWrLargeMem   = 0x11
	reqRdLargeMem   = 0x12
	reqIdentifyHost = 0x20
	reqTplCmd       = 0x30
	reqTplStat      = 0x31
	reqPassword     = 0x35
	reqNop          = 0x36
	reqGetAMLC      = 0x50
	reqWriteAMLC    = 0x60
)

const (
	simpleMemChunk    = 64
	maxLargeMemBlocks = 65535
	amlcMaxChunk      = 65536
	amlcBulkChunk     = 16384
	amlcFrameSize     = 512
	ackFrameSize      = 16
	keepPowerBit      = 0x10

	// DefaultTimeout is used for ordinary control/bulk calls that the
	// spec does not call out a specific deadline for.
	DefaultTimeout = 5 * time.Second
)

// Device wraps a transport.Device with the Amlogic vendor command set.
type Device struct {
	dev transport.Device
}

// New wraps dev with the Amlogic command primitives.
func New(dev transport.Device) *Device {
	return &Device{dev: dev}
}

// Transport exposes the underlying transport device, e.g. so an engine
// can inspect its DeviceID across a re-enumeration wait.
func (d *Device) Transport() transport.Device { return d.dev }

func (d *Device) controlOut(request byte, value, index uint16, data []byte, timeout time.Duration) error {
	_, err := d.dev.Control(transport.ControlRequest{
		Direction: transport.DirOut,
		Request:   request,
		Value:     value,
		Index:     index,
		Data:      data,
		Timeout:   timeout,
	})
	if err != nil {
		return &amlerr.TransportError{Op: fmt.Sprintf("control out %#x", request), Cause: err}
	}
	return nil
}

func (d *Device) controlIn(request byte, value, index uint16, length int, timeout time.Duration) ([]byte, error) {
	reply, err := d.dev.Control(transport.ControlRequest{
		Direction: transport.DirIn,
		Request:   request,
		Value:     value,
		Index:     index,
		Data:      make([]byte, length),
		Timeout:   timeout,
	})
	if err != nil {
		return nil, &amlerr.TransportError{Op: fmt.Sprintf("control in %#x", request), Cause: err}
	}
	return reply, nil
}

// WriteSimpleMemory writes data to addr using WRITE_MEM, at most 64
// bytes per control transfer, chunking larger buffers at 64-byte
// boundaries.
func (d *Device) WriteSimpleMemory(addr uint32, data []byte) error {
	for off := 0; off < len(data); off += simpleMemChunk {
		end := off + simpleMemChunk
		if end > len(data) {
			end = len(data)
		}
		chunkAddr := addr + uint32(off)
		if err := d.controlOut(reqWriteMem, uint16(chunkAddr>>16), uint16(chunkAddr&0xFFFF), data[off:end], DefaultTimeout); err != nil {
			return err
		}
	}
	return nil
}

// ReadSimpleMemory reads n bytes from addr via READ_MEM, chunked at
// 64-byte boundaries.
func (d *Device) ReadSimpleMemory(addr uint32, n int) ([]byte, error) {
	out := make([]byte, 0, n)
	for off := 0; off < n; off += simpleMemChunk {
		want := simpleMemChunk
		if off+want > n {
			want = n - off
		}
		chunkAddr := addr + uint32(off)
		reply, err := d.controlIn(reqReadMem, uint16(chunkAddr>>16), uint16(chunkAddr&0xFFFF), want, DefaultTimeout)
		if err != nil {
			return nil, err
		}
		out = append(out, reply...)
	}
	return out, nil
}

// WriteLargeMemory writes data to addr in blockLength-sized bulk
// writes, splitting into multiple control+bulk cycles when the block
// count would exceed 65,535. When the data length is not a multiple of
// blockLength: appendZeros=true zero-pads the final block, false
// returns an error before any transfer occurs.
func (d *Device) WriteLargeMemory(addr uint32, data []byte, blockLength int, appendZeros bool, timeout time.Duration) error {
	if blockLength <= 0 {
		return fmt.Errorf("usbproto: blockLength must be positive")
	}
	if len(data)%blockLength != 0 && !appendZeros {
		return fmt.Errorf("usbproto: data length %d is not a multiple of blockLength %d and appendZeros is false", len(data), blockLength)
	}

	padded := data
	if rem := len(data) % blockLength; rem != 0 {
		pad := blockLength - rem
		padded = make([]byte, len(data)+pad)
		copy(padded, data)
	}
	totalBlocks := len(padded) / blockLength

	cursor := 0
	curAddr := addr
	for totalBlocks > 0 {
		batch := totalBlocks
		if batch > maxLargeMemBlocks {
			batch = maxLargeMemBlocks
		}
		batchLen := batch * blockLength

		hdr := make([]byte, 16)
		binary.LittleEndian.PutUint32(hdr[0:4], curAddr)
		binary.LittleEndian.PutUint32(hdr[4:8], uint32(batchLen))
		if err := d.controlOut(reqWrLargeMem, uint16(blockLength), uint16(batch), hdr, timeout); err != nil {
			return err
		}
		for i := 0; i < batch; i++ {
			block := padded[cursor+i*blockLength : cursor+(i+1)*blockLength]
			if _, err := d.dev.BulkWrite(block, timeout); err != nil {
				return &amlerr.TransportError{Op: "bulk write large-memory block", Cause: err}
			}
		}

		cursor += batchLen
		curAddr += uint32(batchLen)
		totalBlocks -= batch
	}
	return nil
}

// ReadLargeMemory reads n bytes from addr in blockLength-sized bulk
// reads, split the same way as WriteLargeMemory.
func (d *Device) ReadLargeMemory(addr uint32, n int, blockLength int, timeout time.Duration) ([]byte, error) {
	if blockLength <= 0 {
		return nil, fmt.Errorf("usbproto: blockLength must be positive")
	}
	totalBlocks := (n + blockLength - 1) / blockLength
	out := make([]byte, 0, totalBlocks*blockLength)
	curAddr := addr
	remaining := totalBlocks

	for remaining > 0 {
		batch := remaining
		if batch > maxLargeMemBlocks {
			batch = maxLargeMemBlocks
		}
		batchLen := batch * blockLength

		hdr := make([]byte, 16)
		binary.LittleEndian.PutUint32(hdr[0:4], curAddr)
		binary.LittleEndian.PutUint32(hdr[4:8], uint32(batchLen))
		if err := d.controlOut(reqRdLargeMem, uint16(blockLength), uint16(batch), hdr, timeout); err != nil {
			return nil, err
		}
		for i := 0; i < batch; i++ {
			buf := make([]byte, blockLength)
			got, err := d.dev.BulkRead(buf, timeout)
			if err != nil {
				return nil, &amlerr.TransportError{Op: "bulk read large-memory block", Cause: err}
			}
			out = append(out, buf[:got]...)
		}
		curAddr += uint32(batchLen)
		remaining -= batch
	}
	if len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// Run jumps execution to address, optionally keeping the power rail up
// across the jump by OR-ing in bit 0x10.
func (d *Device) Run(address uint32, keepPower bool) error {
	if keepPower {
		address |= keepPowerBit
	}
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, address)
	return d.controlOut(reqRunInAddr, 0, 0, buf, DefaultTimeout)
}

// Identify issues IDENTIFY_HOST and returns the raw 8-byte reply.
func (d *Device) Identify() ([]byte, error) {
	return d.controlIn(reqIdentifyHost, 0, 0, 8, DefaultTimeout)
}

// TplCommand sends an ASCII command on the TPL_CMD control channel for
// sub-command group sub.
func (d *Device) TplCommand(sub uint16, cmd string) error {
	return d.controlOut(reqTplCmd, 0, sub, []byte(cmd), DefaultTimeout)
}

// TplStat reads one TPL_STAT reply frame.
func (d *Device) TplStat(length int, timeout time.Duration) ([]byte, error) {
	return d.controlIn(reqTplStat, 0, 0, length, timeout)
}

// BulkCmd writes an ASCII command on the bulk OUT pipe and, if
// readStatus, reads one status frame back.
func (d *Device) BulkCmd(cmd string, readStatus bool, timeout time.Duration) ([]byte, error) {
	if _, err := d.dev.BulkWrite([]byte(cmd), timeout); err != nil {
		return nil, &amlerr.TransportError{Op: "bulk command write", Cause: err}
	}
	if !readStatus {
		return nil, nil
	}
	return d.BulkCmdStat(timeout)
}

// BulkCmdStat reads one status frame from the bulk IN pipe.
func (d *Device) BulkCmdStat(timeout time.Duration) ([]byte, error) {
	buf := make([]byte, amlcFrameSize)
	n, err := d.dev.BulkRead(buf, timeout)
	if err != nil {
		return nil, &amlerr.TransportError{Op: "bulk command status read", Cause: err}
	}
	return buf[:n], nil
}

// SendPassword delivers a 64-byte password over the PASSWORD control
// channel. The length check mirrors a precondition enforced before
// ever touching the device.
func (d *Device) SendPassword(data []byte) error {
	if len(data) != 64 {
		return fmt.Errorf("usbproto: password must be exactly 64 bytes, got %d", len(data))
	}
	return d.controlOut(reqPassword, 0, 0, data, DefaultTimeout)
}

// AMLCFrame is one decoded GET_AMLC reply.
type AMLCFrame struct {
	Tag    uint32
	Length uint32
	Offset uint32
}

// GetBootAMLC issues GET_AMLC, validates the "AMLC" prefix, unpacks
// the frame, and acknowledges it with a 16-byte OKAY frame on bulk OUT.
func (d *Device) GetBootAMLC() (AMLCFrame, error) {
	reply, err := d.controlIn(reqGetAMLC, 0, 0, amlcFrameSize, DefaultTimeout)
	if err != nil {
		return AMLCFrame{}, err
	}
	if len(reply) < 16 || string(reply[0:4]) != "AMLC" {
		return AMLCFrame{}, &amlerr.ProtocolError{Want: `"AMLC" prefix`, Got: fmt.Sprintf("%x", reply[:min(4, len(reply))])}
	}
	frame := AMLCFrame{
		Tag:    binary.LittleEndian.Uint32(reply[4:8]),
		Length: binary.LittleEndian.Uint32(reply[8:12]),
		Offset: binary.LittleEndian.Uint32(reply[12:16]),
	}
	ack := make([]byte, ackFrameSize)
	copy(ack, "OKAY")
	if _, err := d.dev.BulkWrite(ack, DefaultTimeout); err != nil {
		return AMLCFrame{}, &amlerr.TransportError{Op: "AMLC ack write", Cause: err}
	}
	return frame, nil
}

// WriteAMLCData streams data to the device's AMLC data-block channel
// starting at amlcOffset, in at most 65,536-byte transfers, each split
// into bulk writes of at most 16,384 bytes and acknowledged by a
// 16-byte "OKAY" frame. After the last chunk it writes an AMLS trailer
// carrying the checksum of the whole buffer.
func (d *Device) WriteAMLCData(seq uint32, amlcOffset uint32, data []byte) error {
	offset := amlcOffset
	var firstChunkTail []byte

	for off := 0; off < len(data); off += amlcMaxChunk {
		end := off + amlcMaxChunk
		if end > len(data) {
			end = len(data)
		}
		chunk := data[off:end]
		if off == 0 {
			if len(chunk) >= amlcFrameSize {
				firstChunkTail = append([]byte(nil), chunk[16:amlcFrameSize]...)
			} else if len(chunk) > 16 {
				firstChunkTail = append([]byte(nil), chunk[16:]...)
			}
		}

		if err := d.controlOut(reqWriteAMLC, uint16(offset/512), uint16(len(chunk)-1), nil, DefaultTimeout); err != nil {
			return err
		}
		for bOff := 0; bOff < len(chunk); bOff += amlcBulkChunk {
			bEnd := bOff + amlcBulkChunk
			if bEnd > len(chunk) {
				bEnd = len(chunk)
			}
			if _, err := d.dev.BulkWrite(chunk[bOff:bEnd], DefaultTimeout); err != nil {
				return &amlerr.TransportError{Op: "AMLC data bulk write", Cause: err}
			}
		}
		if err := d.expectAck(); err != nil {
			return err
		}
		offset += uint32(len(chunk))
	}

	trailer := make([]byte, amlcFrameSize)
	copy(trailer[0:4], "AMLS")
	binary.LittleEndian.PutUint32(trailer[4:8], seq)
	sum := checksum.Sum(data)
	binary.LittleEndian.PutUint32(trailer[16:20], sum)
	copy(trailer[24:], firstChunkTail)

	if err := d.controlOut(reqWriteAMLC, uint16(amlcOffset/512), uint16(len(trailer)-1), nil, DefaultTimeout); err != nil {
		return err
	}
	if _, err := d.dev.BulkWrite(trailer, DefaultTimeout); err != nil {
		return &amlerr.TransportError{Op: "AMLS trailer bulk write", Cause: err}
	}
	return d.expectAck()
}

func (d *Device) expectAck() error {
	buf := make([]byte, ackFrameSize)
	n, err := d.dev.BulkRead(buf, DefaultTimeout)
	if err != nil {
		return &amlerr.TransportError{Op: "AMLC ack read", Cause: err}
	}
	if n < 4 || string(buf[:4]) != "OKAY" {
		return &amlerr.ProtocolError{Want: `"OKAY"`, Got: fmt.Sprintf("%x", buf[:min(4, n)])}
	}
	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
