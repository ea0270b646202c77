//go:build !mips && !mipsle
// +build !mips,!mipsle

// USB transport implemented on top of github.com/google/gousb.
// Excluded on MIPS builds where gousb's cgo libusb binding is not
// available, mirroring guiperry-HASHER's usb_device.go build tag.
package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gousb"
)

const defaultControlTimeout = 1 * time.Second

// GousbFinder discovers and opens Amlogic USB devices through libusb,
// claiming interface 0 alt-setting 0 and its first IN/OUT bulk
// endpoints.
type GousbFinder struct {
	ctx *gousb.Context
}

// NewGousbFinder creates a libusb context. Callers must call Close
// when done.
func NewGousbFinder() *GousbFinder {
	return &GousbFinder{ctx: gousb.NewContext()}
}

// Close releases the libusb context.
func (f *GousbFinder) Close() error {
	return f.ctx.Close()
}

// Find opens the first enumerated device matching vendor:product.
func (f *GousbFinder) Find(vendor, product uint16) (Device, error) {
	dev, err := f.ctx.OpenDeviceWithVIDPID(gousb.ID(vendor), gousb.ID(product))
	if err != nil {
		return nil, &controlError{op: "open device", err: err}
	}
	if dev == nil {
		return nil, ErrNotFound
	}

	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("set config: %w", err)
	}
	intf, err := cfg.Interface(0, 0)
	if err != nil {
		cfg.Close()
		dev.Close()
		return nil, fmt.Errorf("claim interface: %w", err)
	}

	epOutNum, epInNum := -1, -1
	for _, ep := range intf.Setting.Endpoints {
		if ep.Direction == gousb.EndpointDirectionOut && epOutNum == -1 {
			epOutNum = ep.Number
		}
		if ep.Direction == gousb.EndpointDirectionIn && epInNum == -1 {
			epInNum = ep.Number
		}
	}
	if epOutNum == -1 || epInNum == -1 {
		intf.Close()
		cfg.Close()
		dev.Close()
		return nil, fmt.Errorf("interface exposes no bulk IN/OUT endpoint pair")
	}

	epOut, err := intf.OutEndpoint(epOutNum)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		return nil, fmt.Errorf("open OUT endpoint: %w", err)
	}
	epIn, err := intf.InEndpoint(epInNum)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		return nil, fmt.Errorf("open IN endpoint: %w", err)
	}

	id := DeviceID{Vendor: vendor, Product: product, BusAddress: dev.Desc.Address}

	return &gousbDevice{
		dev:   dev,
		cfg:   cfg,
		intf:  intf,
		epOut: epOut,
		epIn:  epIn,
		id:    id,
	}, nil
}

type gousbDevice struct {
	dev   *gousb.Device
	cfg   *gousb.Config
	intf  *gousb.Interface
	epOut *gousb.OutEndpoint
	epIn  *gousb.InEndpoint
	id    DeviceID
}

func (d *gousbDevice) ID() DeviceID { return d.id }

func (d *gousbDevice) Control(req ControlRequest) ([]byte, error) {
	var rType uint8
	if req.Direction == DirOut {
		rType = 0x40
	} else {
		rType = 0xC0
	}
	timeout := req.Timeout
	if timeout == 0 {
		timeout = defaultControlTimeout
	}
	d.dev.ControlTimeout = timeout

	n, err := d.dev.Control(rType, req.Request, req.Value, req.Index, req.Data)
	if err != nil {
		return nil, &controlError{op: "control transfer", err: err}
	}
	if req.Direction == DirIn {
		return req.Data[:n], nil
	}
	return nil, nil
}

func (d *gousbDevice) BulkWrite(buf []byte, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	n, err := d.epOut.WriteContext(ctx, buf)
	if err != nil {
		return n, &controlError{op: "bulk write", err: err}
	}
	return n, nil
}

func (d *gousbDevice) BulkRead(buf []byte, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	n, err := d.epIn.ReadContext(ctx, buf)
	if err != nil {
		return n, &controlError{op: "bulk read", err: err}
	}
	return n, nil
}

func (d *gousbDevice) Close() error {
	d.intf.Close()
	d.cfg.Close()
	return d.dev.Close()
}

type controlError struct {
	op  string
	err error
}

func (e *controlError) Error() string { return fmt.Sprintf("transport: %s: %v", e.op, e.err) }
func (e *controlError) Unwrap() error { return e.err }
