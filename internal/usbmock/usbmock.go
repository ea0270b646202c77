// Package usbmock is a scripted in-memory transport.Device used by the
// protocol engine tests in internal/adnl and internal/optimus. It plays
// back canned control replies and a bulk FIFO so those tests can drive
// full ADNL/Optimus flows without physical hardware, the same way
// emulator/main.go answers a real host tool's commands with generated
// bytes instead of flashing a board.
package usbmock

import (
	"fmt"
	"sync"
	"time"

	"github.com/jethome-iot/amlboot/internal/transport"
)

// ControlHandler answers one control transfer. Returning (nil, nil) for
// a DirIn request means "no data", not an error.
type ControlHandler func(req transport.ControlRequest) ([]byte, error)

// Device is a scripted transport.Device double.
type Device struct {
	mu sync.Mutex

	id      transport.DeviceID
	control ControlHandler

	bulkOut [][]byte // captured writes, in order
	bulkIn  [][]byte // queued reads, consumed in order

	closed   bool
	closeErr error
}

// New creates a mock device with the given identity. Attach a control
// handler with OnControl and queue bulk replies with QueueBulkRead.
func New(id transport.DeviceID) *Device {
	return &Device{id: id}
}

// OnControl installs the handler used by every subsequent Control call.
func (d *Device) OnControl(h ControlHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.control = h
}

// QueueBulkRead appends buf to the FIFO of replies BulkRead will hand
// out, one slice per call.
func (d *Device) QueueBulkRead(buf []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]byte, len(buf))
	copy(cp, buf)
	d.bulkIn = append(d.bulkIn, cp)
}

// BulkWrites returns every buffer previously passed to BulkWrite, in
// call order.
func (d *Device) BulkWrites() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.bulkOut))
	copy(out, d.bulkOut)
	return out
}

// SetCloseError makes a subsequent Close return err.
func (d *Device) SetCloseError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeErr = err
}

// Closed reports whether Close has been called.
func (d *Device) Closed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

func (d *Device) ID() transport.DeviceID { return d.id }

func (d *Device) Control(req transport.ControlRequest) ([]byte, error) {
	d.mu.Lock()
	h := d.control
	d.mu.Unlock()
	if h == nil {
		return nil, fmt.Errorf("usbmock: no control handler installed for request %#x", req.Request)
	}
	return h(req)
}

func (d *Device) BulkWrite(buf []byte, _ time.Duration) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	cp := make([]byte, len(buf))
	copy(cp, buf)
	d.bulkOut = append(d.bulkOut, cp)
	return len(buf), nil
}

func (d *Device) BulkRead(buf []byte, _ time.Duration) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.bulkIn) == 0 {
		return 0, fmt.Errorf("usbmock: bulk read FIFO empty")
	}
	next := d.bulkIn[0]
	d.bulkIn = d.bulkIn[1:]
	n := copy(buf, next)
	return n, nil
}

func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return d.closeErr
}

// Finder hands out a fixed set of devices keyed by "vendor:product",
// simulating re-enumeration: each call to Find consumes one entry so a
// test can model a device disappearing and reappearing with a new
// identity across a reset.
type Finder struct {
	mu   sync.Mutex
	next map[string][]*Device
}

// NewFinder creates an empty scripted finder.
func NewFinder() *Finder {
	return &Finder{next: make(map[string][]*Device)}
}

// Enqueue arranges for the next matching Find(vendor, product) call to
// return dev.
func (f *Finder) Enqueue(vendor, product uint16, dev *Device) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := key(vendor, product)
	f.next[key] = append(f.next[key], dev)
}

func (f *Finder) Find(vendor, product uint16) (transport.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := key(vendor, product)
	q := f.next[key]
	if len(q) == 0 {
		return nil, transport.ErrNotFound
	}
	f.next[key] = q[1:]
	return q[0], nil
}

func key(vendor, product uint16) string {
	return fmt.Sprintf("%04x:%04x", vendor, product)
}
