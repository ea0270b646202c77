package optimus

import (
	"os"
	"testing"
	"time"

	"github.com/jethome-iot/amlboot/internal/transport"
	"github.com/jethome-iot/amlboot/internal/usbmock"
	"github.com/jethome-iot/amlboot/internal/usbproto"
)

// identifyReply installs a control handler answering every control
// request with an 8-byte identify reply built from the given fields
// (major, minor, stageMajor, stageMinor, needPassword, passwordOK)
// followed by two reserved zero bytes.
func identifyReply(m *usbmock.Device, major, minor, stageMajor, stageMinor, needPassword, passwordOK byte) {
	reply := []byte{major, minor, stageMajor, stageMinor, needPassword, passwordOK, 0, 0}
	m.OnControl(func(req transport.ControlRequest) ([]byte, error) {
		return reply, nil
	})
}

func newState(m *usbmock.Device) *State {
	return &State{Dev: usbproto.New(m)}
}

// TestCheckPasswordRequiresPasswordWhenLocked exercises a locked board
// with no configured password: the step must fail closed instead of
// silently continuing.
func TestCheckPasswordRequiresPasswordWhenLocked(t *testing.T) {
	m := usbmock.New(transport.DeviceID{Vendor: VendorID, Product: ProductID})
	identifyReply(m, 1, 0, 0, 0, 1, 0)

	s := newState(m)
	_, err := CheckPassword{}.Do(s)
	if err == nil {
		t.Fatalf("expected error when board is locked and no password is configured")
	}
}

// TestCheckPasswordSleepsBetweenSendAndReidentify checks that sending
// the password is followed by a passwordSettleDelay sleep before the
// board is re-identified, matching the 2s settle the original tooling
// waits out before trusting a fresh identify reply.
func TestCheckPasswordSleepsBetweenSendAndReidentify(t *testing.T) {
	m := usbmock.New(transport.DeviceID{Vendor: VendorID, Product: ProductID})
	unlocked := false
	m.OnControl(func(req transport.ControlRequest) ([]byte, error) {
		switch req.Request {
		case 0x35: // PASSWORD
			unlocked = true
			return nil, nil
		case 0x20: // IDENTIFY_HOST
			passwordOK := byte(0)
			if unlocked {
				passwordOK = 1
			}
			return []byte{1, 0, 0, 0, 1, passwordOK, 0, 0}, nil
		default:
			return nil, nil
		}
	})

	path := writeTempPassword(t)
	var slept []time.Duration
	s := newState(m)
	s.PasswordPath = path
	s.Sleep = func(d time.Duration) { slept = append(slept, d) }

	if _, err := (CheckPassword{}).Do(s); err != nil {
		t.Fatalf("CheckPassword: %v", err)
	}
	if len(slept) != 1 || slept[0] != passwordSettleDelay {
		t.Fatalf("slept = %v, want exactly one sleep of %v", slept, passwordSettleDelay)
	}
}

func writeTempPassword(t *testing.T) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "password-*")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()
	if _, err := f.Write(make([]byte, 64)); err != nil {
		t.Fatalf("write password: %v", err)
	}
	return f.Name()
}

func TestCheckPasswordSkipsWhenAlreadyUnlocked(t *testing.T) {
	m := usbmock.New(transport.DeviceID{Vendor: VendorID, Product: ProductID})
	identifyReply(m, 1, 0, 0, 0, 1, 1)

	s := newState(m)
	if _, err := (CheckPassword{}).Do(s); err != nil {
		t.Fatalf("CheckPassword: %v", err)
	}
}

// TestCheckBulkCmdPollsThroughContinue checks that Continue:34 replies
// are tolerated with a sleep between polls until a terminal status
// arrives.
func TestCheckBulkCmdPollsThroughContinue(t *testing.T) {
	m := usbmock.New(transport.DeviceID{Vendor: VendorID, Product: ProductID})
	m.QueueBulkRead([]byte("Continue:34 still working"))
	m.QueueBulkRead([]byte("Continue:34 still working"))
	m.QueueBulkRead([]byte("success"))

	dev := usbproto.New(m)
	var slept int
	sleep := func(time.Duration) { slept++ }
	if err := checkBulkCmd(dev, "disk_initial 0", "success", 10*time.Second, sleep); err != nil {
		t.Fatalf("checkBulkCmd: %v", err)
	}
	if slept != 2 {
		t.Fatalf("slept %d times, want 2", slept)
	}
}

// scriptedFinder returns ErrNotFound until exhausted, then hands back
// devs in order on every subsequent call — enough to drive
// reenum.WaitForDisconnect (first call, not-found) immediately followed
// by reenum.WaitForReconnect (second call, a fresh device).
type scriptedFinder struct {
	notFoundCalls int
	devs          []*usbmock.Device
}

func (f *scriptedFinder) Find(vendor, product uint16) (transport.Device, error) {
	if f.notFoundCalls > 0 {
		f.notFoundCalls--
		return nil, transport.ErrNotFound
	}
	if len(f.devs) == 0 {
		return nil, transport.ErrNotFound
	}
	dev := f.devs[0]
	f.devs = f.devs[1:]
	return dev, nil
}

// TestReopenSleepsBeforeReacquiringDevice checks that reopen() (the
// path DownloadUboot's reopen=true return takes) waits reopenSettleDelay
// after the device re-enumerates and before it is wrapped in a new
// usbproto.Device, matching the 5s settle the original tooling applies
// after a U-Boot-triggered reset.
func TestReopenSleepsBeforeReacquiringDevice(t *testing.T) {
	oldDev := usbmock.New(transport.DeviceID{Vendor: VendorID, Product: ProductID, BusAddress: 1})
	newDev := usbmock.New(transport.DeviceID{Vendor: VendorID, Product: ProductID, BusAddress: 2})

	finder := &scriptedFinder{notFoundCalls: 1, devs: []*usbmock.Device{newDev}}

	var slept []time.Duration
	s := &State{
		Dev:    usbproto.New(oldDev),
		Finder: finder,
		Sleep:  func(d time.Duration) { slept = append(slept, d) },
	}
	s.lastAddr = 1

	e := &Engine{State: s}
	if err := e.reopen(); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if len(slept) != 1 || slept[0] != reopenSettleDelay {
		t.Fatalf("slept = %v, want exactly one sleep of %v", slept, reopenSettleDelay)
	}
	if s.lastAddr != 2 {
		t.Fatalf("lastAddr = %d, want 2", s.lastAddr)
	}
}

func TestCheckBulkCmdTimesOut(t *testing.T) {
	m := usbmock.New(transport.DeviceID{Vendor: VendorID, Product: ProductID})
	m.QueueBulkRead([]byte("Continue:34 still working"))

	dev := usbproto.New(m)
	sleep := func(time.Duration) {}
	err := checkBulkCmd(dev, "disk_initial 0", "success", 0, sleep)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
}
