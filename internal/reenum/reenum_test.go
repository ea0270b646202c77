package reenum

import (
	"testing"
	"time"

	"github.com/jethome-iot/amlboot/internal/transport"
	"github.com/jethome-iot/amlboot/internal/usbmock"
)

// TestWaitForReconnectRejectsSameBusAddress checks that re-enumeration
// at the same bus address must not be accepted.
func TestWaitForReconnectRejectsSameBusAddress(t *testing.T) {
	finder := usbmock.NewFinder()
	oldID := transport.DeviceID{Vendor: 0x1b8e, Product: 0xc004, BusAddress: 5}
	sameAddr := usbmock.New(oldID)
	newAddr := usbmock.New(transport.DeviceID{Vendor: 0x1b8e, Product: 0xc004, BusAddress: 7})

	finder.Enqueue(0x1b8e, 0xc004, sameAddr)
	finder.Enqueue(0x1b8e, 0xc004, newAddr)

	var slept int
	sleep := func(time.Duration) { slept++ }

	dev, err := WaitForReconnect(finder, 0x1b8e, 0xc004, 5, time.Second, sleep)
	if err != nil {
		t.Fatalf("WaitForReconnect: %v", err)
	}
	if dev.ID().BusAddress != 7 {
		t.Fatalf("accepted device at bus address %d, want 7", dev.ID().BusAddress)
	}
	if slept == 0 {
		t.Fatalf("expected at least one poll sleep before accepting the new address")
	}
}

func TestWaitForDisconnectSucceedsWhenNotFound(t *testing.T) {
	finder := usbmock.NewFinder()
	if err := WaitForDisconnect(finder, 0x1b8e, 0xc004, time.Second, func(time.Duration) {}); err != nil {
		t.Fatalf("WaitForDisconnect: %v", err)
	}
}

func TestWaitForReconnectTimesOut(t *testing.T) {
	finder := usbmock.NewFinder()
	var slept time.Duration
	sleep := func(d time.Duration) { slept += DefaultPollInterval }
	_, err := WaitForReconnect(finder, 0x1b8e, 0xc004, -1, 10*time.Millisecond, sleep)
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	_ = slept
}
