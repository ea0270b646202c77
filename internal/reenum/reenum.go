// Package reenum implements the device-reacquisition dance both
// protocol engines need across a reset or mode change: release the
// handle, wait for the device to drop off the bus, then wait for it to
// reappear — rejecting an enumeration that still carries the previous
// bus address.
package reenum

import (
	"time"

	"github.com/jethome-iot/amlboot/internal/amlerr"
	"github.com/jethome-iot/amlboot/internal/transport"
)

// DefaultPollInterval is how often Find is retried while waiting for a
// disconnect or reconnect.
const DefaultPollInterval = 200 * time.Millisecond

// Sleeper abstracts time.Sleep so tests can run the polling loops
// without actually waiting.
type Sleeper func(time.Duration)

// WaitForDisconnect polls finder until vendor:product no longer
// enumerates, or returns a TimeoutError once deadline elapses.
func WaitForDisconnect(finder transport.Finder, vendor, product uint16, deadline time.Duration, sleep Sleeper) error {
	if sleep == nil {
		sleep = time.Sleep
	}
	elapsed := time.Duration(0)
	for {
		dev, err := finder.Find(vendor, product)
		if err == transport.ErrNotFound {
			return nil
		}
		if err == nil {
			dev.Close()
		}
		if elapsed >= deadline {
			return &amlerr.TimeoutError{Op: "wait for device disconnect"}
		}
		sleep(DefaultPollInterval)
		elapsed += DefaultPollInterval
	}
}

// WaitForReconnect polls finder until vendor:product enumerates again
// with a bus address different from excludeBusAddress (pass -1 to
// accept any address), or returns a TimeoutError once deadline elapses.
func WaitForReconnect(finder transport.Finder, vendor, product uint16, excludeBusAddress int, deadline time.Duration, sleep Sleeper) (transport.Device, error) {
	if sleep == nil {
		sleep = time.Sleep
	}
	elapsed := time.Duration(0)
	for {
		dev, err := finder.Find(vendor, product)
		if err == nil {
			if dev.ID().BusAddress != excludeBusAddress {
				return dev, nil
			}
			dev.Close()
		} else if err != transport.ErrNotFound {
			return nil, err
		}
		if elapsed >= deadline {
			return nil, &amlerr.TimeoutError{Op: "wait for device reconnect"}
		}
		sleep(DefaultPollInterval)
		elapsed += DefaultPollInterval
	}
}
