package dispatch

import (
	"strings"
	"testing"

	"github.com/jethome-iot/amlboot/internal/imagetest"
	"github.com/jethome-iot/amlboot/internal/usbmock"
)

func TestRunSelectsADNLWhenUSBFlowPresent(t *testing.T) {
	path := imagetest.Build(t, []imagetest.Item{
		{Main: "aml", Sub: "usb_flow", Payload: []byte("1")},
	})

	err := Run(Options{ImagePath: path, Finder: usbmock.NewFinder()})
	if err == nil || !strings.Contains(err.Error(), "adnl:") {
		t.Fatalf("expected an adnl-engine error, got %v", err)
	}
}

func TestRunSelectsOptimusWhenUSBFlowAbsent(t *testing.T) {
	platformText := "Platform:1\nDDRLoad:0x200000\nDDRRun:0x200000\nControl0=0xc110419c:0xb1\nControl1=0xc1104174:0x5183\n"
	path := imagetest.Build(t, []imagetest.Item{
		{Main: "conf", Sub: "platform", Payload: []byte(platformText)},
	})

	err := Run(Options{ImagePath: path, Finder: usbmock.NewFinder()})
	if err == nil || !strings.Contains(err.Error(), "optimus:") {
		t.Fatalf("expected an optimus-engine error, got %v", err)
	}
}

func TestRunFailsWithoutPlatformDescriptor(t *testing.T) {
	path := imagetest.Build(t, []imagetest.Item{
		{Main: "PARTITION", Sub: "bootloader", Payload: []byte{0x01}},
	})

	err := Run(Options{ImagePath: path, Finder: usbmock.NewFinder()})
	if err == nil || !strings.Contains(err.Error(), "conf/platform") {
		t.Fatalf("expected a missing-platform error, got %v", err)
	}
}
