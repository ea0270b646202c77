package optimus

import (
	"fmt"
	"strings"
	"time"

	"github.com/jethome-iot/amlboot/internal/amlerr"
	"github.com/jethome-iot/amlboot/internal/image"
	"github.com/jethome-iot/amlboot/internal/usbproto"
)

// DownloadMedia streams one partition or dtb item to the device over
// the bulk write-media protocol, then verifies it if the item's verify
// flag is set and it carries a VERIFY counterpart.
type DownloadMedia struct {
	Item   *image.Item
	Verify *image.Item
}

func (m DownloadMedia) Name() string {
	return fmt.Sprintf("download %s.%s", m.Item.MainType(), m.Item.SubType())
}

func mediaTypeFor(main string) string {
	if main == "dtb" {
		return "mem"
	}
	return "store"
}

func (m DownloadMedia) Do(s *State) (bool, error) {
	partName := m.Item.SubType()
	mediaType := mediaTypeFor(m.Item.MainType())
	cmd := fmt.Sprintf("download %s %s %s %d", mediaType, partName, m.Item.FileType(), m.Item.Size())
	if err := checkTplCmd(s.Dev, cmd, "success"); err != nil {
		return false, err
	}

	if err := streamMedia(s, m.Item); err != nil {
		return false, err
	}
	if err := checkBulkCmd(s.Dev, "download get_status", "success", bulkCmdDefaultTimeout, s.sleep()); err != nil {
		return false, err
	}

	if m.Item.IsVerify() && m.Verify != nil {
		data, err := m.Verify.ReadAll()
		if err != nil {
			return false, err
		}
		args := strings.TrimSpace(string(data))
		if err := checkBulkCmd(s.Dev, "verify "+args, "success", mediaVerifyTimeout, s.sleep()); err != nil {
			return false, err
		}
	}
	return false, nil
}

func streamMedia(s *State, it *image.Item) error {
	seq := uint32(0)
	for {
		data, err := it.Read(mediaBlockSize)
		if err != nil {
			return err
		}
		if len(data) == 0 {
			break
		}
		if err := writeMediaBlock(s, data, seq); err != nil {
			return err
		}
		seq++
	}
	return nil
}

// writeMediaBlock bulk-writes one block and polls the status frame
// that follows, tolerating "Continue:32" replies for up to
// mediaPollTimeout; a poll that outlasts it fails with a TimeoutError.
// A final status other than "OK!!" resends the block, up to
// mediaRetryLimit times.
func writeMediaBlock(s *State, data []byte, seq uint32) error {
	for attempt := 0; ; attempt++ {
		if _, err := s.Dev.Transport().BulkWrite(data, usbproto.DefaultTimeout); err != nil {
			return err
		}

		ok, err := pollMediaAck(s)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}

		if attempt >= mediaRetryLimit {
			return &amlerr.ProtocolError{Want: "OK!!", Got: fmt.Sprintf("media block %d rejected after %d retries", seq, mediaRetryLimit)}
		}
		s.sleep()(mediaRetryBackoff)
	}
}

func pollMediaAck(s *State) (bool, error) {
	deadline := time.Now().Add(mediaPollTimeout)
	buf := make([]byte, mediaAckLen)
	for {
		n, err := s.Dev.Transport().BulkRead(buf, usbproto.DefaultTimeout)
		if err != nil {
			return false, err
		}
		got := buf[:n]
		if !hasPrefix(got, "Continue:32") {
			return hasPrefix(got, "OK!!"), nil
		}
		if time.Now().After(deadline) {
			return false, &amlerr.TimeoutError{Op: "media block ack"}
		}
		s.sleep()(continuePollInterval)
	}
}
