package adnl

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/jethome-iot/amlboot/internal/image"
	"github.com/jethome-iot/amlboot/internal/imagetest"
	"github.com/jethome-iot/amlboot/internal/transport"
	"github.com/jethome-iot/amlboot/internal/usbmock"
)

func frame(prefix string, tail ...byte) []byte {
	buf := make([]byte, 4+len(tail))
	copy(buf, prefix)
	copy(buf[4:], tail)
	return buf
}

func cbwFrame(seq, size, offset uint32, end byte) []byte {
	buf := make([]byte, 32)
	binary.LittleEndian.PutUint32(buf[8:12], seq)
	binary.LittleEndian.PutUint32(buf[12:16], size)
	binary.LittleEndian.PutUint32(buf[16:20], offset)
	copy(buf[4:8], "AMLC")
	buf[21] = end
	return buf
}

// TestBl2StageSendsUbootPayloadExactlyOnce checks that three CBWs (two
// chunked requests then an end marker) result in the full U-Boot
// payload being transmitted exactly once, in order.
func TestBl2StageSendsUbootPayloadExactlyOnce(t *testing.T) {
	uboot := bytes.Repeat([]byte{0xCC}, 0x40000)
	path := buildSingleItemImage(t, "USB", "UBOOT", uboot)
	p, err := image.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	m := usbmock.New(transport.DeviceID{Vendor: VendorID, Product: ProductID})
	// identify -> OKAY with stage byte 0 (unused by runBl2Stage beyond
	// acknowledging the reply).
	m.QueueBulkRead(frame(replyOkay, 0x5, 0, 0, 0, 0, 0, 0))
	// burnsteps ack sequence: setvar:burnsteps -> DATA, then OKAY.
	m.QueueBulkRead(frame(replyData))
	m.QueueBulkRead(frame(replyOkay))

	// CBW 1: size=0x20000 offs=0, sent as one download round per
	// bulkChunk-sized piece.
	m.QueueBulkRead(cbwFrame(1, 0x20000, 0, 0))
	for i := 0; i < 0x20000/bulkChunk; i++ {
		m.QueueBulkRead(frame(replyData)) // download: reply
		m.QueueBulkRead(frame(replyOkay)) // data tx reply
	}
	m.QueueBulkRead(frame(replyData)) // setvar:checksum reply
	m.QueueBulkRead(frame(replyOkay)) // checksum ack

	// CBW 2: size=0x20000 offs=0x20000
	m.QueueBulkRead(cbwFrame(2, 0x20000, 0x20000, 0))
	for i := 0; i < 0x20000/bulkChunk; i++ {
		m.QueueBulkRead(frame(replyData))
		m.QueueBulkRead(frame(replyOkay))
	}
	m.QueueBulkRead(frame(replyData))
	m.QueueBulkRead(frame(replyOkay))

	// CBW 3: end
	m.QueueBulkRead(cbwFrame(3, 0, 0, 1))

	e := &Engine{Pack: p}
	if err := e.runBl2Stage(m); err != nil {
		t.Fatalf("runBl2Stage: %v", err)
	}

	writes := m.BulkWrites()
	var payload []byte
	for _, w := range writes {
		if len(w) == bulkChunk {
			payload = append(payload, w...)
		}
	}
	if !bytes.Equal(payload, uboot) {
		t.Fatalf("reassembled U-Boot payload mismatch: got %d bytes, want %d", len(payload), len(uboot))
	}
}

func buildSingleItemImage(t *testing.T, main, sub string, payload []byte) string {
	t.Helper()
	return imagetest.Build(t, []imagetest.Item{
		{Main: main, Sub: sub, Payload: payload},
	})
}

// TestParseCBWRejectsBadMagic checks that a CBW with an invalid magic
// is rejected.
func TestParseCBWRejectsBadMagic(t *testing.T) {
	buf := make([]byte, 32)
	copy(buf[4:8], "NOPE")
	if _, err := parseCBW(buf); err == nil {
		t.Fatalf("expected error for bad CBW magic")
	}
}

func TestParseCBWEndTerminatesWithoutOffsetSize(t *testing.T) {
	buf := cbwFrame(9, 0, 0, 1)
	cbw, err := parseCBW(buf)
	if err != nil {
		t.Fatalf("parseCBW: %v", err)
	}
	if !cbw.End {
		t.Fatalf("expected End=true")
	}
}

// TestBurnPartitionTreatsInfoAsRetry checks that an INFO reply during
// verify is treated as a retry signal rather than a failure.
func TestBurnPartitionTreatsInfoAsRetry(t *testing.T) {
	payload := bytes.Repeat([]byte{0x11}, 16)
	path := imagetest.Build(t, []imagetest.Item{
		{Main: "PARTITION", Sub: "system", Payload: payload, Verify: true},
		{Main: "VERIFY", Sub: "system", Payload: []byte("sha1sum deadbeef")},
	})
	p, err := image.Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer p.Close()

	it, err := p.ItemGet("PARTITION", "system")
	if err != nil {
		t.Fatalf("ItemGet: %v", err)
	}

	m := usbmock.New(transport.DeviceID{Vendor: VendorID, Product: ProductID})
	m.QueueBulkRead(frame(replyOkay))                               // oem mwrite ack
	m.QueueBulkRead(append([]byte("DATAOUT"), []byte("10:0")...))   // DATAOUTx:y (16 bytes hex=0x10)
	m.QueueBulkRead(frame(replyOkay))                               // checksum ack
	m.QueueBulkRead(frame(replyOkay))                               // second poll: done
	m.QueueBulkRead(frame(replyInfo))                               // verify: still computing
	m.QueueBulkRead(frame(replyInfo))                               // verify: still computing
	m.QueueBulkRead(frame(replyOkay))                               // verify: done

	var slept int
	e := &Engine{Pack: p, Sleep: func(time.Duration) { slept++ }}
	if err := e.burnPartition(m, it); err != nil {
		t.Fatalf("burnPartition: %v", err)
	}
	if slept != 2 {
		t.Fatalf("slept %d times waiting on INFO, want 2", slept)
	}
}
