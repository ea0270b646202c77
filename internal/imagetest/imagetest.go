// Package imagetest builds minimal composite images in memory for use
// by other packages' tests (internal/adnl, internal/optimus), so each
// engine's tests can construct a realistic aml_upgrade_package.img
// without duplicating the byte-layout logic that internal/image itself
// already tests against.
package imagetest

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// Item describes one item to embed in a built test image.
type Item struct {
	Main, Sub string
	Payload   []byte
	Verify    bool
}

const (
	itemSize    = 128
	mainSubLen  = 32
	headerSize  = 64
	reservedLen = 36
	magic       = 0x27B51956
)

// Build writes a v1 composite image containing items and returns its
// path.
func Build(t *testing.T, items []Item) string {
	t.Helper()

	tableLen := itemSize * len(items)
	offsets := make([]uint64, len(items))
	cursor := uint64(headerSize + tableLen)
	for i, it := range items {
		offsets[i] = cursor
		cursor += uint64(len(it.Payload))
	}
	totalSize := cursor

	buf := make([]byte, 0, totalSize)
	put32 := func(v uint32) {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		buf = append(buf, b[:]...)
	}
	put64 := func(v uint64) {
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], v)
		buf = append(buf, b[:]...)
	}
	putPadded := func(s string, n int) {
		b := make([]byte, n)
		copy(b, s)
		buf = append(buf, b...)
	}

	put32(0)     // crc
	put32(1)     // version
	put32(magic) // magic
	put64(totalSize)
	put32(0x1000)
	put32(uint32(len(items)))
	buf = append(buf, make([]byte, reservedLen)...)

	for i, it := range items {
		put32(uint32(i + 1)) // id
		put32(0)             // file_type: normal
		put64(0)             // cur_offset
		put64(offsets[i])
		put64(uint64(len(it.Payload)))
		putPadded(it.Main, mainSubLen)
		putPadded(it.Sub, mainSubLen)
		if it.Verify {
			put32(1)
		} else {
			put32(0)
		}
		buf = append(buf, 0, 0) // is_backup
		buf = append(buf, 0, 0) // backup_id
		buf = append(buf, make([]byte, 24)...)
	}
	for _, it := range items {
		buf = append(buf, it.Payload...)
	}

	path := filepath.Join(t.TempDir(), "aml_upgrade_package.img")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatalf("write test image: %v", err)
	}
	return path
}
