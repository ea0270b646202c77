package image

import "io"

// Item is a seekable byte-range view over one item in a Pack's
// underlying file. Its cursor is not safe for concurrent use by
// multiple goroutines, but reads against the shared file handle are
// serialized by the owning Pack.
type Item struct {
	pack *Pack

	id          uint32
	fileType    FileType
	offsetInImg uint64
	size        uint64
	curOffset   uint64
	mainType    string
	subType     string
	verify      bool
	isBackup    bool
	backupID    uint16
}

// ID returns the item's descriptor id.
func (it *Item) ID() uint32 { return it.id }

// MainType returns the item's main-type string (e.g. "PARTITION").
func (it *Item) MainType() string { return it.mainType }

// SubType returns the item's sub-type string (e.g. "bootloader").
func (it *Item) SubType() string { return it.subType }

// FileType returns Normal or Sparse.
func (it *Item) FileType() FileType { return it.fileType }

// IsVerify reports whether this item's verify flag is set.
func (it *Item) IsVerify() bool { return it.verify }

// IsBackup reports whether this item is a backup copy.
func (it *Item) IsBackup() bool { return it.isBackup }

// BackupID returns the backup group id.
func (it *Item) BackupID() uint16 { return it.backupID }

// Size returns the item's total byte length.
func (it *Item) Size() uint64 { return it.size }

// Tell returns the current read cursor, relative to the start of the
// item.
func (it *Item) Tell() uint64 { return it.curOffset }

// Seek moves the cursor per io.Seek{Start,Current,End} semantics,
// clamped to [0, Size()]. A negative io.SeekStart offset is rejected
// with an error; every other out-of-range result is clamped instead of
// failing, matching pyamlboot's amlimage.py behavior.
func (it *Item) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		if offset < 0 {
			return int64(it.curOffset), errNegativeSeek
		}
		target = offset
	case io.SeekCurrent:
		target = int64(it.curOffset) + offset
		if target < 0 {
			target = 0
		}
	case io.SeekEnd:
		target = int64(it.size) + offset
		if target < 0 {
			target = 0
		}
	default:
		return int64(it.curOffset), errBadWhence
	}
	if target > int64(it.size) {
		target = int64(it.size)
	}
	it.curOffset = uint64(target)
	return target, nil
}

// Read reads up to n bytes starting at the current cursor and advances
// it. n == -1 means "read to end of item". The read is always clamped
// to the item's window even if n would overrun it.
func (it *Item) Read(n int) ([]byte, error) {
	remaining := it.size - it.curOffset
	var want uint64
	if n < 0 || uint64(n) > remaining {
		want = remaining
	} else {
		want = uint64(n)
	}
	if want == 0 {
		return nil, nil
	}
	buf := make([]byte, want)
	if err := it.pack.readAt(it.offsetInImg+it.curOffset, buf); err != nil {
		return nil, err
	}
	it.curOffset += want
	return buf, nil
}

// ReadAll reads the remainder of the item from the current cursor.
func (it *Item) ReadAll() ([]byte, error) {
	return it.Read(-1)
}

var (
	errNegativeSeek = seekError("negative seek position")
	errBadWhence    = seekError("unsupported whence value")
)

type seekError string

func (e seekError) Error() string { return string(e) }
