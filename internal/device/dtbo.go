package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// DtTableMagic identifies a device-tree table image.
const DtTableMagic = 0xd7b7ab1e

// Fixed record sizes of the v0 table format. The header's own
// header_size field must agree with dtTableHeaderSize.
const (
	dtTableHeaderSize = 32
	dtTableEntrySize  = 32
)

// ErrCorruptHeader is returned when the table header fails structural
// validation.
var ErrCorruptHeader = errors.New("corrupt device tree table header")

// ErrArithmeticOverflow is returned when an entry offset computation
// would overflow instead of being allowed to wrap.
var ErrArithmeticOverflow = errors.New("arithmetic overflow in entry offset")

// IndexOutOfRangeError reports an overlay index past the table's entry
// count.
type IndexOutOfRangeError struct {
	Index uint32
	Count uint32
}

func (e *IndexOutOfRangeError) Error() string {
	return fmt.Sprintf("dtbo index %d out of range (entry count %d)", e.Index, e.Count)
}

// DtTableHeader is the fixed-size big-endian table header.
type DtTableHeader struct {
	Magic         uint32
	TotalSize     uint32
	HeaderSize    uint32
	EntrySize     uint32
	EntryCount    uint32
	EntriesOffset uint32
	PageSize      uint32
	Version       uint32
}

// DtTableEntry is one fixed-size big-endian table entry. Size and
// Offset are relative to the start of the header; the remaining fields
// are reserved and expected to be zero (documented, not enforced).
type DtTableEntry struct {
	Size   uint32
	Offset uint32
	ID     uint32
	Rev    uint32
	Custom [4]uint32
}

// decodeHeader parses a header record field by field from raw bytes.
func decodeHeader(buf []byte) DtTableHeader {
	return DtTableHeader{
		Magic:         binary.BigEndian.Uint32(buf[0:4]),
		TotalSize:     binary.BigEndian.Uint32(buf[4:8]),
		HeaderSize:    binary.BigEndian.Uint32(buf[8:12]),
		EntrySize:     binary.BigEndian.Uint32(buf[12:16]),
		EntryCount:    binary.BigEndian.Uint32(buf[16:20]),
		EntriesOffset: binary.BigEndian.Uint32(buf[20:24]),
		PageSize:      binary.BigEndian.Uint32(buf[24:28]),
		Version:       binary.BigEndian.Uint32(buf[28:32]),
	}
}

func decodeEntry(buf []byte) DtTableEntry {
	e := DtTableEntry{
		Size:   binary.BigEndian.Uint32(buf[0:4]),
		Offset: binary.BigEndian.Uint32(buf[4:8]),
		ID:     binary.BigEndian.Uint32(buf[8:12]),
		Rev:    binary.BigEndian.Uint32(buf[12:16]),
	}
	for i := range e.Custom {
		e.Custom[i] = binary.BigEndian.Uint32(buf[16+4*i : 20+4*i])
	}
	return e
}

// Extractor reads device-tree overlay blobs out of a raw table image,
// typically a block device.
type Extractor struct {
	r      io.ReadSeeker
	header DtTableHeader
}

// NewExtractor reads and validates the table header at the start of r.
func NewExtractor(r io.ReadSeeker) (*Extractor, error) {
	buf, err := readAt(r, dtTableHeaderSize, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptHeader, err)
	}

	header := decodeHeader(buf)
	if header.Magic != DtTableMagic {
		return nil, fmt.Errorf("%w: magic %#x", ErrCorruptHeader, header.Magic)
	}
	if header.HeaderSize != dtTableHeaderSize {
		return nil, fmt.Errorf("%w: header size %d", ErrCorruptHeader, header.HeaderSize)
	}

	return &Extractor{r: r, header: header}, nil
}

// Header returns the validated table header.
func (e *Extractor) Header() DtTableHeader {
	return e.header
}

// EntryCount returns the number of overlay entries in the table.
func (e *Extractor) EntryCount() uint32 {
	return e.header.EntryCount
}

// Entry reads and decodes the table entry at index.
func (e *Extractor) Entry(index uint32) (DtTableEntry, error) {
	if index >= e.header.EntryCount {
		return DtTableEntry{}, &IndexOutOfRangeError{Index: index, Count: e.header.EntryCount}
	}

	offset := uint64(e.header.EntrySize) * uint64(index)
	offset += uint64(e.header.EntriesOffset)
	if offset > math.MaxUint32 {
		return DtTableEntry{}, ErrArithmeticOverflow
	}

	buf, err := readAt(e.r, dtTableEntrySize, int64(offset))
	if err != nil {
		return DtTableEntry{}, fmt.Errorf("entry %d: %w", index, err)
	}
	return decodeEntry(buf), nil
}

// ExtractEntry returns the overlay blob assigned to index, verbatim.
// The content is not interpreted here.
func (e *Extractor) ExtractEntry(index uint32) ([]byte, error) {
	entry, err := e.Entry(index)
	if err != nil {
		return nil, err
	}
	blob, err := readAt(e.r, int(entry.Size), int64(entry.Offset))
	if err != nil {
		return nil, fmt.Errorf("entry %d blob: %w", index, err)
	}
	return blob, nil
}

// readAt seeks to offset and reads exactly size bytes.
func readAt(r io.ReadSeeker, size int, offset int64) ([]byte, error) {
	if _, err := r.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("seek to %d: %w", offset, err)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("read %d bytes at %d: %w", size, offset, err)
	}
	return buf, nil
}

// PropertyFunc looks up a system property, reporting whether it is set.
type PropertyFunc func(name string) (string, bool)

// slotSuffixProperty selects the boot slot whose DTBO partition holds
// the overlays for this boot.
const slotSuffixProperty = "ro.boot.slot_suffix"

// ImagePath resolves the DTBO partition block device for the current
// boot slot.
func ImagePath(props PropertyFunc) (string, error) {
	suffix, ok := props(slotSuffixProperty)
	if !ok {
		return "", fmt.Errorf("property %s is not set", slotSuffixProperty)
	}
	return fmt.Sprintf("/dev/block/by-name/dtbo%s", suffix), nil
}
