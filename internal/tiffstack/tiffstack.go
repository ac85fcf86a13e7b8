// Package tiffstack streams 16-bit grayscale frames into a multi-page TIFF
// or BigTIFF container and reads them back.
//
// Pages are appended at the end of the file and linked by patching the
// previous page's next-IFD pointer after the page itself is on disk, so a
// failed append leaves every earlier page readable.
package tiffstack

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// TIFF field types.
const (
	typeASCII = 2
	typeShort = 3
	typeLong  = 4
	typeLong8 = 16
)

// Baseline and extension tags written for every page.
const (
	tagImageWidth       = 256
	tagImageLength      = 257
	tagBitsPerSample    = 258
	tagCompression      = 259
	tagPhotometric      = 262
	tagImageDescription = 270
	tagStripOffsets     = 273
	tagSamplesPerPixel  = 277
	tagRowsPerStrip     = 278
	tagStripByteCounts  = 279
	tagPlanarConfig     = 284
	tagSoftware         = 305
	tagDateTime         = 306
	tagSampleFormat     = 339
)

const dateTimeLayout = "2006:01:02 15:04:05"

var (
	// ErrTooLarge is returned when a page would push a classic TIFF past the
	// 4 GiB offset limit.
	ErrTooLarge = errors.New("classic TIFF limited to 4 GiB; use BigTIFF")
	// ErrClosed is returned by writes after Close.
	ErrClosed = errors.New("tiff writer closed")
	// ErrFormat reports a file this package cannot read.
	ErrFormat = errors.New("malformed or unsupported TIFF")
)

var le = binary.LittleEndian

// Page is one 16-bit grayscale frame.
type Page struct {
	Width       int
	Height      int
	Pixels      []uint16
	Description string
	Software    string
	DateTime    time.Time
}

func (p Page) validate() error {
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("invalid page shape %dx%d", p.Width, p.Height)
	}
	if len(p.Pixels) != p.Width*p.Height {
		return fmt.Errorf("%d pixels for %dx%d page", len(p.Pixels), p.Width, p.Height)
	}
	return nil
}

// layout captures the differences between classic TIFF and BigTIFF.
type layout struct {
	big bool
}

func (l layout) headerSize() int64 {
	if l.big {
		return 16
	}
	return 8
}

// firstIFDPointer is the header offset of the first-IFD pointer.
func (l layout) firstIFDPointer() int64 {
	if l.big {
		return 8
	}
	return 4
}

func (l layout) inline() int {
	if l.big {
		return 8
	}
	return 4
}

func (l layout) entrySize() int {
	if l.big {
		return 20
	}
	return 12
}

func (l layout) countSize() int {
	if l.big {
		return 8
	}
	return 2
}

func (l layout) offsetSize() int {
	if l.big {
		return 8
	}
	return 4
}

func (l layout) offsetType() uint16 {
	if l.big {
		return typeLong8
	}
	return typeLong
}

func (l layout) putOffset(b []byte, v uint64) {
	if l.big {
		le.PutUint64(b, v)
		return
	}
	le.PutUint32(b, uint32(v))
}

func (l layout) offset(b []byte) uint64 {
	if l.big {
		return le.Uint64(b)
	}
	return uint64(le.Uint32(b))
}

func typeSize(t uint16) int {
	switch t {
	case typeASCII:
		return 1
	case typeShort:
		return 2
	case typeLong:
		return 4
	case typeLong8:
		return 8
	}
	return 0
}
