package tiffstack

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/banshee-data/mesofield/internal/fsutil"
)

// Options configures a Writer.
type Options struct {
	// BigTIFF selects 64-bit offsets. Long sessions exceed the classic 4 GiB
	// limit within minutes.
	BigTIFF bool
	// Software is the default Software tag for pages that do not set one.
	Software string
}

// Writer appends pages to a TIFF file. It is not safe for concurrent use.
type Writer struct {
	f        fsutil.File
	l        layout
	software string

	end       int64 // first free byte
	nextPtrAt int64 // where the next page's IFD offset is patched in
	pages     int
	closed    bool
}

// NewWriter writes the file header and returns a writer positioned for the
// first page. The writer owns f and closes it on Close.
func NewWriter(f fsutil.File, opts Options) (*Writer, error) {
	w := &Writer{f: f, l: layout{big: opts.BigTIFF}, software: opts.Software}

	hdr := make([]byte, w.l.headerSize())
	copy(hdr, "II")
	if w.l.big {
		le.PutUint16(hdr[2:], 43)
		le.PutUint16(hdr[4:], 8)
		le.PutUint16(hdr[6:], 0)
	} else {
		le.PutUint16(hdr[2:], 42)
	}
	if _, err := f.WriteAt(hdr, 0); err != nil {
		return nil, fmt.Errorf("write tiff header: %w", err)
	}
	w.end = int64(len(hdr))
	w.nextPtrAt = w.l.firstIFDPointer()
	return w, nil
}

// Pages returns the number of pages linked into the file.
func (w *Writer) Pages() int { return w.pages }

// BigTIFF reports whether the writer uses 64-bit offsets.
func (w *Writer) BigTIFF() bool { return w.l.big }

type entry struct {
	tag   uint16
	typ   uint16
	count uint64
	data  []byte // raw little-endian value
}

func shortEntry(tag uint16, v uint16) entry {
	b := make([]byte, 2)
	le.PutUint16(b, v)
	return entry{tag: tag, typ: typeShort, count: 1, data: b}
}

func longEntry(tag uint16, v uint32) entry {
	b := make([]byte, 4)
	le.PutUint32(b, v)
	return entry{tag: tag, typ: typeLong, count: 1, data: b}
}

func asciiEntry(tag uint16, s string) entry {
	b := append([]byte(s), 0)
	return entry{tag: tag, typ: typeASCII, count: uint64(len(b)), data: b}
}

// WritePage appends one page. On error nothing is linked and the writer
// stays usable; the next page overwrites the failed attempt.
func (w *Writer) WritePage(p Page) error {
	if w.closed {
		return ErrClosed
	}
	if err := p.validate(); err != nil {
		return err
	}
	if p.Software == "" {
		p.Software = w.software
	}
	if p.DateTime.IsZero() {
		p.DateTime = time.Now()
	}

	base := w.end
	pixelBytes := len(p.Pixels) * 2

	entries := []entry{
		longEntry(tagImageWidth, uint32(p.Width)),
		longEntry(tagImageLength, uint32(p.Height)),
		shortEntry(tagBitsPerSample, 16),
		shortEntry(tagCompression, 1),
		shortEntry(tagPhotometric, 1),
		shortEntry(tagSamplesPerPixel, 1),
		longEntry(tagRowsPerStrip, uint32(p.Height)),
		shortEntry(tagPlanarConfig, 1),
		shortEntry(tagSampleFormat, 1),
		asciiEntry(tagDateTime, p.DateTime.Format(dateTimeLayout)),
	}
	if p.Description != "" {
		entries = append(entries, asciiEntry(tagImageDescription, p.Description))
	}
	if p.Software != "" {
		entries = append(entries, asciiEntry(tagSoftware, p.Software))
	}
	offBuf := make([]byte, w.l.offsetSize())
	w.l.putOffset(offBuf, uint64(base))
	entries = append(entries, entry{tag: tagStripOffsets, typ: w.l.offsetType(), count: 1, data: offBuf})
	cntBuf := make([]byte, w.l.offsetSize())
	w.l.putOffset(cntBuf, uint64(pixelBytes))
	entries = append(entries, entry{tag: tagStripByteCounts, typ: w.l.offsetType(), count: 1, data: cntBuf})
	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })

	// Size the page: pixels, out-of-line values, then the IFD.
	size := pad(pixelBytes)
	for _, e := range entries {
		if len(e.data) > w.l.inline() {
			size += pad(len(e.data))
		}
	}
	ifdAt := size
	ifdSize := w.l.countSize() + len(entries)*w.l.entrySize() + w.l.offsetSize()
	size += ifdSize

	if !w.l.big && base+int64(size) > math.MaxUint32 {
		return ErrTooLarge
	}

	buf := make([]byte, size)
	for i, v := range p.Pixels {
		le.PutUint16(buf[2*i:], v)
	}

	extra := pad(pixelBytes)
	ifd := buf[ifdAt:]
	if w.l.big {
		le.PutUint64(ifd, uint64(len(entries)))
	} else {
		le.PutUint16(ifd, uint16(len(entries)))
	}
	pos := w.l.countSize()
	for _, e := range entries {
		rec := ifd[pos : pos+w.l.entrySize()]
		le.PutUint16(rec[0:], e.tag)
		le.PutUint16(rec[2:], e.typ)
		var field []byte
		if w.l.big {
			le.PutUint64(rec[4:], e.count)
			field = rec[12:20]
		} else {
			le.PutUint32(rec[4:], uint32(e.count))
			field = rec[8:12]
		}
		if len(e.data) <= w.l.inline() {
			copy(field, e.data)
		} else {
			copy(buf[extra:], e.data)
			w.l.putOffset(field, uint64(base)+uint64(extra))
			extra += pad(len(e.data))
		}
		pos += w.l.entrySize()
	}
	// The trailing next-IFD offset stays zero until another page links in.

	if _, err := w.f.WriteAt(buf, base); err != nil {
		return fmt.Errorf("write page %d: %w", w.pages, err)
	}
	link := make([]byte, w.l.offsetSize())
	w.l.putOffset(link, uint64(base)+uint64(ifdAt))
	if _, err := w.f.WriteAt(link, w.nextPtrAt); err != nil {
		return fmt.Errorf("link page %d: %w", w.pages, err)
	}

	w.nextPtrAt = base + int64(ifdAt) + int64(ifdSize-w.l.offsetSize())
	w.end = base + int64(size)
	w.pages++
	return nil
}

// Close closes the underlying file. It is idempotent.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.f.Close()
}

func pad(n int) int {
	return n + n&1
}
