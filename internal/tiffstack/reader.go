package tiffstack

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/banshee-data/mesofield/internal/fsutil"
)

// maxPages bounds the IFD walk so a corrupt chain cannot loop forever.
const maxPages = 1 << 24

// ReadPages decodes every page of a little-endian TIFF or BigTIFF written
// as uncompressed 16-bit single-strip grayscale.
func ReadPages(r io.ReaderAt) ([]Page, error) {
	hdr := make([]byte, 16)
	if _, err := r.ReadAt(hdr[:8], 0); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrFormat, err)
	}
	if string(hdr[:2]) != "II" {
		return nil, fmt.Errorf("%w: only little-endian files are supported", ErrFormat)
	}

	var l layout
	switch le.Uint16(hdr[2:]) {
	case 42:
	case 43:
		l.big = true
		if _, err := r.ReadAt(hdr[8:16], 8); err != nil {
			return nil, fmt.Errorf("%w: bigtiff header: %v", ErrFormat, err)
		}
	default:
		return nil, fmt.Errorf("%w: bad magic %d", ErrFormat, le.Uint16(hdr[2:]))
	}

	next := l.offset(hdr[l.firstIFDPointer():])
	seen := make(map[uint64]bool)
	var pages []Page
	for next != 0 {
		if seen[next] || len(pages) >= maxPages {
			return pages, fmt.Errorf("%w: IFD chain loops at offset %d", ErrFormat, next)
		}
		seen[next] = true

		page, following, err := readIFD(r, l, int64(next))
		if err != nil {
			return pages, fmt.Errorf("page %d: %w", len(pages), err)
		}
		pages = append(pages, page)
		next = following
	}
	return pages, nil
}

// ReadFile opens name on fsys and decodes every page.
func ReadFile(fsys fsutil.FileSystem, name string) ([]Page, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadPages(f)
}

func readIFD(r io.ReaderAt, l layout, at int64) (Page, uint64, error) {
	countBuf := make([]byte, l.countSize())
	if _, err := r.ReadAt(countBuf, at); err != nil {
		return Page{}, 0, fmt.Errorf("%w: IFD count: %v", ErrFormat, err)
	}
	var n uint64
	if l.big {
		n = le.Uint64(countBuf)
	} else {
		n = uint64(le.Uint16(countBuf))
	}
	if n == 0 || n > 4096 {
		return Page{}, 0, fmt.Errorf("%w: %d IFD entries", ErrFormat, n)
	}

	body := make([]byte, int(n)*l.entrySize()+l.offsetSize())
	if _, err := r.ReadAt(body, at+int64(l.countSize())); err != nil {
		return Page{}, 0, fmt.Errorf("%w: IFD body: %v", ErrFormat, err)
	}

	var (
		page             Page
		stripOff, stripN uint64
		bits             uint64 = 16
		compression      uint64 = 1
	)
	for i := 0; i < int(n); i++ {
		rec := body[i*l.entrySize() : (i+1)*l.entrySize()]
		tag := le.Uint16(rec[0:])
		typ := le.Uint16(rec[2:])
		var count uint64
		var field []byte
		if l.big {
			count = le.Uint64(rec[4:])
			field = rec[12:20]
		} else {
			count = uint64(le.Uint32(rec[4:]))
			field = rec[8:12]
		}
		data, err := entryData(r, l, typ, count, field)
		if err != nil {
			return Page{}, 0, fmt.Errorf("tag %d: %w", tag, err)
		}

		switch tag {
		case tagImageWidth:
			page.Width = int(firstUint(typ, data))
		case tagImageLength:
			page.Height = int(firstUint(typ, data))
		case tagBitsPerSample:
			bits = firstUint(typ, data)
		case tagCompression:
			compression = firstUint(typ, data)
		case tagStripOffsets:
			if count != 1 {
				return Page{}, 0, fmt.Errorf("%w: %d strips", ErrFormat, count)
			}
			stripOff = firstUint(typ, data)
		case tagStripByteCounts:
			stripN = firstUint(typ, data)
		case tagImageDescription:
			page.Description = asciiValue(data)
		case tagSoftware:
			page.Software = asciiValue(data)
		case tagDateTime:
			if ts, err := time.Parse(dateTimeLayout, asciiValue(data)); err == nil {
				page.DateTime = ts
			}
		}
	}

	if bits != 16 || compression != 1 {
		return Page{}, 0, fmt.Errorf("%w: %d-bit compression=%d", ErrFormat, bits, compression)
	}
	if page.Width <= 0 || page.Height <= 0 || stripN != uint64(page.Width*page.Height*2) {
		return Page{}, 0, fmt.Errorf("%w: %dx%d page with %d strip bytes", ErrFormat, page.Width, page.Height, stripN)
	}

	raw := make([]byte, stripN)
	if _, err := r.ReadAt(raw, int64(stripOff)); err != nil {
		return Page{}, 0, fmt.Errorf("%w: pixel data: %v", ErrFormat, err)
	}
	page.Pixels = make([]uint16, page.Width*page.Height)
	for i := range page.Pixels {
		page.Pixels[i] = le.Uint16(raw[2*i:])
	}

	return page, l.offset(body[len(body)-l.offsetSize():]), nil
}

func entryData(r io.ReaderAt, l layout, typ uint16, count uint64, field []byte) ([]byte, error) {
	size := typeSize(typ)
	if size == 0 {
		// Unknown types are skipped; none of the tags read here use them.
		return nil, nil
	}
	total := uint64(size) * count
	if total <= uint64(l.inline()) {
		return field[:total], nil
	}
	if total > 1<<30 {
		return nil, fmt.Errorf("%w: %d byte value", ErrFormat, total)
	}
	data := make([]byte, total)
	if _, err := r.ReadAt(data, int64(l.offset(field))); err != nil {
		return nil, fmt.Errorf("%w: value: %v", ErrFormat, err)
	}
	return data, nil
}

func firstUint(typ uint16, data []byte) uint64 {
	switch {
	case typ == typeShort && len(data) >= 2:
		return uint64(le.Uint16(data))
	case typ == typeLong && len(data) >= 4:
		return uint64(le.Uint32(data))
	case typ == typeLong8 && len(data) >= 8:
		return le.Uint64(data)
	}
	return 0
}

func asciiValue(data []byte) string {
	return strings.TrimRight(string(data), "\x00")
}
