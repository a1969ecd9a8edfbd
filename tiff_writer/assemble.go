package tiff_writer

import (
	"encoding/binary"
	"fmt"
	"math"
)

const leHeader = "II\x2A\x00"

const (
	tagStripOffsets   = 273
	tagXResolution    = 282
	tagYResolution    = 283
	tagResolutionUnit = 296

	typeShort    = 3
	typeLong     = 4
	typeRational = 5

	unitCentimeter = 3
)

// Value sizes of the baseline field types.
var typeSizes = map[uint16]uint32{
	1:            1, // BYTE
	2:            1, // ASCII
	typeShort:    2,
	typeLong:     4,
	typeRational: 8,
}

// assemble merges single-page little-endian TIFF encodings into one
// multi-page file. Pages keep their internal layout; every file offset
// is rebased to the page's new position, the IFDs are chained, and the
// resolution tags are overwritten with the pixel scale in px/cm.
func assemble(pages [][]byte, res Resolution) ([]byte, error) {
	size := 8
	for _, p := range pages {
		size += len(p) - 8 + 1
	}
	out := make([]byte, 8, size)
	copy(out, leHeader)

	xn, xd := pxPerCm(res.XPerMicron)
	yn, yd := pxPerCm(res.YPerMicron)

	// Offset of the pointer the next page's IFD must be linked into;
	// starts at the file header's IFD offset field.
	prevLink := 4
	for pageNo, page := range pages {
		if len(page) < 8 || string(page[0:4]) != leHeader {
			return nil, fmt.Errorf("page %d: not a little-endian TIFF encoding", pageNo)
		}
		if len(out)%2 == 1 {
			out = append(out, 0) // keep offsets word-aligned
		}
		base := len(out)
		delta := uint32(base - 8)
		out = append(out, page[8:]...)

		ifdPos := int(binary.LittleEndian.Uint32(page[4:8])) + int(delta)
		if ifdPos < 8 || ifdPos+2 > len(out) {
			return nil, fmt.Errorf("page %d: IFD offset out of range", pageNo)
		}
		count := int(binary.LittleEndian.Uint16(out[ifdPos:]))
		if ifdPos+2+12*count+4 > len(out) {
			return nil, fmt.Errorf("page %d: truncated IFD", pageNo)
		}

		binary.LittleEndian.PutUint32(out[prevLink:], uint32(ifdPos))

		for i := 0; i < count; i++ {
			e := ifdPos + 2 + 12*i
			tag := binary.LittleEndian.Uint16(out[e:])
			typ := binary.LittleEndian.Uint16(out[e+2:])
			cnt := binary.LittleEndian.Uint32(out[e+4:])
			if typeSizes[typ]*cnt > 4 {
				// Out-of-line value: rebase its pointer.
				binary.LittleEndian.PutUint32(out[e+8:], binary.LittleEndian.Uint32(out[e+8:])+delta)
			}
			var err error
			switch tag {
			case tagStripOffsets:
				err = rebaseStripOffsets(out, e, typ, cnt, delta)
			case tagXResolution:
				err = writeRational(out, e, typ, xn, xd)
			case tagYResolution:
				err = writeRational(out, e, typ, yn, yd)
			case tagResolutionUnit:
				binary.LittleEndian.PutUint16(out[e+8:], unitCentimeter)
			}
			if err != nil {
				return nil, fmt.Errorf("page %d: %v", pageNo, err)
			}
		}
		prevLink = ifdPos + 2 + 12*count
	}
	return out, nil
}

// rebaseStripOffsets shifts each strip offset by delta, wherever the
// values live. Offsets must be LONGs; rebased values do not fit SHORTs.
func rebaseStripOffsets(out []byte, e int, typ uint16, cnt uint32, delta uint32) error {
	if typ != typeLong {
		return fmt.Errorf("strip offsets have field type %d, want LONG", typ)
	}
	pos := e + 8
	if typeSizes[typ]*cnt > 4 {
		pos = int(binary.LittleEndian.Uint32(out[e+8:])) // already rebased
	}
	if pos < 0 || pos+4*int(cnt) > len(out) {
		return fmt.Errorf("strip offset values out of range")
	}
	for i := 0; i < int(cnt); i++ {
		p := pos + 4*i
		binary.LittleEndian.PutUint32(out[p:], binary.LittleEndian.Uint32(out[p:])+delta)
	}
	return nil
}

// writeRational overwrites the out-of-line RATIONAL value of an entry.
func writeRational(out []byte, e int, typ uint16, num, den uint32) error {
	if typ != typeRational {
		return fmt.Errorf("resolution tag has field type %d, want RATIONAL", typ)
	}
	voff := int(binary.LittleEndian.Uint32(out[e+8:]))
	if voff < 0 || voff+8 > len(out) {
		return fmt.Errorf("resolution value out of range")
	}
	binary.LittleEndian.PutUint32(out[voff:], num)
	binary.LittleEndian.PutUint32(out[voff+4:], den)
	return nil
}

// pxPerCm converts a px/micron scale to a TIFF rational in px/cm, using
// the largest power-of-ten denominator whose numerator still fits.
func pxPerCm(perMicron float64) (num, den uint32) {
	v := perMicron * 10000
	if v <= 0 || math.IsInf(v, 0) || math.IsNaN(v) {
		return 1, 1
	}
	d := uint32(100000)
	for d > 1 && v*float64(d) > math.MaxUint32 {
		d /= 10
	}
	n := math.Round(v * float64(d))
	if n < 1 {
		return 1, d
	}
	if n > math.MaxUint32 {
		return math.MaxUint32, 1
	}
	return uint32(n), d
}
