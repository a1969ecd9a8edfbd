package utils

import (
	"fmt"
	"os"

	"github.com/dsoprea/go-exif/v3"
	exifcommon "github.com/dsoprea/go-exif/v3/common"
	"github.com/google/tiff"
)

const (
	unitInch       = 2
	unitCentimeter = 3
)

// ReadResolution extracts the X/Y resolution tags of a TIFF file and
// converts them to pixels per micron. Files whose resolution unit is not
// a physical length are rejected.
func ReadResolution(filePath string) (xPerMicron, yPerMicron float64, err error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return 0, 0, err
	}

	rawExif, err := exif.SearchAndExtractExif(data)
	if err != nil {
		return 0, 0, fmt.Errorf("EXIF not found: %v", err)
	}

	im := exifcommon.NewIfdMapping()
	ti := exif.NewTagIndex()
	if err := exifcommon.LoadStandardIfds(im); err != nil {
		return 0, 0, err
	}

	_, index, err := exif.Collect(im, ti, rawExif)
	if err != nil {
		return 0, 0, err
	}

	xres, err := rationalTag(index.RootIfd, "XResolution")
	if err != nil {
		return 0, 0, err
	}
	yres, err := rationalTag(index.RootIfd, "YResolution")
	if err != nil {
		yres = xres
	}

	unit, err := shortTag(index.RootIfd, "ResolutionUnit")
	if err != nil {
		return 0, 0, err
	}
	var perMicron float64
	switch unit {
	case unitInch:
		perMicron = 25400
	case unitCentimeter:
		perMicron = 10000
	default:
		return 0, 0, fmt.Errorf("resolution unit %d is not a physical length", unit)
	}
	return xres / perMicron, yres / perMicron, nil
}

func rationalTag(ifd *exif.Ifd, name string) (float64, error) {
	tag, err := ifd.FindTagWithName(name)
	if err != nil || len(tag) == 0 {
		return 0, fmt.Errorf("%s tag not found", name)
	}
	val, err := tag[0].Value()
	if err != nil {
		return 0, fmt.Errorf("reading %s: %v", name, err)
	}
	rats, ok := val.([]exifcommon.Rational)
	if !ok || len(rats) == 0 || rats[0].Denominator == 0 {
		return 0, fmt.Errorf("unexpected %s value", name)
	}
	return float64(rats[0].Numerator) / float64(rats[0].Denominator), nil
}

func shortTag(ifd *exif.Ifd, name string) (uint16, error) {
	tag, err := ifd.FindTagWithName(name)
	if err != nil || len(tag) == 0 {
		return 0, fmt.Errorf("%s tag not found", name)
	}
	val, err := tag[0].Value()
	if err != nil {
		return 0, fmt.Errorf("reading %s: %v", name, err)
	}
	shorts, ok := val.([]uint16)
	if !ok || len(shorts) == 0 {
		return 0, fmt.Errorf("unexpected %s value", name)
	}
	return shorts[0], nil
}

// Baseline tags every page of a conversion result must carry.
var requiredTags = []uint16{
	256, // ImageWidth
	257, // ImageLength
	258, // BitsPerSample
	259, // Compression
	262, // PhotometricInterpretation
	273, // StripOffsets
	277, // SamplesPerPixel
	278, // RowsPerStrip
	279, // StripByteCounts
	282, // XResolution
	283, // YResolution
	296, // ResolutionUnit
}

// ValidateTIFF structurally checks a TIFF file: it must parse, hold
// exactly wantPages pages and carry the baseline tag set on each one.
func ValidateTIFF(filePath string, wantPages int) error {
	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()

	parsed, err := tiff.Parse(f, nil, nil)
	if err != nil {
		return fmt.Errorf("parsing TIFF structure: %v", err)
	}
	ifds := parsed.IFDs()
	if len(ifds) != wantPages {
		return fmt.Errorf("found %d pages, want %d", len(ifds), wantPages)
	}
	for i, ifd := range ifds {
		present := map[uint16]bool{}
		for _, field := range ifd.Fields() {
			present[field.Tag().ID()] = true
		}
		for _, id := range requiredTags {
			if !present[id] {
				return fmt.Errorf("page %d is missing tag %d", i, id)
			}
		}
	}
	return nil
}
