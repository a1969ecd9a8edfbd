// Package tiff_writer writes multi-page TIFF files with the physical
// pixel scale stamped on every page. Pages are encoded one by one and
// then merged into a single file; output lands under a temporary name
// first and is only moved into place after it validates.
package tiff_writer

import (
	"bytes"
	"fmt"
	"image"
	"os"

	"golang.org/x/image/tiff"

	"github.com/LucaMasin/czi2tif/contracts"
	"github.com/LucaMasin/czi2tif/utils"
)

type Resolution = contracts.Resolution

// Options control the on-disk encoding.
type Options struct {
	Compression string
}

func (o Options) encoderOptions() (*tiff.Options, error) {
	switch o.Compression {
	case "", "none":
		return &tiff.Options{Compression: tiff.Uncompressed}, nil
	case "deflate":
		return &tiff.Options{Compression: tiff.Deflate}, nil
	}
	return nil, fmt.Errorf("unknown compression %q", o.Compression)
}

// Write encodes pages into one multi-page TIFF at path.
func Write(path string, pages []image.Image, res Resolution, opts Options) error {
	if len(pages) == 0 {
		return contracts.Errorf(contracts.KindWrite, "write tiff", path, "no pages to write")
	}
	encOpts, err := opts.encoderOptions()
	if err != nil {
		return contracts.Wrap(contracts.KindConfig, "write tiff", path, err)
	}

	encoded := make([][]byte, 0, len(pages))
	for i, page := range pages {
		var buf bytes.Buffer
		if err := tiff.Encode(&buf, page, encOpts); err != nil {
			return contracts.Wrap(contracts.KindWrite, "write tiff", path, fmt.Errorf("page %d: %v", i, err))
		}
		encoded = append(encoded, buf.Bytes())
	}

	data, err := assemble(encoded, res)
	if err != nil {
		return contracts.Wrap(contracts.KindWrite, "write tiff", path, err)
	}
	return save(path, data, len(pages))
}

// save writes data to a temporary file next to path, validates it and
// moves it into place. Nothing is left behind on failure.
func save(path string, data []byte, pages int) error {
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return contracts.Wrap(contracts.KindWrite, "write tiff", path, err)
	}
	info, err := os.Stat(tmpPath)
	if err != nil || info.Size() == 0 {
		os.Remove(tmpPath)
		return contracts.Errorf(contracts.KindWrite, "write tiff", path, "temporary file is empty")
	}
	if err := utils.ValidateTIFF(tmpPath, pages); err != nil {
		os.Remove(tmpPath)
		return contracts.Wrap(contracts.KindWrite, "write tiff", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return contracts.Wrap(contracts.KindWrite, "write tiff", path, err)
	}
	return nil
}
