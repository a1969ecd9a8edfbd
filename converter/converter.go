// Package converter turns one microscopy container into TIFF files, one
// multi-page file per scene, with the physical pixel scale stamped on
// every page.
package converter

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/LucaMasin/czi2tif/contracts"
	"github.com/LucaMasin/czi2tif/czi_reader"
	"github.com/LucaMasin/czi2tif/lif_reader"
	"github.com/LucaMasin/czi2tif/logging"
	"github.com/LucaMasin/czi2tif/tiff_writer"
	"github.com/LucaMasin/czi2tif/utils"
)

type ExportParams = contracts.ExportParams

// Convert reads one container file and writes one TIFF per scene into
// the output directory. Scenes are processed strictly one at a time so
// memory stays bounded by the largest scene.
func Convert(filePath string, params ExportParams, log *logging.Logger) error {
	reader, err := openReader(filePath)
	if err != nil {
		return err
	}
	defer reader.Close()

	log.Info("%s: %s container, %d scene(s), dims %s",
		filepath.Base(filePath), strings.ToUpper(reader.Kind()), reader.SceneCount(), reader.Dims())

	for i := 0; i < reader.SceneCount(); i++ {
		scene, err := reader.ReadScene(i)
		if err != nil {
			return err
		}
		if err := exportScene(filePath, scene, params, log); err != nil {
			return err
		}
	}
	return nil
}

func openReader(filePath string) (contracts.Reader, error) {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".czi":
		return czi_reader.Open(filePath)
	case ".lif":
		return lif_reader.Open(filePath)
	}
	return nil, contracts.Errorf(contracts.KindFormat, "convert", filePath,
		"unsupported file format %q", filepath.Ext(filePath))
}

func exportScene(filePath string, scene *contracts.SceneData, params ExportParams, log *logging.Logger) error {
	if !scene.Resolution.FromMetadata {
		log.Warn("%s scene %d: no resolution found in metadata, assuming 1 pixel per micron",
			filepath.Base(filePath), scene.Index)
	}
	if scene.Mosaic {
		if tiled(scene.Planes) {
			log.Debug("scene %d: stitching %d mosaic tile(s) onto %dx%d canvas",
				scene.Index, scene.SizeM, scene.SizeX, scene.SizeY)
		} else {
			log.Debug("scene %d: mosaic source, exporting tile 0 of %d only",
				scene.Index, scene.SizeM)
		}
	}

	pages, err := buildPages(scene, params.BitDepth)
	if err != nil {
		return err
	}

	outPath := filepath.Join(params.OutputDir, sceneFileName(filePath, scene.Index))
	opts := tiff_writer.Options{Compression: params.Compression}
	if err := tiff_writer.Write(outPath, pages, scene.Resolution, opts); err != nil {
		return err
	}
	log.Success("wrote %s (%d page(s), %dx%d, %d-bit)",
		outPath, len(pages), scene.SizeX, scene.SizeY, params.BitDepth)

	if log.Verbose() {
		x, y, err := utils.ReadResolution(outPath)
		if err != nil {
			log.Debug("%s: resolution read-back failed: %v", outPath, err)
		} else {
			log.Debug("%s: stamped %.6g x %.6g px/micron", outPath, x, y)
		}
	}

	if params.Preview {
		if err := writePreview(outPath, pages[0]); err != nil {
			log.Warn("preview for %s failed: %v", outPath, err)
		}
	}
	return nil
}

// sceneFileName derives the output name <input stem>_<scene index>.tif.
func sceneFileName(filePath string, index int) string {
	stem := strings.TrimSuffix(filepath.Base(filePath), filepath.Ext(filePath))
	return fmt.Sprintf("%s_%d.tif", stem, index)
}
