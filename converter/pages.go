package converter

import (
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/LucaMasin/czi2tif/contracts"
)

type pageKey struct {
	t, z, c int
}

// buildPages renders the planes of one scene into TIFF pages at the
// requested bit depth. At 8 and 16 bit every (t, z, channel) position
// becomes its own page; at 32 bit the channels of each (t, z) position
// are merged into one RGBA composite page. Page order is t-major, then
// z, then channel.
func buildPages(scene *contracts.SceneData, bitDepth int) ([]image.Image, error) {
	if len(scene.Planes) == 0 {
		return nil, contracts.Errorf(contracts.KindRead, "build pages", "",
			"scene %d has no image planes", scene.Index)
	}
	order, groups := groupPlanes(scene.Planes)

	switch bitDepth {
	case 8, 16:
		pages := make([]image.Image, 0, len(order))
		for _, key := range order {
			canvas, err := stitch(scene, groups[key])
			if err != nil {
				return nil, wrapScene(scene, err)
			}
			pages = append(pages, toDepth(canvas, bitDepth))
		}
		return pages, nil
	case 32:
		return compositePages(scene, order, groups)
	}
	return nil, contracts.Errorf(contracts.KindConfig, "build pages", "",
		"unsupported bit depth %d", bitDepth)
}

func wrapScene(scene *contracts.SceneData, err error) error {
	return contracts.Errorf(contracts.KindRead, "build pages", "", "scene %d: %v", scene.Index, err)
}

// tiled reports whether the planes span more than one mosaic tile.
// LIF sources expose only tile 0, so their planes never do.
func tiled(planes []contracts.Plane) bool {
	for _, p := range planes {
		if p.M > 0 {
			return true
		}
	}
	return false
}

// groupPlanes buckets planes by page position. Planes arrive sorted by
// t, z, c, so first-seen key order is already page order.
func groupPlanes(planes []contracts.Plane) ([]pageKey, map[pageKey][]contracts.Plane) {
	var order []pageKey
	groups := map[pageKey][]contracts.Plane{}
	for _, p := range planes {
		key := pageKey{p.T, p.Z, p.C}
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], p)
	}
	return order, groups
}

// stitch renders the tiles of one page position onto a canvas at native
// depth. Float planes are normalized over the whole group so every tile
// shares one intensity range.
func stitch(scene *contracts.SceneData, tiles []contracts.Plane) (draw.Image, error) {
	pixel := tiles[0].Pixel
	for _, tile := range tiles {
		if tile.Pixel != pixel {
			return nil, fmt.Errorf("mixed pixel types %s and %s in one page", pixel, tile.Pixel)
		}
	}

	var lo, hi float32
	if pixel == contracts.Gray32Float {
		lo, hi = floatRange(tiles)
	}

	bounds := image.Rect(0, 0, scene.SizeX, scene.SizeY)
	var canvas draw.Image
	switch pixel {
	case contracts.Gray8:
		canvas = image.NewGray(bounds)
	case contracts.Gray16, contracts.Gray32Float:
		canvas = image.NewGray16(bounds)
	case contracts.Bgr24:
		canvas = image.NewRGBA(bounds)
	case contracts.Bgr48:
		canvas = image.NewRGBA64(bounds)
	default:
		return nil, fmt.Errorf("cannot render pixel type %s", pixel)
	}

	for _, tile := range tiles {
		img, err := planeImage(tile, lo, hi)
		if err != nil {
			return nil, err
		}
		x0 := tile.X - scene.OriginX
		y0 := tile.Y - scene.OriginY
		target := image.Rect(x0, y0, x0+tile.Width, y0+tile.Height)
		draw.Draw(canvas, target, img, image.Point{}, draw.Src)
	}
	return canvas, nil
}

// floatRange scans Gray32Float tiles for their common min and max,
// ignoring NaNs.
func floatRange(tiles []contracts.Plane) (lo, hi float32) {
	lo = float32(math.MaxFloat32)
	hi = float32(-math.MaxFloat32)
	for _, tile := range tiles {
		for i := 0; i+4 <= len(tile.Data); i += 4 {
			v := math.Float32frombits(binary.LittleEndian.Uint32(tile.Data[i:]))
			if v != v {
				continue
			}
			if v < lo {
				lo = v
			}
			if v > hi {
				hi = v
			}
		}
	}
	if lo > hi {
		return 0, 0
	}
	return lo, hi
}

// planeImage converts one plane's raw samples into a Go image at native
// depth. lo/hi are only used for float planes.
func planeImage(p contracts.Plane, lo, hi float32) (image.Image, error) {
	n := p.Width * p.Height
	switch p.Pixel {
	case contracts.Gray8:
		img := image.NewGray(image.Rect(0, 0, p.Width, p.Height))
		copy(img.Pix, p.Data)
		return img, nil

	case contracts.Gray16:
		img := image.NewGray16(image.Rect(0, 0, p.Width, p.Height))
		for i := 0; i < n; i++ {
			binary.BigEndian.PutUint16(img.Pix[2*i:], binary.LittleEndian.Uint16(p.Data[2*i:]))
		}
		return img, nil

	case contracts.Gray32Float:
		img := image.NewGray16(image.Rect(0, 0, p.Width, p.Height))
		scale := hi - lo
		if scale <= 0 {
			scale = 1
		}
		for i := 0; i < n; i++ {
			v := math.Float32frombits(binary.LittleEndian.Uint32(p.Data[4*i:]))
			frac := (v - lo) / scale
			if frac != frac || frac < 0 {
				frac = 0
			}
			if frac > 1 {
				frac = 1
			}
			binary.BigEndian.PutUint16(img.Pix[2*i:], uint16(frac*65535+0.5))
		}
		return img, nil

	case contracts.Bgr24:
		img := image.NewRGBA(image.Rect(0, 0, p.Width, p.Height))
		for i := 0; i < n; i++ {
			img.Pix[4*i+0] = p.Data[3*i+2]
			img.Pix[4*i+1] = p.Data[3*i+1]
			img.Pix[4*i+2] = p.Data[3*i+0]
			img.Pix[4*i+3] = 0xFF
		}
		return img, nil

	case contracts.Bgr48:
		img := image.NewRGBA64(image.Rect(0, 0, p.Width, p.Height))
		for i := 0; i < n; i++ {
			b := binary.LittleEndian.Uint16(p.Data[6*i:])
			g := binary.LittleEndian.Uint16(p.Data[6*i+2:])
			r := binary.LittleEndian.Uint16(p.Data[6*i+4:])
			binary.BigEndian.PutUint16(img.Pix[8*i:], r)
			binary.BigEndian.PutUint16(img.Pix[8*i+2:], g)
			binary.BigEndian.PutUint16(img.Pix[8*i+4:], b)
			binary.BigEndian.PutUint16(img.Pix[8*i+6:], 0xFFFF)
		}
		return img, nil
	}
	return nil, fmt.Errorf("cannot render pixel type %s", p.Pixel)
}

// toDepth converts a native-depth canvas to the requested bit depth.
// Upscaling replicates the high byte so full ranges map onto full
// ranges.
func toDepth(img image.Image, bitDepth int) image.Image {
	switch bitDepth {
	case 8:
		switch src := img.(type) {
		case *image.Gray, *image.RGBA:
			return img
		case *image.Gray16:
			out := image.NewGray(src.Bounds())
			for i := range out.Pix {
				out.Pix[i] = src.Pix[2*i] // big-endian high byte
			}
			return out
		case *image.RGBA64:
			out := image.NewRGBA(src.Bounds())
			for i := range out.Pix {
				out.Pix[i] = src.Pix[2*i]
			}
			return out
		}
	case 16:
		switch src := img.(type) {
		case *image.Gray16, *image.RGBA64:
			return img
		case *image.Gray:
			out := image.NewGray16(src.Bounds())
			for i, v := range src.Pix {
				out.Pix[2*i] = v
				out.Pix[2*i+1] = v
			}
			return out
		case *image.RGBA:
			out := image.NewRGBA64(src.Bounds())
			for i, v := range src.Pix {
				out.Pix[2*i] = v
				out.Pix[2*i+1] = v
			}
			return out
		}
	}
	return img
}

// compositePages merges the channels of each (t, z) position into one
// 8-bit RGBA page: channels cycle through red, green and blue and add
// up with saturation; a single channel renders gray.
func compositePages(scene *contracts.SceneData, order []pageKey, groups map[pageKey][]contracts.Plane) ([]image.Image, error) {
	type position struct{ t, z int }
	var posOrder []position
	channels := map[position][]pageKey{}
	for _, key := range order {
		pos := position{key.t, key.z}
		if _, ok := channels[pos]; !ok {
			posOrder = append(posOrder, pos)
		}
		channels[pos] = append(channels[pos], key)
	}

	pages := make([]image.Image, 0, len(posOrder))
	for _, pos := range posOrder {
		keys := channels[pos]
		out := image.NewRGBA(image.Rect(0, 0, scene.SizeX, scene.SizeY))
		for i := range out.Pix {
			if i%4 == 3 {
				out.Pix[i] = 0xFF
			}
		}
		single := len(keys) == 1
		for _, key := range keys {
			canvas, err := stitch(scene, groups[key])
			if err != nil {
				return nil, wrapScene(scene, err)
			}
			gray := toGray8(toDepth(canvas, 8))
			slot := key.c % 3
			for i, v := range gray.Pix {
				if single {
					out.Pix[4*i+0] = v
					out.Pix[4*i+1] = v
					out.Pix[4*i+2] = v
					continue
				}
				s := int(out.Pix[4*i+slot]) + int(v)
				if s > 0xFF {
					s = 0xFF
				}
				out.Pix[4*i+slot] = uint8(s)
			}
		}
		pages = append(pages, out)
	}
	return pages, nil
}

// toGray8 reduces any 8-bit canvas to grayscale intensities.
func toGray8(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	out := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			out.Set(x, y, color.GrayModel.Convert(img.At(x, y)))
		}
	}
	return out
}
