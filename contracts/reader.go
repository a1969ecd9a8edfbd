package contracts

// PixelType identifies the storage format of a source plane.
type PixelType int

const (
	Gray8 PixelType = iota
	Gray16
	Gray32Float
	Bgr24
	Bgr48
)

func (p PixelType) String() string {
	switch p {
	case Gray8:
		return "Gray8"
	case Gray16:
		return "Gray16"
	case Gray32Float:
		return "Gray32Float"
	case Bgr24:
		return "Bgr24"
	case Bgr48:
		return "Bgr48"
	}
	return "Unknown"
}

func (p PixelType) BytesPerPixel() int {
	switch p {
	case Gray8:
		return 1
	case Gray16:
		return 2
	case Gray32Float:
		return 4
	case Bgr24:
		return 3
	case Bgr48:
		return 6
	}
	return 0
}

// Resolution is the physical pixel scale of a source image in
// pixels per micron. FromMetadata is false when the source carried no
// scale information and the default of 1 px/micron is in effect.
type Resolution struct {
	XPerMicron   float64
	YPerMicron   float64
	ZPerMicron   float64
	FromMetadata bool
}

func DefaultResolution() Resolution {
	return Resolution{XPerMicron: 1, YPerMicron: 1, ZPerMicron: 1}
}

// Plane is one decoded 2-D pixel plane. Multi-byte samples are
// little-endian. X and Y are the plane's start coordinates in the
// source's coordinate space; mosaic tiles of the same scene differ only
// in X/Y and M.
type Plane struct {
	Data   []byte
	Width  int
	Height int
	Pixel  PixelType
	T      int
	Z      int
	C      int
	M      int
	X      int
	Y      int
}

// SceneData holds everything needed to export one scene. SizeX/SizeY are
// the extents of the scene bounding box; OriginX/OriginY its top-left
// corner, so a plane lands at (Plane.X-OriginX, Plane.Y-OriginY).
// Resolution is the effective scale for this scene; sources with only a
// container-level scale repeat it here.
type SceneData struct {
	Index      int
	Name       string
	SizeX      int
	SizeY      int
	SizeZ      int
	SizeC      int
	SizeT      int
	SizeM      int
	OriginX    int
	OriginY    int
	Mosaic     bool
	Resolution Resolution
	Planes     []Plane
}

// Reader is the common surface of the format-specific container readers.
// Implementations materialize one scene per ReadScene call. Resolution
// is the container-level scale; scenes may refine it.
type Reader interface {
	Kind() string
	Dims() string
	Resolution() Resolution
	SceneCount() int
	ReadScene(index int) (*SceneData, error)
	Close() error
}

// ExportParams are the per-run output settings handed to the converter.
type ExportParams struct {
	OutputDir   string
	BitDepth    int
	Compression string
	Preview     bool
}
