// Package lif_reader reads Leica LIF containers: the UTF-16 XML header
// describing the image tree and the memory blocks carrying pixel data.
// Each image in the container is exposed as one scene.
package lif_reader

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"golang.org/x/text/encoding/unicode"

	"github.com/LucaMasin/czi2tif/contracts"
)

const (
	blockMagic = 0x70
	testByte   = 0x2A
)

// Dimension ids used in DimensionDescription elements.
const (
	dimX      = 1
	dimY      = 2
	dimZ      = 3
	dimT      = 4
	dimMosaic = 10
)

type dimInfo struct {
	n        int
	length   float64 // meters, full extent
	bytesInc int64
}

type channelInfo struct {
	bits     int
	bytesInc int64
}

type lifImage struct {
	name     string
	blockID  string
	channels []channelInfo
	dims     map[int]dimInfo
}

func (img lifImage) dim(id int) dimInfo {
	d, ok := img.dims[id]
	if !ok || d.n < 1 {
		return dimInfo{n: 1}
	}
	return d
}

// resolution derives the pixel scale from the dimension descriptions.
// Length spans the whole axis, so n-1 steps cover it. Negative lengths
// (inverted scan direction) contribute their magnitude.
func (img lifImage) resolution() contracts.Resolution {
	perMicron := func(d dimInfo) float64 {
		if d.n < 2 || d.length == 0 {
			return 0
		}
		return float64(d.n-1) / (math.Abs(d.length) * 1e6)
	}
	x := perMicron(img.dim(dimX))
	if x <= 0 {
		return contracts.DefaultResolution()
	}
	res := contracts.Resolution{XPerMicron: x, YPerMicron: x, ZPerMicron: 1, FromMetadata: true}
	if y := perMicron(img.dim(dimY)); y > 0 {
		res.YPerMicron = y
	}
	if z := perMicron(img.dim(dimZ)); z > 0 {
		res.ZPerMicron = z
	}
	return res
}

// Reader is an open LIF file. The XML header is parsed up front; pixel
// data is read lazily from the memory blocks, one scene at a time.
type Reader struct {
	f       *os.File
	path    string
	version int
	images  []lifImage
	offsets map[string]int64
	sizes   map[string]int64
	dims    string
}

func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, contracts.Wrap(contracts.KindRead, "open lif", path, err)
	}
	r := &Reader{
		f:       f,
		path:    path,
		offsets: map[string]int64{},
		sizes:   map[string]int64{},
	}
	if err := r.parse(); err != nil {
		f.Close()
		return nil, contracts.Wrap(contracts.KindRead, "open lif", path, err)
	}
	return r, nil
}

func (r *Reader) Kind() string {
	return "lif"
}

func (r *Reader) Dims() string {
	return r.dims
}

// Resolution returns the scale of the first image; scenes carry their
// own, possibly different, scale.
func (r *Reader) Resolution() contracts.Resolution {
	if len(r.images) == 0 {
		return contracts.DefaultResolution()
	}
	return r.images[0].resolution()
}

func (r *Reader) SceneCount() int {
	return len(r.images)
}

func (r *Reader) Close() error {
	return r.f.Close()
}

func (r *Reader) readUint32() (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r.f, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (r *Reader) readUint64() (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r.f, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func (r *Reader) expectTestByte() error {
	var b [1]byte
	if _, err := io.ReadFull(r.f, b[:]); err != nil {
		return err
	}
	if b[0] != testByte {
		return fmt.Errorf("missing 0x2A test byte (found 0x%02X)", b[0])
	}
	return nil
}

// readUTF16 reads n UTF-16 code units and decodes them to UTF-8.
func (r *Reader) readUTF16(n int) ([]byte, error) {
	raw := make([]byte, 2*n)
	if _, err := io.ReadFull(r.f, raw); err != nil {
		return nil, err
	}
	dec := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder()
	return dec.Bytes(raw)
}

func (r *Reader) parse() error {
	magic, err := r.readUint32()
	if err != nil {
		return fmt.Errorf("file header: %v", err)
	}
	if magic != blockMagic {
		return fmt.Errorf("not a LIF file (magic 0x%X)", magic)
	}
	if _, err := r.readUint32(); err != nil { // header block length
		return fmt.Errorf("file header: %v", err)
	}
	if err := r.expectTestByte(); err != nil {
		return fmt.Errorf("file header: %v", err)
	}
	chars, err := r.readUint32()
	if err != nil {
		return fmt.Errorf("file header: %v", err)
	}
	if chars == 0 || chars > 256<<20 {
		return fmt.Errorf("implausible XML header length %d", chars)
	}
	doc, err := r.readUTF16(int(chars))
	if err != nil {
		return fmt.Errorf("XML header: %v", err)
	}

	version, images, err := parseHeader(doc)
	if err != nil {
		return err
	}
	r.version = version
	r.images = images

	for {
		err := r.readMemoryBlock()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}

	r.dims = r.buildDims()
	return nil
}

// readMemoryBlock records the data offset of one memory block and seeks
// past its payload. io.EOF at the block boundary ends the scan.
func (r *Reader) readMemoryBlock() error {
	magic, err := r.readUint32()
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return io.EOF
		}
		return fmt.Errorf("memory block: %v", err)
	}
	if magic != blockMagic {
		return fmt.Errorf("bad memory block magic 0x%X", magic)
	}
	if _, err := r.readUint32(); err != nil { // block length
		return fmt.Errorf("memory block: %v", err)
	}
	if err := r.expectTestByte(); err != nil {
		return fmt.Errorf("memory block: %v", err)
	}

	var memSize int64
	if r.version >= 2 {
		v, err := r.readUint64()
		if err != nil {
			return fmt.Errorf("memory block: %v", err)
		}
		memSize = int64(v)
	} else {
		v, err := r.readUint32()
		if err != nil {
			return fmt.Errorf("memory block: %v", err)
		}
		memSize = int64(v)
	}
	if err := r.expectTestByte(); err != nil {
		return fmt.Errorf("memory block: %v", err)
	}

	chars, err := r.readUint32()
	if err != nil {
		return fmt.Errorf("memory block: %v", err)
	}
	if chars > 1<<20 {
		return fmt.Errorf("implausible memory block id length %d", chars)
	}
	id, err := r.readUTF16(int(chars))
	if err != nil {
		return fmt.Errorf("memory block id: %v", err)
	}

	if memSize > 0 {
		pos, err := r.f.Seek(0, io.SeekCurrent)
		if err != nil {
			return err
		}
		blockID := string(id)
		r.offsets[blockID] = pos
		r.sizes[blockID] = memSize
		if _, err := r.f.Seek(memSize, io.SeekCurrent); err != nil {
			return err
		}
	}
	return nil
}

func (r *Reader) buildDims() string {
	hasC, hasZ, hasT, hasM := false, false, false, false
	for _, img := range r.images {
		hasC = hasC || len(img.channels) > 1
		hasZ = hasZ || img.dim(dimZ).n > 1
		hasT = hasT || img.dim(dimT).n > 1
		hasM = hasM || img.dim(dimMosaic).n > 1
	}
	var b strings.Builder
	if hasM {
		b.WriteString("M")
	}
	if hasT {
		b.WriteString("T")
	}
	if hasC {
		b.WriteString("C")
	}
	if hasZ {
		b.WriteString("Z")
	}
	b.WriteString("YX")
	return b.String()
}

// ReadScene materializes every plane of one image. Only the first mosaic
// tile is read; planes come back z-major with the channel fastest.
func (r *Reader) ReadScene(index int) (*contracts.SceneData, error) {
	if index < 0 || index >= len(r.images) {
		return nil, contracts.Errorf(contracts.KindRead, "read scene", r.path,
			"scene %d out of range (have %d)", index, len(r.images))
	}
	img := r.images[index]

	base, ok := r.offsets[img.blockID]
	if !ok {
		return nil, contracts.Errorf(contracts.KindRead, "read scene", r.path,
			"image %q: missing memory block %q", img.name, img.blockID)
	}
	blockSize := r.sizes[img.blockID]

	if len(img.channels) == 0 {
		return nil, contracts.Errorf(contracts.KindRead, "read scene", r.path,
			"image %q has no channels", img.name)
	}
	var pixel contracts.PixelType
	for _, ch := range img.channels {
		switch ch.bits {
		case 8:
			pixel = contracts.Gray8
		case 16:
			pixel = contracts.Gray16
		default:
			return nil, contracts.Errorf(contracts.KindRead, "read scene", r.path,
				"image %q: unsupported bit depth %d", img.name, ch.bits)
		}
		if ch.bits != img.channels[0].bits {
			return nil, contracts.Errorf(contracts.KindRead, "read scene", r.path,
				"image %q: mixed channel bit depths", img.name)
		}
	}

	x, y := img.dim(dimX), img.dim(dimY)
	if x.n < 1 || y.n < 1 {
		return nil, contracts.Errorf(contracts.KindRead, "read scene", r.path,
			"image %q has no X/Y extent", img.name)
	}
	bpp := pixel.BytesPerPixel()
	rowBytes := x.n * bpp
	yInc := y.bytesInc
	if yInc == 0 {
		yInc = int64(rowBytes)
	}
	zInc := img.dim(dimZ).bytesInc
	tInc := img.dim(dimT).bytesInc

	nz, nt := img.dim(dimZ).n, img.dim(dimT).n
	nm := img.dim(dimMosaic).n

	data := &contracts.SceneData{
		Index:      index,
		Name:       img.name,
		SizeX:      x.n,
		SizeY:      y.n,
		SizeZ:      nz,
		SizeC:      len(img.channels),
		SizeT:      nt,
		SizeM:      nm,
		Mosaic:     nm > 1,
		Resolution: img.resolution(),
	}

	for t := 0; t < nt; t++ {
		for z := 0; z < nz; z++ {
			for c, ch := range img.channels {
				planeOff := ch.bytesInc + int64(z)*zInc + int64(t)*tInc
				end := planeOff + int64(y.n-1)*yInc + int64(rowBytes)
				if end > blockSize {
					return nil, contracts.Errorf(contracts.KindRead, "read scene", r.path,
						"image %q: plane t=%d z=%d c=%d extends past memory block", img.name, t, z, c)
				}
				buf := make([]byte, y.n*rowBytes)
				for row := 0; row < y.n; row++ {
					at := base + planeOff + int64(row)*yInc
					if _, err := r.f.ReadAt(buf[row*rowBytes:(row+1)*rowBytes], at); err != nil {
						return nil, contracts.Wrap(contracts.KindRead, "read scene", r.path,
							fmt.Errorf("image %q: plane t=%d z=%d c=%d: %v", img.name, t, z, c, err))
					}
				}
				data.Planes = append(data.Planes, contracts.Plane{
					Data:   buf,
					Width:  x.n,
					Height: y.n,
					Pixel:  pixel,
					T:      t,
					Z:      z,
					C:      c,
				})
			}
		}
	}
	return data, nil
}
