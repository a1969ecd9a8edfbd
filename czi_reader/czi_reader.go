// Package czi_reader reads Zeiss CZI (ZISRAW) containers: the segment
// chain, the sub-block directory and the XML metadata, exposing scenes as
// decoded pixel planes. Only level-0 (non-pyramid) sub-blocks are read.
package czi_reader

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"os"
	"sort"

	"github.com/klauspost/compress/zstd"

	"github.com/LucaMasin/czi2tif/contracts"
)

const (
	segmentHeaderSize = 32

	segFile      = "ZISRAWFILE"
	segMetadata  = "ZISRAWMETADATA"
	segDirectory = "ZISRAWDIRECTORY"
	segSubBlock  = "ZISRAWSUBBLOCK"
)

// Compression values used in sub-block directory entries.
const (
	compUncompressed = 0
	compJPEG         = 1
	compLZW          = 2
	compJpgXR        = 4
	compZstd0        = 5
	compZstd1        = 6
)

func compressionName(v int32) string {
	switch v {
	case compUncompressed:
		return "Uncompressed"
	case compJPEG:
		return "JPEG"
	case compLZW:
		return "LZW"
	case compJpgXR:
		return "JpgXR"
	case compZstd0:
		return "Zstd0"
	case compZstd1:
		return "Zstd1"
	}
	return fmt.Sprintf("compression %d", v)
}

func pixelTypeOf(v int32) (contracts.PixelType, error) {
	switch v {
	case 0:
		return contracts.Gray8, nil
	case 1:
		return contracts.Gray16, nil
	case 2:
		return contracts.Gray32Float, nil
	case 3:
		return contracts.Bgr24, nil
	case 4:
		return contracts.Bgr48, nil
	}
	return 0, fmt.Errorf("unsupported pixel type %d", v)
}

type dimEntry struct {
	start      int32
	size       int32
	storedSize int32
}

type dirEntry struct {
	pixel       contracts.PixelType
	filePos     int64
	compression int32
	pyramidType byte
	dims        map[string]dimEntry
}

func (e dirEntry) start(letter string) int {
	return int(e.dims[letter].start)
}

// stored size falls back to the logical size when the writer left it zero.
func (e dirEntry) storedSize(letter string) int {
	d := e.dims[letter]
	if d.storedSize == 0 {
		return int(d.size)
	}
	return int(d.storedSize)
}

func (e dirEntry) isLevelZero() bool {
	if e.pyramidType != 0 {
		return false
	}
	x, y := e.dims["X"], e.dims["Y"]
	return int(x.size) == e.storedSize("X") && int(y.size) == e.storedSize("Y")
}

// Reader is an open CZI file. It keeps the sub-block directory in memory
// and reads pixel data lazily, one scene at a time.
type Reader struct {
	f      *os.File
	path   string
	res    contracts.Resolution
	dims   string
	scenes [][]dirEntry
	zstd   *zstd.Decoder
}

func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, contracts.Wrap(contracts.KindRead, "open czi", path, err)
	}
	r := &Reader{f: f, path: path}
	if err := r.parse(); err != nil {
		f.Close()
		return nil, contracts.Wrap(contracts.KindRead, "open czi", path, err)
	}
	return r, nil
}

func (r *Reader) Kind() string {
	return "czi"
}

func (r *Reader) Dims() string {
	return r.dims
}

func (r *Reader) Resolution() contracts.Resolution {
	return r.res
}

func (r *Reader) SceneCount() int {
	return len(r.scenes)
}

func (r *Reader) Close() error {
	if r.zstd != nil {
		r.zstd.Close()
	}
	return r.f.Close()
}

func (r *Reader) readSegmentHeader(pos int64) (id string, alloc, used int64, err error) {
	var hdr [segmentHeaderSize]byte
	if _, err := r.f.ReadAt(hdr[:], pos); err != nil {
		return "", 0, 0, fmt.Errorf("segment header at %d: %v", pos, err)
	}
	id = string(bytes.TrimRight(hdr[:16], "\x00"))
	alloc = int64(binary.LittleEndian.Uint64(hdr[16:24]))
	used = int64(binary.LittleEndian.Uint64(hdr[24:32]))
	if used == 0 {
		used = alloc
	}
	return id, alloc, used, nil
}

func (r *Reader) parse() error {
	id, _, _, err := r.readSegmentHeader(0)
	if err != nil {
		return err
	}
	if id != segFile {
		return fmt.Errorf("not a CZI file (segment %q)", id)
	}

	// File header payload: versions, GUIDs, then the directory and
	// metadata segment positions.
	var fh [80]byte
	if _, err := r.f.ReadAt(fh[:], segmentHeaderSize); err != nil {
		return fmt.Errorf("file header: %v", err)
	}
	dirPos := int64(binary.LittleEndian.Uint64(fh[52:60]))
	metaPos := int64(binary.LittleEndian.Uint64(fh[60:68]))

	r.res = contracts.DefaultResolution()
	if metaPos > 0 {
		doc, err := r.readMetadataXML(metaPos)
		if err != nil {
			return err
		}
		r.res = parseScaling(doc)
	}

	if dirPos <= 0 {
		return fmt.Errorf("missing sub-block directory")
	}
	entries, err := r.readDirectory(dirPos)
	if err != nil {
		return err
	}

	letters := map[string]bool{}
	bySceneStart := map[int][]dirEntry{}
	for _, e := range entries {
		if !e.isLevelZero() {
			continue
		}
		for letter := range e.dims {
			if letter != "X" && letter != "Y" {
				letters[letter] = true
			}
		}
		s := e.start("S")
		bySceneStart[s] = append(bySceneStart[s], e)
	}
	if len(bySceneStart) == 0 {
		return fmt.Errorf("no level-0 sub-blocks")
	}

	starts := make([]int, 0, len(bySceneStart))
	for s := range bySceneStart {
		starts = append(starts, s)
	}
	sort.Ints(starts)
	for _, s := range starts {
		r.scenes = append(r.scenes, bySceneStart[s])
	}
	r.dims = buildDims(letters)
	return nil
}

func (r *Reader) readDirectory(pos int64) ([]dirEntry, error) {
	id, _, used, err := r.readSegmentHeader(pos)
	if err != nil {
		return nil, err
	}
	if id != segDirectory {
		return nil, fmt.Errorf("expected %s segment at %d, found %q", segDirectory, pos, id)
	}
	if used < 128 || used > 1<<30 {
		return nil, fmt.Errorf("implausible directory size %d", used)
	}
	payload := make([]byte, used)
	if _, err := r.f.ReadAt(payload, pos+segmentHeaderSize); err != nil {
		return nil, fmt.Errorf("sub-block directory: %v", err)
	}

	count := int(int32(binary.LittleEndian.Uint32(payload[0:4])))
	if count < 0 {
		return nil, fmt.Errorf("negative directory entry count")
	}
	entries := make([]dirEntry, 0, count)
	off := 128
	for i := 0; i < count; i++ {
		e, n, err := parseDirEntry(payload[off:])
		if err != nil {
			return nil, fmt.Errorf("directory entry %d: %v", i, err)
		}
		entries = append(entries, e)
		off += n
	}
	return entries, nil
}

// parseDirEntry decodes one DV-schema directory entry and returns the
// number of bytes it occupied.
func parseDirEntry(b []byte) (dirEntry, int, error) {
	if len(b) < 32 {
		return dirEntry{}, 0, fmt.Errorf("truncated entry")
	}
	if b[0] != 'D' || b[1] != 'V' {
		return dirEntry{}, 0, fmt.Errorf("unknown schema %q", string(b[0:2]))
	}
	pixel, err := pixelTypeOf(int32(binary.LittleEndian.Uint32(b[2:6])))
	if err != nil {
		return dirEntry{}, 0, err
	}
	e := dirEntry{
		pixel:       pixel,
		filePos:     int64(binary.LittleEndian.Uint64(b[6:14])),
		compression: int32(binary.LittleEndian.Uint32(b[18:22])),
		pyramidType: b[22],
		dims:        map[string]dimEntry{},
	}
	dimCount := int(int32(binary.LittleEndian.Uint32(b[28:32])))
	if dimCount < 0 || dimCount > 128 {
		return dirEntry{}, 0, fmt.Errorf("implausible dimension count %d", dimCount)
	}
	size := 32 + 20*dimCount
	if len(b) < size {
		return dirEntry{}, 0, fmt.Errorf("truncated dimension entries")
	}
	for i := 0; i < dimCount; i++ {
		d := b[32+20*i:]
		letter := string(bytes.TrimRight(d[0:4], "\x00"))
		e.dims[letter] = dimEntry{
			start:      int32(binary.LittleEndian.Uint32(d[4:8])),
			size:       int32(binary.LittleEndian.Uint32(d[8:12])),
			storedSize: int32(binary.LittleEndian.Uint32(d[16:20])),
		}
	}
	if _, ok := e.dims["X"]; !ok {
		return dirEntry{}, 0, fmt.Errorf("entry without X dimension")
	}
	if _, ok := e.dims["Y"]; !ok {
		return dirEntry{}, 0, fmt.Errorf("entry without Y dimension")
	}
	return e, size, nil
}

// ReadScene materializes every plane of one scene. Planes come back
// sorted by T, Z, C, M so page order is stable.
func (r *Reader) ReadScene(index int) (*contracts.SceneData, error) {
	if index < 0 || index >= len(r.scenes) {
		return nil, contracts.Errorf(contracts.KindRead, "read scene", r.path,
			"scene %d out of range (have %d)", index, len(r.scenes))
	}
	entries := r.scenes[index]

	data := &contracts.SceneData{Index: index, Resolution: r.res}
	minX, maxX := math.MaxInt, math.MinInt
	minY, maxY := math.MaxInt, math.MinInt
	minT, maxT := math.MaxInt, math.MinInt
	minZ, maxZ := math.MaxInt, math.MinInt
	minC, maxC := math.MaxInt, math.MinInt
	minM, maxM := math.MaxInt, math.MinInt
	for _, e := range entries {
		x, y := e.start("X"), e.start("Y")
		minX, maxX = min(minX, x), max(maxX, x+e.storedSize("X"))
		minY, maxY = min(minY, y), max(maxY, y+e.storedSize("Y"))
		minT, maxT = min(minT, e.start("T")), max(maxT, e.start("T")+1)
		minZ, maxZ = min(minZ, e.start("Z")), max(maxZ, e.start("Z")+1)
		minC, maxC = min(minC, e.start("C")), max(maxC, e.start("C")+1)
		minM, maxM = min(minM, e.start("M")), max(maxM, e.start("M")+1)
		if _, ok := e.dims["M"]; ok {
			data.Mosaic = true
		}
	}
	data.OriginX, data.OriginY = minX, minY
	data.SizeX, data.SizeY = maxX-minX, maxY-minY
	data.SizeT = maxT - minT
	data.SizeZ = maxZ - minZ
	data.SizeC = maxC - minC
	data.SizeM = maxM - minM

	planes := make([]contracts.Plane, 0, len(entries))
	for _, e := range entries {
		p, err := r.readPlane(e)
		if err != nil {
			return nil, contracts.Wrap(contracts.KindRead, "read scene", r.path, err)
		}
		planes = append(planes, p)
	}
	sort.Slice(planes, func(i, j int) bool {
		a, b := planes[i], planes[j]
		if a.T != b.T {
			return a.T < b.T
		}
		if a.Z != b.Z {
			return a.Z < b.Z
		}
		if a.C != b.C {
			return a.C < b.C
		}
		return a.M < b.M
	})
	data.Planes = planes
	return data, nil
}

func (r *Reader) readPlane(e dirEntry) (contracts.Plane, error) {
	id, _, _, err := r.readSegmentHeader(e.filePos)
	if err != nil {
		return contracts.Plane{}, err
	}
	if id != segSubBlock {
		return contracts.Plane{}, fmt.Errorf("expected %s segment at %d, found %q", segSubBlock, e.filePos, id)
	}

	payload := e.filePos + segmentHeaderSize
	var fixed [16]byte
	if _, err := r.f.ReadAt(fixed[:], payload); err != nil {
		return contracts.Plane{}, fmt.Errorf("sub-block at %d: %v", e.filePos, err)
	}
	metaSize := int64(int32(binary.LittleEndian.Uint32(fixed[0:4])))
	dataSize := int64(binary.LittleEndian.Uint64(fixed[8:16]))
	if dataSize <= 0 || dataSize > 1<<31 {
		return contracts.Plane{}, fmt.Errorf("implausible sub-block data size %d", dataSize)
	}

	// The sub-block repeats its directory entry; its length decides where
	// the pixel data starts.
	var entHdr [32]byte
	if _, err := r.f.ReadAt(entHdr[:], payload+16); err != nil {
		return contracts.Plane{}, fmt.Errorf("sub-block entry at %d: %v", e.filePos, err)
	}
	if entHdr[0] != 'D' || entHdr[1] != 'V' {
		return contracts.Plane{}, fmt.Errorf("sub-block at %d: unknown schema %q", e.filePos, string(entHdr[0:2]))
	}
	dimCount := int(int32(binary.LittleEndian.Uint32(entHdr[28:32])))
	if dimCount < 0 || dimCount > 128 {
		return contracts.Plane{}, fmt.Errorf("sub-block at %d: implausible dimension count %d", e.filePos, dimCount)
	}
	entrySize := 32 + 20*dimCount
	dataOff := int64(max(256, 16+entrySize)) + metaSize

	raw := make([]byte, dataSize)
	if _, err := r.f.ReadAt(raw, payload+dataOff); err != nil {
		return contracts.Plane{}, fmt.Errorf("sub-block data at %d: %v", e.filePos, err)
	}

	width := e.storedSize("X")
	height := e.storedSize("Y")
	pixels, err := r.decodePixels(raw, e, width, height)
	if err != nil {
		return contracts.Plane{}, fmt.Errorf("sub-block at %d: %v", e.filePos, err)
	}
	want := width * height * e.pixel.BytesPerPixel()
	if len(pixels) != want {
		return contracts.Plane{}, fmt.Errorf("sub-block at %d: %d data bytes, want %d", e.filePos, len(pixels), want)
	}

	return contracts.Plane{
		Data:   pixels,
		Width:  width,
		Height: height,
		Pixel:  e.pixel,
		T:      e.start("T"),
		Z:      e.start("Z"),
		C:      e.start("C"),
		M:      e.start("M"),
		X:      e.start("X"),
		Y:      e.start("Y"),
	}, nil
}

func (r *Reader) decodePixels(raw []byte, e dirEntry, width, height int) ([]byte, error) {
	switch e.compression {
	case compUncompressed:
		return raw, nil
	case compJPEG:
		return decodeJPEGPlane(raw, e.pixel)
	case compZstd0:
		return r.zstdDecode(raw)
	case compZstd1:
		payload, hiLo, err := parseZstd1Header(raw)
		if err != nil {
			return nil, err
		}
		out, err := r.zstdDecode(payload)
		if err != nil {
			return nil, err
		}
		if hiLo {
			if e.pixel != contracts.Gray16 && e.pixel != contracts.Bgr48 {
				return nil, fmt.Errorf("hi-lo packing on %s data", e.pixel)
			}
			out = hiLoUnpack(out)
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported compression %s", compressionName(e.compression))
}

func (r *Reader) zstdDecode(src []byte) ([]byte, error) {
	if r.zstd == nil {
		d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		r.zstd = d
	}
	out, err := r.zstd.DecodeAll(src, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd: %v", err)
	}
	return out, nil
}

// Zstd1 sub-blocks start with a small header: its first byte is the header
// length, and a 3-byte header carries the hi-lo byte packing flag.
func parseZstd1Header(data []byte) (payload []byte, hiLo bool, err error) {
	if len(data) < 1 {
		return nil, false, fmt.Errorf("empty zstd1 sub-block")
	}
	switch data[0] {
	case 1:
	case 3:
		if len(data) < 3 {
			return nil, false, fmt.Errorf("truncated zstd1 header")
		}
		if data[1] == 1 {
			hiLo = data[2]&1 != 0
		}
	default:
		return nil, false, fmt.Errorf("invalid zstd1 header size %d", data[0])
	}
	return data[data[0]:], hiLo, nil
}

// hiLoUnpack reassembles 16-bit samples that were stored as a low-byte
// plane followed by a high-byte plane.
func hiLoUnpack(packed []byte) []byte {
	half := len(packed) / 2
	out := make([]byte, half*2)
	lo, hi := packed[:half], packed[half:]
	for i := 0; i < half; i++ {
		out[2*i] = lo[i]
		out[2*i+1] = hi[i]
	}
	return out
}

// decodeJPEGPlane turns a JPEG-compressed sub-block back into the raw
// layout an uncompressed sub-block of the same pixel type would have.
func decodeJPEGPlane(raw []byte, pixel contracts.PixelType) ([]byte, error) {
	img, err := jpeg.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("jpeg: %v", err)
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()

	switch pixel {
	case contracts.Gray8:
		out := make([]byte, w*h)
		if g, ok := img.(*image.Gray); ok {
			for y := 0; y < h; y++ {
				copy(out[y*w:(y+1)*w], g.Pix[y*g.Stride:y*g.Stride+w])
			}
			return out, nil
		}
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				out[y*w+x] = color.GrayModel.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray).Y
			}
		}
		return out, nil
	case contracts.Bgr24:
		out := make([]byte, w*h*3)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				cr, cg, cb, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
				i := (y*w + x) * 3
				out[i] = byte(cb >> 8)
				out[i+1] = byte(cg >> 8)
				out[i+2] = byte(cr >> 8)
			}
		}
		return out, nil
	}
	return nil, fmt.Errorf("JPEG-compressed %s data not supported", pixel)
}
