package tests

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/image/tiff"
	"golang.org/x/text/encoding/unicode"

	"github.com/LucaMasin/czi2tif/contracts"
	"github.com/LucaMasin/czi2tif/converter"
	"github.com/LucaMasin/czi2tif/files_manager"
	"github.com/LucaMasin/czi2tif/logging"
	"github.com/LucaMasin/czi2tif/utils"
)

// buildCZI assembles a minimal CZI container with the given number of
// scenes. Each scene holds one uncompressed 4x2 8-bit sub-block filled
// with 0x10*(scene+1), and the scaling metadata declares 2 px/micron.
func buildCZI(scenes int) []byte {
	const xml = `<ImageDocument><Metadata><Scaling><Items>` +
		`<Distance Id="X"><Value>5e-07</Value></Distance>` +
		`<Distance Id="Y"><Value>5e-07</Value></Distance>` +
		`</Items></Scaling></Metadata></ImageDocument>`

	segment := func(id string, payload []byte) []byte {
		alloc := (len(payload) + 31) / 32 * 32
		out := make([]byte, 32+alloc)
		copy(out, id)
		binary.LittleEndian.PutUint64(out[16:], uint64(alloc))
		binary.LittleEndian.PutUint64(out[24:], uint64(len(payload)))
		copy(out[32:], payload)
		return out
	}

	type dim struct {
		letter      string
		start, size int32
	}
	dvEntry := func(filePos int64, dims []dim) []byte {
		e := make([]byte, 32+20*len(dims))
		e[0], e[1] = 'D', 'V'
		binary.LittleEndian.PutUint64(e[6:], uint64(filePos))
		binary.LittleEndian.PutUint32(e[28:], uint32(len(dims)))
		for i, d := range dims {
			off := 32 + 20*i
			copy(e[off:], d.letter)
			binary.LittleEndian.PutUint32(e[off+4:], uint32(d.start))
			binary.LittleEndian.PutUint32(e[off+8:], uint32(d.size))
			binary.LittleEndian.PutUint32(e[off+16:], uint32(d.size))
		}
		return e
	}

	var out []byte
	out = append(out, segment("ZISRAWFILE", make([]byte, 512))...)

	metaPos := int64(len(out))
	meta := make([]byte, 256+len(xml))
	binary.LittleEndian.PutUint32(meta, uint32(len(xml)))
	copy(meta[256:], xml)
	out = append(out, segment("ZISRAWMETADATA", meta)...)

	var dirEntries []byte
	for s := 0; s < scenes; s++ {
		var dims []dim
		if scenes > 1 {
			dims = append(dims, dim{letter: "S", start: int32(s), size: 1})
		}
		dims = append(dims, dim{letter: "X", size: 4}, dim{letter: "Y", size: 2})

		data := bytes.Repeat([]byte{byte(0x10 * (s + 1))}, 8)
		entry := dvEntry(int64(len(out)), dims)

		fixed := 16 + len(entry)
		if fixed < 256 {
			fixed = 256
		}
		payload := make([]byte, fixed, fixed+len(data))
		binary.LittleEndian.PutUint64(payload[8:], uint64(len(data)))
		copy(payload[16:], entry)
		payload = append(payload, data...)
		out = append(out, segment("ZISRAWSUBBLOCK", payload)...)

		dirEntries = append(dirEntries, entry...)
	}

	dirPos := int64(len(out))
	dir := make([]byte, 128, 128+len(dirEntries))
	binary.LittleEndian.PutUint32(dir, uint32(scenes))
	dir = append(dir, dirEntries...)
	out = append(out, segment("ZISRAWDIRECTORY", dir)...)

	binary.LittleEndian.PutUint64(out[32+52:], uint64(dirPos))
	binary.LittleEndian.PutUint64(out[32+60:], uint64(metaPos))
	return out
}

// buildLIF assembles a minimal LIF container with one 4x2 8-bit image
// at 2 px/micron backed by a single memory block.
func buildLIF(t *testing.T, data []byte) []byte {
	t.Helper()
	header := fmt.Sprintf(`<LMSDataContainerHeader Version="2">`+
		`<Element Name="Root"><Children>`+
		`<Element Name="Series_1"><Data><Image><ImageDescription>`+
		`<Channels><ChannelDescription Resolution="8" BytesInc="0"/></Channels>`+
		`<Dimensions>`+
		`<DimensionDescription DimID="1" NumberOfElements="4" Length="1.5e-06" BytesInc="1"/>`+
		`<DimensionDescription DimID="2" NumberOfElements="2" Length="5e-07" BytesInc="4"/>`+
		`</Dimensions>`+
		`</ImageDescription></Image></Data>`+
		`<Memory Size="%d" MemoryBlockID="MemBlock_1"/></Element>`+
		`</Children></Element></LMSDataContainerHeader>`, len(data))

	enc := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder()
	xmlU16, err := enc.Bytes([]byte(header))
	if err != nil {
		t.Fatal(err)
	}
	idU16, err := enc.Bytes([]byte("MemBlock_1"))
	if err != nil {
		t.Fatal(err)
	}

	var buf bytes.Buffer
	u32 := func(v uint32) {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], v)
		buf.Write(b[:])
	}
	u32(0x70)
	u32(uint32(5 + len(xmlU16)))
	buf.WriteByte(0x2A)
	u32(uint32(len(xmlU16) / 2))
	buf.Write(xmlU16)

	u32(0x70)
	u32(0)
	buf.WriteByte(0x2A)
	var memSize [8]byte
	binary.LittleEndian.PutUint64(memSize[:], uint64(len(data)))
	buf.Write(memSize[:])
	buf.WriteByte(0x2A)
	u32(uint32(len(idU16) / 2))
	buf.Write(idU16)
	buf.Write(data)

	return buf.Bytes()
}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
}

func quietLogger(t *testing.T) *logging.Logger {
	t.Helper()
	log, err := logging.NewLogger(false, true, "")
	if err != nil {
		t.Fatal(err)
	}
	return log
}

func TestBatchConversion(t *testing.T) {
	srcDir := t.TempDir()
	outDir := filepath.Join(srcDir, "tif")

	writeFile(t, filepath.Join(srcDir, "a.czi"), buildCZI(1))
	writeFile(t, filepath.Join(srcDir, "b.lif"), buildLIF(t, []byte{0, 32, 64, 96, 128, 160, 192, 255}))
	writeFile(t, filepath.Join(srcDir, "broken.czi"), []byte("not a real container"))
	writeFile(t, filepath.Join(srcDir, "notes.txt"), []byte("ignored"))
	writeFile(t, filepath.Join(srcDir, "nested", "deep.czi"), buildCZI(1))

	files, err := files_manager.Discover(srcDir, false, "")
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	var names []string
	for _, f := range files {
		names = append(names, filepath.Base(f))
	}
	if want := []string{"a.czi", "b.lif", "broken.czi"}; !equalStrings(names, want) {
		t.Fatalf("discovered %v, want %v", names, want)
	}

	if err := files_manager.EnsureOutputDir(outDir); err != nil {
		t.Fatalf("EnsureOutputDir failed: %v", err)
	}

	log := quietLogger(t)
	defer log.Close()
	params := contracts.ExportParams{OutputDir: outDir, BitDepth: 16, Compression: "deflate"}

	converted, failed := 0, 0
	for _, f := range files {
		if err := converter.Convert(f, params, log); err != nil {
			if !contracts.IsKind(err, contracts.KindRead) {
				t.Errorf("%s: wrong error kind: %v", filepath.Base(f), err)
			}
			failed++
			continue
		}
		converted++
	}

	t.Run("corrupt input does not block the batch", func(t *testing.T) {
		if converted != 2 || failed != 1 {
			t.Fatalf("converted %d, failed %d, want 2 and 1", converted, failed)
		}
		if _, err := os.Stat(filepath.Join(outDir, "broken_0.tif")); !os.IsNotExist(err) {
			t.Error("broken container still produced an output file")
		}
	})

	t.Run("outputs validate structurally", func(t *testing.T) {
		for _, name := range []string{"a_0.tif", "b_0.tif"} {
			if err := utils.ValidateTIFF(filepath.Join(outDir, name), 1); err != nil {
				t.Errorf("%s: %v", name, err)
			}
		}
	})

	t.Run("physical resolution survives the round trip", func(t *testing.T) {
		for _, name := range []string{"a_0.tif", "b_0.tif"} {
			x, y, err := utils.ReadResolution(filepath.Join(outDir, name))
			if err != nil {
				t.Errorf("%s: %v", name, err)
				continue
			}
			if math.Abs(x-2.0) > 1e-9 || math.Abs(y-2.0) > 1e-9 {
				t.Errorf("%s: stamped %g x %g px/micron, want 2", name, x, y)
			}
		}
	})
}

func TestRecursiveDiscoveryAndMatch(t *testing.T) {
	srcDir := t.TempDir()
	outDir := filepath.Join(srcDir, "tif")

	writeFile(t, filepath.Join(srcDir, "a.czi"), buildCZI(1))
	writeFile(t, filepath.Join(srcDir, "sub", "deep.lif"), buildLIF(t, bytes.Repeat([]byte{40}, 8)))

	all, err := files_manager.Discover(srcDir, true, "")
	if err != nil {
		t.Fatalf("Discover failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("recursive walk found %d files, want 2", len(all))
	}

	matched, err := files_manager.Discover(srcDir, true, "deep")
	if err != nil {
		t.Fatalf("Discover with match failed: %v", err)
	}
	if len(matched) != 1 || filepath.Base(matched[0]) != "deep.lif" {
		t.Fatalf("match filter returned %v, want deep.lif only", matched)
	}

	if err := files_manager.EnsureOutputDir(outDir); err != nil {
		t.Fatal(err)
	}
	log := quietLogger(t)
	defer log.Close()
	params := contracts.ExportParams{OutputDir: outDir, BitDepth: 8, Compression: "none"}
	for _, f := range matched {
		if err := converter.Convert(f, params, log); err != nil {
			t.Fatalf("%s: %v", filepath.Base(f), err)
		}
	}

	if _, err := os.Stat(filepath.Join(outDir, "deep_0.tif")); err != nil {
		t.Errorf("matched file was not converted: %v", err)
	}
	if _, err := os.Stat(filepath.Join(outDir, "a_0.tif")); !os.IsNotExist(err) {
		t.Error("unmatched file was converted")
	}
}

func TestMultiSceneCZI(t *testing.T) {
	srcDir := t.TempDir()
	outDir := filepath.Join(srcDir, "tif")
	src := filepath.Join(srcDir, "multi.czi")
	writeFile(t, src, buildCZI(2))
	if err := files_manager.EnsureOutputDir(outDir); err != nil {
		t.Fatal(err)
	}

	log := quietLogger(t)
	defer log.Close()
	params := contracts.ExportParams{OutputDir: outDir, BitDepth: 8, Compression: "none"}
	if err := converter.Convert(src, params, log); err != nil {
		t.Fatalf("Convert failed: %v", err)
	}

	for scene, fill := range map[int]byte{0: 0x10, 1: 0x20} {
		name := fmt.Sprintf("multi_%d.tif", scene)
		path := filepath.Join(outDir, name)
		if err := utils.ValidateTIFF(path, 1); err != nil {
			t.Errorf("%s: %v", name, err)
			continue
		}

		f, err := os.Open(path)
		if err != nil {
			t.Fatal(err)
		}
		decoded, err := tiff.Decode(f)
		f.Close()
		if err != nil {
			t.Errorf("%s: Decode failed: %v", name, err)
			continue
		}
		g, ok := decoded.(*image.Gray)
		if !ok {
			t.Errorf("%s: decoded as %T, want Gray", name, decoded)
			continue
		}
		if g.Bounds().Dx() != 4 || g.Bounds().Dy() != 2 {
			t.Errorf("%s: decoded %dx%d, want 4x2", name, g.Bounds().Dx(), g.Bounds().Dy())
		}
		for i, v := range g.Pix {
			if v != fill {
				t.Errorf("%s: pixel %d is 0x%02X, want 0x%02X", name, i, v, fill)
				break
			}
		}
	}
}

func TestConversionLogFile(t *testing.T) {
	srcDir := t.TempDir()
	outDir := filepath.Join(srcDir, "tif")
	logPath := filepath.Join(srcDir, "run.log")
	src := filepath.Join(srcDir, "sample.lif")
	writeFile(t, src, buildLIF(t, bytes.Repeat([]byte{90}, 8)))
	if err := files_manager.EnsureOutputDir(outDir); err != nil {
		t.Fatal(err)
	}

	log, err := logging.NewLogger(true, false, logPath)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	params := contracts.ExportParams{OutputDir: outDir, BitDepth: 8, Compression: "none"}
	if err := converter.Convert(src, params, log); err != nil {
		t.Fatalf("Convert failed: %v", err)
	}
	log.Close()

	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("log file missing: %v", err)
	}
	text := string(content)
	for _, want := range []string{"[INFO]", "LIF container", "[OK]", "wrote", "[DEBUG]", "stamped"} {
		if !strings.Contains(text, want) {
			t.Errorf("log file missing %q:\n%s", want, text)
		}
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
