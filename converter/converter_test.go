package converter

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"image"
	"math"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/image/tiff"
	"golang.org/x/text/encoding/unicode"

	"github.com/LucaMasin/czi2tif/contracts"
	"github.com/LucaMasin/czi2tif/logging"
	"github.com/LucaMasin/czi2tif/utils"
)

func quietLogger(t *testing.T) *logging.Logger {
	t.Helper()
	log, err := logging.NewLogger(false, true, "")
	if err != nil {
		t.Fatal(err)
	}
	return log
}

// writeTestLIF builds a minimal LIF container holding one 4x2 8-bit
// image at 2 px/micron.
func writeTestLIF(t *testing.T, dir, name string, data []byte) string {
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

	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestConvert_LIF(t *testing.T) {
	dir := t.TempDir()
	outDir := filepath.Join(dir, "tif")
	if err := os.MkdirAll(outDir, 0755); err != nil {
		t.Fatal(err)
	}
	data := []byte{0, 32, 64, 96, 128, 160, 192, 255}
	src := writeTestLIF(t, dir, "sample.lif", data)

	params := ExportParams{OutputDir: outDir, BitDepth: 16, Compression: "none"}
	if err := Convert(src, params, quietLogger(t)); err != nil {
		t.Fatalf("Convert failed: %v", err)
	}

	outPath := filepath.Join(outDir, "sample_0.tif")
	if err := utils.ValidateTIFF(outPath, 1); err != nil {
		t.Fatalf("output did not validate: %v", err)
	}

	x, y, err := utils.ReadResolution(outPath)
	if err != nil {
		t.Fatalf("ReadResolution failed: %v", err)
	}
	if math.Abs(x-2.0) > 1e-9 || math.Abs(y-2.0) > 1e-9 {
		t.Errorf("stamped %g x %g px/micron, want 2", x, y)
	}

	f, err := os.Open(outPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	decoded, err := tiff.Decode(f)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	g, ok := decoded.(*image.Gray16)
	if !ok {
		t.Fatalf("decoded as %T, want Gray16", decoded)
	}
	for i, v := range data {
		want := uint16(v) * 257
		if got := binary.BigEndian.Uint16(g.Pix[2*i:]); got != want {
			t.Errorf("pixel %d: 0x%04X, want 0x%04X", i, got, want)
		}
	}
}

func TestConvert_Preview(t *testing.T) {
	dir := t.TempDir()
	outDir := filepath.Join(dir, "tif")
	if err := os.MkdirAll(outDir, 0755); err != nil {
		t.Fatal(err)
	}
	src := writeTestLIF(t, dir, "sample.lif", bytes.Repeat([]byte{128}, 8))

	params := ExportParams{OutputDir: outDir, BitDepth: 8, Compression: "none", Preview: true}
	if err := Convert(src, params, quietLogger(t)); err != nil {
		t.Fatalf("Convert failed: %v", err)
	}

	info, err := os.Stat(filepath.Join(outDir, "sample_0.webp"))
	if err != nil {
		t.Fatalf("preview missing: %v", err)
	}
	if info.Size() == 0 {
		t.Error("preview file is empty")
	}
}

func TestConvert_UnsupportedExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "picture.png")
	if err := os.WriteFile(path, []byte("png"), 0644); err != nil {
		t.Fatal(err)
	}
	err := Convert(path, ExportParams{OutputDir: dir, BitDepth: 8}, quietLogger(t))
	if err == nil {
		t.Fatal("expected error for unsupported extension")
	}
	if !contracts.IsKind(err, contracts.KindFormat) {
		t.Errorf("wrong error kind: %v", err)
	}
}

func TestConvert_MissingFile(t *testing.T) {
	dir := t.TempDir()
	err := Convert(filepath.Join(dir, "gone.czi"), ExportParams{OutputDir: dir, BitDepth: 8}, quietLogger(t))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !contracts.IsKind(err, contracts.KindRead) {
		t.Errorf("wrong error kind: %v", err)
	}
}

func TestConvert_CorruptContainer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.czi")
	if err := os.WriteFile(path, []byte("not a real container"), 0644); err != nil {
		t.Fatal(err)
	}
	err := Convert(path, ExportParams{OutputDir: dir, BitDepth: 8}, quietLogger(t))
	if err == nil {
		t.Fatal("expected error for corrupt container")
	}
	if !contracts.IsKind(err, contracts.KindRead) {
		t.Errorf("wrong error kind: %v", err)
	}
}
