package miniserver

import (
	"archive/zip"
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"testing"

	"github.com/pierrec/lz4/v4"
)

const testProgramXML = `<?xml version="1.0" encoding="utf-8"?>
<Document>
  <C Type="Room" Title="Kitchen"/>
  <C Type="VirtualInCaption" Title="Virtual inputs">
    <C Type="VirtualIn" Title="mqtt_kitchen_light">
      <C Type="VirtualInText" Title="nested_toggle"/>
    </C>
    <C Type="VirtualIn" Title="mqtt_heating_setpoint"/>
  </C>
  <C Type="Function" Title="Not an input"/>
</Document>`

// buildLoxCCArchive packs a document the way the Miniserver stores its
// program: LZ4 block inside a LoxCC header inside a zip.
func buildLoxCCArchive(t *testing.T, document []byte) []byte {
	t.Helper()

	compressed := make([]byte, lz4.CompressBlockBound(len(document)))
	var compressor lz4.Compressor
	n, err := compressor.CompressBlock(document, compressed)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	compressed = compressed[:n]

	var loxcc bytes.Buffer
	binary.Write(&loxcc, binary.LittleEndian, uint32(loxccMagic))
	binary.Write(&loxcc, binary.LittleEndian, uint32(len(compressed)))
	binary.Write(&loxcc, binary.LittleEndian, uint32(len(document)))
	binary.Write(&loxcc, binary.LittleEndian, crc32.ChecksumIEEE(document))
	loxcc.Write(compressed)

	var archive bytes.Buffer
	zw := zip.NewWriter(&archive)
	entry, err := zw.Create("sps0.LoxCC")
	if err != nil {
		t.Fatalf("create zip entry: %v", err)
	}
	if _, err := entry.Write(loxcc.Bytes()); err != nil {
		t.Fatalf("write zip entry: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("close zip: %v", err)
	}

	return archive.Bytes()
}

func TestDecodeProgram(t *testing.T) {
	document := []byte(testProgramXML)
	archive := buildLoxCCArchive(t, document)

	got, err := decodeProgram(archive)
	if err != nil {
		t.Fatalf("decodeProgram: %v", err)
	}
	if !bytes.Equal(got, document) {
		t.Error("decoded document differs from the original")
	}
}

func TestDecodeProgramRejectsBadMagic(t *testing.T) {
	var loxcc bytes.Buffer
	binary.Write(&loxcc, binary.LittleEndian, uint32(0xdeadbeef))
	loxcc.Write(bytes.Repeat([]byte{0}, 12))

	var tampered bytes.Buffer
	zw := zip.NewWriter(&tampered)
	entry, _ := zw.Create("sps0.LoxCC")
	entry.Write(loxcc.Bytes())
	zw.Close()

	if _, err := decodeProgram(tampered.Bytes()); !errors.Is(err, ErrSyncFailed) {
		t.Errorf("error = %v, want ErrSyncFailed", err)
	}
}

func TestDecodeProgramRejectsChecksumMismatch(t *testing.T) {
	document := []byte(testProgramXML)

	compressed := make([]byte, lz4.CompressBlockBound(len(document)))
	var compressor lz4.Compressor
	n, err := compressor.CompressBlock(document, compressed)
	if err != nil {
		t.Fatalf("compress: %v", err)
	}

	var loxcc bytes.Buffer
	binary.Write(&loxcc, binary.LittleEndian, uint32(loxccMagic))
	binary.Write(&loxcc, binary.LittleEndian, uint32(n))
	binary.Write(&loxcc, binary.LittleEndian, uint32(len(document)))
	binary.Write(&loxcc, binary.LittleEndian, uint32(0x12345678)) // wrong crc
	loxcc.Write(compressed[:n])

	var archive bytes.Buffer
	zw := zip.NewWriter(&archive)
	entry, _ := zw.Create("sps0.LoxCC")
	entry.Write(loxcc.Bytes())
	zw.Close()

	if _, err := decodeProgram(archive.Bytes()); !errors.Is(err, ErrSyncFailed) {
		t.Errorf("error = %v, want ErrSyncFailed", err)
	}
}

func TestDecodeProgramRejectsMissingEntry(t *testing.T) {
	var archive bytes.Buffer
	zw := zip.NewWriter(&archive)
	entry, _ := zw.Create("other.txt")
	entry.Write([]byte("nope"))
	zw.Close()

	if _, err := decodeProgram(archive.Bytes()); !errors.Is(err, ErrSyncFailed) {
		t.Errorf("error = %v, want ErrSyncFailed", err)
	}
}

func TestExtractVirtualInputs(t *testing.T) {
	inputs, err := extractVirtualInputs([]byte(testProgramXML))
	if err != nil {
		t.Fatalf("extractVirtualInputs: %v", err)
	}

	want := map[string]bool{
		"mqtt_kitchen_light":    true,
		"nested_toggle":         true,
		"mqtt_heating_setpoint": true,
	}
	if len(inputs) != len(want) {
		t.Fatalf("got %d inputs, want %d: %v", len(inputs), len(want), inputs)
	}
	for _, input := range inputs {
		if !want[input] {
			t.Errorf("unexpected input %q", input)
		}
	}
}

func TestExtractVirtualInputsIgnoresOtherSections(t *testing.T) {
	xmlDoc := `<Document><C Type="Room" Title="Kitchen"><C Title="inner"/></C></Document>`

	inputs, err := extractVirtualInputs([]byte(xmlDoc))
	if err != nil {
		t.Fatalf("extractVirtualInputs: %v", err)
	}
	if len(inputs) != 0 {
		t.Errorf("got %v, want no inputs outside VirtualInCaption", inputs)
	}
}

func TestExtractVirtualInputsRejectsMalformedXML(t *testing.T) {
	if _, err := extractVirtualInputs([]byte("<Document><C")); !errors.Is(err, ErrSyncFailed) {
		t.Errorf("error = %v, want ErrSyncFailed", err)
	}
}
