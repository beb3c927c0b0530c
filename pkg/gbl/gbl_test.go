package gbl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"testing"

	"github.com/NabuCasa/universal-silabs-flasher/pkg/firmware"
)

func appendRecord(buf []byte, tag Tag, data []byte) []byte {
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(tag))
	binary.LittleEndian.PutUint32(hdr[4:], uint32(len(data)))
	buf = append(buf, hdr[:]...)
	return append(buf, data...)
}

// buildImage assembles a well-formed container from the given records and
// seals it with an END record carrying the correct CRC-32.
func buildImage(records ...Section) []byte {
	var buf []byte
	for _, r := range records {
		buf = appendRecord(buf, r.Tag, r.Data)
	}
	buf = appendRecord(buf, TagEnd, nil)
	// Patch the END length to 4 and append the checksum.
	binary.LittleEndian.PutUint32(buf[len(buf)-4:], 4)
	crc := crc32.ChecksumIEEE(buf)
	var tail [4]byte
	binary.LittleEndian.PutUint32(tail[:], crc)
	return append(buf, tail[:]...)
}

const testMetadata = `{"metadata_version": 1, "sdk_version": "4.1.3", "ezsp_version": "7.1.3.0", "fw_type": "ncp-uart-hw", "baudrate": 115200}`

func validImage(t *testing.T) []byte {
	t.Helper()
	return buildImage(
		Section{Tag: TagHeaderV3, Data: []byte{3, 0, 0, 0, 0, 0, 0, 0}},
		Section{Tag: TagMetadata, Data: []byte(testMetadata)},
		Section{Tag: TagProg, Data: bytes.Repeat([]byte{0xAB}, 200)},
	)
}

func TestParseRoundTrip(t *testing.T) {
	buf := validImage(t)

	img, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	again, err := Parse(img.Serialize())
	if err != nil {
		t.Fatalf("Parse(Serialize): %v", err)
	}

	a, b := img.Sections(), again.Sections()
	if len(a) != len(b) {
		t.Fatalf("section count changed across round-trip: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Tag != b[i].Tag || !bytes.Equal(a[i].Data, b[i].Data) {
			t.Errorf("section %d differs across round-trip", i)
		}
	}
	if !bytes.Equal(img.Serialize(), buf) {
		t.Error("Serialize did not preserve the original buffer")
	}
}

func TestCRCRecompute(t *testing.T) {
	buf := validImage(t)
	img, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	raw := img.Serialize()
	stored := binary.LittleEndian.Uint32(raw[len(raw)-4:])
	if got := crc32.ChecksumIEEE(raw[:len(raw)-4]); got != stored {
		t.Errorf("recomputed CRC 0x%08X != stored 0x%08X", got, stored)
	}
}

func TestChecksumMismatch(t *testing.T) {
	buf := validImage(t)
	buf[len(buf)-1] ^= 0x01 // off-by-one in the stored CRC

	_, err := Parse(buf)
	if !errors.Is(err, ErrChecksum) {
		t.Fatalf("expected ErrChecksum, got %v", err)
	}
}

func TestHeaderMustBeFirst(t *testing.T) {
	buf := buildImage(
		Section{Tag: TagMetadata, Data: []byte(testMetadata)},
	)
	_, err := Parse(buf)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestDuplicateHeaderRejected(t *testing.T) {
	buf := buildImage(
		Section{Tag: TagHeaderV3, Data: []byte{3, 0, 0, 0}},
		Section{Tag: TagHeaderV3, Data: []byte{3, 0, 0, 0}},
	)
	_, err := Parse(buf)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestMissingEnd(t *testing.T) {
	var buf []byte
	buf = appendRecord(buf, TagHeaderV3, []byte{3, 0, 0, 0})
	buf = appendRecord(buf, TagProg, []byte{1, 2, 3})

	_, err := Parse(buf)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestRecordOverrun(t *testing.T) {
	var buf []byte
	buf = appendRecord(buf, TagHeaderV3, []byte{3, 0, 0, 0})
	var hdr [8]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(TagProg))
	binary.LittleEndian.PutUint32(hdr[4:], 0xFFFF) // claims far more than present
	buf = append(buf, hdr[:]...)
	buf = append(buf, 0x00)

	_, err := Parse(buf)
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestMetadata(t *testing.T) {
	img, err := Parse(validImage(t))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	md, err := img.Metadata()
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if md.FWType != "ncp-uart-hw" {
		t.Errorf("fw_type = %q", md.FWType)
	}
	if md.EZSPVersion != "7.1.3.0" || md.SDKVersion != "4.1.3" {
		t.Errorf("versions = %q / %q", md.EZSPVersion, md.SDKVersion)
	}
	if md.Baudrate != 115200 {
		t.Errorf("baudrate = %d", md.Baudrate)
	}

	ft, err := img.FirmwareType()
	if err != nil {
		t.Fatalf("FirmwareType: %v", err)
	}
	if ft != firmware.ImageNCPUartHW {
		t.Errorf("FirmwareType = %q", ft)
	}
}

func TestMetadataMissing(t *testing.T) {
	img, err := Parse(buildImage(
		Section{Tag: TagHeaderV3, Data: []byte{3, 0, 0, 0}},
		Section{Tag: TagProg, Data: []byte{1, 2, 3}},
	))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := img.Metadata(); !errors.Is(err, ErrMissingMetadata) {
		t.Fatalf("expected ErrMissingMetadata, got %v", err)
	}
}

func TestMetadataSchemaViolation(t *testing.T) {
	img, err := Parse(buildImage(
		Section{Tag: TagHeaderV3, Data: []byte{3, 0, 0, 0}},
		Section{Tag: TagMetadata, Data: []byte(`{"metadata_version": "one"}`)},
	))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := img.Metadata(); !errors.Is(err, ErrMissingMetadata) {
		t.Fatalf("expected ErrMissingMetadata, got %v", err)
	}
}

func TestMetadataWithVendorPadding(t *testing.T) {
	payload := append([]byte{0x00, 0x01}, []byte(testMetadata)...)
	payload = append(payload, 0xFF, 0xFF)
	img, err := Parse(buildImage(
		Section{Tag: TagHeaderV3, Data: []byte{3, 0, 0, 0}},
		Section{Tag: TagMetadata, Data: payload},
	))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	md, err := img.Metadata()
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if md.FWType != "ncp-uart-hw" {
		t.Errorf("fw_type = %q", md.FWType)
	}
}

func TestImageVersionSelection(t *testing.T) {
	img, err := Parse(validImage(t))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	v, err := img.Version(firmware.AppEZSP)
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if v.String() != "7.1.3.0" {
		t.Errorf("EZSP image version = %q, want ezsp_version", v)
	}

	v, err = img.Version(firmware.AppCPC)
	if err != nil {
		t.Fatalf("Version: %v", err)
	}
	if v.String() != "4.1.3" {
		t.Errorf("CPC image version = %q, want sdk_version", v)
	}
}
