// Package gbl parses and validates Gecko Bootloader (GBL) firmware
// containers: a stream of tagged records terminated by an END record whose
// payload is a CRC-32 over everything before it.
package gbl

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/rs/zerolog/log"

	"github.com/NabuCasa/universal-silabs-flasher/pkg/firmware"
)

// Tag identifies a GBL record type.
type Tag uint32

const (
	TagHeaderV3    Tag = 0x03A617EB
	TagApplication Tag = 0xF40A0AF4
	TagBootloader  Tag = 0xF50909F5
	TagMetadata    Tag = 0xF60808F6
	TagProg        Tag = 0xFE0101FE
	TagSEUpgrade   Tag = 0x5EA617EB
	TagEraseProg   Tag = 0xFD0303FD
	TagEnd         Tag = 0xFC0404FC
)

func (t Tag) String() string {
	switch t {
	case TagHeaderV3:
		return "header-v3"
	case TagApplication:
		return "application"
	case TagBootloader:
		return "bootloader"
	case TagMetadata:
		return "metadata"
	case TagProg:
		return "prog"
	case TagSEUpgrade:
		return "se-upgrade"
	case TagEraseProg:
		return "eraseprog"
	case TagEnd:
		return "end"
	}
	return fmt.Sprintf("tag-0x%08X", uint32(t))
}

var (
	// ErrMalformed indicates a structural defect in the container.
	ErrMalformed = errors.New("malformed GBL container")

	// ErrChecksum indicates the trailing CRC-32 does not match.
	ErrChecksum = errors.New("GBL checksum mismatch")

	// ErrMissingMetadata indicates the image carries no parseable
	// NabuCasa metadata record.
	ErrMissingMetadata = errors.New("no firmware metadata in GBL image")
)

// Section is one tagged record of the container.
type Section struct {
	Tag  Tag
	Data []byte
}

// Image is a validated, immutable GBL container.
type Image struct {
	sections []Section
	raw      []byte
}

// Parse walks buf record by record, checks structure and the trailing
// CRC-32, and returns the parsed image. The buffer is not copied; callers
// must not mutate it afterwards.
func Parse(buf []byte) (*Image, error) {
	img := &Image{raw: buf}
	offset := 0
	sawEnd := false

	for offset < len(buf) {
		if len(buf)-offset < 8 {
			return nil, fmt.Errorf("%w: truncated record header at offset %d", ErrMalformed, offset)
		}
		tag := Tag(binary.LittleEndian.Uint32(buf[offset:]))
		length := int(binary.LittleEndian.Uint32(buf[offset+4:]))
		if length < 0 || length > len(buf)-offset-8 {
			return nil, fmt.Errorf("%w: record %s overruns buffer (length %d at offset %d)",
				ErrMalformed, tag, length, offset)
		}

		if offset == 0 && tag != TagHeaderV3 {
			return nil, fmt.Errorf("%w: first record is %s, want header-v3", ErrMalformed, tag)
		}
		if offset > 0 && tag == TagHeaderV3 {
			return nil, fmt.Errorf("%w: duplicate header-v3 at offset %d", ErrMalformed, offset)
		}

		data := buf[offset+8 : offset+8+length]
		img.sections = append(img.sections, Section{Tag: tag, Data: data})

		if tag == TagEnd {
			if length != 4 {
				return nil, fmt.Errorf("%w: end record payload is %d bytes, want 4", ErrMalformed, length)
			}
			// The CRC covers everything up to but excluding the four
			// checksum bytes, END tag and length words included.
			covered := buf[:offset+8]
			want := binary.LittleEndian.Uint32(data)
			got := crc32.ChecksumIEEE(covered)
			if got != want {
				return nil, fmt.Errorf("%w: computed 0x%08X, stored 0x%08X", ErrChecksum, got, want)
			}
			sawEnd = true
			offset += 8 + length
			break
		}

		offset += 8 + length
	}

	if !sawEnd {
		return nil, fmt.Errorf("%w: no end record", ErrMalformed)
	}
	if offset < len(buf) {
		log.Debug().Int("trailing", len(buf)-offset).Msg("GBL image has bytes after end record")
	}

	return img, nil
}

// Sections returns the parsed records in container order.
func (im *Image) Sections() []Section {
	return im.sections
}

// Serialize returns the original container bytes.
func (im *Image) Serialize() []byte {
	return im.raw
}

// FirmwareType returns the image type declared by the embedded metadata.
func (im *Image) FirmwareType() (firmware.ImageType, error) {
	md, err := im.Metadata()
	if err != nil {
		return "", err
	}
	if md.FWType == "" {
		return "", fmt.Errorf("%w: metadata has no fw_type", ErrMissingMetadata)
	}
	return firmware.ParseImageType(md.FWType)
}
