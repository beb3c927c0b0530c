package bootloader

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/sigurn/crc16"

	"github.com/NabuCasa/universal-silabs-flasher/pkg/transport"
)

// fakeBootloader models the Gecko bootloader menu and an XMODEM-CRC
// receiver behind the scripted transport.
type fakeBootloader struct {
	banner string

	buf       []byte
	uploading bool
	expectBlk byte
	received  []byte
	ran       bool

	// nakFirst makes the receiver NAK each block once before accepting.
	nakFirst  bool
	nakedOnce map[byte]bool

	// cancel makes the receiver emit CAN CAN at the first block.
	cancel bool
}

func newFakeBootloader(banner string) *fakeBootloader {
	return &fakeBootloader{banner: banner, expectBlk: 1, nakedOnce: map[byte]bool{}}
}

func (d *fakeBootloader) handle(written []byte) []byte {
	d.buf = append(d.buf, written...)
	var out []byte

	for len(d.buf) > 0 {
		if !d.uploading {
			b := d.buf[0]
			d.buf = d.buf[1:]
			switch b {
			case '\r':
				out = append(out, []byte(d.banner+"\r\n1. upload gbl\r\n2. run\r\n3. ebl info\r\nBL > ")...)
			case menuUploadGBL:
				d.uploading = true
				out = append(out, xmodemReady)
			case menuRun:
				d.ran = true
			}
			continue
		}

		// XMODEM receiver
		switch d.buf[0] {
		case xmodemEOT:
			d.buf = d.buf[1:]
			d.uploading = false
			out = append(out, xmodemACK)
		case xmodemSOH:
			if len(d.buf) < xmodemBlockSize+5 {
				return out // wait for the full block
			}
			block := d.buf[:xmodemBlockSize+5]
			d.buf = d.buf[xmodemBlockSize+5:]

			if d.cancel {
				out = append(out, xmodemCAN, xmodemCAN)
				continue
			}

			blkno, inv := block[1], block[2]
			payload := block[3 : 3+xmodemBlockSize]
			crc := uint16(block[xmodemBlockSize+3])<<8 | uint16(block[xmodemBlockSize+4])

			if inv != 255-blkno || crc != crc16.Checksum(payload, xmodemCRCTable) {
				out = append(out, xmodemNAK)
				continue
			}
			if d.nakFirst && !d.nakedOnce[blkno] {
				d.nakedOnce[blkno] = true
				out = append(out, xmodemNAK)
				continue
			}
			if blkno == d.expectBlk {
				d.received = append(d.received, payload...)
				d.expectBlk++
			}
			out = append(out, xmodemACK)
		default:
			d.buf = d.buf[1:]
		}
	}
	return out
}

func TestProbePromptOnly(t *testing.T) {
	m := transport.NewMock(115200)
	m.Handler = func(w []byte) []byte {
		if bytes.Contains(w, []byte{'\r'}) {
			return []byte("\r\nBL > ")
		}
		return nil
	}

	version, err := NewMenu(m).Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if version != "" {
		t.Errorf("version = %q, want empty for bare prompt", version)
	}
}

func TestProbeCapturesBanner(t *testing.T) {
	dev := newFakeBootloader("Gecko Bootloader v1.12.0")
	m := transport.NewMock(115200)
	m.Handler = dev.handle

	version, err := NewMenu(m).Probe(context.Background())
	if err != nil {
		t.Fatalf("Probe: %v", err)
	}
	if version != "1.12.0" {
		t.Errorf("version = %q, want 1.12.0", version)
	}
}

func TestProbeSilenceIsNoPrompt(t *testing.T) {
	m := transport.NewMock(115200)
	_, err := NewMenu(m).Probe(context.Background())
	if !errors.Is(err, ErrNoPrompt) {
		t.Fatalf("expected ErrNoPrompt, got %v", err)
	}
}

func TestXmodemBlockLayout(t *testing.T) {
	data := bytes.Repeat([]byte{0x5A}, 200)
	b1 := buildBlock(data, 0)
	b2 := buildBlock(data, 1)

	if b1[0] != xmodemSOH || b1[1] != 1 || b1[2] != 254 {
		t.Errorf("block 1 header = %x", b1[:3])
	}
	if b2[1] != 2 || b2[2] != 253 {
		t.Errorf("block 2 header = %x", b2[:3])
	}
	if len(b1) != xmodemBlockSize+5 {
		t.Errorf("block length = %d", len(b1))
	}

	// The short final block is padded with 0x1A.
	tail := b2[3 : 3+xmodemBlockSize]
	if !bytes.Equal(tail[:72], bytes.Repeat([]byte{0x5A}, 72)) {
		t.Error("block 2 data wrong")
	}
	if !bytes.Equal(tail[72:], bytes.Repeat([]byte{xmodemPadByte}, 56)) {
		t.Error("block 2 padding wrong")
	}

	// CRC-16/XMODEM over the padded data, big-endian on the wire.
	for _, b := range [][]byte{b1, b2} {
		payload := b[3 : 3+xmodemBlockSize]
		want := crc16.Checksum(payload, xmodemCRCTable)
		got := uint16(b[xmodemBlockSize+3])<<8 | uint16(b[xmodemBlockSize+4])
		if got != want {
			t.Errorf("wire CRC = 0x%04X, want 0x%04X", got, want)
		}
	}
}

func TestXmodemBlockNumberWrap(t *testing.T) {
	data := make([]byte, 257*xmodemBlockSize)
	if b := buildBlock(data, 254); b[1] != 255 {
		t.Errorf("block 255 number = %d", b[1])
	}
	if b := buildBlock(data, 255); b[1] != 0 {
		t.Errorf("block 256 number = %d, want wrap to 0", b[1])
	}
	if b := buildBlock(data, 256); b[1] != 1 {
		t.Errorf("block 257 number = %d", b[1])
	}
}

func TestFullUpload(t *testing.T) {
	// Three blocks: 384 bytes, the last one partially padded.
	data := make([]byte, 300)
	for i := range data {
		data[i] = byte(i)
	}

	dev := newFakeBootloader("Gecko Bootloader v2.0.1")
	m := transport.NewMock(115200)
	m.Handler = dev.handle

	menu := NewMenu(m)
	var progress [][2]int
	err := menu.Upload(context.Background(), data, func(block, total int) {
		progress = append(progress, [2]int{block, total})
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if err := menu.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := [][2]int{{1, 3}, {2, 3}, {3, 3}}
	if len(progress) != len(want) {
		t.Fatalf("progress = %v", progress)
	}
	for i := range want {
		if progress[i] != want[i] {
			t.Errorf("progress[%d] = %v, want %v", i, progress[i], want[i])
		}
	}

	if !bytes.Equal(dev.received[:300], data) {
		t.Error("received image differs from sent image")
	}
	if !bytes.Equal(dev.received[300:], bytes.Repeat([]byte{xmodemPadByte}, 84)) {
		t.Error("padding not received")
	}
	if !dev.ran {
		t.Error("menu run was never selected")
	}
}

func TestUploadRecoversFromNAK(t *testing.T) {
	data := bytes.Repeat([]byte{0xA5}, 256)

	dev := newFakeBootloader("Gecko Bootloader v2.0.1")
	dev.nakFirst = true
	m := transport.NewMock(115200)
	m.Handler = dev.handle

	if err := NewMenu(m).Upload(context.Background(), data, nil); err != nil {
		t.Fatalf("Upload with NAKs: %v", err)
	}
	if !bytes.Equal(dev.received, data) {
		t.Error("image corrupted across retransmits")
	}
}

func TestUploadAbortsOnDoubleCAN(t *testing.T) {
	dev := newFakeBootloader("Gecko Bootloader v2.0.1")
	dev.cancel = true
	m := transport.NewMock(115200)
	m.Handler = dev.handle

	err := NewMenu(m).Upload(context.Background(), bytes.Repeat([]byte{1}, 128), nil)
	if !errors.Is(err, ErrXmodemFailed) {
		t.Fatalf("expected ErrXmodemFailed, got %v", err)
	}
}

func TestUploadFailsWithoutHandshake(t *testing.T) {
	m := transport.NewMock(115200)
	// Menu selection is swallowed, no 'C' ever arrives.
	err := NewMenu(m).Upload(context.Background(), bytes.Repeat([]byte{1}, 128), nil)
	if !errors.Is(err, ErrXmodemFailed) {
		t.Fatalf("expected ErrXmodemFailed, got %v", err)
	}
}
