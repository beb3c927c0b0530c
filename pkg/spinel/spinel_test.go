package spinel

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/sigurn/crc16"

	"github.com/NabuCasa/universal-silabs-flasher/pkg/transport"
)

func TestHDLCRoundTrip(t *testing.T) {
	cases := [][]byte{
		{0x81, 0x02, 0x02},
		{0x7E, 0x7D, 0x00},
		bytes.Repeat([]byte{0x7E}, 16),
		{},
	}
	for _, in := range cases {
		if len(in) == 0 {
			continue
		}
		wire := hdlcEncode(in)
		if wire[0] != hdlcFlag || wire[len(wire)-1] != hdlcFlag {
			t.Errorf("frame for %x not flag-delimited", in)
		}
		body := wire[1 : len(wire)-1]
		for _, b := range body {
			if b == hdlcFlag {
				t.Errorf("frame body for %x contains raw flag", in)
			}
		}
		out, ok := hdlcDecode(body)
		if !ok {
			t.Errorf("decode(encode(%x)) failed FCS", in)
			continue
		}
		if !bytes.Equal(out, in) {
			t.Errorf("decode(encode(%x)) = %x", in, out)
		}
	}
}

func TestHDLCDecodeRejectsCorruption(t *testing.T) {
	wire := hdlcEncode([]byte{0x81, 0x06, 0x02})
	body := append([]byte(nil), wire[1:len(wire)-1]...)
	body[0] ^= 0x01
	if _, ok := hdlcDecode(body); ok {
		t.Error("corrupt frame passed FCS")
	}
}

func TestPackUintRoundTrip(t *testing.T) {
	for _, v := range []uint32{0, 1, 0x7F, 0x80, 0x2000, PropStreamBootloader, 0xFFFFFFF} {
		enc := packUint(v)
		got, n := unpackUint(enc)
		if n != len(enc) || got != v {
			t.Errorf("unpack(pack(0x%X)) = 0x%X (%d bytes)", v, got, n)
		}
	}
	if len(packUint(0x7F)) != 1 || len(packUint(0x80)) != 2 {
		t.Error("packed width wrong around the 7-bit boundary")
	}
}

// fakeNCP answers Spinel commands over HDLC-lite.
type fakeNCP struct {
	buf     []byte
	respond func(header, cmd byte, payload []byte) []byte
}

func (n *fakeNCP) handle(written []byte) []byte {
	n.buf = append(n.buf, written...)
	var out []byte
	for {
		start := bytes.IndexByte(n.buf, hdlcFlag)
		if start < 0 {
			return out
		}
		end := bytes.IndexByte(n.buf[start+1:], hdlcFlag)
		if end < 0 {
			return out
		}
		body := n.buf[start+1 : start+1+end]
		n.buf = n.buf[start+1+end:]
		if len(body) == 0 {
			continue
		}
		data, ok := hdlcDecode(body)
		if !ok {
			continue
		}
		if resp := n.respond(data[0], data[1], data[2:]); resp != nil {
			out = append(out, hdlcEncode(resp)...)
		}
	}
}

func propValueIs(header byte, prop uint32, value []byte) []byte {
	resp := []byte{header, cmdPropValueIs}
	resp = append(resp, packUint(prop)...)
	return append(resp, value...)
}

func TestProbeVersion(t *testing.T) {
	const banner = "SL-OPENTHREAD/2.4.4.0_GitHub-7074a43e4; EFR32; Mar 14 2023 12:00:00"
	ncp := &fakeNCP{}
	ncp.respond = func(header, cmd byte, payload []byte) []byte {
		if cmd != cmdPropValueGet {
			t.Errorf("cmd = 0x%02X", cmd)
			return nil
		}
		prop, _ := unpackUint(payload)
		if prop != PropNCPVersion {
			t.Errorf("prop = 0x%X", prop)
			return nil
		}
		return propValueIs(header, PropNCPVersion, append([]byte(banner), 0x00))
	}

	m := transport.NewMock(460800)
	m.Handler = ncp.handle

	v, err := NewSession(m).ProbeVersion(context.Background())
	if err != nil {
		t.Fatalf("ProbeVersion: %v", err)
	}
	if v.String() != "2.4.4.0-GitHub-7074a43e4" {
		t.Errorf("version = %q", v)
	}
}

func TestTIDMatching(t *testing.T) {
	ncp := &fakeNCP{}
	ncp.respond = func(header, cmd byte, payload []byte) []byte {
		// The fake simply answers; the unsolicited frame (tid 0) is
		// queued on the raw transport below.
		prop, _ := unpackUint(payload)
		return propValueIs(header, prop, []byte("OPENTHREAD/1.2.3"))
	}

	m := transport.NewMock(460800)
	m.Handler = ncp.handle
	// An unsolicited tid-0 frame already sitting in the receive buffer
	// must be skipped in favor of the TID-matched response.
	m.Queue(hdlcEncode(propValueIs(headerFlag, PropLastStatus, packUint(0))))

	ver, err := NewSession(m).NCPVersion(context.Background())
	if err != nil {
		t.Fatalf("NCPVersion: %v", err)
	}
	if ver != "OPENTHREAD/1.2.3" {
		t.Errorf("version string = %q", ver)
	}
}

func TestCaps(t *testing.T) {
	ncp := &fakeNCP{}
	ncp.respond = func(header, cmd byte, payload []byte) []byte {
		want := append(packUint(1), packUint(2)...)
		want = append(want, packUint(0x203)...)
		return propValueIs(header, PropCaps, want)
	}

	m := transport.NewMock(460800)
	m.Handler = ncp.handle

	caps, err := NewSession(m).Caps(context.Background())
	if err != nil {
		t.Fatalf("Caps: %v", err)
	}
	want := []uint32{1, 2, 0x203}
	if len(caps) != len(want) {
		t.Fatalf("caps = %v", caps)
	}
	for i := range want {
		if caps[i] != want[i] {
			t.Errorf("caps[%d] = 0x%X, want 0x%X", i, caps[i], want[i])
		}
	}
}

func TestLastStatusSurfacedAsError(t *testing.T) {
	ncp := &fakeNCP{}
	ncp.respond = func(header, cmd byte, payload []byte) []byte {
		// PROP_LAST_STATUS 3 = invalid argument
		return propValueIs(header, PropLastStatus, packUint(3))
	}

	m := transport.NewMock(460800)
	m.Handler = ncp.handle

	_, err := NewSession(m).GetProperty(context.Background(), PropNCPVersion)
	if !errors.Is(err, ErrProtocol) {
		t.Fatalf("expected ErrProtocol, got %v", err)
	}
}

func TestForeignASHDetected(t *testing.T) {
	m := transport.NewMock(460800)
	m.Handler = func(w []byte) []byte {
		// A valid ASH NAK frame: control 0xA0, big-endian CCITT-FALSE CRC.
		nak := []byte{0xA0}
		crc := crc16.Checksum(nak, ashCRCTable)
		frame := append(nak, byte(crc>>8), byte(crc&0xFF))
		return append(append([]byte{hdlcFlag}, frame...), hdlcFlag)
	}

	_, err := NewSession(m).NCPVersion(context.Background())
	if !errors.Is(err, ErrForeignTraffic) {
		t.Fatalf("expected ErrForeignTraffic, got %v", err)
	}
}

func TestSilentDeviceFailsSession(t *testing.T) {
	m := transport.NewMock(460800)
	_, err := NewSession(m).NCPVersion(context.Background())
	if !errors.Is(err, ErrSessionFailed) {
		t.Fatalf("expected ErrSessionFailed, got %v", err)
	}
}

func TestLaunchBootloaderToleratesSilence(t *testing.T) {
	m := transport.NewMock(460800)
	var sawSet bool
	m.Handler = func(w []byte) []byte {
		sawSet = true
		return nil // device is already resetting
	}

	if err := NewSession(m).LaunchBootloader(context.Background()); err != nil {
		t.Fatalf("LaunchBootloader: %v", err)
	}
	if !sawSet {
		t.Error("nothing was written to the device")
	}
}
