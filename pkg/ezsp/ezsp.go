package ezsp

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/NabuCasa/universal-silabs-flasher/pkg/firmware"
	"github.com/NabuCasa/universal-silabs-flasher/pkg/transport"
)

// EZSP frame IDs used by the flasher
const (
	frameVersion                     uint16 = 0x0000
	frameGetMfgToken                 uint16 = 0x000B
	frameSetMfgToken                 uint16 = 0x000C
	frameGetEUI64                    uint16 = 0x0026
	frameGetValue                    uint16 = 0x00AA
	frameLaunchStandaloneBootloader  uint16 = 0x008F
	frameInvalidCommand              uint16 = 0x0058
	frameLaunchStandaloneBootloader8 uint16 = 0x008F

	// Manufacturing token IDs
	mfgTokenString uint8 = 0x01

	// TokenCustomEUI64 is the write-once manufacturing token holding the
	// custom IEEE EUI-64, little-endian.
	TokenCustomEUI64 uint8 = 0x02

	// Value IDs
	valueVersionInfo uint8 = 0x11

	// launchStandaloneBootloader modes
	bootloaderModeNormal uint8 = 0x01

	// The version command is always issued in the legacy format with
	// this protocol version first; the response reveals what the NCP
	// actually speaks.
	initialProtocolVersion uint8 = 0x04

	ezspSuccess byte = 0x00
)

// launchBootloaderFrameID returns the frame ID for launchStandaloneBootloader
// under the negotiated protocol version. The numeric ID is stable across
// versions but the encoding width is not, so the selection is kept explicit
// rather than hardcoded at the call site.
func launchBootloaderFrameID(protocolVersion uint8) uint16 {
	if protocolVersion >= 8 {
		return frameLaunchStandaloneBootloader8
	}
	return frameLaunchStandaloneBootloader
}

// Client is an EZSP command client over an ASH session.
type Client struct {
	ash *AshSession
	seq uint8

	// extended selects the 5-byte frame header used from protocol v8 on.
	extended bool

	protocolVersion uint8
	stackType       uint8
	stackVersion    uint16
}

// NewClient creates an EZSP client over the given transport.
func NewClient(t transport.Transport) *Client {
	return &Client{ash: NewAshSession(t)}
}

// Connect establishes the ASH session and negotiates the EZSP protocol
// version.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.ash.Connect(ctx); err != nil {
		return err
	}
	return c.negotiateVersion(ctx)
}

// ProtocolVersion returns the negotiated EZSP protocol version.
func (c *Client) ProtocolVersion() uint8 { return c.protocolVersion }

// StackType returns the stack type byte from the version response.
func (c *Client) StackType() uint8 { return c.stackType }

// StackVersion returns the nibble-encoded EmberZNet stack version.
func (c *Client) StackVersion() uint16 { return c.stackVersion }

// negotiateVersion performs the two-step version handshake: ask for the
// initial version, and if the NCP speaks another one, re-ask with that,
// switching to the extended frame format first when the NCP is v8+.
func (c *Client) negotiateVersion(ctx context.Context) error {
	c.seq = 0
	c.extended = false

	resp, err := c.Command(ctx, frameVersion, []byte{initialProtocolVersion})
	if err != nil {
		return fmt.Errorf("version negotiation: %w", err)
	}
	if len(resp) < 1 {
		return fmt.Errorf("%w: empty version response", ErrProtocol)
	}

	ncpVersion := resp[0]
	if ncpVersion != initialProtocolVersion {
		log.Debug().
			Uint8("requested", initialProtocolVersion).
			Uint8("ncp", ncpVersion).
			Msg("EZSP version mismatch, renegotiating")

		if ncpVersion >= 8 {
			c.extended = true
		}
		resp, err = c.Command(ctx, frameVersion, []byte{ncpVersion})
		if err != nil {
			return fmt.Errorf("version renegotiation: %w", err)
		}
	}

	if len(resp) < 4 {
		return fmt.Errorf("%w: version response too short (%d bytes)", ErrProtocol, len(resp))
	}

	c.protocolVersion = resp[0]
	c.stackType = resp[1]
	c.stackVersion = binary.LittleEndian.Uint16(resp[2:4])

	log.Info().
		Uint8("protocol", c.protocolVersion).
		Uint8("stackType", c.stackType).
		Str("stack", c.StackVersionString()).
		Msg("EZSP version negotiated")

	return nil
}

// Command sends an EZSP command and returns the response parameters.
func (c *Client) Command(ctx context.Context, frameID uint16, params []byte) ([]byte, error) {
	seq := c.seq
	c.seq++

	var frame []byte
	if c.extended {
		// seq(1) + frameControl(2) + frameID(2 LE) + params;
		// FC low byte 0x01 selects frame format version 1.
		frame = make([]byte, 0, 5+len(params))
		frame = append(frame, seq, 0x01, 0x00)
		frame = append(frame, byte(frameID), byte(frameID>>8))
	} else {
		// seq(1) + frameControl(1) + frameID(1) + params
		frame = make([]byte, 0, 3+len(params))
		frame = append(frame, seq, 0x00, byte(frameID))
	}
	frame = append(frame, params...)

	log.Debug().
		Uint8("seq", seq).
		Uint16("frameID", frameID).
		Int("params", len(params)).
		Msg("EZSP TX command")

	if err := c.ash.Send(ctx, frame); err != nil {
		return nil, fmt.Errorf("send EZSP command 0x%04X: %w", frameID, err)
	}

	for {
		data, err := c.ash.Recv(ctx)
		if err != nil {
			return nil, fmt.Errorf("await EZSP response 0x%04X: %w", frameID, err)
		}

		respSeq, respID, respParams, ok := c.parseFrame(data)
		if !ok {
			continue
		}
		if respSeq == seq && respID == frameInvalidCommand {
			return nil, fmt.Errorf("%w: NCP rejected command 0x%04X", ErrProtocol, frameID)
		}
		if respSeq != seq || respID != frameID {
			// Callback or stale response; probing issues one command at
			// a time, so anything unmatched is dropped.
			log.Debug().
				Uint8("seq", respSeq).
				Uint16("frameID", respID).
				Msg("EZSP unmatched frame dropped")
			continue
		}
		return respParams, nil
	}
}

func (c *Client) parseFrame(data []byte) (seq uint8, frameID uint16, params []byte, ok bool) {
	if c.extended {
		if len(data) < 5 {
			return 0, 0, nil, false
		}
		return data[0], binary.LittleEndian.Uint16(data[3:5]), data[5:], true
	}
	if len(data) < 3 {
		return 0, 0, nil, false
	}
	return data[0], uint16(data[2]), data[3:], true
}

// GetMfgToken reads a manufacturing token. The response carries a length
// byte followed by the token bytes.
func (c *Client) GetMfgToken(ctx context.Context, token uint8) ([]byte, error) {
	resp, err := c.Command(ctx, frameGetMfgToken, []byte{token})
	if err != nil {
		return nil, err
	}
	if len(resp) < 1 {
		return nil, fmt.Errorf("%w: empty getMfgToken response", ErrProtocol)
	}
	n := int(resp[0])
	if len(resp)-1 < n {
		return nil, fmt.Errorf("%w: getMfgToken claims %d bytes, has %d", ErrProtocol, n, len(resp)-1)
	}
	return resp[1 : 1+n], nil
}

// SetMfgToken writes a manufacturing token. Most tokens are write-once;
// the NCP reports a non-zero status when the token is already programmed.
func (c *Client) SetMfgToken(ctx context.Context, token uint8, value []byte) error {
	params := make([]byte, 0, 2+len(value))
	params = append(params, token, byte(len(value)))
	params = append(params, value...)

	resp, err := c.Command(ctx, frameSetMfgToken, params)
	if err != nil {
		return err
	}
	if len(resp) < 1 || resp[0] != ezspSuccess {
		status := byte(0xFF)
		if len(resp) >= 1 {
			status = resp[0]
		}
		return fmt.Errorf("%w: setMfgToken 0x%02X failed, status 0x%02X", ErrProtocol, token, status)
	}
	return nil
}

// GetValue reads an EZSP value. The response is status, length, bytes.
func (c *Client) GetValue(ctx context.Context, id uint8) ([]byte, error) {
	resp, err := c.Command(ctx, frameGetValue, []byte{id})
	if err != nil {
		return nil, err
	}
	if len(resp) < 2 {
		return nil, fmt.Errorf("%w: short getValue response", ErrProtocol)
	}
	if resp[0] != ezspSuccess {
		return nil, fmt.Errorf("%w: getValue 0x%02X failed, status 0x%02X", ErrProtocol, id, resp[0])
	}
	n := int(resp[1])
	if len(resp)-2 < n {
		return nil, fmt.Errorf("%w: getValue claims %d bytes, has %d", ErrProtocol, n, len(resp)-2)
	}
	return resp[2 : 2+n], nil
}

// VersionInfo reads the detailed build version via getValue.
func (c *Client) VersionInfo(ctx context.Context) ([]byte, error) {
	return c.GetValue(ctx, valueVersionInfo)
}

// GetEUI64 reads the node's IEEE address (little-endian on the wire).
func (c *Client) GetEUI64(ctx context.Context) ([8]byte, error) {
	resp, err := c.Command(ctx, frameGetEUI64, nil)
	if err != nil {
		return [8]byte{}, err
	}
	if len(resp) < 8 {
		return [8]byte{}, fmt.Errorf("%w: EUI64 response too short", ErrProtocol)
	}
	var eui [8]byte
	copy(eui[:], resp[:8])
	return eui, nil
}

// AppVersion determines the running firmware version: the manufacturing
// build string when programmed ("7.1.3.0 GA"), the nibble-decoded stack
// version otherwise.
func (c *Client) AppVersion(ctx context.Context) (firmware.Version, error) {
	tok, err := c.GetMfgToken(ctx, mfgTokenString)
	if err == nil {
		if v, ok := parseBuildString(tok); ok {
			return v, nil
		}
	} else {
		log.Debug().Err(err).Msg("MFG_STRING read failed, falling back to stack version")
	}

	return firmware.ParseVersion(c.StackVersionString())
}

// StackVersionString renders the nibble-encoded stack version, e.g.
// 0x6771 -> "6.7.7.1".
func (c *Client) StackVersionString() string {
	v := c.stackVersion
	return fmt.Sprintf("%d.%d.%d.%d", (v>>12)&0xF, (v>>8)&0xF, (v>>4)&0xF, v&0xF)
}

// LaunchBootloader reboots the NCP into the standalone Gecko bootloader.
// On success the link drops; the caller owns the transport recovery.
func (c *Client) LaunchBootloader(ctx context.Context) error {
	id := launchBootloaderFrameID(c.protocolVersion)
	resp, err := c.Command(ctx, id, []byte{bootloaderModeNormal})
	if err != nil {
		return err
	}
	if len(resp) < 1 || resp[0] != ezspSuccess {
		status := byte(0xFF)
		if len(resp) >= 1 {
			status = resp[0]
		}
		return fmt.Errorf("%w: launchStandaloneBootloader refused, status 0x%02X", ErrProtocol, status)
	}
	log.Info().Msg("NCP rebooting into bootloader")
	return nil
}

// parseBuildString extracts a version from a manufacturing build string.
// The token is fixed-width, NUL or 0xFF padded.
func parseBuildString(tok []byte) (firmware.Version, bool) {
	s := string(bytes.TrimRight(bytes.TrimRight(tok, "\xff"), "\x00"))
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return firmware.Version{}, false
	}
	v, err := firmware.ParseVersion(fields[0])
	if err != nil {
		return firmware.Version{}, false
	}
	return v, true
}

// Probe performs the minimal EZSP identification exchange: ASH reset,
// version negotiation, app version read.
func Probe(ctx context.Context, t transport.Transport) (firmware.Version, error) {
	c := NewClient(t)
	if err := c.Connect(ctx); err != nil {
		return firmware.Version{}, err
	}
	return c.AppVersion(ctx)
}
