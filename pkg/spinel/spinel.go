package spinel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sigurn/crc16"

	"github.com/NabuCasa/universal-silabs-flasher/pkg/firmware"
	"github.com/NabuCasa/universal-silabs-flasher/pkg/transport"
)

// Spinel commands
const (
	cmdReset        = 0x01
	cmdPropValueGet = 0x02
	cmdPropValueSet = 0x03
	cmdPropValueIs  = 0x06
)

// Spinel properties
const (
	PropLastStatus uint32 = 0x00
	PropNCPVersion uint32 = 0x02
	PropCaps       uint32 = 0x05

	// Vendor property requesting a reboot into the Gecko bootloader.
	PropStreamBootloader uint32 = 0x3C00
)

const (
	headerFlag = 0x80

	responseTimeout = 1 * time.Second
	commandRetries  = 3
	badFrameBudget  = 10
)

var (
	// ErrForeignTraffic indicates the 0x7E-delimited frames on the link
	// belong to ASH, not Spinel.
	ErrForeignTraffic = errors.New("non-Spinel traffic on link")

	// ErrSessionFailed indicates retries or the bad-frame budget ran out.
	ErrSessionFailed = errors.New("Spinel session failed")

	// ErrProtocol indicates an unexpected but well-formed response.
	ErrProtocol = errors.New("Spinel protocol error")
)

var ashCRCTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// Session is a TID-matched Spinel request/response session. One request
// is outstanding at a time; unmatched responses are dropped.
type Session struct {
	t   transport.Transport
	tid uint8
	iid uint8

	badFrames int
	foreign   int
}

// NewSession creates a Spinel session over the given transport.
func NewSession(t transport.Transport) *Session {
	return &Session{t: t}
}

func (s *Session) nextTID() uint8 {
	s.tid++
	if s.tid > 15 {
		s.tid = 1
	}
	return s.tid
}

// command sends one Spinel command and waits for the TID-matched response,
// retrying within the configured window.
func (s *Session) command(ctx context.Context, cmd byte, payload []byte) (byte, []byte, error) {
	tid := s.nextTID()
	header := byte(headerFlag | (s.iid << 4) | tid)

	frame := make([]byte, 0, 2+len(payload))
	frame = append(frame, header, cmd)
	frame = append(frame, payload...)
	wire := hdlcEncode(frame)

	var lastErr error
	for attempt := 0; attempt < commandRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return 0, nil, err
		}

		log.Debug().Uint8("tid", tid).Uint8("cmd", cmd).Int("attempt", attempt+1).Msg("Spinel TX")
		if err := transport.WriteAll(s.t, wire); err != nil {
			return 0, nil, fmt.Errorf("write Spinel frame: %w", err)
		}

		deadline := time.Now().Add(responseTimeout)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}

		for {
			data, err := s.readFrame(deadline)
			if errors.Is(err, transport.ErrTimeout) {
				lastErr = err
				break
			}
			if err != nil {
				return 0, nil, err
			}
			if len(data) < 2 {
				continue
			}
			respHeader, respCmd := data[0], data[1]
			if respHeader&0x0F != tid {
				// Unsolicited (tid 0) or stale; drop it.
				log.Debug().Uint8("tid", respHeader&0x0F).Msg("Spinel unmatched frame dropped")
				continue
			}
			return respCmd, data[2:], nil
		}
	}

	if s.foreign > 0 {
		return 0, nil, fmt.Errorf("%w: ASH-like frames while waiting for Spinel response", ErrForeignTraffic)
	}
	return 0, nil, fmt.Errorf("%w: no response to command 0x%02X: %v", ErrSessionFailed, cmd, lastErr)
}

// GetProperty issues PROP_VALUE_GET and returns the property value from
// the matching PROP_VALUE_IS.
func (s *Session) GetProperty(ctx context.Context, prop uint32) ([]byte, error) {
	respCmd, data, err := s.command(ctx, cmdPropValueGet, packUint(prop))
	if err != nil {
		return nil, err
	}
	return propertyValue(respCmd, data, prop)
}

// SetProperty issues PROP_VALUE_SET and returns the confirmed value.
func (s *Session) SetProperty(ctx context.Context, prop uint32, value []byte) ([]byte, error) {
	payload := append(packUint(prop), value...)
	respCmd, data, err := s.command(ctx, cmdPropValueSet, payload)
	if err != nil {
		return nil, err
	}
	return propertyValue(respCmd, data, prop)
}

func propertyValue(respCmd byte, data []byte, want uint32) ([]byte, error) {
	if respCmd != cmdPropValueIs {
		return nil, fmt.Errorf("%w: response command 0x%02X", ErrProtocol, respCmd)
	}
	prop, n := unpackUint(data)
	if n == 0 {
		return nil, fmt.Errorf("%w: truncated property id", ErrProtocol)
	}
	if prop != want {
		if prop == PropLastStatus {
			status, _ := unpackUint(data[n:])
			return nil, fmt.Errorf("%w: NCP status %d for property 0x%X", ErrProtocol, status, want)
		}
		return nil, fmt.Errorf("%w: property 0x%X in response to 0x%X", ErrProtocol, prop, want)
	}
	return data[n:], nil
}

// NCPVersion returns the firmware identification string, e.g.
// "SL-OPENTHREAD/2.4.4.0_GitHub-7074a43e4; EFR32; Mar 14 2023 12:00:00".
func (s *Session) NCPVersion(ctx context.Context) (string, error) {
	value, err := s.GetProperty(ctx, PropNCPVersion)
	if err != nil {
		return "", err
	}
	return string(bytes.TrimRight(value, "\x00")), nil
}

// Caps returns the NCP capability list.
func (s *Session) Caps(ctx context.Context) ([]uint32, error) {
	value, err := s.GetProperty(ctx, PropCaps)
	if err != nil {
		return nil, err
	}
	var caps []uint32
	for len(value) > 0 {
		c, n := unpackUint(value)
		if n == 0 {
			return nil, fmt.Errorf("%w: truncated capability list", ErrProtocol)
		}
		caps = append(caps, c)
		value = value[n:]
	}
	return caps, nil
}

// ProbeVersion identifies a Spinel NCP and parses its firmware version
// out of the NCP version string.
func (s *Session) ProbeVersion(ctx context.Context) (firmware.Version, error) {
	ver, err := s.NCPVersion(ctx)
	if err != nil {
		return firmware.Version{}, err
	}
	return ParseNCPVersion(ver)
}

// LaunchBootloader requests a reboot into the Gecko bootloader via the
// vendor stream property. The confirmation may be cut short by the reboot.
func (s *Session) LaunchBootloader(ctx context.Context) error {
	_, err := s.SetProperty(ctx, PropStreamBootloader, []byte{0x01})
	if err != nil && errors.Is(err, ErrSessionFailed) {
		// The NCP may reset before the PROP_VALUE_IS makes it out.
		log.Debug().Msg("no reply to bootloader reboot request; NCP is resetting")
		return nil
	}
	if err != nil {
		return err
	}
	log.Info().Msg("Spinel NCP rebooting into bootloader")
	return nil
}

var versionPattern = regexp.MustCompile(`\d+(?:\.\d+)+(?:_[0-9A-Za-z-]+)?`)

// ParseNCPVersion extracts the numeric firmware version from an NCP
// version string.
func ParseNCPVersion(s string) (firmware.Version, error) {
	match := versionPattern.FindString(s)
	if match == "" {
		return firmware.Version{}, fmt.Errorf("%w: no version in %q", ErrProtocol, s)
	}
	return firmware.ParseVersion(match)
}

// readFrame returns the next valid HDLC-lite frame body. Malformed frames
// are dropped and the stream resynchronizes on the next delimiter; frames
// that validate as ASH control frames count toward foreign detection.
func (s *Session) readFrame(deadline time.Time) ([]byte, error) {
	buf := make([]byte, 0, 64)
	for {
		b, err := transport.ReadByte(s.t, deadline)
		if err != nil {
			return nil, err
		}
		if b != hdlcFlag {
			buf = append(buf, b)
			if len(buf) > maxFrameLen {
				buf = buf[:0]
			}
			continue
		}
		if len(buf) == 0 {
			continue // empty inter-frame bytes
		}

		data, ok := hdlcDecode(buf)
		if ok {
			s.badFrames = 0
			return data, nil
		}
		if looksLikeASH(buf) {
			s.foreign++
		}
		buf = buf[:0]
		s.badFrames++
		if s.badFrames >= badFrameBudget {
			return nil, fmt.Errorf("%w: %d consecutive bad frames", ErrSessionFailed, s.badFrames)
		}
	}
}

// looksLikeASH reports whether a frame body that failed HDLC-lite
// validation is a valid ASH control frame (big-endian CCITT-FALSE CRC):
// the signature of probing an EZSP NCP with the wrong protocol.
func looksLikeASH(body []byte) bool {
	if len(body) < 3 || len(body) > 5 {
		return false
	}
	data := body[:len(body)-2]
	crc := uint16(body[len(body)-2])<<8 | uint16(body[len(body)-1])
	return crc16.Checksum(data, ashCRCTable) == crc && data[0]&0x80 != 0
}
