// Package cpc implements enough of the Silicon Labs Co-Processor
// Communication link to identify a CPC secondary and reboot it into the
// Gecko bootloader: HDLC frames with a fixed 7-byte header, and the
// system-endpoint property commands.
package cpc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sigurn/crc16"

	"github.com/NabuCasa/universal-silabs-flasher/pkg/firmware"
	"github.com/NabuCasa/universal-silabs-flasher/pkg/transport"
)

const (
	cpcFlag       = 0x14
	cpcHeaderSize = 7

	// Endpoint 0 is the system endpoint. The secondary answers the
	// version query from endpoint 15, its version service.
	EndpointSystem           = 0
	EndpointSecondaryVersion = 15

	// Unnumbered-information control byte; the probing exchanges never
	// open a numbered connection.
	controlUnnumbered = 0xC0

	// System endpoint commands
	cmdPropertyGet = 0x02
	cmdPropertySet = 0x03
	cmdPropertyIs  = 0x04

	// Properties
	PropSecondaryVersion     uint16 = 0x0003
	PropBootloaderRebootMode uint16 = 0x0202
	PropReboot               uint16 = 0x0203

	rebootModeBootloader = 0x01

	responseTimeout = 1 * time.Second
	badFrameBudget  = 10
)

var (
	// ErrForeignTraffic indicates the link is carrying frames that are
	// not CPC; the probe should give up on this method early.
	ErrForeignTraffic = errors.New("non-CPC traffic on link")

	// ErrSessionFailed indicates too many malformed frames or a dead link.
	ErrSessionFailed = errors.New("CPC session failed")

	// ErrProtocol indicates a well-framed but nonsensical response.
	ErrProtocol = errors.New("CPC protocol error")
)

var crcTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

// Frame is one CPC HDLC frame.
type Frame struct {
	Endpoint byte
	Control  byte
	Payload  []byte
}

// Encode serializes the frame: flag, 16-bit length, endpoint, control,
// header checksum, payload, payload checksum. The length field counts the
// payload plus its trailing FCS.
func (f *Frame) Encode() []byte {
	payloadLen := 0
	if len(f.Payload) > 0 {
		payloadLen = len(f.Payload) + 2
	}

	out := make([]byte, 0, cpcHeaderSize+payloadLen)
	out = append(out, cpcFlag)
	out = binary.LittleEndian.AppendUint16(out, uint16(payloadLen))
	out = append(out, f.Endpoint, f.Control)

	hcs := crc16.Checksum(out[:5], crcTable)
	out = binary.LittleEndian.AppendUint16(out, hcs)

	if len(f.Payload) > 0 {
		out = append(out, f.Payload...)
		fcs := crc16.Checksum(f.Payload, crcTable)
		out = binary.LittleEndian.AppendUint16(out, fcs)
	}
	return out
}

// Session drives the CPC link for probing and bootloader entry.
type Session struct {
	t   transport.Transport
	seq uint8

	buf       []byte
	badFrames int
	foreign   int
}

// NewSession creates a CPC session over the given transport.
func NewSession(t transport.Transport) *Session {
	return &Session{t: t}
}

// ProbeVersion queries the secondary's CPC version over the system
// endpoint. The response carries three little-endian u32 components.
func (s *Session) ProbeVersion(ctx context.Context) (firmware.Version, error) {
	value, err := s.GetProperty(ctx, EndpointSystem, PropSecondaryVersion)
	if err != nil {
		return firmware.Version{}, err
	}
	if len(value) < 12 {
		return firmware.Version{}, fmt.Errorf("%w: version payload is %d bytes, want 12", ErrProtocol, len(value))
	}

	major := binary.LittleEndian.Uint32(value[0:4])
	minor := binary.LittleEndian.Uint32(value[4:8])
	patch := binary.LittleEndian.Uint32(value[8:12])
	return firmware.ParseVersion(fmt.Sprintf("%d.%d.%d", major, minor, patch))
}

// LaunchBootloader asks the secondary to reboot into the Gecko bootloader:
// select the bootloader reboot mode, then trigger the reboot. The second
// set may never be answered; the device drops the link while rebooting.
func (s *Session) LaunchBootloader(ctx context.Context) error {
	if _, err := s.SetProperty(ctx, EndpointSystem, PropBootloaderRebootMode, []byte{rebootModeBootloader, 0, 0, 0}); err != nil {
		return fmt.Errorf("select bootloader reboot mode: %w", err)
	}

	if _, err := s.SetProperty(ctx, EndpointSystem, PropReboot, []byte{0x01}); err != nil {
		if errors.Is(err, transport.ErrTimeout) {
			log.Debug().Msg("no reply to reboot request; secondary is resetting")
			return nil
		}
		return fmt.Errorf("trigger reboot: %w", err)
	}
	log.Info().Msg("CPC secondary rebooting into bootloader")
	return nil
}

// GetProperty issues PROP_GET and waits for the matching PROP_IS.
func (s *Session) GetProperty(ctx context.Context, endpoint byte, prop uint16) ([]byte, error) {
	return s.propertyCommand(ctx, endpoint, cmdPropertyGet, prop, nil)
}

// SetProperty issues PROP_SET and waits for the confirming PROP_IS.
func (s *Session) SetProperty(ctx context.Context, endpoint byte, prop uint16, value []byte) ([]byte, error) {
	return s.propertyCommand(ctx, endpoint, cmdPropertySet, prop, value)
}

func (s *Session) propertyCommand(ctx context.Context, endpoint, cmd byte, prop uint16, value []byte) ([]byte, error) {
	seq := s.seq
	s.seq++

	payload := make([]byte, 0, 4+len(value))
	payload = append(payload, cmd, seq)
	payload = binary.LittleEndian.AppendUint16(payload, prop)
	payload = append(payload, value...)

	f := &Frame{Endpoint: endpoint, Control: controlUnnumbered, Payload: payload}
	log.Debug().
		Uint8("endpoint", endpoint).
		Uint8("cmd", cmd).
		Uint16("prop", prop).
		Msg("CPC TX property command")

	if err := transport.WriteAll(s.t, f.Encode()); err != nil {
		return nil, fmt.Errorf("write CPC frame: %w", err)
	}

	deadline := time.Now().Add(responseTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		resp, err := s.readFrame(deadline)
		if err != nil {
			if errors.Is(err, transport.ErrTimeout) && s.foreign > 0 {
				return nil, fmt.Errorf("%w: %d foreign bytes while waiting for CPC response", ErrForeignTraffic, s.foreign)
			}
			return nil, err
		}

		// Version replies may originate from the secondary's version
		// endpoint instead of echoing the system endpoint.
		if resp.Endpoint != endpoint && resp.Endpoint != EndpointSecondaryVersion {
			continue
		}
		if len(resp.Payload) < 4 || resp.Payload[0] != cmdPropertyIs || resp.Payload[1] != seq {
			continue
		}
		if binary.LittleEndian.Uint16(resp.Payload[2:4]) != prop {
			continue
		}
		return resp.Payload[4:], nil
	}
}

// readFrame scans the byte stream for the next valid CPC frame. Bytes
// before a plausible header are discarded; a 0x7E among them is a strong
// hint that an ASH or Spinel node owns this link.
func (s *Session) readFrame(deadline time.Time) (*Frame, error) {
	var one [1]byte
	for {
		// Resynchronize on the flag byte.
		for len(s.buf) > 0 && s.buf[0] != cpcFlag {
			if s.buf[0] == 0x7E {
				s.foreign++
			}
			s.buf = s.buf[1:]
		}

		if len(s.buf) >= cpcHeaderSize {
			hcs := binary.LittleEndian.Uint16(s.buf[5:7])
			if crc16.Checksum(s.buf[:5], crcTable) != hcs {
				s.buf = s.buf[1:] // false flag byte, keep scanning
				if s.countBadFrame() {
					return nil, fmt.Errorf("%w: header checksum failures", ErrSessionFailed)
				}
				continue
			}

			total := int(binary.LittleEndian.Uint16(s.buf[1:3]))
			if len(s.buf) >= cpcHeaderSize+total {
				raw := s.buf[:cpcHeaderSize+total]
				s.buf = s.buf[cpcHeaderSize+total:]

				f := &Frame{Endpoint: raw[3], Control: raw[4]}
				if total > 0 {
					if total < 2 {
						if s.countBadFrame() {
							return nil, fmt.Errorf("%w: runt payload", ErrSessionFailed)
						}
						continue
					}
					payload := raw[cpcHeaderSize : cpcHeaderSize+total-2]
					fcs := binary.LittleEndian.Uint16(raw[cpcHeaderSize+total-2:])
					if crc16.Checksum(payload, crcTable) != fcs {
						log.Debug().Msg("CPC payload checksum mismatch, dropping frame")
						if s.countBadFrame() {
							return nil, fmt.Errorf("%w: payload checksum failures", ErrSessionFailed)
						}
						continue
					}
					f.Payload = payload
				}
				s.badFrames = 0
				return f, nil
			}
		}

		n, err := s.t.Read(one[:], deadline)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			s.buf = append(s.buf, one[0])
		}
	}
}

func (s *Session) countBadFrame() bool {
	s.badFrames++
	return s.badFrames >= badFrameBudget
}
