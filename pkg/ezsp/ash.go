// Package ezsp implements the ASH link layer and the subset of the EmberZNet
// Serial Protocol the flasher needs: version negotiation, manufacturing
// token access and rebooting the NCP into the Gecko bootloader.
package ezsp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sigurn/crc16"

	"github.com/NabuCasa/universal-silabs-flasher/pkg/transport"
)

// ASH protocol constants
const (
	ashFlagByte   = 0x7E
	ashEscapeByte = 0x7D
	ashXON        = 0x11
	ashXOFF       = 0x13
	ashFlipBit    = 0x20
	ashCancelByte = 0x1A
	ashSubstitute = 0x18

	// Frame types (encoded in control byte)
	ashFrameData   = 0x00 // bit 7 = 0
	ashFrameACK    = 0x80 // 0b10000xxx
	ashFrameNAK    = 0xA0 // 0b10100xxx
	ashFrameRST    = 0xC0
	ashFrameRSTACK = 0xC1
	ashFrameERROR  = 0xC2

	ashReTxBit = 0x08

	ashMaxFrameLen = 256

	ashResetAttempts  = 3
	ashResetTimeout   = 7 * time.Second
	ashAckTimeout     = 1600 * time.Millisecond
	ashSendRetries    = 3
	ashBadFrameBudget = 10

	ashPseudoRandomSeed = 0x42
)

var (
	// ErrSessionFailed indicates the ASH session is beyond recovery:
	// reset retries exhausted, ACK retries exhausted, or too many
	// consecutive bad frames.
	ErrSessionFailed = errors.New("ASH session failed")

	// ErrProtocol indicates a structurally valid frame that makes no
	// sense at this point in the exchange.
	ErrProtocol = errors.New("EZSP protocol error")
)

var ashCRCTable = crc16.MakeTable(crc16.CRC16_CCITT_FALSE)

func ashCRC(data []byte) uint16 {
	return crc16.Checksum(data, ashCRCTable)
}

// ashRandomize XORs data with the ASH pseudo-random sequence. The sequence
// is its own inverse, so the same function derandomizes.
func ashRandomize(data []byte) []byte {
	out := make([]byte, len(data))
	x := byte(ashPseudoRandomSeed)
	for i, b := range data {
		out[i] = b ^ x
		x = (x >> 1) ^ ((x & 1) * 0xB8)
	}
	return out
}

// ashStuff performs ASH byte stuffing on the reserved byte set.
func ashStuff(data []byte) []byte {
	out := make([]byte, 0, len(data)*2)
	for _, b := range data {
		switch b {
		case ashFlagByte, ashEscapeByte, ashXON, ashXOFF, ashSubstitute, ashCancelByte:
			out = append(out, ashEscapeByte, b^ashFlipBit)
		default:
			out = append(out, b)
		}
	}
	return out
}

// ashUnstuff reverses ASH byte stuffing.
func ashUnstuff(data []byte) []byte {
	out := make([]byte, 0, len(data))
	escaped := false
	for _, b := range data {
		if escaped {
			out = append(out, b^ashFlipBit)
			escaped = false
		} else if b == ashEscapeByte {
			escaped = true
		} else {
			out = append(out, b)
		}
	}
	return out
}

// buildAshFrame assembles control + body + CRC, stuffs it and appends the
// flag byte. The body of a DATA frame must already be randomized.
func buildAshFrame(control byte, body []byte) []byte {
	raw := make([]byte, 0, len(body)+3)
	raw = append(raw, control)
	raw = append(raw, body...)

	crc := ashCRC(raw)
	raw = append(raw, byte(crc>>8), byte(crc&0xFF))

	frame := ashStuff(raw)
	return append(frame, ashFlagByte)
}

type ashFrame struct {
	control byte
	body    []byte
}

func (f *ashFrame) frmNum() uint8 { return (f.control >> 4) & 0x07 }
func (f *ashFrame) ackNum() uint8 { return f.control & 0x07 }

// AshSession is a synchronous window-of-one ASH session. One command and
// its response are in flight at a time; reads are bounded by deadlines so
// the session never blocks past its caller's budget.
type AshSession struct {
	t transport.Transport

	frmNum uint8 // next DATA frame number to send
	ackNum uint8 // next frame number expected from the NCP

	connected bool
	badFrames int
	rxQueue   [][]byte
}

// NewAshSession creates a session over the given transport.
func NewAshSession(t transport.Transport) *AshSession {
	return &AshSession{t: t}
}

// Connected reports whether RSTACK has been received.
func (a *AshSession) Connected() bool { return a.connected }

// Connect sends RST and waits for RSTACK, retrying the reset a bounded
// number of times. The context caps the whole handshake.
func (a *AshSession) Connect(ctx context.Context) error {
	a.connected = false
	a.frmNum = 0
	a.ackNum = 0
	a.rxQueue = nil

	for attempt := 1; attempt <= ashResetAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		// The cancel byte flushes any partial frame in the NCP receiver.
		if err := transport.WriteAll(a.t, []byte{ashCancelByte}); err != nil {
			return fmt.Errorf("flush before RST: %w", err)
		}
		if err := transport.WriteAll(a.t, buildAshFrame(ashFrameRST, nil)); err != nil {
			return fmt.Errorf("send RST: %w", err)
		}
		log.Debug().Int("attempt", attempt).Msg("ASH TX RST")

		deadline := deadlineFor(ctx, ashResetTimeout/ashResetAttempts)
		for {
			f, err := a.readFrame(deadline)
			if errors.Is(err, transport.ErrTimeout) {
				break // next reset attempt
			}
			if err != nil {
				return err
			}
			if f.control == ashFrameRSTACK {
				log.Debug().Hex("body", f.body).Msg("ASH RX RSTACK")
				a.connected = true
				return nil
			}
			// Anything else predates our reset; ignore it.
		}
	}

	return fmt.Errorf("%w: no RSTACK after %d resets", ErrSessionFailed, ashResetAttempts)
}

// Send transmits one DATA frame and blocks until it is acknowledged.
// Timeouts and NAKs trigger retransmission; exhausting the retries fails
// the session. DATA frames arriving meanwhile are acknowledged and queued
// for Recv.
func (a *AshSession) Send(ctx context.Context, payload []byte) error {
	if !a.connected {
		return fmt.Errorf("%w: not connected", ErrSessionFailed)
	}

	seq := a.frmNum
	control := (seq << 4) | (a.ackNum & 0x07)
	frame := buildAshFrame(control, ashRandomize(payload))

	log.Debug().Uint8("frmNum", seq).Int("len", len(payload)).Msg("ASH TX DATA")
	if err := transport.WriteAll(a.t, frame); err != nil {
		return fmt.Errorf("write DATA: %w", err)
	}

	expectedAck := (seq + 1) & 0x07
	retries := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		f, err := a.readFrame(deadlineFor(ctx, ashAckTimeout))
		if errors.Is(err, transport.ErrTimeout) {
			retries++
			if retries > ashSendRetries {
				a.connected = false
				return fmt.Errorf("%w: no ACK for frame %d", ErrSessionFailed, seq)
			}
			log.Debug().Uint8("frmNum", seq).Int("retry", retries).Msg("ASH ACK timeout, retransmitting")
			retx := buildAshFrame(control|ashReTxBit, ashRandomize(payload))
			if err := transport.WriteAll(a.t, retx); err != nil {
				return fmt.Errorf("retransmit DATA: %w", err)
			}
			continue
		}
		if err != nil {
			return err
		}

		switch {
		case f.control&0x80 == ashFrameData:
			acked := a.handleData(f)
			if acked >= 0 && uint8(acked) == expectedAck {
				a.frmNum = expectedAck
				return nil
			}

		case f.control&0xE0 == ashFrameACK:
			log.Debug().Uint8("ack", f.ackNum()).Msg("ASH RX ACK")
			if f.ackNum() == expectedAck {
				a.frmNum = expectedAck
				return nil
			}

		case f.control&0xE0 == ashFrameNAK:
			retries++
			if retries > ashSendRetries {
				a.connected = false
				return fmt.Errorf("%w: NAK retries exhausted for frame %d", ErrSessionFailed, seq)
			}
			log.Debug().Uint8("nak", f.ackNum()).Int("retry", retries).Msg("ASH RX NAK, retransmitting")
			retx := buildAshFrame(control|ashReTxBit, ashRandomize(payload))
			if err := transport.WriteAll(a.t, retx); err != nil {
				return fmt.Errorf("retransmit DATA: %w", err)
			}

		case f.control == ashFrameERROR:
			a.connected = false
			return fmt.Errorf("%w: NCP sent ERROR frame (code 0x%02X)", ErrSessionFailed, errorCode(f))

		case f.control == ashFrameRSTACK:
			a.connected = false
			return fmt.Errorf("%w: unexpected RSTACK mid-session", ErrSessionFailed)
		}
	}
}

// Recv returns the next DATA payload from the NCP, acknowledging it.
func (a *AshSession) Recv(ctx context.Context) ([]byte, error) {
	if len(a.rxQueue) > 0 {
		payload := a.rxQueue[0]
		a.rxQueue = a.rxQueue[1:]
		return payload, nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		f, err := a.readFrame(deadlineFor(ctx, ashAckTimeout))
		if err != nil {
			return nil, err
		}

		switch {
		case f.control&0x80 == ashFrameData:
			a.handleData(f)
			if len(a.rxQueue) > 0 {
				payload := a.rxQueue[0]
				a.rxQueue = a.rxQueue[1:]
				return payload, nil
			}

		case f.control == ashFrameERROR:
			a.connected = false
			return nil, fmt.Errorf("%w: NCP sent ERROR frame (code 0x%02X)", ErrSessionFailed, errorCode(f))

		default:
			// Stray ACK/NAK with nothing outstanding; ignore.
		}
	}
}

// handleData acknowledges an in-sequence DATA frame and queues its payload.
// Returns the piggybacked ackNum, or -1 for an out-of-sequence frame.
func (a *AshSession) handleData(f *ashFrame) int {
	if f.frmNum() != a.ackNum {
		log.Debug().
			Uint8("expected", a.ackNum).
			Uint8("got", f.frmNum()).
			Msg("ASH out-of-sequence DATA, sending NAK")
		a.writeControl(ashFrameNAK | (a.ackNum & 0x07))
		return -1
	}

	a.ackNum = (a.ackNum + 1) & 0x07
	a.rxQueue = append(a.rxQueue, ashRandomize(f.body))
	log.Debug().Uint8("frmNum", f.frmNum()).Int("len", len(f.body)).Msg("ASH RX DATA")

	a.writeControl(ashFrameACK | (a.ackNum & 0x07))
	return int(f.ackNum())
}

func (a *AshSession) writeControl(control byte) {
	if err := transport.WriteAll(a.t, buildAshFrame(control, nil)); err != nil {
		log.Warn().Err(err).Uint8("control", control).Msg("ASH control frame write failed")
	}
}

// readFrame accumulates bytes until a flag byte, then unstuffs and CRC
// checks the frame. Bad frames are dropped and resync happens on the next
// delimiter, up to the consecutive bad-frame budget.
func (a *AshSession) readFrame(deadline time.Time) (*ashFrame, error) {
	buf := make([]byte, 0, ashMaxFrameLen)

	for {
		b, err := transport.ReadByte(a.t, deadline)
		if err != nil {
			return nil, err
		}

		switch b {
		case ashCancelByte, ashSubstitute:
			buf = buf[:0]
			continue
		case ashXON, ashXOFF:
			continue
		case ashFlagByte:
			if len(buf) == 0 {
				continue
			}
			f, ok := a.decodeFrame(buf)
			buf = buf[:0]
			if !ok {
				a.badFrames++
				if a.badFrames >= ashBadFrameBudget {
					a.connected = false
					return nil, fmt.Errorf("%w: %d consecutive bad frames", ErrSessionFailed, a.badFrames)
				}
				continue
			}
			a.badFrames = 0
			return f, nil
		default:
			buf = append(buf, b)
			if len(buf) > ashMaxFrameLen {
				buf = buf[:0]
			}
		}
	}
}

func (a *AshSession) decodeFrame(stuffed []byte) (*ashFrame, bool) {
	raw := ashUnstuff(stuffed)
	if len(raw) < 3 {
		log.Debug().Int("len", len(raw)).Msg("ASH frame too short, discarding")
		return nil, false
	}

	payload := raw[:len(raw)-2]
	received := uint16(raw[len(raw)-2])<<8 | uint16(raw[len(raw)-1])
	if computed := ashCRC(payload); received != computed {
		log.Debug().
			Uint16("received", received).
			Uint16("computed", computed).
			Msg("ASH CRC mismatch, discarding")
		return nil, false
	}

	return &ashFrame{control: payload[0], body: payload[1:]}, true
}

func errorCode(f *ashFrame) byte {
	if len(f.body) >= 2 {
		return f.body[1]
	}
	return 0xFF
}

// deadlineFor bounds an operation by the smaller of the context deadline
// and now + d.
func deadlineFor(ctx context.Context, d time.Duration) time.Time {
	deadline := time.Now().Add(d)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		return ctxDeadline
	}
	return deadline
}
