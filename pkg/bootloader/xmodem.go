package bootloader

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sigurn/crc16"

	"github.com/NabuCasa/universal-silabs-flasher/pkg/transport"
)

// XMODEM-CRC control bytes
const (
	xmodemSOH   = 0x01
	xmodemEOT   = 0x04
	xmodemACK   = 0x06
	xmodemNAK   = 0x15
	xmodemCAN   = 0x18
	xmodemReady = 'C'

	xmodemBlockSize    = 128
	xmodemPadByte      = 0x1A
	xmodemBlockRetries = 10

	xmodemHandshakeTimeout = 60 * time.Second
	xmodemAckTimeout       = 10 * time.Second
)

// ErrXmodemFailed indicates the transfer could not complete: retries
// exhausted, receiver cancellation, or a timeout mid-stream.
var ErrXmodemFailed = errors.New("XMODEM transfer failed")

var xmodemCRCTable = crc16.MakeTable(crc16.CRC16_XMODEM)

// Progress is invoked after each acknowledged block with the 1-based
// block index and the total block count.
type Progress func(block, total int)

// xmodemSend streams data in 128-byte CRC blocks. It waits for the
// receiver's initial 'C', sends each block under a retry budget, and
// finishes with EOT. The last block is padded with 0x1A.
func xmodemSend(ctx context.Context, t transport.Transport, data []byte, progress Progress) error {
	total := (len(data) + xmodemBlockSize - 1) / xmodemBlockSize
	if total == 0 {
		return fmt.Errorf("%w: empty payload", ErrXmodemFailed)
	}

	if err := awaitReady(ctx, t); err != nil {
		return err
	}
	log.Debug().Int("blocks", total).Msg("XMODEM receiver ready")

	canStreak := 0
	for i := 0; i < total; i++ {
		block := buildBlock(data, i)

		retries := 0
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := transport.WriteAll(t, block); err != nil {
				return fmt.Errorf("write block %d: %w", i+1, err)
			}

			resp, err := readResponse(ctx, t)
			if errors.Is(err, transport.ErrTimeout) {
				retries++
				if retries > xmodemBlockRetries {
					return fmt.Errorf("%w: no ACK for block %d/%d", ErrXmodemFailed, i+1, total)
				}
				continue
			}
			if err != nil {
				return fmt.Errorf("await ACK for block %d: %w", i+1, err)
			}

			if resp != xmodemCAN {
				canStreak = 0
			}
			switch resp {
			case xmodemACK:
				if progress != nil {
					progress(i+1, total)
				}
			case xmodemNAK:
				retries++
				if retries > xmodemBlockRetries {
					return fmt.Errorf("%w: block %d/%d NAKed %d times", ErrXmodemFailed, i+1, total, retries)
				}
				log.Debug().Int("block", i+1).Int("retry", retries).Msg("XMODEM NAK, retransmitting")
				continue
			case xmodemReady:
				// The receiver is still clocking out its handshake
				// character; only the first block may see it.
				if i == 0 {
					retries++
					if retries > xmodemBlockRetries {
						return fmt.Errorf("%w: receiver never left handshake", ErrXmodemFailed)
					}
					continue
				}
				continue
			case xmodemCAN:
				canStreak++
				if canStreak >= 2 {
					return fmt.Errorf("%w: receiver cancelled at block %d/%d", ErrXmodemFailed, i+1, total)
				}
				continue
			default:
				continue
			}
			break
		}
	}

	return sendEOT(ctx, t)
}

// buildBlock assembles SOH, block number, its complement, the padded data
// and a big-endian CRC-16 (poly 0x1021, init 0) over the data bytes.
func buildBlock(data []byte, index int) []byte {
	blkno := byte(index + 1) // wraps modulo 256, first block is 1

	payload := make([]byte, xmodemBlockSize)
	start := index * xmodemBlockSize
	n := copy(payload, data[start:])
	for ; n < xmodemBlockSize; n++ {
		payload[n] = xmodemPadByte
	}

	block := make([]byte, 0, xmodemBlockSize+5)
	block = append(block, xmodemSOH, blkno, 255-blkno)
	block = append(block, payload...)

	crc := crc16.Checksum(payload, xmodemCRCTable)
	return append(block, byte(crc>>8), byte(crc&0xFF))
}

func awaitReady(ctx context.Context, t transport.Transport) error {
	deadline := time.Now().Add(xmodemHandshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		b, err := transport.ReadByte(t, deadline)
		if errors.Is(err, transport.ErrTimeout) {
			return fmt.Errorf("%w: receiver never sent the initial 'C'", ErrXmodemFailed)
		}
		if err != nil {
			return err
		}
		if b == xmodemReady {
			return nil
		}
		// Menu echo and banner noise precede the handshake; skip it.
	}
}

func readResponse(ctx context.Context, t transport.Transport) (byte, error) {
	deadline := time.Now().Add(xmodemAckTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return transport.ReadByte(t, deadline)
}

func sendEOT(ctx context.Context, t transport.Transport) error {
	for retries := 0; retries <= xmodemBlockRetries; retries++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := transport.WriteAll(t, []byte{xmodemEOT}); err != nil {
			return fmt.Errorf("write EOT: %w", err)
		}

		resp, err := readResponse(ctx, t)
		if errors.Is(err, transport.ErrTimeout) {
			continue
		}
		if err != nil {
			return fmt.Errorf("await EOT ACK: %w", err)
		}
		if resp == xmodemACK {
			return nil
		}
	}
	return fmt.Errorf("%w: EOT never acknowledged", ErrXmodemFailed)
}
