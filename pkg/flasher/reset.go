package flasher

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/NabuCasa/universal-silabs-flasher/pkg/transport"
)

// ResetHook puts the radio into its bootloader before probing starts.
// The Home Assistant Yellow and iHost sequences drive sysfs GPIO lines and
// work on Linux only; the Sonoff dongle's sequence only needs the serial
// control lines.
type ResetHook func(ctx context.Context) error

// SonoffReset returns a hook that drives the ZBDongle-E into its
// bootloader: hold the boot line (DTR) while pulsing reset (RTS).
func SonoffReset(s *transport.Serial) ResetHook {
	return func(ctx context.Context) error {
		log.Info().Msg("Triggering Sonoff bootloader reset")

		if err := s.SetDTR(false); err != nil {
			return fmt.Errorf("sonoff reset: %w", err)
		}
		if err := s.SetRTS(true); err != nil {
			return fmt.Errorf("sonoff reset: %w", err)
		}
		time.Sleep(100 * time.Millisecond)

		if err := s.SetDTR(true); err != nil {
			return fmt.Errorf("sonoff reset: %w", err)
		}
		if err := s.SetRTS(false); err != nil {
			return fmt.Errorf("sonoff reset: %w", err)
		}
		time.Sleep(100 * time.Millisecond)

		if err := s.SetDTR(false); err != nil {
			return fmt.Errorf("sonoff reset: %w", err)
		}

		// Give the bootloader time to print its banner.
		time.Sleep(500 * time.Millisecond)
		return s.ResetInput()
	}
}
