package flasher

import "errors"

var (
	// ErrProbeExhausted indicates no (method, baud) combination produced
	// a recognizable application.
	ErrProbeExhausted = errors.New("no running application identified")

	// ErrCrossFlash indicates the image's firmware type does not match
	// the running application and cross-flashing was not allowed.
	ErrCrossFlash = errors.New("cross-flashing refused")

	// ErrDowngrade indicates the image is older than the running
	// firmware and downgrades were not allowed.
	ErrDowngrade = errors.New("downgrade refused")

	// ErrBootloaderEntry indicates the device never presented the
	// bootloader menu after being told to reboot into it.
	ErrBootloaderEntry = errors.New("bootloader entry failed")

	// ErrUnsupported indicates the running application cannot perform
	// the requested operation (e.g. writing an EUI-64 without EZSP).
	ErrUnsupported = errors.New("operation not supported by running application")

	// ErrIEEEMismatch indicates the EUI-64 token is already programmed
	// with a different address and cannot be rewritten.
	ErrIEEEMismatch = errors.New("EUI-64 already programmed with a different address")
)
