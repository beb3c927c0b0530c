//go:build !linux

package flasher

import (
	"context"
	"errors"
)

var errNoGPIO = errors.New("GPIO reset requires Linux sysfs support")

// YellowReset is only available on the Home Assistant Yellow itself.
func YellowReset() ResetHook {
	return func(ctx context.Context) error { return errNoGPIO }
}

// IhostReset is only available on the Sonoff iHost itself.
func IhostReset() ResetHook {
	return func(ctx context.Context) error { return errNoGPIO }
}
