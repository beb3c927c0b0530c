//go:build linux

package flasher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

const gpioRoot = "/sys/class/gpio"

// GPIOReset returns a hook that drives a radio into its bootloader through
// two sysfs GPIO lines: hold the boot line low while pulsing reset low.
func GPIOReset(resetPin, bootPin int) ResetHook {
	return func(ctx context.Context) error {
		reset, err := exportGPIO(resetPin)
		if err != nil {
			return err
		}
		defer unexportGPIO(resetPin)

		boot, err := exportGPIO(bootPin)
		if err != nil {
			return err
		}
		defer unexportGPIO(bootPin)

		log.Info().Int("reset", resetPin).Int("boot", bootPin).Msg("Triggering GPIO bootloader reset")

		if err := writeGPIO(boot, "0"); err != nil {
			return err
		}
		if err := writeGPIO(reset, "0"); err != nil {
			return err
		}
		time.Sleep(100 * time.Millisecond)
		if err := writeGPIO(reset, "1"); err != nil {
			return err
		}
		time.Sleep(100 * time.Millisecond)
		if err := writeGPIO(boot, "1"); err != nil {
			return err
		}

		// Let the bootloader come up before the probe starts.
		time.Sleep(500 * time.Millisecond)
		return nil
	}
}

// YellowReset resets the Home Assistant Yellow's on-board radio.
func YellowReset() ResetHook {
	return GPIOReset(24, 25)
}

// IhostReset resets the Sonoff iHost's on-board radio.
func IhostReset() ResetHook {
	return GPIOReset(25, 26)
}

func exportGPIO(pin int) (string, error) {
	dir := filepath.Join(gpioRoot, fmt.Sprintf("gpio%d", pin))
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.WriteFile(filepath.Join(gpioRoot, "export"), []byte(strconv.Itoa(pin)), 0o644); err != nil {
			return "", fmt.Errorf("export gpio %d: %w", pin, err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "direction"), []byte("out"), 0o644); err != nil {
		return "", fmt.Errorf("set gpio %d direction: %w", pin, err)
	}
	return filepath.Join(dir, "value"), nil
}

func writeGPIO(valuePath, v string) error {
	if err := os.WriteFile(valuePath, []byte(v), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", valuePath, err)
	}
	return nil
}

func unexportGPIO(pin int) {
	if err := os.WriteFile(filepath.Join(gpioRoot, "unexport"), []byte(strconv.Itoa(pin)), 0o644); err != nil {
		log.Debug().Err(err).Int("pin", pin).Msg("GPIO unexport failed")
	}
}
