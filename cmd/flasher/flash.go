package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/NabuCasa/universal-silabs-flasher/pkg/bootloader"
	"github.com/NabuCasa/universal-silabs-flasher/pkg/flasher"
	"github.com/NabuCasa/universal-silabs-flasher/pkg/gbl"
)

var (
	flagFirmware           string
	flagAllowCrossFlashing bool
	flagAllowDowngrades    bool
	flagEnsureExactVersion bool
	flagForce              bool
)

var flashCmd = &cobra.Command{
	Use:   "flash",
	Short: "Flash a GBL firmware image",
	RunE: func(cmd *cobra.Command, args []string) error {
		img, err := loadImage(flagFirmware)
		if err != nil {
			return err
		}

		f, serial, err := openFlasher()
		if err != nil {
			return &exitError{code: exitIOFailure, err: err}
		}
		defer serial.Close()

		opts := flasher.FlashOptions{
			AllowCrossFlashing: flagAllowCrossFlashing,
			AllowDowngrades:    flagAllowDowngrades,
			EnsureExactVersion: flagEnsureExactVersion,
			Force:              flagForce,
			Progress: func(block, total int) {
				fmt.Fprintf(os.Stderr, "\r%d/%d blocks", block, total)
				if block == total {
					fmt.Fprintln(os.Stderr)
				}
			},
		}

		if err := f.Flash(context.Background(), img, opts); err != nil {
			return &exitError{code: flashExitCode(err), err: err}
		}
		return nil
	},
}

// flashExitCode classifies a flash failure per the documented exit codes.
func flashExitCode(err error) int {
	switch {
	case errors.Is(err, flasher.ErrCrossFlash), errors.Is(err, flasher.ErrDowngrade):
		return exitPolicyRefused
	case errors.Is(err, gbl.ErrMalformed), errors.Is(err, gbl.ErrChecksum),
		errors.Is(err, gbl.ErrMissingMetadata):
		return exitImageInvalid
	case errors.Is(err, bootloader.ErrXmodemFailed), errors.Is(err, flasher.ErrBootloaderEntry),
		errors.Is(err, flasher.ErrProbeExhausted):
		return exitIOFailure
	default:
		return exitIOFailure
	}
}

func init() {
	flashCmd.Flags().StringVar(&flagFirmware, "firmware", "", "path to the GBL image (required)")
	flashCmd.Flags().BoolVar(&flagAllowCrossFlashing, "allow-cross-flashing", false, "allow flashing a different firmware family")
	flashCmd.Flags().BoolVar(&flagAllowDowngrades, "allow-downgrades", false, "allow flashing an older version")
	flashCmd.Flags().BoolVar(&flagEnsureExactVersion, "ensure-exact-version", false, "skip flashing when the exact version is already running")
	flashCmd.Flags().BoolVar(&flagForce, "force", false, "bypass all policy checks")
	cobra.CheckErr(flashCmd.MarkFlagRequired("firmware"))

	rootCmd.AddCommand(flashCmd)
}
