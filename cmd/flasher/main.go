// Command flasher probes, flashes and provisions Silicon Labs radio
// coprocessors over a serial port.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/NabuCasa/universal-silabs-flasher/pkg/flasher"
	"github.com/NabuCasa/universal-silabs-flasher/pkg/gbl"
	"github.com/NabuCasa/universal-silabs-flasher/pkg/transport"
)

// Exit codes for the flash subcommand.
const (
	exitOK            = 0
	exitGeneric       = 1
	exitPolicyRefused = 2
	exitIOFailure     = 3
	exitImageInvalid  = 4
)

var (
	flagDevice          string
	flagVerbose         int
	flagBootloaderBaud  int
	flagCPCBauds        []int
	flagEZSPBauds       []int
	flagSpinelBauds     []int
	flagProbeMethods    []string
	flagBootloaderReset string
)

// exitError carries a specific process exit code up to main.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

var rootCmd = &cobra.Command{
	Use:           "universal-silabs-flasher",
	Short:         "Firmware flasher for Silicon Labs radios speaking EZSP, CPC or Spinel",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

		switch {
		case flagVerbose <= 0:
			zerolog.SetGlobalLevel(zerolog.WarnLevel)
		case flagVerbose == 1:
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
		case flagVerbose == 2:
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		default:
			zerolog.SetGlobalLevel(zerolog.TraceLevel)
		}
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagDevice, "device", "", "serial port of the radio (required)")
	pf.CountVarP(&flagVerbose, "verbose", "v", "increase log verbosity (repeatable)")
	pf.IntVar(&flagBootloaderBaud, "bootloader-baudrate", flasher.DefaultBootloaderBaud, "baud rate of the Gecko bootloader")
	pf.IntSliceVar(&flagCPCBauds, "cpc-baudrate", []int{460800, 115200, 230400}, "candidate baud rates for the CPC probe")
	pf.IntSliceVar(&flagEZSPBauds, "ezsp-baudrate", []int{115200}, "candidate baud rates for the EZSP probe")
	pf.IntSliceVar(&flagSpinelBauds, "spinel-baudrate", []int{460800}, "candidate baud rates for the Spinel probe")
	pf.StringSliceVar(&flagProbeMethods, "probe-method", []string{"bootloader", "cpc", "ezsp", "spinel"}, "probe order")
	pf.StringVar(&flagBootloaderReset, "bootloader-reset", "", "board reset into bootloader before probing (yellow, ihost or sonoff)")

	cobra.CheckErr(rootCmd.MarkPersistentFlagRequired("device"))
}

// openFlasher opens the serial device and assembles the flasher config
// from the global flags.
func openFlasher() (*flasher.Flasher, *transport.Serial, error) {
	serial, err := transport.OpenSerial(flagDevice, flasher.DefaultBootloaderBaud)
	if err != nil {
		return nil, nil, err
	}

	methods := make([]flasher.ProbeMethod, 0, len(flagProbeMethods))
	for _, m := range flagProbeMethods {
		method, err := flasher.ParseProbeMethod(m)
		if err != nil {
			_ = serial.Close()
			return nil, nil, err
		}
		methods = append(methods, method)
	}

	cfg := flasher.Config{
		ProbeMethods:   methods,
		BootloaderBaud: flagBootloaderBaud,
		BaudRates: map[flasher.ProbeMethod][]int{
			flasher.MethodBootloader: {flagBootloaderBaud},
			flasher.MethodCPC:        flagCPCBauds,
			flasher.MethodEZSP:       flagEZSPBauds,
			flasher.MethodSpinel:     flagSpinelBauds,
		},
	}

	switch flagBootloaderReset {
	case "":
	case "sonoff":
		cfg.ResetHook = flasher.SonoffReset(serial)
	case "yellow":
		cfg.ResetHook = flasher.YellowReset()
	case "ihost":
		cfg.ResetHook = flasher.IhostReset()
	default:
		_ = serial.Close()
		return nil, nil, fmt.Errorf("unknown bootloader reset %q", flagBootloaderReset)
	}

	return flasher.New(serial, cfg), serial, nil
}

func loadImage(path string) (*gbl.Image, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, &exitError{code: exitIOFailure, err: err}
	}
	img, err := gbl.Parse(buf)
	if err != nil {
		return nil, &exitError{code: exitImageInvalid, err: err}
	}
	return img, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)

		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitGeneric)
	}
}
