// Package flasher orchestrates the end-to-end firmware upgrade: sweep baud
// rates to identify the running application, enforce the upgrade policy,
// reboot the device into the Gecko bootloader and upload the GBL image.
package flasher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/NabuCasa/universal-silabs-flasher/pkg/bootloader"
	"github.com/NabuCasa/universal-silabs-flasher/pkg/cpc"
	"github.com/NabuCasa/universal-silabs-flasher/pkg/ezsp"
	"github.com/NabuCasa/universal-silabs-flasher/pkg/firmware"
	"github.com/NabuCasa/universal-silabs-flasher/pkg/gbl"
	"github.com/NabuCasa/universal-silabs-flasher/pkg/spinel"
	"github.com/NabuCasa/universal-silabs-flasher/pkg/transport"
)

// ProbeMethod names one way of identifying the running application.
type ProbeMethod string

const (
	MethodBootloader ProbeMethod = "bootloader"
	MethodCPC        ProbeMethod = "cpc"
	MethodEZSP       ProbeMethod = "ezsp"
	MethodSpinel     ProbeMethod = "spinel"
)

// ParseProbeMethod validates a probe method name.
func ParseProbeMethod(s string) (ProbeMethod, error) {
	switch ProbeMethod(s) {
	case MethodBootloader, MethodCPC, MethodEZSP, MethodSpinel:
		return ProbeMethod(s), nil
	}
	return "", fmt.Errorf("unknown probe method %q", s)
}

// DefaultProbeMethods is the default probe order. The bootloader goes
// first: its CR-for-prompt exchange is cheap and cannot disturb a running
// application.
var DefaultProbeMethods = []ProbeMethod{MethodBootloader, MethodCPC, MethodEZSP, MethodSpinel}

// Default candidate baud rates per probe method.
var DefaultBaudRates = map[ProbeMethod][]int{
	MethodBootloader: {115200},
	MethodCPC:        {460800, 115200, 230400},
	MethodEZSP:       {115200},
	MethodSpinel:     {460800},
}

const (
	// Per-attempt probe deadlines.
	bootloaderProbeTimeout = 2 * time.Second
	sessionProbeTimeout    = 5 * time.Second

	// Bootloader entry after a reboot command.
	bootloaderEntryTimeout  = 5 * time.Second
	bootloaderEntryAttempts = 3

	DefaultBootloaderBaud = 115200

	unknownVersion = "unknown"
)

// Config controls the probe sweep and bootloader entry.
type Config struct {
	ProbeMethods   []ProbeMethod
	BaudRates      map[ProbeMethod][]int
	BootloaderBaud int

	// ResetHook, when set, is invoked before probing and is expected to
	// leave the device in its bootloader.
	ResetHook ResetHook
}

func (c Config) withDefaults() Config {
	if len(c.ProbeMethods) == 0 {
		c.ProbeMethods = DefaultProbeMethods
	}
	if c.BaudRates == nil {
		c.BaudRates = DefaultBaudRates
	}
	if c.BootloaderBaud == 0 {
		c.BootloaderBaud = DefaultBootloaderBaud
	}
	return c
}

// ProbeResult identifies the running application.
type ProbeResult struct {
	AppType    firmware.ApplicationType `json:"app_type"`
	AppVersion string                   `json:"app_version"`
	Baudrate   int                      `json:"baudrate_used"`
}

// FlashOptions carries the policy switches for one flash operation.
type FlashOptions struct {
	AllowCrossFlashing bool
	AllowDowngrades    bool
	EnsureExactVersion bool
	Force              bool

	Progress bootloader.Progress
}

// Flasher owns the transport; sessions borrow it one at a time.
type Flasher struct {
	t   transport.Transport
	cfg Config

	result *ProbeResult
	// The EZSP session survives the probe so bootloader launch and token
	// access reuse the negotiated protocol version.
	ezspClient *ezsp.Client
}

// New creates a flasher over the given transport.
func New(t transport.Transport, cfg Config) *Flasher {
	return &Flasher{t: t, cfg: cfg.withDefaults()}
}

// Probe sweeps (method, baud) pairs in order and returns the first
// identification. A probe that times out advances to the next pair; a
// probe that sees another protocol's traffic abandons that method's
// remaining baud rates.
func (f *Flasher) Probe(ctx context.Context) (ProbeResult, error) {
	if f.cfg.ResetHook != nil {
		if err := f.cfg.ResetHook(ctx); err != nil {
			return ProbeResult{}, fmt.Errorf("pre-probe reset: %w", err)
		}
	}

	for _, method := range f.cfg.ProbeMethods {
		bauds := f.cfg.BaudRates[method]
		if len(bauds) == 0 {
			bauds = DefaultBaudRates[method]
		}

	baudLoop:
		for _, baud := range bauds {
			if err := ctx.Err(); err != nil {
				return ProbeResult{}, err
			}

			if err := f.t.SetBaudRate(baud); err != nil {
				return ProbeResult{}, fmt.Errorf("set baud %d: %w", baud, err)
			}
			if err := f.t.ResetInput(); err != nil {
				return ProbeResult{}, fmt.Errorf("reset input: %w", err)
			}

			log.Debug().Str("method", string(method)).Int("baud", baud).Msg("Probing")
			res, err := f.probeOnce(ctx, method, baud)
			if err == nil {
				log.Info().
					Str("app", string(res.AppType)).
					Str("version", res.AppVersion).
					Int("baud", res.Baudrate).
					Msg("Application identified")
				f.result = &res
				return res, nil
			}

			if errors.Is(err, cpc.ErrForeignTraffic) || errors.Is(err, spinel.ErrForeignTraffic) {
				log.Debug().Str("method", string(method)).Err(err).
					Msg("Foreign traffic, skipping method's remaining baud rates")
				break baudLoop
			}
			log.Debug().Str("method", string(method)).Int("baud", baud).Err(err).Msg("Probe missed")
		}
	}

	return ProbeResult{}, ErrProbeExhausted
}

func (f *Flasher) probeOnce(ctx context.Context, method ProbeMethod, baud int) (ProbeResult, error) {
	timeout := sessionProbeTimeout
	if method == MethodBootloader {
		timeout = bootloaderProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch method {
	case MethodBootloader:
		version, err := bootloader.NewMenu(f.t).Probe(ctx)
		if err != nil {
			return ProbeResult{}, err
		}
		if version == "" {
			version = unknownVersion
		}
		return ProbeResult{AppType: firmware.AppGeckoBootloader, AppVersion: version, Baudrate: baud}, nil

	case MethodCPC:
		v, err := cpc.NewSession(f.t).ProbeVersion(ctx)
		if err != nil {
			return ProbeResult{}, err
		}
		return ProbeResult{AppType: firmware.AppCPC, AppVersion: v.String(), Baudrate: baud}, nil

	case MethodEZSP:
		client := ezsp.NewClient(f.t)
		if err := client.Connect(ctx); err != nil {
			return ProbeResult{}, err
		}
		v, err := client.AppVersion(ctx)
		if err != nil {
			return ProbeResult{}, err
		}
		f.ezspClient = client
		return ProbeResult{AppType: firmware.AppEZSP, AppVersion: v.String(), Baudrate: baud}, nil

	case MethodSpinel:
		v, err := spinel.NewSession(f.t).ProbeVersion(ctx)
		if err != nil {
			return ProbeResult{}, err
		}
		return ProbeResult{AppType: firmware.AppSpinel, AppVersion: v.String(), Baudrate: baud}, nil
	}

	return ProbeResult{}, fmt.Errorf("unknown probe method %q", method)
}

// CheckPolicy enforces the upgrade policy for flashing img over the
// running application. nil means the flash may proceed; ErrSkipFlash
// means the device already runs the exact image version.
func CheckPolicy(res ProbeResult, img *gbl.Image, opts FlashOptions) error {
	if opts.Force {
		return nil
	}

	imgType, err := img.FirmwareType()
	if err != nil {
		return err
	}

	// A device sitting in its bootloader reveals nothing about the
	// application it held; type and version checks cannot apply.
	if res.AppType == firmware.AppGeckoBootloader {
		return nil
	}

	if !res.AppType.CompatibleWith(imgType) {
		if !opts.AllowCrossFlashing {
			return fmt.Errorf("%w: %s is running but image is %s", ErrCrossFlash, res.AppType, imgType)
		}
		// Cross-flash: version comparison across firmware families is
		// meaningless, so the remaining checks are moot.
		return nil
	}

	imgVersion, err := img.Version(res.AppType)
	if err != nil {
		log.Warn().Err(err).Msg("Image version unknown, skipping version policy")
		return nil
	}
	runningVersion, err := firmware.ParseVersion(res.AppVersion)
	if err != nil {
		log.Warn().Str("version", res.AppVersion).Msg("Running version unparseable, skipping version policy")
		return nil
	}

	cmp := imgVersion.Compare(runningVersion)
	if cmp < 0 && !opts.AllowDowngrades {
		return fmt.Errorf("%w: image %s is older than running %s", ErrDowngrade, imgVersion, runningVersion)
	}
	if cmp == 0 && opts.EnsureExactVersion {
		return ErrSkipFlash
	}
	return nil
}

// ErrSkipFlash reports that the device already runs the exact image
// version; the operation succeeds without touching the device.
var ErrSkipFlash = errors.New("device already runs the requested version")

// Flash performs the full upgrade: probe, policy, bootloader entry,
// XMODEM upload, run.
func (f *Flasher) Flash(ctx context.Context, img *gbl.Image, opts FlashOptions) error {
	res, err := f.Probe(ctx)
	if err != nil {
		return err
	}

	if err := CheckPolicy(res, img, opts); err != nil {
		if errors.Is(err, ErrSkipFlash) {
			log.Info().Str("version", res.AppVersion).Msg("Exact version already running, not flashing")
			return nil
		}
		return err
	}

	if err := f.enterBootloader(ctx, res); err != nil {
		return err
	}

	menu := bootloader.NewMenu(f.t)
	if err := menu.Upload(ctx, img.Serialize(), opts.Progress); err != nil {
		return err
	}
	if err := menu.Run(ctx); err != nil {
		return err
	}

	log.Info().Msg("Flash complete")
	return nil
}

// enterBootloader reboots the running application into the Gecko
// bootloader and waits for its menu at the bootloader baud rate.
func (f *Flasher) enterBootloader(ctx context.Context, res ProbeResult) error {
	if res.AppType == firmware.AppGeckoBootloader {
		return nil
	}

	switch res.AppType {
	case firmware.AppEZSP:
		client := f.ezspClient
		if client == nil {
			client = ezsp.NewClient(f.t)
			if err := client.Connect(ctx); err != nil {
				return fmt.Errorf("%w: %v", ErrBootloaderEntry, err)
			}
		}
		if err := client.LaunchBootloader(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrBootloaderEntry, err)
		}
		f.ezspClient = nil

	case firmware.AppCPC:
		if err := cpc.NewSession(f.t).LaunchBootloader(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrBootloaderEntry, err)
		}

	case firmware.AppSpinel:
		if err := spinel.NewSession(f.t).LaunchBootloader(ctx); err != nil {
			return fmt.Errorf("%w: %v", ErrBootloaderEntry, err)
		}

	default:
		return fmt.Errorf("%w: cannot launch bootloader from %s", ErrBootloaderEntry, res.AppType)
	}

	if err := f.t.SetBaudRate(f.cfg.BootloaderBaud); err != nil {
		return fmt.Errorf("%w: %v", ErrBootloaderEntry, err)
	}
	if err := f.t.ResetInput(); err != nil {
		return fmt.Errorf("%w: %v", ErrBootloaderEntry, err)
	}

	menu := bootloader.NewMenu(f.t)
	for attempt := 1; attempt <= bootloaderEntryAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := menu.AwaitMenu(ctx, bootloaderEntryTimeout); err == nil {
			log.Info().Msg("Bootloader menu reached")
			return nil
		}
		log.Debug().Int("attempt", attempt).Msg("No bootloader menu yet, poking with CR")
		if err := transport.WriteAll(f.t, []byte{'\r'}); err != nil {
			return fmt.Errorf("%w: %v", ErrBootloaderEntry, err)
		}
	}

	return fmt.Errorf("%w: menu never appeared at %d baud", ErrBootloaderEntry, f.cfg.BootloaderBaud)
}

// WriteIEEE programs the custom EUI-64 manufacturing token. The address
// is passed in wire (little-endian) order. Writing succeeds when the
// token was blank or already holds the same address.
func (f *Flasher) WriteIEEE(ctx context.Context, ieee [8]byte) error {
	res, err := f.Probe(ctx)
	if err != nil {
		return err
	}
	if res.AppType != firmware.AppEZSP {
		return fmt.Errorf("%w: EUI-64 tokens require EZSP, found %s", ErrUnsupported, res.AppType)
	}

	client := f.ezspClient
	if client == nil {
		return fmt.Errorf("%w: EZSP session not established", ErrUnsupported)
	}

	current, err := client.GetMfgToken(ctx, ezsp.TokenCustomEUI64)
	if err != nil {
		return err
	}
	if tokenProgrammed(current) {
		if len(current) >= 8 && bytes.Equal(current[:8], ieee[:]) {
			log.Info().Str("ieee", FormatEUI64(ieee)).Msg("EUI-64 already matches")
			return nil
		}
		return fmt.Errorf("%w: token holds %x", ErrIEEEMismatch, current)
	}

	if err := client.SetMfgToken(ctx, ezsp.TokenCustomEUI64, ieee[:]); err != nil {
		return err
	}
	log.Info().Str("ieee", FormatEUI64(ieee)).Msg("EUI-64 written")
	return nil
}

// tokenProgrammed reports whether a manufacturing token holds data: a
// blank token reads as empty or all 0xFF.
func tokenProgrammed(tok []byte) bool {
	for _, b := range tok {
		if b != 0xFF {
			return true
		}
	}
	return false
}
