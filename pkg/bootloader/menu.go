// Package bootloader drives the Gecko bootloader's serial menu: probing
// for the "BL >" prompt, capturing the version banner, and uploading a GBL
// image over XMODEM-CRC.
package bootloader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/NabuCasa/universal-silabs-flasher/pkg/transport"
)

const (
	menuUploadGBL = '1'
	menuRun       = '2'
	menuInfo      = '3'

	prompt = "BL >"

	// The prompt reappears almost immediately after a carriage return
	// when the bootloader is running; anything slower is not a
	// bootloader.
	probeTimeout = 500 * time.Millisecond
)

var bannerPattern = regexp.MustCompile(`Gecko Bootloader v(\d+\.\d+\.\d+)`)

// ErrNoPrompt indicates the menu prompt did not appear in time.
var ErrNoPrompt = errors.New("no bootloader prompt")

// Menu is a Gecko bootloader menu driver over a transport.
type Menu struct {
	t transport.Transport
}

// NewMenu creates a menu driver.
func NewMenu(t transport.Transport) *Menu {
	return &Menu{t: t}
}

// Probe sends a carriage return and waits briefly for the menu prompt.
// It returns the version from the banner when one is printed, or an empty
// string when only the prompt confirms the bootloader.
func (m *Menu) Probe(ctx context.Context) (string, error) {
	if err := transport.WriteAll(m.t, []byte{'\r'}); err != nil {
		return "", fmt.Errorf("send CR: %w", err)
	}
	return m.awaitPrompt(ctx, probeTimeout)
}

// AwaitMenu waits for the banner and prompt after a reboot into the
// bootloader, which takes longer than a probe of an already-idle menu.
func (m *Menu) AwaitMenu(ctx context.Context, timeout time.Duration) (string, error) {
	return m.awaitPrompt(ctx, timeout)
}

func (m *Menu) awaitPrompt(ctx context.Context, timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	var seen []byte
	var buf [64]byte
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		n, err := m.t.Read(buf[:], deadline)
		if errors.Is(err, transport.ErrTimeout) {
			return "", fmt.Errorf("%w: %q", ErrNoPrompt, shortTail(seen))
		}
		if err != nil {
			return "", err
		}
		seen = append(seen, buf[:n]...)

		if idx := bytes.Index(seen, []byte(prompt)); idx >= 0 {
			version := ""
			if match := bannerPattern.FindSubmatch(seen[:idx]); match != nil {
				version = string(match[1])
			}
			log.Debug().Str("version", version).Msg("Bootloader prompt seen")
			return version, nil
		}
	}
}

// Upload selects "upload gbl" and streams the image over XMODEM-CRC.
// The bootloader stays at the menu on failure, so a failed upload can be
// retried without re-entering the bootloader.
func (m *Menu) Upload(ctx context.Context, image []byte, progress Progress) error {
	if err := transport.WriteAll(m.t, []byte{menuUploadGBL}); err != nil {
		return fmt.Errorf("select upload: %w", err)
	}
	log.Info().Int("bytes", len(image)).Msg("Uploading GBL image")
	return xmodemSend(ctx, m.t, image, progress)
}

// Run selects "run", booting the flashed application.
func (m *Menu) Run(ctx context.Context) error {
	if err := transport.WriteAll(m.t, []byte{menuRun}); err != nil {
		return fmt.Errorf("select run: %w", err)
	}
	log.Info().Msg("Bootloader told to run application")
	return nil
}

func shortTail(b []byte) string {
	const keep = 32
	if len(b) > keep {
		b = b[len(b)-keep:]
	}
	return string(b)
}
