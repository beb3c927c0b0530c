package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
)

// Serial is a Transport backed by a physical serial port, 8N1.
type Serial struct {
	port serial.Port
	path string
	baud int
	mu   sync.Mutex
}

// OpenSerial opens the serial port at the given baud rate.
func OpenSerial(path string, baud int) (*Serial, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", path, err)
	}

	log.Info().Str("port", path).Int("baud", baud).Msg("Serial port opened")

	return &Serial{port: port, path: path, baud: baud}, nil
}

// Read reads up to len(p) bytes, waiting no longer than the deadline.
func (s *Serial) Read(p []byte, deadline time.Time) (int, error) {
	for {
		timeout := serial.NoTimeout
		if !deadline.IsZero() {
			timeout = time.Until(deadline)
			if timeout <= 0 {
				return 0, ErrTimeout
			}
		}
		if err := s.port.SetReadTimeout(timeout); err != nil {
			return 0, fmt.Errorf("set read timeout: %w", err)
		}

		n, err := s.port.Read(p)
		if err != nil {
			return 0, fmt.Errorf("serial read: %w", err)
		}
		if n > 0 {
			return n, nil
		}
		// go.bug.st/serial signals an expired timeout as (0, nil).
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return 0, ErrTimeout
		}
	}
}

// Write sends raw bytes to the serial port.
func (s *Serial) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port.Write(p)
}

// SetBaudRate reconfigures the line speed. Pending output is drained and
// pending input discarded so the two sides never see a torn byte.
func (s *Serial) SetBaudRate(baud int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if baud == s.baud {
		return nil
	}

	if err := s.port.Drain(); err != nil {
		return fmt.Errorf("drain before baud change: %w", err)
	}

	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if err := s.port.SetMode(mode); err != nil {
		return fmt.Errorf("set baud %d: %w", baud, err)
	}

	if err := s.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("reset input after baud change: %w", err)
	}

	log.Debug().Int("baud", baud).Msg("Baud rate changed")
	s.baud = baud
	return nil
}

// ResetInput discards any unread bytes buffered by the driver.
func (s *Serial) ResetInput() error {
	return s.port.ResetInputBuffer()
}

// Close closes the serial port.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port.Close()
}

// SetDTR drives the DTR modem line. Used by board reset sequences.
func (s *Serial) SetDTR(v bool) error {
	return s.port.SetDTR(v)
}

// SetRTS drives the RTS modem line.
func (s *Serial) SetRTS(v bool) error {
	return s.port.SetRTS(v)
}
