// Package transport abstracts the byte stream between the flasher and the
// radio. The protocol layers never touch an OS serial API directly; they
// consume this interface, which is implemented by a real serial port and by
// an in-memory scripted transport for tests.
package transport

import (
	"errors"
	"time"
)

var (
	// ErrTimeout indicates no bytes arrived before the read deadline.
	// It is a normal outcome during probing, not a link failure.
	ErrTimeout = errors.New("read deadline expired")

	// ErrClosed indicates the transport has been closed.
	ErrClosed = errors.New("transport closed")
)

// Transport is an asynchronous byte stream with a reconfigurable baud rate.
//
// Read blocks until at least one byte is available or the deadline passes,
// returning ErrTimeout in the latter case. A zero deadline means no deadline.
// Changing the baud rate drains pending output and discards pending input.
type Transport interface {
	Read(p []byte, deadline time.Time) (int, error)
	Write(p []byte) (int, error)
	SetBaudRate(baud int) error
	ResetInput() error
	Close() error
}

// ReadByte reads a single byte honoring the deadline.
func ReadByte(t Transport, deadline time.Time) (byte, error) {
	var buf [1]byte
	for {
		n, err := t.Read(buf[:], deadline)
		if err != nil {
			return 0, err
		}
		if n > 0 {
			return buf[0], nil
		}
	}
}

// WriteAll writes the whole buffer or returns an error.
func WriteAll(t Transport, p []byte) error {
	for len(p) > 0 {
		n, err := t.Write(p)
		if err != nil {
			return err
		}
		p = p[n:]
	}
	return nil
}
