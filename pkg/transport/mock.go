package transport

import (
	"sync"
	"time"
)

// Mock is an in-memory scripted Transport. A test installs a Handler that
// plays the role of the device: every write is passed to it and whatever it
// returns is queued for the next read. Reads return ErrTimeout as soon as
// the queue is empty, so probe timeouts cost no wall-clock time in tests.
type Mock struct {
	mu sync.Mutex

	// Handler models the device. May be nil for a silent device.
	Handler func(written []byte) []byte

	rx      []byte
	written []byte
	baud    int
	bauds   []int
	resets  int
	closed  bool
}

// NewMock creates a scripted transport starting at the given baud rate.
func NewMock(baud int) *Mock {
	return &Mock{baud: baud}
}

func (m *Mock) Read(p []byte, deadline time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	if len(m.rx) == 0 {
		return 0, ErrTimeout
	}
	n := copy(p, m.rx)
	m.rx = m.rx[n:]
	return n, nil
}

func (m *Mock) Write(p []byte) (int, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrClosed
	}
	m.written = append(m.written, p...)
	handler := m.Handler
	m.mu.Unlock()

	if handler != nil {
		if resp := handler(append([]byte(nil), p...)); len(resp) > 0 {
			m.Queue(resp)
		}
	}
	return len(p), nil
}

func (m *Mock) SetBaudRate(baud int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.baud = baud
	m.bauds = append(m.bauds, baud)
	m.rx = nil
	return nil
}

func (m *Mock) ResetInput() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rx = nil
	m.resets++
	return nil
}

func (m *Mock) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Queue appends bytes for the host to read.
func (m *Mock) Queue(p []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rx = append(m.rx, p...)
}

// Written returns everything the host has written so far.
func (m *Mock) Written() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.written...)
}

// DrainWritten returns and clears the written capture.
func (m *Mock) DrainWritten() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.written
	m.written = nil
	return out
}

// BaudRate returns the current baud rate.
func (m *Mock) BaudRate() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.baud
}

// BaudHistory returns every baud rate set since creation.
func (m *Mock) BaudHistory() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.bauds...)
}

// InputResets returns how many times ResetInput was called.
func (m *Mock) InputResets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resets
}
