package flasher

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// ParseEUI64 parses a 16-hex-digit IEEE EUI-64, with or without colon
// separators, and returns it in wire (little-endian) order: the manufac-
// turing token stores the address byte-reversed from its display form.
func ParseEUI64(s string) ([8]byte, error) {
	var eui [8]byte

	cleaned := strings.ReplaceAll(strings.TrimSpace(s), ":", "")
	raw, err := hex.DecodeString(cleaned)
	if err != nil {
		return eui, fmt.Errorf("invalid EUI-64 %q: %w", s, err)
	}
	if len(raw) != 8 {
		return eui, fmt.Errorf("invalid EUI-64 %q: want 16 hex digits, got %d", s, len(cleaned))
	}

	for i, b := range raw {
		eui[7-i] = b
	}
	return eui, nil
}

// FormatEUI64 renders a wire-order EUI-64 in its display form,
// colon-separated, most significant byte first.
func FormatEUI64(eui [8]byte) string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x:%02x:%02x",
		eui[7], eui[6], eui[5], eui[4], eui[3], eui[2], eui[1], eui[0])
}
