// Package audio moves synthesized audio into the Media Streams wire format.
//
// Twilio expects outbound media as base64 wrapped, headerless, 8kHz mono
// μ-law samples. Synthesis backends return a container (a canonical 44-byte
// WAV header followed by μ-law samples), so the header must be stripped
// before the samples are re-encoded.
package audio

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// HeaderSize is the size of the minimal canonical WAV header.
//
// The header is skipped at a fixed offset; its declared format fields are not
// validated.
const HeaderSize = 44

// Container and sample formats understood by Normalize.
const (
	FormatWAV      = "wav"
	FormatUlaw     = "ulaw"
	FormatMulaw    = "mulaw"
	FormatUlaw8000 = "ulaw_8000"
)

var (
	// ErrShortContainer is returned when a container is smaller than HeaderSize.
	ErrShortContainer = errors.New("audio container shorter than header")

	// ErrUnsupportedFormat is returned by Normalize for unknown formats.
	ErrUnsupportedFormat = errors.New("unsupported audio format")
)

// DecodeBase64 decodes a standard base64 payload into raw bytes.
func DecodeBase64(payload string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decode audio payload: %w", err)
	}
	return data, nil
}

// EncodeBase64 wraps raw samples for the wire.
func EncodeBase64(samples []byte) string {
	return base64.StdEncoding.EncodeToString(samples)
}

// StripHeader removes the fixed-size container header and returns the raw
// samples. A container of exactly HeaderSize bytes yields an empty slice.
func StripHeader(container []byte) ([]byte, error) {
	if len(container) < HeaderSize {
		return nil, fmt.Errorf("%w: got %d bytes, need %d", ErrShortContainer, len(container), HeaderSize)
	}
	samples := make([]byte, len(container)-HeaderSize)
	copy(samples, container[HeaderSize:])
	return samples, nil
}

// Normalize turns synthesis output of the given format into headerless
// samples. Headerless μ-law (a pre-recorded clip) passes through unchanged.
func Normalize(format string, data []byte) ([]byte, error) {
	switch strings.ToLower(format) {
	case FormatWAV:
		return StripHeader(data)
	case FormatUlaw, FormatMulaw, FormatUlaw8000:
		return data, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}
