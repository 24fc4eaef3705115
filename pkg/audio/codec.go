// Package audio adapts between the telephony wire format (G.711 μ-law at
// 8 kHz, 20 ms frames) and the Realtime LLM wire format.
//
// Two profiles are supported. FormatMulaw negotiates μ-law on the LLM side as
// well, so audio passes through untouched in both directions. FormatPCM24k
// negotiates 16-bit linear PCM at 24 kHz: inbound audio is expanded to linear
// and upsampled ×3, outbound audio is downsampled ÷3 and companded back.
// Resampling uses streaming polyphase FIR filters; see resample.go.
package audio

import (
	"fmt"

	"github.com/zaf/g711"
)

// Format selects the audio profile negotiated with the LLM endpoint.
// It is fixed at codec construction and never changes for the life of a call.
type Format string

const (
	// FormatMulaw passes μ-law 8 kHz through unchanged in both directions.
	FormatMulaw Format = "mulaw"

	// FormatPCM24k converts to 16-bit linear PCM at 24 kHz for the LLM leg.
	FormatPCM24k Format = "pcm24k"
)

// IsValid reports whether f is a recognised audio format.
func (f Format) IsValid() bool {
	return f == FormatMulaw || f == FormatPCM24k
}

// RealtimeName returns the format identifier used in the LLM session
// configuration.
func (f Format) RealtimeName() string {
	if f == FormatPCM24k {
		return "pcm16"
	}
	return "g711_ulaw"
}

// Codec converts audio between the carrier leg and the LLM leg of one call.
// The two resamplers carry filter state across frames, so a Codec must not be
// shared between calls or used concurrently from multiple goroutines per
// direction.
type Codec struct {
	format Format

	// up and down are nil in pass-through mode.
	up   *Resampler
	down *Resampler
}

// NewCodec creates a Codec for the given format.
func NewCodec(format Format) (*Codec, error) {
	if !format.IsValid() {
		return nil, fmt.Errorf("audio: unknown format %q", format)
	}
	c := &Codec{format: format}
	if format == FormatPCM24k {
		up, err := NewResampler(8000, 24000)
		if err != nil {
			return nil, err
		}
		down, err := NewResampler(24000, 8000)
		if err != nil {
			return nil, err
		}
		c.up = up
		c.down = down
	}
	return c, nil
}

// Format returns the profile this codec was built with.
func (c *Codec) Format() Format { return c.format }

// DecodeInbound converts one carrier frame (μ-law 8 kHz) into the LLM wire
// format.
func (c *Codec) DecodeInbound(frame []byte) []byte {
	if c.format == FormatMulaw {
		return frame
	}
	return c.up.Process(g711.DecodeUlaw(frame))
}

// EncodeOutbound converts one LLM audio chunk into the carrier wire format
// (μ-law 8 kHz).
func (c *Codec) EncodeOutbound(chunk []byte) []byte {
	if c.format == FormatMulaw {
		return chunk
	}
	return g711.EncodeUlaw(c.down.Process(chunk))
}
