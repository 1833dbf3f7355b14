// Package audio provides the pure audio primitives used on the bridge's hot
// path: the G.711 μ-law codec, naive 8 kHz ↔ 16 kHz resampling, and the
// format tags exchanged with the agent provider.
//
// Telephone audio is narrowband; the resampler intentionally uses zero-order
// hold and decimation instead of interpolation. Downstream speech recognisers
// tolerate this fine and the conversions stay allocation-cheap on 20 ms frames.
package audio

// Format identifies the encoding and sample rate of an audio payload.
// The string values match the format tags used by the agent provider's
// conversation metadata.
type Format string

const (
	// FormatULaw8000 is 8-bit G.711 μ-law at 8 kHz, the telephony line format.
	FormatULaw8000 Format = "ulaw_8000"

	// FormatPCM16_16000 is little-endian 16-bit linear PCM at 16 kHz.
	FormatPCM16_16000 Format = "pcm_16000"

	// FormatPCM16_8000 is little-endian 16-bit linear PCM at 8 kHz.
	FormatPCM16_8000 Format = "pcm_8000"
)

// IsValid reports whether f is a recognised audio format.
func (f Format) IsValid() bool {
	switch f {
	case FormatULaw8000, FormatPCM16_16000, FormatPCM16_8000:
		return true
	}
	return false
}

// ParseFormat maps a provider format tag to a Format. Unknown or empty tags
// fall back to μ-law 8 kHz, the format the telephony side always speaks.
func ParseFormat(tag string) Format {
	switch tag {
	case "ulaw_8000", "ulaw", "mulaw", "mulaw_8000":
		return FormatULaw8000
	case "pcm_16000", "pcm16_16000":
		return FormatPCM16_16000
	case "pcm_8000", "pcm16_8000":
		return FormatPCM16_8000
	}
	return FormatULaw8000
}

// FrameBytes returns the byte length of one 20 ms frame in this format.
func (f Format) FrameBytes() int {
	switch f {
	case FormatPCM16_16000:
		return 640 // 320 samples × 2 bytes
	case FormatPCM16_8000:
		return 320 // 160 samples × 2 bytes
	default:
		return 160 // 160 μ-law bytes
	}
}
