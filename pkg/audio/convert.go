package audio

// ULawToFormat transcodes μ-law 8 kHz line audio into the target format.
// The μ-law fast path returns the input slice unchanged (zero allocation).
func ULawToFormat(ulaw []byte, target Format) []byte {
	switch target {
	case FormatPCM16_16000:
		return PCM16ToBytes(Upsample8kTo16k(MuLawDecode(ulaw)))
	case FormatPCM16_8000:
		return PCM16ToBytes(MuLawDecode(ulaw))
	default:
		return ulaw
	}
}

// FormatToULaw transcodes agent audio in the source format down to μ-law
// 8 kHz for the telephony line. The μ-law fast path returns the input
// unchanged.
func FormatToULaw(payload []byte, source Format) []byte {
	switch source {
	case FormatPCM16_16000:
		return MuLawEncode(Downsample16kTo8k(BytesToPCM16(payload)))
	case FormatPCM16_8000:
		return MuLawEncode(BytesToPCM16(payload))
	default:
		return payload
	}
}
