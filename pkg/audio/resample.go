package audio

// Upsample8kTo16k doubles the sample rate by zero-order hold: every input
// sample appears twice in the output. Good enough for narrowband phone audio
// headed into a speech recogniser.
func Upsample8kTo16k(in []int16) []int16 {
	out := make([]int16, len(in)*2)
	for i, s := range in {
		out[i*2] = s
		out[i*2+1] = s
	}
	return out
}

// Downsample16kTo8k halves the sample rate by dropping every second sample.
// The output length is ⌊len(in)/2⌋.
func Downsample16kTo8k(in []int16) []int16 {
	out := make([]int16, len(in)/2)
	for i := range out {
		out[i] = in[i*2]
	}
	return out
}

// PCM16ToBytes serialises samples as little-endian 16-bit PCM.
func PCM16ToBytes(in []int16) []byte {
	out := make([]byte, len(in)*2)
	for i, s := range in {
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// BytesToPCM16 parses little-endian 16-bit PCM. A trailing odd byte is dropped.
func BytesToPCM16(in []byte) []int16 {
	out := make([]int16, len(in)/2)
	for i := range out {
		out[i] = int16(in[i*2]) | int16(in[i*2+1])<<8
	}
	return out
}
