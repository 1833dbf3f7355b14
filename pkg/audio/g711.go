package audio

// G.711 μ-law codec (ITU-T G.711). The encoder saturates at ±32635, applies
// the 132 bias, locates the segment from the highest set bit in positions
// 14..7, and transmits the bitwise complement. The decoder inverts this
// exactly, so MuLawEncode(MuLawDecode(b)) == b for every byte except 0x7F:
// both 0x7F and 0xFF represent zero, and the encoder canonicalises to 0xFF.

const (
	muLawBias = 0x84 // 132
	muLawClip = 32635
)

// MuLawDecode expands μ-law bytes to linear PCM samples of equal length.
func MuLawDecode(in []byte) []int16 {
	out := make([]int16, len(in))
	for i, b := range in {
		out[i] = MuLawDecodeSample(b)
	}
	return out
}

// MuLawEncode compresses linear PCM samples to μ-law bytes of equal length.
func MuLawEncode(in []int16) []byte {
	out := make([]byte, len(in))
	for i, s := range in {
		out[i] = MuLawEncodeSample(s)
	}
	return out
}

// MuLawDecodeSample expands a single μ-law byte to a linear PCM sample.
func MuLawDecodeSample(b byte) int16 {
	u := ^b
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F

	magnitude := (int32(mantissa)<<3 + muLawBias) << exponent
	if u&0x80 != 0 {
		return int16(muLawBias - magnitude)
	}
	return int16(magnitude - muLawBias)
}

// MuLawEncodeSample compresses a single linear PCM sample to a μ-law byte.
func MuLawEncodeSample(s int16) byte {
	var sign byte
	v := int32(s)
	if v < 0 {
		v = -v
		sign = 0x80
	}
	if v > muLawClip {
		v = muLawClip
	}
	v += muLawBias

	exponent := byte(7)
	for mask := int32(0x4000); exponent > 0 && v&mask == 0; exponent-- {
		mask >>= 1
	}
	mantissa := byte(v>>(exponent+3)) & 0x0F

	return ^(sign | exponent<<4 | mantissa)
}
