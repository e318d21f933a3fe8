package telephony

// G.711 μ-law constants.
const (
	mulawBias = 0x84
	mulawClip = 32635
)

// MulawEncodeSample compresses one linear PCM16 sample to a μ-law byte.
func MulawEncodeSample(s int16) byte {
	v := int(s)
	var sign int
	if v < 0 {
		sign = 0x80
		v = -v
	}
	if v > mulawClip {
		v = mulawClip
	}
	v += mulawBias

	exponent := 7
	for mask := 0x4000; exponent > 0 && v&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := (v >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}

// MulawDecodeSample expands one μ-law byte to linear PCM16.
func MulawDecodeSample(u byte) int16 {
	u = ^u
	exponent := int(u>>4) & 0x07
	mantissa := int(u & 0x0F)
	v := ((mantissa << 3) + mulawBias) << exponent
	v -= mulawBias
	if u&0x80 != 0 {
		return int16(-v)
	}
	return int16(v)
}

// MulawEncode compresses PCM16 samples, one byte per sample.
func MulawEncode(pcm []int16) []byte {
	out := make([]byte, len(pcm))
	for i, s := range pcm {
		out[i] = MulawEncodeSample(s)
	}
	return out
}

// MulawDecode expands μ-law bytes to PCM16 samples.
func MulawDecode(b []byte) []int16 {
	out := make([]int16, len(b))
	for i, u := range b {
		out[i] = MulawDecodeSample(u)
	}
	return out
}
