package audio

// G.711 companding for the telephony leg. Both laws compress 16-bit linear
// samples to 8 bits along a piecewise-linear approximation of a logarithmic
// curve; expansion is exact, compression quantizes.

const (
	g711Clip = 32635
	ulawBias = 0x84
)

// UlawToLinear expands one G.711 μ-law byte to a 16-bit linear sample.
func UlawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exp := (u >> 4) & 0x07
	mant := u & 0x0F
	value := (int(mant) << 3) + ulawBias
	value <<= uint(exp)
	value -= ulawBias
	if sign != 0 {
		return int16(-value)
	}
	return int16(value)
}

// LinearToUlaw compresses a 16-bit linear sample to one G.711 μ-law byte.
func LinearToUlaw(sample int16) byte {
	s := int(sample)
	sign := byte(0)
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > g711Clip {
		s = g711Clip
	}
	s += ulawBias
	exp := byte(7)
	for mask := 0x4000; s&mask == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mant := byte((s >> (exp + 3)) & 0x0F)
	return ^(sign | exp<<4 | mant)
}

// ALawToLinear expands one G.711 A-law byte to a 16-bit linear sample.
func ALawToLinear(a byte) int16 {
	a ^= 0x55
	sign := a & 0x80
	exp := (a >> 4) & 0x07
	mant := a & 0x0F
	var value int
	if exp != 0 {
		value = (int(mant)<<4 + 0x100) << (exp - 1)
	} else {
		value = int(mant)<<4 + 8
	}
	if sign != 0 {
		return int16(-value)
	}
	return int16(value)
}

// LinearToALaw compresses a 16-bit linear sample to one G.711 A-law byte.
func LinearToALaw(sample int16) byte {
	s := int(sample)
	sign := byte(0)
	if s < 0 {
		s = -s - 1
		sign = 0x80
	}
	if s > g711Clip {
		s = g711Clip
	}
	var comp byte
	if s >= 256 {
		exp := byte(7)
		for mask := 0x4000; s&mask == 0 && exp > 0; mask >>= 1 {
			exp--
		}
		mant := byte((s >> (exp + 3)) & 0x0F)
		comp = exp<<4 | mant
	} else {
		comp = byte(s >> 4)
	}
	return comp ^ 0x55 ^ sign
}

// DecodeG711 expands law-companded audio to 16-bit little-endian PCM.
// law selects [EncodingALaw]; anything else is treated as μ-law.
func DecodeG711(data []byte, law Encoding) []byte {
	expand := UlawToLinear
	if law == EncodingALaw {
		expand = ALawToLinear
	}
	out := make([]byte, len(data)*2)
	for i, b := range data {
		s := expand(b)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// EncodeG711 compresses 16-bit little-endian PCM to law-companded audio.
// A trailing odd byte, if any, is ignored.
func EncodeG711(pcm []byte, law Encoding) []byte {
	compress := LinearToUlaw
	if law == EncodingALaw {
		compress = LinearToALaw
	}
	out := make([]byte, len(pcm)/2)
	for i := range out {
		s := int16(uint16(pcm[i*2]) | uint16(pcm[i*2+1])<<8)
		out[i] = compress(s)
	}
	return out
}
