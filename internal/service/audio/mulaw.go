package audio

const (
	muLawBias = 0x84
	muLawClip = 32635
)

// MuLawToPCM16 将 G.711 mu-law 字节展开为线性采样
func MuLawToPCM16(mu []byte) []int16 {
	out := make([]int16, len(mu))
	for i, b := range mu {
		out[i] = decodeMuLaw(b)
	}
	return out
}

// PCM16ToMuLaw 将线性采样压缩为 G.711 mu-law 字节
func PCM16ToMuLaw(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = encodeMuLaw(s)
	}
	return out
}

func decodeMuLaw(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F

	value := ((int(mantissa) << 3) + muLawBias) << exponent
	value -= muLawBias
	if sign != 0 {
		return int16(-value)
	}
	return int16(value)
}

func encodeMuLaw(sample int16) byte {
	s := int(sample)
	var sign int
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > muLawClip {
		s = muLawClip
	}
	s += muLawBias

	exponent := 7
	for mask := 0x4000; s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (s >> (exponent + 3)) & 0x0F

	return ^byte(sign | exponent<<4 | mantissa)
}
