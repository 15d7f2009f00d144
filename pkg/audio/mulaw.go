package audio

import "encoding/binary"

const (
	muLawBias = 0x84
	muLawClip = 32635
)

// MuLawToPCM decodes G.711 mu-law bytes into PCM16LE.
func MuLawToPCM(ulaw []byte) []byte {
	out := make([]byte, len(ulaw)*bytesPerSample)
	for i, b := range ulaw {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(decodeMuLaw(b)))
	}
	return out
}

// PCMToMuLaw encodes PCM16LE into G.711 mu-law bytes.
func PCMToMuLaw(pcm []byte) []byte {
	n := len(pcm) / bytesPerSample
	out := make([]byte, n)
	for i := 0; i < n; i++ {
		out[i] = encodeMuLaw(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out
}

func decodeMuLaw(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exp := (u >> 4) & 0x07
	mant := u & 0x0F
	value := (int(mant) << 3) + muLawBias
	value <<= uint(exp)
	value -= muLawBias
	if sign != 0 {
		return int16(-value)
	}
	return int16(value)
}

func encodeMuLaw(sample int16) byte {
	s := int(sample)
	sign := 0
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > muLawClip {
		s = muLawClip
	}
	s += muLawBias
	exp := 7
	for mask := 0x4000; s&mask == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mant := (s >> (exp + 3)) & 0x0F
	return ^byte(sign | exp<<4 | mant)
}
