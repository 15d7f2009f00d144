package audio

import "encoding/binary"

// Resample converts PCM16LE between sample rates with linear
// interpolation. Equal or invalid rates return pcm unchanged.
func Resample(pcm []byte, from, to int) []byte {
	if from <= 0 || to <= 0 || from == to {
		return pcm
	}
	in := len(pcm) / bytesPerSample
	if in == 0 {
		return nil
	}
	n := int(int64(in) * int64(to) / int64(from))
	out := make([]byte, n*bytesPerSample)
	sample := func(i int) float64 {
		return float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	for j := 0; j < n; j++ {
		pos := float64(j) * float64(from) / float64(to)
		i := int(pos)
		frac := pos - float64(i)
		v := sample(i)
		if i+1 < in {
			v += (sample(i+1) - v) * frac
		}
		binary.LittleEndian.PutUint16(out[j*2:], uint16(int16(v)))
	}
	return out
}
