// Package audio contains the PCM helpers used by the detector, the
// transcribers and the telephone leg. All PCM is 16-bit little-endian mono.
package audio

import (
	"encoding/binary"
	"math"
	"time"
)

const bytesPerSample = 2

// RMS returns the root-mean-square energy of a PCM16LE chunk normalized to
// [0, 1]. A trailing odd byte is ignored.
func RMS(pcm []byte) float64 {
	n := len(pcm) / bytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// Duration is the playback length of a PCM16 buffer at sampleRate.
func Duration(pcm []byte, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := len(pcm) / bytesPerSample
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

// Silence returns d worth of zeroed PCM16 at sampleRate.
func Silence(d time.Duration, sampleRate int) []byte {
	samples := int(d * time.Duration(sampleRate) / time.Second)
	return make([]byte, samples*bytesPerSample)
}
