package audio

import "encoding/binary"

const wavHeaderSize = 44

// WAV wraps PCM16LE mono samples in a canonical RIFF header.
func WAV(pcm []byte, sampleRate int) []byte {
	dataSize := len(pcm)
	wav := make([]byte, wavHeaderSize+dataSize)

	copy(wav[0:4], "RIFF")
	binary.LittleEndian.PutUint32(wav[4:8], uint32(36+dataSize))
	copy(wav[8:12], "WAVE")

	copy(wav[12:16], "fmt ")
	binary.LittleEndian.PutUint32(wav[16:20], 16)
	binary.LittleEndian.PutUint16(wav[20:22], 1)
	binary.LittleEndian.PutUint16(wav[22:24], 1)
	binary.LittleEndian.PutUint32(wav[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(wav[28:32], uint32(sampleRate*bytesPerSample))
	binary.LittleEndian.PutUint16(wav[32:34], bytesPerSample)
	binary.LittleEndian.PutUint16(wav[34:36], 16)

	copy(wav[36:40], "data")
	binary.LittleEndian.PutUint32(wav[40:44], uint32(dataSize))
	copy(wav[wavHeaderSize:], pcm)
	return wav
}

// DecodeWAV returns the PCM payload and sample rate of a canonical 44-byte
// header WAV. ok is false for anything else.
func DecodeWAV(b []byte) (pcm []byte, sampleRate int, ok bool) {
	if len(b) < wavHeaderSize || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" || string(b[36:40]) != "data" {
		return nil, 0, false
	}
	return b[wavHeaderSize:], int(binary.LittleEndian.Uint32(b[24:28])), true
}
