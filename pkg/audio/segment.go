package audio

import "time"

// Segment is one captured utterance handed to a transcriber.
type Segment struct {
	PCM        []byte
	SampleRate int
	StartedAt  time.Time
	EndedAt    time.Time
}

// Empty reports whether the segment carries no samples.
func (s Segment) Empty() bool { return len(s.PCM) < bytesPerSample }

// Duration is the playback length of the captured samples.
func (s Segment) Duration() time.Duration { return Duration(s.PCM, s.SampleRate) }

// Buffer accumulates chunks of the current utterance. It is not safe for
// concurrent use; the owning sequencer goroutine is its only writer.
type Buffer struct {
	sampleRate int
	maxBytes   int
	pcm        []byte
	startedAt  time.Time
	lastAt     time.Time
}

// NewBuffer caps the buffered audio at maxDuration; older samples are kept
// and newer ones are dropped once the cap is reached. A zero maxDuration
// means unbounded.
func NewBuffer(sampleRate int, maxDuration time.Duration) *Buffer {
	b := &Buffer{sampleRate: sampleRate}
	if maxDuration > 0 {
		b.maxBytes = int(maxDuration*time.Duration(sampleRate)/time.Second) * bytesPerSample
	}
	return b
}

// Write appends a chunk received at at.
func (b *Buffer) Write(chunk []byte, at time.Time) {
	if len(chunk) == 0 {
		return
	}
	if b.startedAt.IsZero() {
		b.startedAt = at
	}
	b.lastAt = at
	if b.maxBytes > 0 {
		room := b.maxBytes - len(b.pcm)
		if room <= 0 {
			return
		}
		if len(chunk) > room {
			chunk = chunk[:room]
		}
	}
	b.pcm = append(b.pcm, chunk...)
}

// Len is the number of buffered bytes.
func (b *Buffer) Len() int { return len(b.pcm) }

// StartedAt is the arrival time of the first buffered chunk.
func (b *Buffer) StartedAt() time.Time { return b.startedAt }

// Flush returns the buffered utterance and resets the buffer.
func (b *Buffer) Flush() Segment {
	seg := Segment{PCM: b.pcm, SampleRate: b.sampleRate, StartedAt: b.startedAt, EndedAt: b.lastAt}
	b.Reset()
	return seg
}

// Reset discards buffered audio.
func (b *Buffer) Reset() {
	b.pcm = nil
	b.startedAt = time.Time{}
	b.lastAt = time.Time{}
}
