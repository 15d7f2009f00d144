// Package call holds the value types shared by the session registry, the
// response generators and the persistence gateways.
package call

import (
	"math"
	"time"
)

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerAgent Speaker = "agent"
	SpeakerHuman Speaker = "human"
)

// Label is the transcript prefix used when rendering a turn.
func (s Speaker) Label() string {
	if s == SpeakerAgent {
		return "Agent"
	}
	return "User"
}

// Turn is one utterance of either party.
type Turn struct {
	Speaker    Speaker   `json:"speaker"`
	Text       string    `json:"text"`
	CapturedAt time.Time `json:"capturedAt"`
}

// EndReason records why a call finished.
type EndReason string

const (
	EndCompleted    EndReason = "completed"
	EndUserEnded    EndReason = "user_ended"
	EndPhrase       EndReason = "end_phrase"
	EndMaxDuration  EndReason = "max_duration"
	EndDisconnected EndReason = "disconnected"
	EndShutdown     EndReason = "shutdown"
)

// Completed is the immutable record handed to a persistence gateway.
type Completed struct {
	ID              string    `json:"callId"`
	StartedAt       time.Time `json:"startedAt"`
	EndedAt         time.Time `json:"endedAt"`
	DurationSeconds int64     `json:"durationSeconds"`
	Transcript      []Turn    `json:"transcript"`
	Summary         string    `json:"summary"`
	EndReason       EndReason `json:"endReason,omitempty"`
	StageReached    int       `json:"stageReached"`
}

// NewCompleted builds a record with normalized timestamps and the derived
// duration. The transcript is copied.
func NewCompleted(id string, startedAt, endedAt time.Time, transcript []Turn, summary string) Completed {
	startedAt = Normalize(startedAt)
	endedAt = Normalize(endedAt)
	turns := make([]Turn, len(transcript))
	for i, t := range transcript {
		t.CapturedAt = Normalize(t.CapturedAt)
		turns[i] = t
	}
	return Completed{
		ID:              id,
		StartedAt:       startedAt,
		EndedAt:         endedAt,
		DurationSeconds: DurationSeconds(startedAt, endedAt),
		Transcript:      turns,
		Summary:         summary,
	}
}

// Normalize truncates t to UTC milliseconds so every store round-trips it
// exactly.
func Normalize(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return time.UnixMilli(t.UnixMilli()).UTC()
}

// DurationSeconds is the whole number of seconds between start and end,
// never negative.
func DurationSeconds(start, end time.Time) int64 {
	if start.IsZero() || end.IsZero() || end.Before(start) {
		return 0
	}
	return int64(end.Sub(start) / time.Second)
}

// Stats aggregates all persisted calls.
type Stats struct {
	TotalCalls             int        `json:"totalCalls"`
	TotalDurationSeconds   int64      `json:"totalDurationSeconds"`
	AverageDurationSeconds int64      `json:"averageDurationSeconds"`
	MostRecent             *Completed `json:"lastCall"`
}

// NewStats derives the average from the totals.
func NewStats(total int, totalSeconds int64, mostRecent *Completed) Stats {
	st := Stats{TotalCalls: total, TotalDurationSeconds: totalSeconds, MostRecent: mostRecent}
	if total > 0 {
		st.AverageDurationSeconds = int64(math.Round(float64(totalSeconds) / float64(total)))
	}
	return st
}
