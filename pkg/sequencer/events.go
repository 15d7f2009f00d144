package sequencer

import (
	"context"
	"encoding/json"

	"github.com/harunnryd/hrcall/pkg/call"
)

// Client to server event names.
const (
	ClientStartCall            = "startCall"
	ClientAudioChunk           = "audioChunk"
	ClientUserFinishedSpeaking = "userFinishedSpeaking"
	ClientEndCall              = "endCall"
)

// Server to client event names.
const (
	EventConnected     = "connected"
	EventCallStarted   = "callStarted"
	EventProcessing    = "processing"
	EventUserSpoke     = "userSpoke"
	EventAgentSpeaking = "agentSpeaking"
	EventCallEnded     = "callEnded"
	EventError         = "error"
)

// Processing statuses.
const (
	StatusTranscribing       = "transcribing"
	StatusGeneratingResponse = "generating_response"
	StatusGeneratingAudio    = "generating_audio"
)

// Envelope is the JSON frame exchanged with clients.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Event is one server to client message.
type Event struct {
	Name string
	Data any
}

// MarshalJSON renders the event as an Envelope.
func (e Event) MarshalJSON() ([]byte, error) {
	var data json.RawMessage
	if e.Data != nil {
		b, err := json.Marshal(e.Data)
		if err != nil {
			return nil, err
		}
		data = b
	}
	return json.Marshal(Envelope{Event: e.Name, Data: data})
}

type ConnectedData struct {
	ConnectionID string `json:"connectionId"`
}

type CallStartedData struct {
	CallID string `json:"callId"`
}

type ProcessingData struct {
	Status string `json:"status"`
}

type UserSpokeData struct {
	Text string `json:"text"`
}

// AgentSpeakingData carries the reply text and, when available, base64
// audio in Format. Raw keeps the undecoded bytes for transports that stream
// binary audio.
type AgentSpeakingData struct {
	Text       string `json:"text"`
	Audio      string `json:"audio,omitempty"`
	Format     string `json:"format,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Raw        []byte `json:"-"`
}

type CallEndedData struct {
	CallID     string         `json:"callId"`
	Summary    string         `json:"summary"`
	Stats      *call.Stats    `json:"stats,omitempty"`
	Transcript string         `json:"transcript"`
	Duration   int64          `json:"duration"`
	EndReason  call.EndReason `json:"endReason"`
}

type ErrorData struct {
	Message string `json:"message"`
}

// Emitter delivers server events to one client connection.
type Emitter interface {
	Emit(ctx context.Context, ev Event) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, ev Event) error

func (f EmitterFunc) Emit(ctx context.Context, ev Event) error { return f(ctx, ev) }
