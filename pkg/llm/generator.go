// Package llm defines the response generator contract and the prompt
// material shared by every provider.
package llm

import (
	"context"
	"strings"

	"github.com/harunnryd/hrcall/pkg/call"
)

// Generator produces agent replies and end-of-call summaries.
type Generator interface {
	Name() string
	// GenerateReply renders intent as the agent's next line given the
	// transcript so far. An empty transcript is valid.
	GenerateReply(ctx context.Context, intent string, transcript []call.Turn) (string, error)
	// GenerateSummary summarizes a finished call.
	GenerateSummary(ctx context.Context, transcript []call.Turn) (string, error)
}

// Role of a chat message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a provider-neutral chat message.
type Message struct {
	Role    Role
	Content string
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ReplyMessages converts the transcript plus the reply instruction into a
// strictly alternating conversation that starts and ends with the user
// role. Consecutive turns of one role are joined.
func ReplyMessages(intent string, transcript []call.Turn) []Message {
	msgs := make([]Message, 0, len(transcript)+2)
	push := func(role Role, content string) {
		content = strings.TrimSpace(content)
		if content == "" {
			return
		}
		if n := len(msgs); n > 0 && msgs[n-1].Role == role {
			msgs[n-1].Content += "\n\n" + content
			return
		}
		msgs = append(msgs, Message{Role: role, Content: content})
	}
	for _, t := range transcript {
		if t.Speaker == call.SpeakerAgent {
			if len(msgs) == 0 {
				push(RoleUser, CallConnected)
			}
			push(RoleAssistant, t.Text)
			continue
		}
		push(RoleUser, HRLabel+": "+t.Text)
	}
	push(RoleUser, ReplyInstruction(intent))
	return msgs
}

// SummaryMessages is the single-message summary request.
func SummaryMessages(transcript []call.Turn) []Message {
	return []Message{{Role: RoleUser, Content: SummaryPrompt(transcript)}}
}
