package llm

import (
	"fmt"
	"strings"

	"github.com/harunnryd/hrcall/pkg/call"
)

// SystemPrompt frames every reply.
const SystemPrompt = `You are an AI calling agent designed to interact with HR representatives about job opportunities.

Your role:
- Be professional, polite, and concise
- Ask relevant questions about job openings
- Listen carefully to responses
- Maintain a natural conversation flow
- End the conversation gracefully

Guidelines:
- Keep responses brief (1-2 sentences)
- Ask one question at a time
- Be respectful of the person's time
- If they're busy, offer to call back
- Thank them for their time at the end`

// ReplySuffix is appended to every stage intent.
const ReplySuffix = "Keep your response brief and natural (1-2 sentences)."

// HRLabel prefixes the human side in prompts.
const HRLabel = "HR Rep"

// CallConnected opens a conversation whose first turn is the agent's.
const CallConnected = "(The call has connected.)"

// SummaryUnavailable is stored when no summary could be generated.
const SummaryUnavailable = "Summary unavailable."

// Token limits used by providers.
const (
	ReplyMaxTokens   = 150
	SummaryMaxTokens = 500
)

// ReplyInstruction is the final user message of a reply request.
func ReplyInstruction(intent string) string {
	intent = strings.TrimSpace(intent)
	if strings.Contains(intent, "Keep it") || strings.Contains(intent, ReplySuffix) {
		return intent
	}
	return intent + " " + ReplySuffix
}

// FormatTranscript renders turns as "Agent: ..." / "HR Rep: ..." lines.
func FormatTranscript(transcript []call.Turn) string {
	var b strings.Builder
	for _, t := range transcript {
		label := HRLabel
		if t.Speaker == call.SpeakerAgent {
			label = "Agent"
		}
		fmt.Fprintf(&b, "%s: %s\n", label, t.Text)
	}
	return b.String()
}

// SummaryPrompt asks for a structured summary of the call.
func SummaryPrompt(transcript []call.Turn) string {
	conv := FormatTranscript(transcript)
	if strings.TrimSpace(conv) == "" {
		conv = "(no conversation took place)\n"
	}
	return "Based on this conversation, provide a structured summary:\n\n" + conv + `
Please provide:
1. Key information gathered
2. Job availability status
3. Required qualifications (if mentioned)
4. Next steps (if any)
5. Overall outcome

Format as a clear, bullet-pointed summary.`
}
