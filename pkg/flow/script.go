package flow

// Stage is one step of the scripted conversation.
type Stage struct {
	Name   string `mapstructure:"name" json:"name"`
	Intent string `mapstructure:"intent" json:"intent"`
}

// DefaultStages is the job-inquiry script. Index 0 greets, the last index
// closes.
func DefaultStages() []Stage {
	return []Stage{
		{Name: "greeting", Intent: "Greet the HR representative and introduce yourself as an AI assistant calling on behalf of a job seeker."},
		{Name: "purpose", Intent: "Briefly explain you're calling to inquire about current job openings."},
		{Name: "question_1", Intent: "Ask if they have any software engineering positions available."},
		{Name: "question_2", Intent: "Ask about the required qualifications for the position."},
		{Name: "question_3", Intent: "Ask about the application process."},
		{Name: "closing", Intent: "Thank them for their time and end the call politely."},
	}
}

// DefaultEndPhrases end the call when found anywhere in a human turn.
func DefaultEndPhrases() []string {
	return []string{
		"goodbye",
		"bye",
		"have to go",
		"can't talk",
		"busy right now",
		"call back later",
		"not interested",
		"no thank you",
	}
}

// DefaultFarewell is the intent used when the human ends the call early.
const DefaultFarewell = "The person wants to end the call. Thank them warmly for their time and say goodbye professionally. Keep it very brief (1 sentence)."

// DefaultReplacements fold transcription variants onto the end phrases.
func DefaultReplacements() map[string]string {
	return map[string]string{
		"\u2019":      "'",
		"cannot talk":  "can't talk",
		"can not talk": "can't talk",
		"good bye":     "goodbye",
		"no thanks":    "no thank you",
	}
}
