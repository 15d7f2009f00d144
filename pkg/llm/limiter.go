package llm

import "strings"

// Reply limits for telephony turns.
const (
	DefaultReplyMaxSentences = 2
	DefaultReplyMaxChars     = 400
)

// LimitReply trims a generated reply to at most maxSentences sentences and
// maxChars bytes. Non-positive limits take the defaults.
func LimitReply(text string, maxSentences, maxChars int) string {
	if maxSentences <= 0 {
		maxSentences = DefaultReplyMaxSentences
	}
	if maxChars <= 0 {
		maxChars = DefaultReplyMaxChars
	}
	text = strings.Join(strings.Fields(text), " ")
	if text == "" {
		return ""
	}
	out := truncateSentences(text, maxSentences)
	if len(out) > maxChars {
		out = cutAtWord(out, maxChars)
	}
	return out
}

func truncateSentences(text string, maxSentences int) string {
	var out strings.Builder
	count := 0
	runes := []rune(text)
	for i, r := range runes {
		out.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			// Only count terminators followed by a space or the end.
			if i+1 < len(runes) && runes[i+1] != ' ' {
				continue
			}
			count++
			if count >= maxSentences {
				break
			}
		}
	}
	result := strings.TrimSpace(out.String())
	if result == "" {
		return text
	}
	return result
}

func cutAtWord(text string, maxChars int) string {
	cut := text[:maxChars]
	for len(cut) > 0 && (cut[len(cut)-1]&0xC0) == 0x80 {
		cut = cut[:len(cut)-1]
	}
	if i := strings.LastIndexByte(cut, ' '); i > maxChars/2 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut)
}
