package assist

import "strings"

// SystemPrompt frames the live call for the inference backend.
const SystemPrompt = `You assist a person during a live phone call.
Read the transcript so far and suggest the next thing they could say.
Reply with one or two short sentences in the language of the conversation.
Do not repeat what was already said and do not add commentary.`

// Transcript renders turns as "speaker: text" lines, oldest first.
func Transcript(turns []Turn) string {
	var b strings.Builder
	for i, t := range turns {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(t.Speaker)
		b.WriteString(": ")
		b.WriteString(t.Text)
	}
	return b.String()
}
