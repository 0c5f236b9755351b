package compose

import (
	"fmt"
	"strings"
)

// BuildPrompt renders the instruction that turns a transcript into an email.
// Unknown ids render with empty guidance; callers validate first.
func BuildPrompt(transcript, tone, style, length, recipient string) string {
	recipientLine := ""
	if r := strings.TrimSpace(recipient); r != "" {
		recipientLine = fmt.Sprintf("Recipient: %s\n", r)
	}

	var b strings.Builder
	b.WriteString("Transform this voice transcript into an email. The transcript is THE ONLY SOURCE OF CONTENT — use its exact meaning.\n\n")
	b.WriteString("=== TRANSCRIPT (USE THIS CONTENT) ===\n")
	b.WriteString(transcript)
	b.WriteString("\n=== END TRANSCRIPT ===\n\n")
	b.WriteString(recipientLine)
	fmt.Fprintf(&b, "Type: %s | Style: %s | Length: %s\n\n", strings.Replace(tone, "-", " ", 1), style, length)
	fmt.Fprintf(&b, "TONE GUIDANCE: %s\n\n", toneInstructions[tone])
	b.WriteString(`RULES:
1. The email MUST reflect what the transcript actually says — not generic placeholder text
2. If the transcript is a test message or nonsense, write an email that literally says "testing" or reflects that
3. NEVER invent topics, names, projects, or details not in the transcript
4. NEVER use placeholders like "[specific topic]" — use the actual content or leave it out
5. Clean up grammar and filler words, but keep the original meaning
6. Format: First line = "Subject: ..." then blank line, then email body
7. End with "[Your Name]" as the signature placeholder

`)
	fmt.Fprintf(&b, "STYLE: %s\n\n", styleInstructions[style])
	fmt.Fprintf(&b, "LENGTH: %s\n\n", lengthInstructions[length])
	b.WriteString("Write the email based on the transcript above:")
	return b.String()
}

// ParseEmail splits a leading "Subject:" line from the body.
func ParseEmail(text string) (subject, body string) {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	start := 0
	if len(lines) > 0 && strings.HasPrefix(strings.ToLower(lines[0]), "subject:") {
		subject = strings.TrimSpace(lines[0][len("subject:"):])
		start = 1
		if start < len(lines) && strings.TrimSpace(lines[start]) == "" {
			start = 2
		}
	}
	if start > len(lines) {
		start = len(lines)
	}
	body = strings.TrimSpace(strings.Join(lines[start:], "\n"))
	return subject, body
}
