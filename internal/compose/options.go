package compose

// Option is a selectable tone, style or length.
type Option struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description"`
}

var Tones = []Option{
	{ID: "normal", Label: "Normal", Description: "Standard, balanced email"},
	{ID: "friendly", Label: "Friendly", Description: "Warm and personable"},
	{ID: "formal", Label: "Formal", Description: "Official, buttoned-up language"},
	{ID: "excited", Label: "Excited", Description: "Enthusiastic, high energy"},
	{ID: "follow-up", Label: "Follow Up", Description: "Circle back, check in"},
	{ID: "request", Label: "Request", Description: "Ask for something"},
	{ID: "thank-you", Label: "Thank You", Description: "Show appreciation"},
	{ID: "congratulations", Label: "Congrats", Description: "Celebrate someone's win"},
	{ID: "reminder", Label: "Reminder", Description: "Gentle nudge"},
	{ID: "update", Label: "Update", Description: "Share status or news"},
	{ID: "introduction", Label: "Intro", Description: "First contact"},
	{ID: "feedback", Label: "Feedback", Description: "Give constructive input"},
	{ID: "apology", Label: "Apology", Description: "Own a mistake"},
	{ID: "urgent", Label: "Urgent", Description: "Needs action NOW"},
	{ID: "bad-news", Label: "Bad News", Description: "Deliver it with care"},
}

var Styles = []Option{
	{ID: "professional", Label: "Professional", Description: "Formal business language"},
	{ID: "casual", Label: "Casual", Description: "Relaxed, everyday language"},
	{ID: "conversational", Label: "Conversational", Description: "Natural flow, like speaking"},
}

var Lengths = []Option{
	{ID: "condense", Label: "Condense"},
	{ID: "default", Label: "Default"},
	{ID: "extend", Label: "Extend"},
}

var toneInstructions = map[string]string{
	"normal":
		"This is a STANDARD email. Keep a balanced, neutral tone. State the point clearly and close politely.",
	"friendly":
		"This is a FRIENDLY email. Be warm and personable. A light, upbeat opening is welcome. Keep the message easy to read and close on a kind note.",
	"formal":
		"This is a FORMAL email. Use official, buttoned-up language. Avoid contractions and casual phrasing. Structure the message carefully and close with a formal sign-off.",
	"excited":
		"This is an EXCITED email. Convey genuine enthusiasm and energy. Keep the excitement tied to the actual content of the transcript. Avoid going over the top.",
	"follow-up":
		"This is a FOLLOW-UP email. Reference the previous conversation, meeting, or request. Be polite but purposeful — the goal is to get a response or move things forward. Use phrases like 'circling back', 'wanted to check in', or 'following up on'. End with a clear ask or next step.",
	"request":
		"This is a REQUEST email. Be clear about exactly what you need, when you need it, and why. Make it easy for the recipient to say yes. Be respectful but direct. If there's a deadline, state it. End with a specific call to action.",
	"thank-you":
		"This is a THANK YOU email. Express genuine, specific gratitude — mention exactly what you're thankful for and why it mattered. Be warm but not over-the-top. Keep it sincere and brief. Avoid generic phrases; make it personal.",
	"congratulations":
		"This is a CONGRATULATIONS email. Celebrate the specific achievement mentioned in the transcript. Be sincere and generous with praise. Keep it focused on the recipient.",
	"reminder":
		"This is a REMINDER email. Gently restate what is due or upcoming and when. Assume good intent. Keep it short and end with the specific action needed.",
	"update":
		"This is a STATUS UPDATE email. Structure the information clearly — what happened, where things stand now, and what's next. Use bullet points or short paragraphs for scannability. Lead with the most important update. Be factual and concise.",
	"introduction":
		"This is an INTRODUCTION email. Briefly establish who you are and why you're reaching out. Get to the point quickly — what's the connection or reason for contact. Be warm but professional. End with a clear next step (meeting, call, etc.).",
	"feedback":
		"This is a FEEDBACK email. Be specific and constructive. Acknowledge what works before addressing what should change. Focus on the work rather than the person and suggest concrete next steps.",
	"apology":
		"This is an APOLOGY email. Acknowledge the issue directly — don't deflect or minimize. Take responsibility clearly. Explain what happened briefly (without excuses). State what you're doing to fix it or prevent recurrence. Be sincere and professional.",
	"urgent":
		"This is an URGENT email. Lead with the time-sensitive element immediately. Be very clear about what's needed and by when. Use direct language — no fluff. Bold or emphasize the deadline/action needed. Keep it short and scannable.",
	"bad-news":
		"This is a BAD NEWS email. Lead with empathy or context before delivering the news. Be honest and direct but compassionate. Avoid burying the bad news in fluff. If possible, offer an alternative, next step, or silver lining. End on a constructive note.",
}

var styleInstructions = map[string]string{
	"professional":
		"Use formal business language. Proper salutation and sign-off. Avoid slang or contractions.",
	"casual":
		"Use relaxed, everyday language. Contractions are fine. Keep it natural and easy-going.",
	"conversational":
		"Write as if speaking naturally. Use a flowing, conversational rhythm. Include transitional phrases. Make it feel like a verbal exchange put into writing.",
}

var lengthInstructions = map[string]string{
	"condense":
		"Keep the email very concise — 2-4 sentences maximum. Cut any unnecessary words. Get straight to the point.",
	"default":
		"Write a standard-length email — enough to cover the key points clearly without being overly brief or long. Typically 4-8 sentences.",
	"extend":
		"Write a more detailed email — elaborate on key points, add context, and be thorough. Include supporting details. Typically 8-15 sentences.",
}

func validTone(id string) bool {
	_, ok := toneInstructions[id]
	return ok
}

func validStyle(id string) bool {
	_, ok := styleInstructions[id]
	return ok
}

func validLength(id string) bool {
	_, ok := lengthInstructions[id]
	return ok
}
