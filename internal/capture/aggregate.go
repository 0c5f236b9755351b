package capture

import "strings"

// TranscriptState is the stable view of one hypothesis batch.
type TranscriptState struct {
	Final   string
	Interim string
}

// Reduce turns a full hypothesis batch into a TranscriptState. The result
// replaces any previous state; it must never be appended to it.
func Reduce(batch []Hypothesis) TranscriptState {
	var finals []string
	var interim strings.Builder
	for _, h := range batch {
		if h.IsFinal {
			finals = append(finals, h.Text)
			continue
		}
		interim.WriteString(h.Text)
	}
	return TranscriptState{
		Final:   strings.TrimSpace(strings.Join(finals, " ")),
		Interim: interim.String(),
	}
}

// dropFinals returns batch without its first n final hypotheses.
func dropFinals(batch []Hypothesis, n int) []Hypothesis {
	if n <= 0 {
		return batch
	}
	out := make([]Hypothesis, 0, len(batch))
	for _, h := range batch {
		if h.IsFinal && n > 0 {
			n--
			continue
		}
		out = append(out, h)
	}
	return out
}

func countFinals(batch []Hypothesis) int {
	n := 0
	for _, h := range batch {
		if h.IsFinal {
			n++
		}
	}
	return n
}

func joinText(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	default:
		return a + " " + b
	}
}
