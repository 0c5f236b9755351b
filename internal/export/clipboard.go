package export

import (
	"fmt"

	"github.com/atotto/clipboard"
)

// Clipboard copies text to the system clipboard.
type Clipboard struct {
	write func(string) error
}

func NewClipboard() *Clipboard {
	return &Clipboard{write: clipboard.WriteAll}
}

// Available reports whether a clipboard utility exists on this host.
func (c *Clipboard) Available() bool {
	return !clipboard.Unsupported
}

func (c *Clipboard) Copy(text string) error {
	if err := c.write(text); err != nil {
		return fmt.Errorf("copy to clipboard: %w", err)
	}
	return nil
}

// CopyEmail copies the subject line and body in the form they were generated.
func (c *Clipboard) CopyEmail(subject, body string) error {
	if subject == "" {
		return c.Copy(body)
	}
	return c.Copy("Subject: " + subject + "\n\n" + body)
}
