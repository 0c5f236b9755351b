package export

import (
	"errors"
	"testing"
)

func TestBuildMailtoURL(t *testing.T) {
	got := BuildMailtoURL("", "Lunch & plans?", "Hi Sam,\nSee you at 12.\n\n[Your Name]")
	want := "mailto:?subject=Lunch%20%26%20plans%3F&body=Hi%20Sam%2C%0D%0ASee%20you%20at%2012.%0D%0A%0D%0A%5BYour%20Name%5D"
	if got != want {
		t.Fatalf("unexpected url\n got %s\nwant %s", got, want)
	}
}

func TestBuildMailtoURLKeepsAddress(t *testing.T) {
	got := BuildMailtoURL(" sam@example.com ", "Hi", "x")
	if got != "mailto:sam@example.com?subject=Hi&body=x" {
		t.Fatalf("unexpected url %s", got)
	}
}

func TestBuildMailtoURLEncodesUTF8(t *testing.T) {
	got := BuildMailtoURL("", "café", "")
	if got != "mailto:?subject=caf%C3%A9&body=" {
		t.Fatalf("unexpected url %s", got)
	}
}

func TestClipboardCopyEmail(t *testing.T) {
	var copied string
	c := &Clipboard{write: func(s string) error {
		copied = s
		return nil
	}}
	if err := c.CopyEmail("Update", "Body text"); err != nil {
		t.Fatalf("copy: %v", err)
	}
	if copied != "Subject: Update\n\nBody text" {
		t.Fatalf("unexpected clipboard content %q", copied)
	}

	c.write = func(string) error { return errors.New("no display") }
	if err := c.Copy("x"); err == nil {
		t.Fatal("expected clipboard error")
	}
}
