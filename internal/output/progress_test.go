package output

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestProgressBar_NonTTYPrintsEachStep(t *testing.T) {
	buf := &bytes.Buffer{}
	p := NewProgress(3, "")
	p.SetWriter(buf)

	p.Step("create group web")
	p.Step("create user web")
	p.Step("daemon-reload")
	p.Step("extra")
	p.Finish()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 lines, got %d: %q", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], "[1/3] create group web") {
		t.Errorf("line 0 = %q", lines[0])
	}
	if !strings.Contains(lines[3], "[3/3] extra") {
		t.Errorf("steps beyond the total stay at the total, got %q", lines[3])
	}
}

func TestProgressBar_Line(t *testing.T) {
	p := NewProgress(4, "")
	p.current = 2
	p.description = "daemon-reload"

	line := p.line()
	if !strings.Contains(line, " 50% daemon-reload") {
		t.Errorf("line() = %q", line)
	}
	if !strings.Contains(line, "[==============>") {
		t.Errorf("half the bar should be filled, got %q", line)
	}
}

func TestSpinner_NonTTY(t *testing.T) {
	buf := &bytes.Buffer{}
	s := NewSpinner("allocating")
	s.SetWriter(buf)

	s.Start()
	s.Update("syncing")
	s.Update("syncing")
	s.StopWithMessage("✓ healthy")

	want := "allocating...\nsyncing...\n✓ healthy\n"
	if buf.String() != want {
		t.Errorf("output = %q, want %q", buf.String(), want)
	}
}

func TestSpinner_StopIsIdempotent(t *testing.T) {
	s := NewSpinner("probing")
	s.SetWriter(&bytes.Buffer{})
	s.Start()
	s.Stop()
	s.Stop()
}

func TestSpinner_FormatMessage(t *testing.T) {
	s := NewSpinner("probing").WithTimeout(10 * time.Second)
	s.startTime = time.Now().Add(-3 * time.Second)
	if got := s.formatMessage(); !strings.Contains(got, "probing (7s remaining)") && !strings.Contains(got, "probing (6s remaining)") {
		t.Errorf("formatMessage() = %q", got)
	}

	s = NewSpinner("probing").WithTimeout(0)
	s.startTime = time.Now().Add(-2 * time.Second)
	if got := s.formatMessage(); got != "probing (2s elapsed)" {
		t.Errorf("formatMessage() = %q", got)
	}

	s = NewSpinner("probing")
	if got := s.formatMessage(); got != "probing" {
		t.Errorf("formatMessage() = %q", got)
	}
}
