// Package feed renders a session's progress as a single evolving chat
// message and persists the renderer state after every mutation.
package feed

import (
	"fmt"
	"strings"
	"time"
)

// Mode is the rendering phase of the feed. Modes only move forward
// within one task's lifecycle; a new task returns the view to Active.
type Mode string

const (
	ModeActive   Mode = "active"
	ModeSquashed Mode = "squashed"
	ModeFinal    Mode = "final"
)

var modeRank = map[Mode]int{
	ModeActive:   0,
	ModeSquashed: 1,
	ModeFinal:    2,
}

// Entry is one feed line.
type Entry struct {
	Time string `json:"time"` // HH:MM:SS
	Icon string `json:"icon"`
	Text string `json:"text"`
}

func newEntry(icon, text string) Entry {
	return Entry{
		Time: time.Now().Format("15:04:05"),
		Icon: icon,
		Text: text,
	}
}

// State is the persistable renderer state. MessageHandle survives
// restarts so the renderer reattaches to its message instead of posting
// a new one. Summaries carry one line per completed task and outlive
// the task that produced them.
type State struct {
	Mode          Mode    `json:"mode"`
	Title         string  `json:"title"`
	Entries       []Entry `json:"entries"`
	Summaries     []Entry `json:"summaries,omitempty"`
	MessageHandle string  `json:"message_handle,omitempty"`
}

func newState() State {
	return State{Mode: ModeActive, Title: "Construct"}
}

// reset starts a fresh task view, keeping the message handle and the
// accumulated task summaries.
func (s *State) reset(title string) {
	s.Mode = ModeActive
	s.Title = title
	s.Entries = nil
}

// advanceMode moves the mode forward only.
func (s *State) advanceMode(to Mode) {
	if modeRank[to] > modeRank[s.Mode] {
		s.Mode = to
	}
}

// addEntry appends a line, deduplicating consecutive identical texts and
// trimming to the entry cap.
func (s *State) addEntry(icon, text string, max int) {
	if n := len(s.Entries); n > 0 && s.Entries[n-1].Text == text {
		// Same activity again: refresh the icon instead of repeating.
		s.Entries[n-1].Icon = icon
		return
	}
	s.Entries = append(s.Entries, newEntry(icon, text))
	if max > 0 && len(s.Entries) > max {
		s.Entries = s.Entries[len(s.Entries)-max:]
	}
}

// squash collapses the finished task's entries into one timestamped
// summary line appended after those of earlier tasks.
func (s *State) squash(icon, summary string) {
	s.advanceMode(ModeSquashed)
	text := s.Title
	if line := firstLine(summary, 120); line != "" {
		text += ": " + line
	}
	s.Summaries = append(s.Summaries, newEntry(icon, text))
	s.Entries = nil
}

func firstLine(text string, max int) string {
	text, _, _ = strings.Cut(strings.TrimSpace(text), "\n")
	runes := []rune(text)
	if len(runes) > max {
		return string(runes[:max]) + "…"
	}
	return text
}

// Render produces the chat message body for the current mode.
func (s *State) Render() string {
	var b strings.Builder

	switch s.Mode {
	case ModeActive:
		fmt.Fprintf(&b, "**🔄 %s**\n\n", s.Title)
		for _, e := range s.Summaries {
			fmt.Fprintf(&b, "`%s` %s %s\n", e.Time, e.Icon, e.Text)
		}
		for _, e := range s.Entries {
			fmt.Fprintf(&b, "`%s` %s %s\n", e.Time, e.Icon, e.Text)
		}

	case ModeSquashed:
		for _, e := range s.Summaries {
			fmt.Fprintf(&b, "`%s` %s %s\n", e.Time, e.Icon, e.Text)
		}

	case ModeFinal:
		b.WriteString("**✅ Roadmap complete**\n\n")
		for _, e := range s.Summaries {
			fmt.Fprintf(&b, "- %s %s\n", e.Icon, e.Text)
		}
	}

	return strings.TrimRight(b.String(), "\n")
}
