// Package compose derives the task title, display body, and remote ticket
// description from an accumulated message sequence.
package compose

import (
	"strings"

	"backlogbot/app/core/session"
)

const (
	// RemoteTitleBudget caps the remote ticket title length in runes.
	RemoteTitleBudget = 100
	// CardTitleBudget caps the local task card title length in runes.
	CardTitleBudget = 50

	// PlaceholderNoText stands in for an entirely empty transcript.
	PlaceholderNoText = "[text not provided]"
	// PlaceholderFilesOnly is the title used when the submission has
	// attachments but no usable text line.
	PlaceholderFilesOnly = "[information is in the file]"
)

// Transcript renders the raw accumulated text: every entry in order, text
// lines followed by attachment display names on their own lines. An empty
// sequence yields the explicit placeholder, never an empty string.
func Transcript(turns []session.Turn) string {
	lines := flatten(turns)
	if len(lines) == 0 {
		return PlaceholderNoText
	}
	return strings.Join(lines, "\n")
}

// Title returns the first non-empty line of the transcript, truncated
// rune-safe to budget. When no such line exists, the fallback depends on
// whether any attachment reference is present.
func Title(turns []session.Turn, budget int) string {
	for _, line := range flatten(turns) {
		if strings.TrimSpace(line) != "" {
			return Truncate(strings.TrimSpace(line), budget)
		}
	}
	if hasFiles(turns) {
		return Truncate(PlaceholderFilesOnly, budget)
	}
	return Truncate(PlaceholderNoText, budget)
}

// DisplayBody renders the transcript for the task card: non-empty text lines
// and attachment display names, in order. File mentions stay adjacent to the
// surrounding text.
func DisplayBody(turns []session.Turn) string {
	lines := flatten(turns)
	if len(lines) == 0 {
		return PlaceholderNoText
	}
	return strings.Join(lines, "\n")
}

// TicketDescription segments text runs and file-reference lines into a list
// and rejoins them with blank-line separation, preserving the original
// ordering between narrative text and file markers for flat rendering.
func TicketDescription(turns []session.Turn) string {
	var segments []string
	for _, turn := range turns {
		for _, e := range turn.Entries {
			switch e.Kind {
			case session.EntryText:
				var run []string
				for _, line := range strings.Split(e.Text, "\n") {
					if strings.TrimSpace(line) != "" {
						run = append(run, strings.TrimSpace(line))
					}
				}
				if len(run) > 0 {
					segments = append(segments, strings.Join(run, "\n"))
				}
			case session.EntryFile:
				segments = append(segments, fileLine(e))
			}
		}
	}
	if len(segments) == 0 {
		return PlaceholderNoText
	}
	return strings.Join(segments, "\n\n")
}

// Truncate cuts s to at most budget runes, never splitting inside a
// multi-byte sequence.
func Truncate(s string, budget int) string {
	if budget <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= budget {
		return s
	}
	return string(runes[:budget])
}

func flatten(turns []session.Turn) []string {
	var lines []string
	for _, turn := range turns {
		for _, e := range turn.Entries {
			switch e.Kind {
			case session.EntryText:
				for _, line := range strings.Split(e.Text, "\n") {
					if strings.TrimSpace(line) != "" {
						lines = append(lines, strings.TrimSpace(line))
					}
				}
			case session.EntryFile:
				lines = append(lines, fileLine(e))
			}
		}
	}
	return lines
}

func fileLine(e session.Entry) string {
	if e.Rejected {
		return e.Name + " [rejected: extension not allowed]"
	}
	return e.Name
}

func hasFiles(turns []session.Turn) bool {
	for _, turn := range turns {
		for _, e := range turn.Entries {
			if e.Kind == session.EntryFile {
				return true
			}
		}
	}
	return false
}
