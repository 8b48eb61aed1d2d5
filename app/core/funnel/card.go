package funnel

import (
	"fmt"
	"strings"

	"backlogbot/app/core/compose"
	"backlogbot/app/core/session"
)

// BuildCard renders the human-readable task card sent to the submitter and
// the operator channel.
func BuildCard(taskID int64, userLabel, createdAt string, turns []session.Turn, files []session.FileRecord) string {
	// The ellipsis counts against the budget: a truncated title is cut three
	// runes short so the rendered line never exceeds it.
	title := compose.Title(turns, compose.CardTitleBudget)
	if full := compose.Title(turns, compose.CardTitleBudget+1); len(full) > len(title) {
		title = compose.Title(turns, compose.CardTitleBudget-3) + "..."
	}
	body := compose.DisplayBody(turns)

	var fileLines []string
	for _, f := range files {
		fileLines = append(fileLines, f.Label)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Added by: %s\n", userLabel)
	fmt.Fprintf(&b, "Created: %s\n", createdAt)
	fmt.Fprintf(&b, "Task #%d: %s\n\n", taskID, title)
	fmt.Fprintf(&b, "Task text:\n%s\n\n", body)
	fmt.Fprintf(&b, "Files:\n%s", strings.Join(fileLines, "\n"))
	return b.String()
}
