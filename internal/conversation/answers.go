package conversation

import (
	"fmt"
	"strings"
)

// FormatAnswer renders the user's question answers into the message text
// sent back to the agent when resuming after an ask_user interaction.
// Questions the user left unanswered are omitted.
func FormatAnswer(answers []QuestionAnswer) string {
	var parts []string
	for _, a := range answers {
		selected := strings.Join(a.Selected, ", ")
		if selected == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("For %q, I selected: %s", a.Question, selected))
	}
	return strings.Join(parts, "\n\n")
}
