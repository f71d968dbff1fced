// Package prompts holds the fixed phrases the engine speaks when no handler
// output is available.
package prompts

import "strings"

const (
	Clarification    = "Sorry, I'm not sure what you need. Could you tell me a bit more?"
	Unintelligible   = "Sorry, I didn't catch that. Could you say it again?"
	Apology          = "Sorry, something went wrong on my end. Please try again in a moment."
	PermissionDenied = "I'm sorry, your account doesn't have access to that. Please check with your administrator."
	PartialFailure   = "I couldn't finish everything you asked for."
)

// Combine joins handler outputs into one spoken response. When some
// handlers failed but others answered, the partial-failure notice is
// appended.
func Combine(outputs []string, failed int) string {
	parts := make([]string, 0, len(outputs)+1)
	for _, o := range outputs {
		if o = strings.TrimSpace(o); o != "" {
			parts = append(parts, o)
		}
	}
	if len(parts) == 0 {
		return Apology
	}
	if failed > 0 {
		parts = append(parts, PartialFailure)
	}
	return strings.Join(parts, " ")
}
