package imagine

import "strings"

// NormalizePrompt collapses newlines and runs of whitespace into single
// spaces and trims the result. Some providers are whitespace sensitive and
// treat embedded newlines as structure, so every adapter sends prompts
// through here before building a request.
func NormalizePrompt(prompt string) string {
	return strings.Join(strings.Fields(prompt), " ")
}
