package executor

import (
	"regexp"
	"strings"
)

// EmptyInputPrompt is sent as the user message when a step has no input
const EmptyInputPrompt = "Please proceed."

// traitInstructionSeparator sits between trait context and agent instructions
const traitInstructionSeparator = "\n\n---\n\n"

var variablePattern = regexp.MustCompile(`\{\{(\w+)\}\}`)

// ResolveVariables replaces {{name}} tokens with values from vars.
// Tokens without a value are left verbatim.
func ResolveVariables(text string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(text, "{{") {
		return text
	}
	return variablePattern.ReplaceAllStringFunc(text, func(token string) string {
		name := variablePattern.FindStringSubmatch(token)[1]
		if value, ok := vars[name]; ok {
			return value
		}
		return token
	})
}

// ComposeSystemPrompt prepends trait context to the agent's instructions
func ComposeSystemPrompt(traitContext, instructions string) string {
	if traitContext == "" {
		return instructions
	}
	return traitContext + traitInstructionSeparator + instructions
}

// userMessage returns the step input, or EmptyInputPrompt when it is blank
func userMessage(input string) string {
	if strings.TrimSpace(input) == "" {
		return EmptyInputPrompt
	}
	return input
}
