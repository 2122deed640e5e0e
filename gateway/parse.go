package gateway

import "strings"

// ParseCommand splits a text command into name and arguments.
// Supports formats:
//   - "/command arg1 arg2" (slash prefix)
//   - "/command@botname arg1" (addressed command)
//   - "command arg1 arg2" (no slash)
func ParseCommand(input string) (string, []string, bool) {
	input = strings.TrimSpace(input)
	input = strings.TrimPrefix(input, "/")

	tokens := strings.Fields(input)
	if len(tokens) == 0 {
		return "", nil, false
	}

	name := tokens[0]
	if at := strings.IndexByte(name, '@'); at >= 0 {
		name = name[:at]
	}
	if name == "" {
		return "", nil, false
	}

	return name, tokens[1:], true
}

// IsCommand checks if a string looks like a command
func IsCommand(input string) bool {
	return strings.HasPrefix(strings.TrimSpace(input), "/")
}
