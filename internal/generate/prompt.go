package generate

import (
	"fmt"
	"strings"

	"testforge/internal/config"
)

const recordFormat = `For each test case, use EXACTLY this format:

Title: %[1]s_<ID>_<Short_Title>
Scenario: <detailed scenario description>
Preconditions: <state required before the test, or "None">
Steps to reproduce:
1. <step>
2. <step>
Expected Result: <what should happen when the test passes>
Actual Result:
Priority: <High | Medium | Low>

Number the IDs from 1. Separate test cases with a blank line.`

// Prompt builds the text instruction for one category and one description
// chunk.
func Prompt(name string, cat config.Category, title, description string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Generate %d %s test cases.\n", cat.Count, label(name))
	fmt.Fprintf(&b, "Focus: %s\n\n", cat.Focus)
	if t := strings.TrimSpace(title); t != "" {
		fmt.Fprintf(&b, "Task Title: %s\n", t)
	}
	fmt.Fprintf(&b, "Task Description:\n%s\n\n", strings.TrimSpace(description))
	fmt.Fprintf(&b, recordFormat, cat.Prefix)
	return b.String()
}

// ImagePrompt builds the vision instruction for one category.
func ImagePrompt(name string, cat config.Category, title string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Analyze the attached screen and generate %d %s test cases for it.\n", cat.Count, label(name))
	fmt.Fprintf(&b, "Focus: %s\n\n", cat.Focus)
	if t := strings.TrimSpace(title); t != "" {
		fmt.Fprintf(&b, "Screen: %s\n\n", t)
	}
	fmt.Fprintf(&b, recordFormat, cat.Prefix)
	return b.String()
}

// label turns "dashboard_functional" into "dashboard functional".
func label(name string) string {
	return strings.ReplaceAll(name, "_", " ")
}

// Chunk splits s into pieces of at most size runes. size <= 0 disables
// splitting.
func Chunk(s string, size int) []string {
	r := []rune(s)
	if size <= 0 || len(r) <= size {
		return []string{s}
	}
	out := make([]string, 0, (len(r)+size-1)/size)
	for start := 0; start < len(r); start += size {
		end := start + size
		if end > len(r) {
			end = len(r)
		}
		out = append(out, string(r[start:end]))
	}
	return out
}
