package normalize

import (
	"sort"
	"strconv"
	"strings"

	"testforge/internal/domain"
)

// Format renders records in the marker+field text layout that Normalize reads.
// A marker line is written whenever the section changes.
func Format(records []domain.TestCaseRecord) string {
	var b strings.Builder
	section := ""
	for i, r := range records {
		sec := r.Section
		if sec == "" {
			sec = domain.DefaultSection
		}
		if i == 0 || sec != section {
			if i > 0 {
				b.WriteString("\n")
			}
			b.WriteString(MarkerPrefix + " " + sec + "\n\n")
			section = sec
		}
		writeField(&b, "Title", r.Title)
		writeField(&b, "Scenario", r.Scenario)
		keys := make([]string, 0, len(r.Extra))
		for k := range r.Extra {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			writeField(&b, k, r.Extra[k])
		}
		b.WriteString("Steps to reproduce:\n")
		for n, step := range r.Steps {
			b.WriteString(strconv.Itoa(n+1) + ". " + step + "\n")
		}
		writeField(&b, "Expected Result", r.ExpectedResult)
		writeField(&b, "Actual Result", r.ActualResult)
		if r.Status != "" {
			writeField(&b, "Status", r.Status)
		}
		if r.Priority != "" {
			writeField(&b, "Priority", r.Priority)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func writeField(b *strings.Builder, label, value string) {
	b.WriteString(label)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteString("\n")
}
