package repo

import (
	"fmt"
	"strings"

	"testforge/internal/domain"
)

// LocateEmbedded finds the test case whose embedded status belongs to title and
// returns the JSON path of that status field.
//
// Flat documents match on exact title. Nested documents walk test_cases and take
// the first case where, in order: the case title contains title, the case title
// contains the UI identifier of title, the case content contains title, or the
// case id equals title.
func LocateEmbedded(src domain.Source, title string) (string, bool) {
	switch src.Kind {
	case domain.ShapeFlat:
		for i, rec := range src.Flat {
			if rec.Title == title {
				return fmt.Sprintf("$[%d].status", i), true
			}
		}
	case domain.ShapeNested:
		if src.Nested == nil {
			return "", false
		}
		ui := domain.UIIdentifier(title)
		for i, tc := range src.Nested.TestCases {
			if legacyMatch(tc, title, ui) {
				return fmt.Sprintf("$.test_cases[%d].status", i), true
			}
		}
	}
	return "", false
}

func legacyMatch(tc domain.LegacyCase, title, ui string) bool {
	switch {
	case tc.Title != "" && strings.Contains(tc.Title, title):
		return true
	case tc.Title != "" && ui != "" && strings.Contains(tc.Title, ui):
		return true
	case tc.Content != "" && strings.Contains(tc.Content, title):
		return true
	case tc.ID != "" && string(tc.ID) == title:
		return true
	}
	return false
}

// EmbeddedStatuses collects title -> status from the embedded records. Records
// without a status are skipped; on duplicate titles the later record wins.
func EmbeddedStatuses(src domain.Source) map[string]string {
	out := map[string]string{}
	switch src.Kind {
	case domain.ShapeFlat:
		for _, rec := range src.Flat {
			if rec.Title != "" && rec.Status != "" {
				out[rec.Title] = rec.Status
			}
		}
	case domain.ShapeNested:
		if src.Nested == nil {
			return out
		}
		for _, tc := range src.Nested.TestCases {
			key := tc.Title
			if key == "" {
				key = string(tc.ID)
			}
			if key != "" && tc.Status != "" {
				out[key] = tc.Status
			}
		}
	}
	return out
}
