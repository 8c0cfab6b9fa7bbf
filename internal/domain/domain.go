package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// DefaultSection labels records that appear before any section marker or heading.
const DefaultSection = "General"

// TestCaseRecord is one row of generated output.
type TestCaseRecord struct {
	Section        string            `json:"section"`
	Title          string            `json:"title"`
	Scenario       string            `json:"scenario"`
	Steps          []string          `json:"steps"`
	ExpectedResult string            `json:"expected_result"`
	ActualResult   string            `json:"actual_result"`
	Status         string            `json:"status"`
	Priority       string            `json:"priority,omitempty"`
	Extra          map[string]string `json:"extra,omitempty"`
}

// LegacyCase is a test case inside a nested (legacy) source document.
type LegacyCase struct {
	ID      LegacyID `json:"id,omitempty"`
	Title   string   `json:"title"`
	Content string   `json:"content,omitempty"`
	Status  string   `json:"status,omitempty"`
}

// LegacyID accepts both numeric and string ids from older documents.
type LegacyID string

func (id *LegacyID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = LegacyID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("legacy id: %w", err)
	}
	*id = LegacyID(n.String())
	return nil
}

// NestedSource is the legacy document layout: a mapping carrying a test_cases list.
type NestedSource struct {
	TestCases []LegacyCase `json:"test_cases"`
	// Fields holds every other top-level key so a round trip keeps them.
	Fields map[string]json.RawMessage `json:"-"`
}

func (n NestedSource) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(n.Fields)+1)
	for k, v := range n.Fields {
		out[k] = v
	}
	cases := n.TestCases
	if cases == nil {
		cases = []LegacyCase{}
	}
	out["test_cases"] = cases
	return json.Marshal(out)
}

func (n *NestedSource) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	casesRaw, ok := raw["test_cases"]
	if !ok {
		return fmt.Errorf("nested source: missing test_cases")
	}
	if err := json.Unmarshal(casesRaw, &n.TestCases); err != nil {
		return fmt.Errorf("nested source test_cases: %w", err)
	}
	delete(raw, "test_cases")
	if len(raw) > 0 {
		n.Fields = raw
	}
	return nil
}

// ShapeKind tags which layout a Source holds.
type ShapeKind string

const (
	ShapeFlat   ShapeKind = "flat"
	ShapeNested ShapeKind = "nested"
)

// Source is the tagged variant Flat(records) | Nested(test_cases mapping).
// Only the field matching Kind is populated.
type Source struct {
	Kind   ShapeKind
	Flat   []TestCaseRecord
	Nested *NestedSource
}

// FlatSource wraps records in the shared layout.
func FlatSource(records []TestCaseRecord) Source {
	if records == nil {
		records = []TestCaseRecord{}
	}
	return Source{Kind: ShapeFlat, Flat: records}
}

// NestedSourceOf wraps legacy cases in the nested layout.
func NestedSourceOf(n NestedSource) Source {
	return Source{Kind: ShapeNested, Nested: &n}
}

func (s Source) MarshalJSON() ([]byte, error) {
	switch s.Kind {
	case ShapeFlat:
		if s.Flat == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(s.Flat)
	case ShapeNested:
		if s.Nested == nil {
			return json.Marshal(NestedSource{})
		}
		return json.Marshal(s.Nested)
	default:
		return nil, fmt.Errorf("source: unknown shape %q", s.Kind)
	}
}

// UnmarshalJSON decides the shape structurally, once, at the decoding boundary.
func (s *Source) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return fmt.Errorf("source: empty document")
	}
	switch trimmed[0] {
	case '[':
		var recs []TestCaseRecord
		if err := json.Unmarshal(trimmed, &recs); err != nil {
			return fmt.Errorf("flat source: %w", err)
		}
		*s = FlatSource(recs)
		return nil
	case '{':
		var n NestedSource
		if err := json.Unmarshal(trimmed, &n); err != nil {
			return err
		}
		*s = NestedSourceOf(n)
		return nil
	default:
		return fmt.Errorf("source: expected list or object")
	}
}

// Len reports the number of test cases in either shape.
func (s Source) Len() int {
	switch s.Kind {
	case ShapeFlat:
		return len(s.Flat)
	case ShapeNested:
		if s.Nested == nil {
			return 0
		}
		return len(s.Nested.TestCases)
	}
	return 0
}

// SharedDocument is the persisted unit keyed by URLKey.
type SharedDocument struct {
	URLKey    string            `json:"url_key"`
	CreatedAt string            `json:"created_at" format:"date-time"`
	UpdatedAt string            `json:"updated_at" format:"date-time"`
	ItemID    string            `json:"item_id,omitempty"`
	Source    Source            `json:"source"`
	Status    map[string]string `json:"status"`
}

// UIIdentifier returns the first three underscore-delimited tokens of a title.
// Titles with fewer tokens are returned whole.
func UIIdentifier(title string) string {
	parts := strings.SplitN(title, "_", 4)
	if len(parts) < 3 {
		return title
	}
	return strings.Join(parts[:3], "_")
}

// Event is one row of the document event log.
type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	URLKey  string `json:"url_key"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// FormatSteps renders steps as a newline-joined 1-based numbered list.
func FormatSteps(steps []string) string {
	var b strings.Builder
	for i, s := range steps {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(strconv.Itoa(i + 1))
		b.WriteString(". ")
		b.WriteString(s)
	}
	return b.String()
}
