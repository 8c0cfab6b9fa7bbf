// Package normalize turns loosely structured model output into test case records.
package normalize

import (
	"regexp"
	"strings"

	"testforge/internal/domain"
)

// MarkerPrefix starts a section marker line emitted by the orchestrator.
const MarkerPrefix = "TEST TYPE:"

// UnrecognizedPolicy decides what happens to a line that matches no pattern
// while not collecting steps.
type UnrecognizedPolicy int

const (
	// Drop silently discards the line.
	Drop UnrecognizedPolicy = iota
	// AppendToPrevious joins the line onto the last field that was set.
	AppendToPrevious
)

// Options tune the parser. The zero value drops unknown lines and records no extras.
type Options struct {
	Unrecognized UnrecognizedPolicy
	// ExtraLabels are additional "Label:" lines captured into TestCaseRecord.Extra.
	ExtraLabels []string
}

// DefaultExtraLabels are the extra fields models commonly produce.
var DefaultExtraLabels = []string{"Preconditions", "Test Data"}

var (
	markerRE = regexp.MustCompile(`(?i)^\s*TEST TYPE:\s*(.*?)\s*$`)
	bulletRE = regexp.MustCompile(`^(?:\d+[.)]|[-*•])\s+(.*)$`)

	titleRE    = fieldRE(`Title`)
	scenarioRE = fieldRE(`Scenario`)
	stepsRE    = fieldRE(`Steps(?: to reproduce)?`)
	expectedRE = fieldRE(`Expected Results?`)
	actualRE   = fieldRE(`Actual Results?`)
	statusRE   = fieldRE(`Status`)
	priorityRE = fieldRE(`Priority`)
)

// fieldRE builds a label matcher tolerant of numbering, bullets and bold markers:
// "Title: x", "**Title:** x", "**Title**: x", "3. Title: x", "- **Title:** x".
func fieldRE(label string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)^(?:\d+[.)]\s+|[-*•]\s+)?(?:\*\*)?(?:` + label + `)(?:\*\*)?\s*:\s*(?:\*\*)?\s*(.*?)\s*$`)
}

// Normalize parses raw model text with default options.
func Normalize(raw string) []domain.TestCaseRecord {
	return Parser{}.Normalize(raw)
}

// Parser is a reusable, stateless entry point carrying Options.
type Parser struct {
	Options Options
}

// New returns a parser with the given options.
func New(opts Options) Parser {
	return Parser{Options: opts}
}

// Normalize splits raw on TEST TYPE markers and parses each span in order.
func (p Parser) Normalize(raw string) []domain.TestCaseRecord {
	records := []domain.TestCaseRecord{}
	for _, sp := range splitSpans(raw) {
		records = append(records, p.parseSpan(sp.lines, sp.section)...)
	}
	return records
}

type span struct {
	section string
	lines   []string
}

// splitSpans cuts text at marker lines. Text before the first marker forms a
// leading span under the default section.
func splitSpans(raw string) []span {
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
	var spans []span
	cur := span{section: domain.DefaultSection}
	for _, line := range lines {
		if m := markerRE.FindStringSubmatch(line); m != nil {
			if len(spans) > 0 || hasContent(cur.lines) {
				spans = append(spans, cur)
			}
			label := m[1]
			if label == "" {
				label = domain.DefaultSection
			}
			cur = span{section: label}
			continue
		}
		cur.lines = append(cur.lines, line)
	}
	spans = append(spans, cur)
	return spans
}

func hasContent(lines []string) bool {
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			return true
		}
	}
	return false
}

type fieldKind int

const (
	fieldNone fieldKind = iota
	fieldScenario
	fieldExpected
	fieldActual
	fieldStatus
	fieldPriority
	fieldExtra
	fieldStep
)

type spanState struct {
	opts     Options
	section  string
	fallback string
	out      []domain.TestCaseRecord
	cur      *domain.TestCaseRecord
	inSteps  bool
	steps    []string
	last     fieldKind
	lastKey  string
	extraRES map[string]*regexp.Regexp
}

func (p Parser) parseSpan(lines []string, section string) []domain.TestCaseRecord {
	st := &spanState{opts: p.Options, section: section, fallback: section}
	if len(p.Options.ExtraLabels) > 0 {
		st.extraRES = make(map[string]*regexp.Regexp, len(p.Options.ExtraLabels))
		for _, label := range p.Options.ExtraLabels {
			st.extraRES[label] = fieldRE(regexp.QuoteMeta(label))
		}
	}
	for _, raw := range lines {
		st.line(strings.TrimSpace(raw))
	}
	st.flush()
	return st.out
}

func (st *spanState) line(line string) {
	if line == "" {
		return
	}
	if strings.HasPrefix(line, "###") {
		st.leaveSteps()
		st.section = strings.TrimSpace(strings.Trim(line, "#"))
		if st.section == "" {
			st.section = st.fallback
		}
		return
	}
	if m := titleRE.FindStringSubmatch(line); m != nil {
		st.flush()
		st.cur = &domain.TestCaseRecord{Section: st.section, Title: m[1], Steps: []string{}}
		st.last = fieldNone
		return
	}
	if m := stepsRE.FindStringSubmatch(line); m != nil {
		st.inSteps = true
		st.steps = []string{}
		st.last = fieldStep
		if m[1] != "" {
			st.addStep(m[1])
		}
		return
	}
	if st.setField(line) {
		return
	}
	if st.inSteps {
		if m := bulletRE.FindStringSubmatch(line); m != nil {
			st.addStep(m[1])
			return
		}
		// Steps mode is only left by another recognized label.
		st.unrecognized(line)
		return
	}
	st.unrecognized(line)
}

// setField handles the single-value labels. It returns false if none matched.
func (st *spanState) setField(line string) bool {
	type field struct {
		re   *regexp.Regexp
		kind fieldKind
	}
	for _, f := range []field{
		{scenarioRE, fieldScenario},
		{expectedRE, fieldExpected},
		{actualRE, fieldActual},
		{statusRE, fieldStatus},
		{priorityRE, fieldPriority},
	} {
		if m := f.re.FindStringSubmatch(line); m != nil {
			st.leaveSteps()
			st.assign(f.kind, "", m[1])
			return true
		}
	}
	for label, re := range st.extraRES {
		if m := re.FindStringSubmatch(line); m != nil {
			st.leaveSteps()
			st.assign(fieldExtra, label, m[1])
			return true
		}
	}
	return false
}

func (st *spanState) assign(kind fieldKind, key, value string) {
	if st.cur == nil {
		return
	}
	switch kind {
	case fieldScenario:
		st.cur.Scenario = value
	case fieldExpected:
		st.cur.ExpectedResult = value
	case fieldActual:
		st.cur.ActualResult = value
	case fieldStatus:
		st.cur.Status = value
	case fieldPriority:
		st.cur.Priority = value
	case fieldExtra:
		if st.cur.Extra == nil {
			st.cur.Extra = map[string]string{}
		}
		st.cur.Extra[key] = value
	}
	st.last = kind
	st.lastKey = key
}

func (st *spanState) addStep(text string) {
	st.steps = append(st.steps, strings.TrimSpace(text))
}

func (st *spanState) unrecognized(line string) {
	if st.opts.Unrecognized != AppendToPrevious || st.cur == nil {
		return
	}
	join := func(prev string) string {
		if prev == "" {
			return line
		}
		return prev + " " + line
	}
	switch st.last {
	case fieldScenario:
		st.cur.Scenario = join(st.cur.Scenario)
	case fieldExpected:
		st.cur.ExpectedResult = join(st.cur.ExpectedResult)
	case fieldActual:
		st.cur.ActualResult = join(st.cur.ActualResult)
	case fieldStatus:
		st.cur.Status = join(st.cur.Status)
	case fieldPriority:
		st.cur.Priority = join(st.cur.Priority)
	case fieldExtra:
		st.cur.Extra[st.lastKey] = join(st.cur.Extra[st.lastKey])
	case fieldStep:
		if st.inSteps && len(st.steps) > 0 {
			st.steps[len(st.steps)-1] = join(st.steps[len(st.steps)-1])
		}
	}
}

// leaveSteps commits collected steps to the open record.
func (st *spanState) leaveSteps() {
	if !st.inSteps {
		return
	}
	if st.cur != nil {
		st.cur.Steps = st.steps
	}
	st.inSteps = false
	st.steps = nil
}

func (st *spanState) flush() {
	st.leaveSteps()
	if st.cur != nil && st.cur.Title != "" {
		st.out = append(st.out, *st.cur)
	}
	st.cur = nil
}
