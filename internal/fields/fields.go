// Package fields extracts labelled fields from the loosely structured text that
// simulation agents emit, e.g.
//
//	INTERNAL_THOUGHT: He is only talking about modules.
//	UPDATED_STATE: {"trust_level": 42, "skepticism": 71}
//	MESSAGE: Is placement support real or not?
//	EMOTIONAL_STATE: skeptical
//
// Each label is extracted independently and falls back to its own default, so a
// corrupt field never takes the others down with it.
package fields

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/MikeSquared-Agency/closewire/internal/jsonblob"
)

// Label is one of the recognized field labels.
type Label string

const (
	LabelInternalThought Label = "INTERNAL_THOUGHT"
	LabelUpdatedState    Label = "UPDATED_STATE"
	LabelMessage         Label = "MESSAGE"
	LabelEmotionalState  Label = "EMOTIONAL_STATE"
	LabelStrategicIntent Label = "STRATEGIC_INTENT"
	LabelTechniquesUsed  Label = "TECHNIQUES_USED"
	LabelConfidenceScore Label = "CONFIDENCE_SCORE"
)

// Labels lists every recognized label.
var Labels = []Label{
	LabelInternalThought,
	LabelUpdatedState,
	LabelMessage,
	LabelEmotionalState,
	LabelStrategicIntent,
	LabelTechniquesUsed,
	LabelConfidenceScore,
}

// ParsedFields is the typed view of one agent turn.
type ParsedFields struct {
	Message         string         `json:"message"`
	InternalThought string         `json:"internal_thought"`
	EmotionalState  string         `json:"emotional_state"`
	StrategicIntent string         `json:"strategic_intent"`
	Techniques      []string       `json:"techniques"`
	ConfidenceScore *int           `json:"confidence_score"`
	UpdatedState    map[string]any `json:"updated_state"`
}

var (
	anyLabel      = regexp.MustCompile(`\b(` + labelAlternation() + `)\s*:`)
	labelPatterns = compileLabelPatterns(`\b`)
	linePatterns  = compileLabelPatterns(`(?m)^[ \t]*`)
	bracketList   = regexp.MustCompile(`^\[([^\[\]]*)\]`)
	leadingInt    = regexp.MustCompile(`^([+-]?\d+)(\.\d)?`)
)

func labelAlternation() string {
	names := make([]string, len(Labels))
	for i, l := range Labels {
		names[i] = string(l)
	}
	return strings.Join(names, "|")
}

func compileLabelPatterns(prefix string) map[Label]*regexp.Regexp {
	out := make(map[Label]*regexp.Regexp, len(Labels))
	for _, l := range Labels {
		out[l] = regexp.MustCompile(prefix + string(l) + `[ \t]*:`)
	}
	return out
}

// Parse extracts every recognized field from text. It never fails: missing or
// malformed fields come back as their zero value, an empty technique list or
// an empty state map.
func Parse(text string) ParsedFields {
	return ParsedFields{
		Message:         lineValue(text, LabelMessage),
		InternalThought: lineValue(text, LabelInternalThought),
		EmotionalState:  lineValue(text, LabelEmotionalState),
		StrategicIntent: lineValue(text, LabelStrategicIntent),
		Techniques:      parseTechniques(lineValue(text, LabelTechniquesUsed)),
		ConfidenceScore: parseScore(lineValue(text, LabelConfidenceScore)),
		UpdatedState:    parseState(blockValue(text, LabelUpdatedState)),
	}
}

// UpdatedState returns only the UPDATED_STATE blob of text, or an empty map.
func UpdatedState(text string) map[string]any {
	return parseState(blockValue(text, LabelUpdatedState))
}

// remainder returns everything after the label. A label starting a line wins
// over one mentioned inside another field's text.
func remainder(text string, label Label) (string, bool) {
	loc := linePatterns[label].FindStringIndex(text)
	if loc == nil {
		loc = labelPatterns[label].FindStringIndex(text)
	}
	if loc == nil {
		return "", false
	}
	return text[loc[1]:], true
}

// lineValue returns the rest of the label's line, cut at the next label if one
// appears inline.
func lineValue(text string, label Label) string {
	rest, ok := remainder(text, label)
	if !ok {
		return ""
	}
	if i := strings.IndexByte(rest, '\n'); i >= 0 {
		rest = rest[:i]
	}
	return strings.TrimSpace(cutAtNextLabel(text, rest))
}

// blockValue returns everything up to the next label, so multi-line objects
// and fenced blocks survive.
func blockValue(text string, label Label) string {
	rest, ok := remainder(text, label)
	if !ok {
		return ""
	}
	return strings.TrimSpace(cutAtNextLabel(text, rest))
}

// cutAtNextLabel ends a field value at the next label in s. Labels that start
// a line somewhere in text only end a value where they start a line; a mention
// inside prose is kept as part of the value.
func cutAtNextLabel(text, s string) string {
	for _, m := range anyLabel.FindAllStringSubmatchIndex(s, -1) {
		label := Label(s[m[2]:m[3]])
		if !linePatterns[label].MatchString(text) || startsLine(s, m[0]) {
			return s[:m[0]]
		}
	}
	return s
}

// startsLine reports whether only spaces or tabs sit between the previous
// newline in s and i. Position 0 is mid-line: s follows a label's colon.
func startsLine(s string, i int) bool {
	nl := strings.LastIndexByte(s[:i], '\n')
	if nl < 0 {
		return false
	}
	return strings.Trim(s[nl+1:i], " \t") == ""
}

func parseTechniques(v string) []string {
	out := []string{}
	m := bracketList.FindStringSubmatch(v)
	if m == nil {
		return out
	}
	for _, tok := range strings.Split(m[1], ",") {
		tok = strings.Trim(strings.TrimSpace(tok), `"'`)
		if tok != "" {
			out = append(out, tok)
		}
	}
	return out
}

// parseScore reads a leading integer. Fractions such as 0.84 are not scores.
func parseScore(v string) *int {
	m := leadingInt.FindStringSubmatch(v)
	if m == nil || m[2] != "" {
		return nil
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return nil
	}
	return &n
}

func parseState(v string) map[string]any {
	return jsonblob.DecodeObject(v, map[string]any{})
}
