package jsonblob

import (
	"encoding/json"
	"regexp"
	"strings"
)

var fencedObject = regexp.MustCompile("(?i)```(?:json)?\\s*(\\{[\\s\\S]*\\})\\s*```")

// attempt extracts a candidate object text from the payload. ok is false when
// the strategy does not apply.
type attempt func(payload string) (candidate string, ok bool)

// attempts are tried in order; the first candidate that decodes to an object wins.
var attempts = []attempt{
	direct,
	fenced,
	braceSpan,
}

// DecodeObject decodes a JSON object out of loosely formatted text. It tries
// the whole payload, then a ```json fenced block, then the span from the first
// '{' to the last '}'. It returns fallback when nothing decodes.
func DecodeObject(text string, fallback map[string]any) map[string]any {
	payload := strings.TrimSpace(text)
	if payload == "" {
		return fallback
	}
	for _, try := range attempts {
		candidate, ok := try(payload)
		if !ok {
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal([]byte(candidate), &obj); err != nil || obj == nil {
			continue
		}
		return obj
	}
	return fallback
}

func direct(payload string) (string, bool) {
	return payload, true
}

func fenced(payload string) (string, bool) {
	m := fencedObject.FindStringSubmatch(payload)
	if m == nil {
		return "", false
	}
	return m[1], true
}

func braceSpan(payload string) (string, bool) {
	start := strings.Index(payload, "{")
	end := strings.LastIndex(payload, "}")
	if start == -1 || end == -1 || end <= start {
		return "", false
	}
	return payload[start : end+1], true
}
