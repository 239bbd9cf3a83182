package transcript

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/MikeSquared-Agency/closewire/internal/harvest"
)

// ErrInvalidTranscript is returned when a payload is not a JSON object or its
// transcript field is not a list.
var ErrInvalidTranscript = errors.New("invalid traceability payload: transcript/history_for_reporting must be a list")

// DefaultArchetype is used when the payload names no persona archetype.
const DefaultArchetype = "unknown"

// Modes in which a human played the student.
var humanModes = map[string]bool{
	"human_vs_ai":               true,
	"agent_powered_human_vs_ai": true,
}

// Payload is a decoded conversation traceability export.
type Payload struct {
	Messages    []harvest.TranscriptMessage
	URL         string
	ProgramURL  string
	ProgramName string
	Mode        string
	ArchetypeID string
}

// Load reads and decodes a traceability JSON file.
func Load(path string) (*Payload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	p, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return p, nil
}

// Decode parses a traceability payload. Messages come from
// history_for_reporting, then transcript; whichever is first non-empty wins.
func Decode(data []byte) (*Payload, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil || raw == nil {
		return nil, ErrInvalidTranscript
	}

	p := &Payload{
		URL:  text(raw["url"]),
		Mode: text(raw["mode"]),
	}

	var program map[string]json.RawMessage
	if json.Unmarshal(raw["program"], &program) == nil {
		p.ProgramURL = text(program["url"])
		p.ProgramName = text(program["program_name"])
	}

	var persona map[string]json.RawMessage
	if json.Unmarshal(raw["persona"], &persona) == nil {
		p.ArchetypeID = text(persona["archetype_id"])
	}

	for _, key := range []string{"history_for_reporting", "transcript"} {
		field, ok := raw[key]
		if !ok || !truthy(field) {
			continue
		}
		if err := json.Unmarshal(field, &p.Messages); err != nil {
			return nil, ErrInvalidTranscript
		}
		break
	}

	return p, nil
}

// ProgramIDHash is the sha256 hex of the program URL, or of the program name,
// or of the source file stem, lower-cased.
func (p *Payload) ProgramIDHash(sourceName string) string {
	id := strings.ToLower(strings.TrimSpace(firstNonEmpty(p.URL, p.ProgramURL)))
	if id == "" {
		id = strings.ToLower(strings.TrimSpace(firstNonEmpty(p.ProgramName, stem(sourceName))))
	}
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}

// SourceAgent reports whether a human or the simulation played the student.
func (p *Payload) SourceAgent(sourceName string) string {
	if humanModes[strings.ToLower(strings.TrimSpace(p.Mode))] {
		return harvest.SourceHuman
	}
	if strings.Contains(strings.ToLower(filepath.Base(sourceName)), "human_vs_ai") {
		return harvest.SourceHuman
	}
	return harvest.SourceAI
}

// PersonaArchetype returns the persona archetype id or DefaultArchetype.
func (p *Payload) PersonaArchetype() string {
	if a := strings.TrimSpace(p.ArchetypeID); a != "" {
		return a
	}
	return DefaultArchetype
}

func stem(name string) string {
	base := filepath.Base(name)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// text renders a scalar JSON value as a string; null, objects and arrays are empty.
func text(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return ""
	}
	switch s := v.(type) {
	case string:
		return s
	case float64, bool:
		return strings.TrimSpace(string(raw))
	default:
		return ""
	}
}

// truthy mirrors "value present and non-empty": null, false, 0, "", [] and {}
// are all skipped.
func truthy(raw json.RawMessage) bool {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return false
	}
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		return true
	}
}
