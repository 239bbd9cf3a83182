package harvest

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/closewire/internal/state"
)

// Agent role tags used in transcripts.
const (
	RoleStudent    = "student"
	RoleCounsellor = "counsellor"
)

// Source agent labels for persisted nuggets.
const (
	SourceHuman = "human"
	SourceAI    = "ai"
)

// DefaultTechnique labels nuggets whose technique could not be identified.
const DefaultTechnique = "Objection Handling"

// TranscriptMessage is one turn of a simulated conversation.
type TranscriptMessage struct {
	Agent        string         `json:"agent"`
	Content      string         `json:"content"`
	Round        *int           `json:"round,omitempty"`
	UpdatedStats map[string]any `json:"updated_stats,omitempty"`
}

// UnmarshalJSON decodes a message tolerantly: null or non-object elements
// become an empty message, non-string text is stringified, a non-integer round
// is dropped and a non-object updated_stats is ignored.
func (m *TranscriptMessage) UnmarshalJSON(data []byte) error {
	*m = TranscriptMessage{}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil || raw == nil {
		return nil
	}

	m.Agent = stringify(raw["agent"])
	m.Content = stringify(raw["content"])
	if n, ok := state.CoerceInt(raw["round"]); ok {
		m.Round = &n
	}
	if stats, ok := raw["updated_stats"].(map[string]any); ok {
		m.UpdatedStats = stats
	}
	return nil
}

func stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		// JSON numbers decode as float64; keep integers free of a trailing ".0".
		if s == float64(int64(s)) {
			return fmt.Sprintf("%d", int64(s))
		}
		return fmt.Sprintf("%g", s)
	default:
		b, err := json.Marshal(s)
		if err != nil {
			return fmt.Sprint(s)
		}
		return string(b)
	}
}

// WinningTriad is a student → counsellor → student window whose bracketing
// student states improved enough to qualify.
type WinningTriad struct {
	Trigger            TranscriptMessage `json:"trigger"`
	CounsellorResponse TranscriptMessage `json:"counsellor_response"`
	Reaction           TranscriptMessage `json:"reaction"`
	TrustDelta         int               `json:"trust_delta"`
	SkepticismDelta    int               `json:"skepticism_delta"`
}

// NormalizedTriad is the compact summary of a winning triad.
type NormalizedTriad struct {
	Trigger   string `json:"trigger"`
	Response  string `json:"response"`
	Technique string `json:"technique"`
}

// OutcomeMetrics records what a triad achieved and where it sat in the transcript.
type OutcomeMetrics struct {
	TrustDelta      int  `json:"trust_delta"`
	SkepticismDelta int  `json:"skepticism_delta"`
	TriggerRound    *int `json:"trigger_round"`
	ReactionRound   *int `json:"reaction_round"`
}

// KnowledgeNugget is the persisted, embedded unit of extracted knowledge.
type KnowledgeNugget struct {
	ID                 uuid.UUID      `json:"id"`
	ProgramIDHash      string         `json:"program_id_hash"`
	SemanticTrigger    string         `json:"semantic_trigger"`
	Embedding          []float32      `json:"-"`
	CounsellorResponse string         `json:"counsellor_response"`
	TechniqueLabel     string         `json:"technique_label"`
	SourceAgent        string         `json:"source_agent"`
	PersonaArchetype   string         `json:"persona_archetype"`
	OutcomeMetrics     OutcomeMetrics `json:"outcome_metrics"`
	SimilarityScore    *float64       `json:"similarity_score,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

// NormalizedRecord is the per-nugget report row returned by ingestion.
type NormalizedRecord struct {
	Trigger         string `json:"trigger"`
	Response        string `json:"response"`
	Technique       string `json:"technique"`
	TrustDelta      int    `json:"trust_delta"`
	SkepticismDelta int    `json:"skepticism_delta"`
	Round           *int   `json:"round"`
}
