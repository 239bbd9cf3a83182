package harvest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MikeSquared-Agency/closewire/internal/jsonblob"
)

// MaxSummaryRunes caps the normalized trigger and response.
const MaxSummaryRunes = 320

// Generator is a text-generation backend.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Normalizer compresses winning triads into trigger/response/technique summaries.
type Normalizer struct {
	gen    Generator
	logger *slog.Logger
}

// NewNormalizer returns a Normalizer. gen may be nil, in which case every
// triad gets the deterministic fallback summary. A nil logger means slog.Default().
func NewNormalizer(gen Generator, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Normalizer{gen: gen, logger: logger}
}

// Normalize summarizes triad. It never fails: generator errors and unusable
// replies degrade to Fallback(triad), key by key.
func (n *Normalizer) Normalize(ctx context.Context, triad WinningTriad) NormalizedTriad {
	fallback := Fallback(triad)
	if n.gen == nil {
		return fallback
	}

	prompt := fmt.Sprintf(normalizePrompt,
		triad.Trigger.Content,
		triad.CounsellorResponse.Content,
		triad.TrustDelta,
		triad.SkepticismDelta,
	)

	raw, err := n.gen.Generate(ctx, prompt)
	if err != nil {
		n.logger.Warn("triad normalization failed, using fallback",
			"trigger_round", triad.Trigger.Round,
			"error", err,
		)
		return fallback
	}

	parsed := jsonblob.DecodeObject(raw, nil)
	if parsed == nil {
		n.logger.Warn("unparseable normalization reply, using fallback",
			"raw_len", len(raw),
		)
		return fallback
	}

	return NormalizedTriad{
		Trigger:   truncate(pick(parsed, "trigger", fallback.Trigger), MaxSummaryRunes),
		Response:  truncate(pick(parsed, "response", fallback.Response), MaxSummaryRunes),
		Technique: pick(parsed, "technique", fallback.Technique),
	}
}

// Fallback builds the summary used when the generator is unavailable: the raw
// trigger and response text, trimmed and truncated.
func Fallback(triad WinningTriad) NormalizedTriad {
	return NormalizedTriad{
		Trigger:   truncate(strings.TrimSpace(triad.Trigger.Content), MaxSummaryRunes),
		Response:  truncate(strings.TrimSpace(triad.CounsellorResponse.Content), MaxSummaryRunes),
		Technique: DefaultTechnique,
	}
}

// pick returns the trimmed string form of parsed[key], or fallback when the
// key is missing, null or blank.
func pick(parsed map[string]any, key, fallback string) string {
	v, ok := parsed[key]
	if !ok || v == nil {
		return fallback
	}
	s := strings.TrimSpace(stringify(v))
	if s == "" {
		return fallback
	}
	return s
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}
