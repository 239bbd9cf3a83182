package harvest

import (
	"math"
	"strings"

	"github.com/MikeSquared-Agency/closewire/internal/fields"
	"github.com/MikeSquared-Agency/closewire/internal/state"
)

// Qualifying thresholds for a winning triad.
const (
	MinTrustGain        = 5
	MinSkepticismChange = -5
)

// Stat keys, first match wins. Older simulation traces use the *_score/_level names.
var (
	trustKeys      = []string{state.FieldTrustLevel, "trust_score", "trust"}
	skepticismKeys = []string{state.FieldSkepticism, "skepticism_level"}
)

// IdentifyWinningTriads scans every student → counsellor → student window and
// returns those where trust rose by at least MinTrustGain or skepticism fell
// by at least 5. Windows are independent, so overlapping triads are all kept.
func IdentifyWinningTriads(messages []TranscriptMessage) []WinningTriad {
	var triads []WinningTriad
	for i := 0; i+2 < len(messages); i++ {
		trigger, response, reaction := messages[i], messages[i+1], messages[i+2]
		if !hasRole(trigger, RoleStudent) || !hasRole(response, RoleCounsellor) || !hasRole(reaction, RoleStudent) {
			continue
		}

		pre := StatsOf(trigger)
		post := StatsOf(reaction)

		trustPre := statInt(pre, trustKeys, 0)
		trustPost := statInt(post, trustKeys, trustPre)
		skepticismPre := statInt(pre, skepticismKeys, 0)
		skepticismPost := statInt(post, skepticismKeys, skepticismPre)

		trustDelta := delta(trustPost, trustPre)
		skepticismDelta := delta(skepticismPost, skepticismPre)
		if trustDelta < MinTrustGain && skepticismDelta > MinSkepticismChange {
			continue
		}

		triads = append(triads, WinningTriad{
			Trigger:            trigger,
			CounsellorResponse: response,
			Reaction:           reaction,
			TrustDelta:         trustDelta,
			SkepticismDelta:    skepticismDelta,
		})
	}
	return triads
}

// StatsOf returns the message's reported stats, falling back to an
// UPDATED_STATE blob embedded in its content.
func StatsOf(m TranscriptMessage) map[string]any {
	if len(m.UpdatedStats) > 0 {
		return m.UpdatedStats
	}
	return fields.UpdatedState(m.Content)
}

func hasRole(m TranscriptMessage, role string) bool {
	return strings.EqualFold(strings.TrimSpace(m.Agent), role)
}

// statInt reads the first present key and coerces it, or returns fallback.
func statInt(stats map[string]any, keys []string, fallback int) int {
	for _, k := range keys {
		if v, ok := stats[k]; ok && v != nil {
			return state.IntOr(v, fallback)
		}
	}
	return fallback
}

// delta returns post-pre, saturating at the int range.
func delta(post, pre int) int {
	if pre > 0 && post < math.MinInt+pre {
		return math.MinInt
	}
	if pre < 0 && post > math.MaxInt+pre {
		return math.MaxInt
	}
	return post - pre
}
