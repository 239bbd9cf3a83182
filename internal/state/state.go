package state

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Field names of the student inner state.
const (
	FieldTrustLevel       = "trust_level"
	FieldFinancialAnxiety = "financial_anxiety"
	FieldSkepticism       = "skepticism"
	FieldConfusionLevel   = "confusion_level"
)

// Bounds every state field is clamped to.
const (
	MinValue = 0
	MaxValue = 100
)

// StudentInnerState is the numeric state vector the simulation tracks for a student.
type StudentInnerState struct {
	TrustLevel       int `json:"trust_level"`
	FinancialAnxiety int `json:"financial_anxiety"`
	Skepticism       int `json:"skepticism"`
	ConfusionLevel   int `json:"confusion_level"`
}

// Default is the state a fresh student starts from.
func Default() StudentInnerState {
	return StudentInnerState{
		TrustLevel:       30,
		FinancialAnxiety: 50,
		Skepticism:       50,
		ConfusionLevel:   50,
	}
}

// Map returns the state keyed by field name.
func (s StudentInnerState) Map() map[string]int {
	return map[string]int{
		FieldTrustLevel:       s.TrustLevel,
		FieldFinancialAnxiety: s.FinancialAnxiety,
		FieldSkepticism:       s.Skepticism,
		FieldConfusionLevel:   s.ConfusionLevel,
	}
}

// Merge folds a partial update into current and returns the complete, clamped
// result. Values that cannot be coerced to an integer leave the field as it was.
func Merge(current StudentInnerState, updates map[string]any) StudentInnerState {
	return StudentInnerState{
		TrustLevel:       mergeField(current.TrustLevel, updates, FieldTrustLevel),
		FinancialAnxiety: mergeField(current.FinancialAnxiety, updates, FieldFinancialAnxiety),
		Skepticism:       mergeField(current.Skepticism, updates, FieldSkepticism),
		ConfusionLevel:   mergeField(current.ConfusionLevel, updates, FieldConfusionLevel),
	}
}

func mergeField(current int, updates map[string]any, key string) int {
	v := current
	if raw, ok := updates[key]; ok {
		if n, ok := CoerceInt(raw); ok {
			v = n
		}
	}
	return Clamp(v)
}

// Clamp constrains v to [MinValue, MaxValue].
func Clamp(v int) int {
	if v < MinValue {
		return MinValue
	}
	if v > MaxValue {
		return MaxValue
	}
	return v
}

// CoerceInt converts numeric values and numeric strings to an int, truncating
// toward zero and saturating at the int range. Booleans, nil, NaN, infinities and non-numeric strings are not
// coercible.
func CoerceInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint:
		return uintToInt(uint64(n)), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return uintToInt(n), true
	case float32:
		return floatToInt(float64(n))
	case float64:
		return floatToInt(n)
	case json.Number:
		return parseNumeric(n.String())
	case string:
		return parseNumeric(n)
	default:
		return 0, false
	}
}

// IntOr returns CoerceInt(v), or fallback when v is not coercible.
func IntOr(v any, fallback int) int {
	if n, ok := CoerceInt(v); ok {
		return n
	}
	return fallback
}

func parseNumeric(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return floatToInt(f)
}

func floatToInt(f float64) (int, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	// float64(math.MaxInt) rounds up to 2^63, so >= is the overflow test.
	if f >= float64(math.MaxInt) {
		return math.MaxInt, true
	}
	if f < float64(math.MinInt) {
		return math.MinInt, true
	}
	return int(f), true
}

func uintToInt(n uint64) int {
	if n > math.MaxInt {
		return math.MaxInt
	}
	return int(n)
}
