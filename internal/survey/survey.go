// Package survey validates and normalizes the study questionnaires before
// they are stored: demographics, the pre-task emotion-regulation items, the
// questionnaire between rounds and the four-page post-task feedback form.
package survey

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"strconv"
	"strings"
)

// Storage kinds, one row per session and kind.
const (
	KindDemographics = "demographics_survey"
	KindPreTask      = "pre_task_survey"
	KindPostTask     = "post_task_survey"
	KindPostRound1   = "post_round1_survey"

	// KindAttentionCheck rows record a failed attention check.
	KindAttentionCheck = "attention_check_failed"
)

// AttentionCheckKey is the categorical answer of the post-round-1 form.
const AttentionCheckKey = "attention_check"

// Round-2 conditions a session can be assigned.
var Conditions = []string{"no_agents", "emo_only", "info_only", "both_agents"}

// SuppressorThreshold splits participants on the mean of the three
// suppression items.
const SuppressorThreshold = 4.5

var ErrIncomplete = errors.New("survey: incomplete")

// IncompleteError lists the required keys that were absent or blank.
type IncompleteError struct {
	Missing []string
}

func (e *IncompleteError) Error() string {
	return "please respond to all questions (missing: " + strings.Join(e.Missing, ", ") + ")"
}

func (e *IncompleteError) Is(target error) bool { return target == ErrIncomplete }

var (
	demographicsRequired = []string{
		"age", "gender", "education", "occupation", "years_experience",
		"genai_familiarity", "genai_attitude",
	}
	demographicsInts = []string{"genai_familiarity", "genai_attitude"}

	preTaskRequired = []string{"emotion_q1", "emotion_q2", "emotion_q3"}

	// PostTaskPages are the required keys of each feedback page, in order.
	PostTaskPages = [][]string{
		{"advice_helpful", "advice_supportive", "advice_informative", "advice_compassionate",
			"surface_act", "surface_mask", "surface_fake"},
		{"deep_experience", "deep_effort", "deep_work",
			"genuine_emotions", "natural_emotions", "match_emotions"},
		{"burnout_frustrating", "burnout_drain", "burnout_tired",
			"job_satisfaction", "recovery"},
		{"useful_quickly", "useful_performance", "useful_find",
			"trust_guidance", "trust_rely", "trust_dependable",
			"literacy_evaluate", "literacy_choose_solution", "literacy_choose_assistant"},
	}

	// reverse-scored support items are stored negated
	reverseLabels = []string{
		"support_effective", "support_helpful", "support_beneficial",
		"support_adequate", "support_sensitive", "support_caring",
		"support_understanding", "support_supportive",
	}
)

// Missing returns the keys of required that are absent from data or hold a
// blank string, sorted.
func Missing(data map[string]any, required []string) []string {
	var out []string
	for _, k := range required {
		v, ok := data[k]
		if !ok || v == nil {
			out = append(out, k)
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func requireAll(data map[string]any, required []string) error {
	if m := Missing(data, required); len(m) > 0 {
		return &IncompleteError{Missing: m}
	}
	return nil
}

// Demographics checks every field and converts the two rating items to int.
func Demographics(data map[string]any) (map[string]any, error) {
	if err := requireAll(data, demographicsRequired); err != nil {
		return nil, err
	}
	out := clone(data)
	for _, k := range demographicsInts {
		n, err := toInt(out[k])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = n
	}
	return out, nil
}

// PreTaskResult is the normalized pre-task submission plus the derived
// participant classification.
type PreTaskResult struct {
	Data                  map[string]any
	SuppScore             float64
	EmotionRegulationType string
}

// PreTask computes the suppression score (mean of the three items) and the
// Suppressor / NonSuppressor split.
func PreTask(data map[string]any) (*PreTaskResult, error) {
	if err := requireAll(data, preTaskRequired); err != nil {
		return nil, err
	}
	out := clone(data)

	var sum float64
	for _, k := range preTaskRequired {
		n, err := toInt(out[k])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = n
		sum += float64(n)
	}

	score := sum / float64(len(preTaskRequired))
	kind := "NonSuppressor"
	if score >= SuppressorThreshold {
		kind = "Suppressor"
	}
	out["supp_score"] = score
	out["emotion_regulation_type"] = kind

	return &PreTaskResult{Data: out, SuppScore: score, EmotionRegulationType: kind}, nil
}

// PostTask checks all four pages and converts every answer except client_id
// to int, negating the reverse-scored items.
func PostTask(data map[string]any) (map[string]any, error) {
	var required []string
	for _, page := range PostTaskPages {
		required = append(required, page...)
	}
	if err := requireAll(data, required); err != nil {
		return nil, err
	}

	out := clone(data)
	for k, v := range out {
		if k == "client_id" {
			continue
		}
		n, err := toInt(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		if slices.Contains(reverseLabels, k) {
			n = -n
		}
		out[k] = n
	}
	return out, nil
}

// PostRound1 converts every answer of the between-rounds questionnaire to
// int except the attention check, which is kept as given.
func PostRound1(data map[string]any) (map[string]any, error) {
	out := clone(data)
	for k, v := range out {
		if k == AttentionCheckKey {
			continue
		}
		n, err := toInt(v)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		out[k] = n
	}
	return out, nil
}

// AttentionCheckFailure is the record stored when a participant answers the
// attention check incorrectly.
func AttentionCheckFailure(sessionID string) map[string]any {
	return map[string]any{
		"session_id":   sessionID,
		"failed_check": "post_round1_attention_check",
		"reason":       `Incorrect answer to "What AI agents did you use?" question`,
	}
}

// PageComplete reports whether page (1-based) of the post-task form is fully
// answered.
func PageComplete(data map[string]any, page int) bool {
	if page < 1 || page > len(PostTaskPages) {
		return false
	}
	return len(Missing(data, PostTaskPages[page-1])) == 0
}

func clone(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// toInt accepts the shapes form values arrive in: numeric strings and JSON
// numbers.
func toInt(v any) (int, error) {
	switch x := v.(type) {
	case int:
		return x, nil
	case int64:
		return int(x), nil
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("not an integer: %v", x)
		}
		return int(x), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(x))
		if err != nil {
			return 0, fmt.Errorf("not an integer: %q", x)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unsupported value %T", v)
	}
}
