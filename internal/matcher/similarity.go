package matcher

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Cosine returns the cosine similarity of a and b. It is 0 when either vector
// is empty or all-zero, or when the lengths differ.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// clip bounds a similarity to [0, 1].
func clip(s float64) float64 {
	switch {
	case s < 0 || math.IsNaN(s):
		return 0
	case s > 1:
		return 1
	}
	return s
}

// Score is a similarity kept at full precision and serialized with two
// decimals.
type Score float64

// Rounded returns the score rounded to two decimals.
func (s Score) Rounded() float64 {
	return Round2(float64(s))
}

// MarshalJSON writes the two-decimal form as a JSON number.
func (s Score) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatFloat(s.Rounded(), 'f', 2, 64)), nil
}

// UnmarshalJSON accepts a number or a numeric string ("0.62"). NaN and
// infinities are rejected.
func (s *Score) UnmarshalJSON(data []byte) error {
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return fmt.Errorf("%w: similarity must be a number: %s", ErrInvalidSimilarity, string(data))
		}
		if f, err = strconv.ParseFloat(strings.TrimSpace(str), 64); err != nil {
			return fmt.Errorf("%w: similarity must be a number: %q", ErrInvalidSimilarity, str)
		}
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%w: similarity must be finite: %s", ErrInvalidSimilarity, string(data))
	}
	*s = Score(f)
	return nil
}

// Round2 rounds half away from zero to two decimals.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// MatchedTTP is one corpus technique matched by the evidence.
type MatchedTTP struct {
	ID         string `json:"id"`
	Similarity Score  `json:"similarity"`
}

// Validate checks that m names a technique and that its similarity lies in
// [0, 1].
func (m MatchedTTP) Validate() error {
	if strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidSimilarity)
	}
	sim := float64(m.Similarity)
	if math.IsNaN(sim) || sim < 0 || sim > 1 {
		return fmt.Errorf("%w: %s similarity %v outside [0, 1]", ErrInvalidSimilarity, m.ID, sim)
	}
	return nil
}

// ValidateMatches checks every entry and names the first bad index.
func ValidateMatches(matches []MatchedTTP) error {
	for i, m := range matches {
		if err := m.Validate(); err != nil {
			return fmt.Errorf("ttps[%d]: %w", i, err)
		}
	}
	return nil
}

// Dedupe merges matches by id keeping the maximum similarity, and returns them
// sorted by similarity descending, then id ascending.
func Dedupe(matches []MatchedTTP) []MatchedTTP {
	best := make(map[string]float64, len(matches))
	for _, m := range matches {
		mergeMax(best, m.ID, float64(m.Similarity))
	}
	return ranked(best)
}

func mergeMax(best map[string]float64, id string, sim float64) {
	if cur, ok := best[id]; !ok || sim > cur {
		best[id] = sim
	}
}

func ranked(best map[string]float64) []MatchedTTP {
	out := make([]MatchedTTP, 0, len(best))
	for id, sim := range best {
		out = append(out, MatchedTTP{ID: id, Similarity: Score(sim)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].ID < out[j].ID
	})
	return out
}
