package matcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"sync/atomic"
	"testing"

	"github.com/lvonguyen/aptforge/internal/corpus"
	"github.com/lvonguyen/aptforge/internal/embedding"
	"github.com/lvonguyen/aptforge/internal/mitre"
)

// fakeEmbedder returns fixed vectors by text.
type fakeEmbedder struct {
	vectors map[string][]float64
	calls   atomic.Int32
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float64, error) {
	f.calls.Add(1)
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("%w: no vector for %q", embedding.ErrUnavailable, text)
}

// unit returns a 3-d unit vector whose cosine with (1,0,0) is a and with
// (0,1,0) is b.
func unit(a, b float64) []float64 {
	return []float64{a, b, math.Sqrt(1 - a*a - b*b)}
}

// newTestIndex indexes techniques whose descriptions are "desc <id>".
func newTestIndex(t *testing.T, vectors map[string][]float64) *corpus.Index {
	t.Helper()
	var entries []corpus.TTPEntry
	byText := make(map[string][]float64)
	for id, vec := range vectors {
		desc := "desc " + id
		entries = append(entries, corpus.TTPEntry{ID: id, Description: desc})
		byText[desc] = vec
	}

	idx, err := corpus.BuildIndex(context.Background(), entries, &fakeEmbedder{vectors: byText}, corpus.IndexOptions{Concurrency: 2})
	if err != nil {
		t.Fatalf("BuildIndex: %v", err)
	}
	t.Cleanup(func() { idx.Close() })
	return idx
}

// candidate builds a Credential Access candidate and registers its vector.
func candidate(e *fakeEmbedder, desc string, vec []float64) Candidate {
	c := Candidate{KillChainPhases: mitre.Phases{"Credential Access"}, Description: desc}
	e.vectors[mitre.EmbeddingText(c.KillChainPhases, c.Description)] = vec
	return c
}

func twoTechniqueIndex(t *testing.T) *corpus.Index {
	return newTestIndex(t, map[string][]float64{
		"T1078": {1, 0, 0},
		"T1110": {0, 1, 0},
	})
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// =============================================================================
// Cosine Tests
// =============================================================================

// TestCosine verifies the similarity definition and its degenerate cases.
func TestCosine(t *testing.T) {
	cases := []struct {
		name string
		a, b []float64
		want float64
	}{
		{"identical", []float64{1, 2, 3}, []float64{1, 2, 3}, 1},
		{"scaled", []float64{1, 2}, []float64{2, 4}, 1},
		{"orthogonal", []float64{1, 0}, []float64{0, 1}, 0},
		{"opposite", []float64{1, 0}, []float64{-1, 0}, -1},
		{"zero vector", []float64{0, 0}, []float64{1, 1}, 0},
		{"empty", nil, nil, 0},
		{"length mismatch", []float64{1, 0}, []float64{1, 0, 0}, 0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Cosine(tc.a, tc.b); !approx(got, tc.want) {
				t.Errorf("Cosine = %v, want %v", got, tc.want)
			}
		})
	}
}

// TestScore_JSON verifies two-decimal output and tolerant input.
func TestScore_JSON(t *testing.T) {
	data, err := json.Marshal(MatchedTTP{ID: "T1078", Similarity: 0.6249})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != `{"id":"T1078","similarity":0.62}` {
		t.Errorf("unexpected JSON: %s", data)
	}

	var fromString, fromNumber MatchedTTP
	if err := json.Unmarshal([]byte(`{"id":"T1","similarity":"0.62"}`), &fromString); err != nil {
		t.Fatalf("string similarity: %v", err)
	}
	if err := json.Unmarshal([]byte(`{"id":"T1","similarity":0.62}`), &fromNumber); err != nil {
		t.Fatalf("number similarity: %v", err)
	}
	if fromString.Similarity != 0.62 || fromNumber.Similarity != 0.62 {
		t.Errorf("expected 0.62, got %v and %v", fromString.Similarity, fromNumber.Similarity)
	}

	var bad MatchedTTP
	if err := json.Unmarshal([]byte(`{"similarity":"high"}`), &bad); err == nil {
		t.Error("non-numeric similarity should fail")
	}
}

// =============================================================================
// Matcher Tests
// =============================================================================

// TestMatch_ValidAccountsScenario verifies a single strong candidate.
func TestMatch_ValidAccountsScenario(t *testing.T) {
	idx := newTestIndex(t, map[string][]float64{"T1078": {1, 0}})
	emb := &fakeEmbedder{vectors: map[string][]float64{}}
	c := candidate(emb, "attacker used stolen valid account credentials", []float64{0.62, math.Sqrt(1 - 0.62*0.62)})

	m := NewMatcher(idx, emb, DefaultOptions(), nil, nil)
	got, err := m.Match(context.Background(), []Candidate{c})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(got) != 1 || got[0].ID != "T1078" || !approx(float64(got[0].Similarity), 0.62) {
		t.Errorf("expected [{T1078 0.62}], got %+v", got)
	}
}

// TestMatch_ThresholdExclusion verifies pairs below the threshold are dropped.
func TestMatch_ThresholdExclusion(t *testing.T) {
	idx := twoTechniqueIndex(t)
	emb := &fakeEmbedder{vectors: map[string][]float64{}}
	c := candidate(emb, "mixed", unit(0.51, 0.49))

	m := NewMatcher(idx, emb, Options{Threshold: 0.5, Workers: 2}, nil, nil)
	got, err := m.Match(context.Background(), []Candidate{c})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(got) != 1 || got[0].ID != "T1078" {
		t.Errorf("expected only T1078 above threshold, got %+v", got)
	}

	m = NewMatcher(idx, emb, Options{Threshold: 0.4, Workers: 2}, nil, nil)
	got, _ = m.Match(context.Background(), []Candidate{c})
	if len(got) != 2 {
		t.Errorf("lower threshold should admit both, got %+v", got)
	}
}

// TestMatch_DedupByMax verifies repeated matches keep the highest similarity.
func TestMatch_DedupByMax(t *testing.T) {
	idx := twoTechniqueIndex(t)
	emb := &fakeEmbedder{vectors: map[string][]float64{}}
	candidates := []Candidate{
		candidate(emb, "first", unit(0.7, 0)),
		candidate(emb, "second", unit(0.9, 0)),
		candidate(emb, "third", unit(0.8, 0)),
	}

	m := NewMatcher(idx, emb, DefaultOptions(), nil, nil)
	got, err := m.Match(context.Background(), candidates)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one deduplicated match, got %+v", got)
	}
	if !approx(float64(got[0].Similarity), 0.9) {
		t.Errorf("expected max similarity 0.9, got %v", got[0].Similarity)
	}
}

// TestMatch_RankingOrder verifies similarity descending with id tie-break.
func TestMatch_RankingOrder(t *testing.T) {
	idx := newTestIndex(t, map[string][]float64{
		"T1110": {1, 0, 0},
		"T1078": {1, 0, 0},
		"T1021": {0, 1, 0},
	})
	emb := &fakeEmbedder{vectors: map[string][]float64{}}
	c := candidate(emb, "x", unit(0.6, 0.7))

	m := NewMatcher(idx, emb, DefaultOptions(), nil, nil)
	got, err := m.Match(context.Background(), []Candidate{c})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}

	var ids []string
	for _, mt := range got {
		ids = append(ids, mt.ID)
	}
	if !reflect.DeepEqual(ids, []string{"T1021", "T1078", "T1110"}) {
		t.Errorf("unexpected order: %v", ids)
	}
}

// TestMatch_SkipsMalformed verifies bad candidates are reported and the batch
// continues.
func TestMatch_SkipsMalformed(t *testing.T) {
	idx := twoTechniqueIndex(t)
	emb := &fakeEmbedder{vectors: map[string][]float64{}}
	good := candidate(emb, "good", unit(0.9, 0))

	candidates := []Candidate{
		{KillChainPhases: mitre.Phases{"Execution"}, Description: "  "},
		{KillChainPhases: mitre.Phases{"Reconnaissance"}, Description: "scanning"},
		good,
	}

	m := NewMatcher(idx, emb, DefaultOptions(), nil, nil)
	out, err := m.MatchReport(context.Background(), candidates)
	if err != nil {
		t.Fatalf("MatchReport: %v", err)
	}
	if len(out.Matches) != 1 || out.Matches[0].ID != "T1078" {
		t.Errorf("expected T1078 from the valid candidate, got %+v", out.Matches)
	}
	if len(out.Skipped) != 2 || out.Skipped[0].Index != 0 || out.Skipped[1].Index != 1 {
		t.Errorf("expected candidates 0 and 1 skipped, got %+v", out.Skipped)
	}
	if emb.calls.Load() != 1 {
		t.Errorf("malformed candidates should not be embedded, got %d calls", emb.calls.Load())
	}

	for _, c := range candidates[:2] {
		if err := c.Validate(); !errors.Is(err, ErrMalformedCandidate) {
			t.Errorf("expected ErrMalformedCandidate, got %v", err)
		}
	}
}

// TestMatch_EmptyPhasesAllowed verifies a candidate without phases is matched
// on its description alone.
func TestMatch_EmptyPhasesAllowed(t *testing.T) {
	idx := twoTechniqueIndex(t)
	emb := &fakeEmbedder{vectors: map[string][]float64{"bare": unit(0, 0.8)}}

	m := NewMatcher(idx, emb, DefaultOptions(), nil, nil)
	got, err := m.Match(context.Background(), []Candidate{{Description: "bare"}})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(got) != 1 || got[0].ID != "T1110" {
		t.Errorf("expected T1110, got %+v", got)
	}
}

// TestMatch_EmbeddingUnavailable verifies provider failures abort the call.
func TestMatch_EmbeddingUnavailable(t *testing.T) {
	idx := twoTechniqueIndex(t)
	emb := &fakeEmbedder{vectors: map[string][]float64{}}

	m := NewMatcher(idx, emb, DefaultOptions(), nil, nil)
	_, err := m.Match(context.Background(), []Candidate{{Description: "unknown"}})
	if !errors.Is(err, embedding.ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
}

// TestMatch_DimensionMismatch verifies candidate vectors must match the corpus.
func TestMatch_DimensionMismatch(t *testing.T) {
	idx := twoTechniqueIndex(t)
	emb := &fakeEmbedder{vectors: map[string][]float64{"short": {1, 0}}}

	m := NewMatcher(idx, emb, DefaultOptions(), nil, nil)
	if _, err := m.Match(context.Background(), []Candidate{{Description: "short"}}); !errors.Is(err, ErrDimensionMismatch) {
		t.Errorf("expected ErrDimensionMismatch, got %v", err)
	}
}

// TestMatch_Empty verifies empty inputs produce an empty, non-nil result.
func TestMatch_Empty(t *testing.T) {
	idx := twoTechniqueIndex(t)
	emb := &fakeEmbedder{vectors: map[string][]float64{}}
	m := NewMatcher(idx, emb, DefaultOptions(), nil, nil)

	got, err := m.Match(context.Background(), nil)
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("expected empty slice, got %#v", got)
	}

	c := candidate(emb, "weak", unit(0.1, 0.1))
	got, err = m.Match(context.Background(), []Candidate{c})
	if err != nil {
		t.Fatalf("Match: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("no pair above threshold should yield no matches, got %+v", got)
	}
}

// TestMatch_ShardingIsDeterministic verifies worker count does not change the
// result.
func TestMatch_ShardingIsDeterministic(t *testing.T) {
	vectors := make(map[string][]float64)
	for i := 0; i < 50; i++ {
		a := float64(i) / 50
		vectors[fmt.Sprintf("T%04d", i)] = []float64{a, 1 - a, 0.5}
	}
	idx := newTestIndex(t, vectors)
	emb := &fakeEmbedder{vectors: map[string][]float64{}}
	c := candidate(emb, "sample", []float64{0.7, 0.3, 0.5})

	var baseline []MatchedTTP
	for _, workers := range []int{1, 3, 7, 64} {
		m := NewMatcher(idx, emb, Options{Threshold: 0.5, Workers: workers}, nil, nil)
		got, err := m.Match(context.Background(), []Candidate{c})
		if err != nil {
			t.Fatalf("Match with %d workers: %v", workers, err)
		}
		if baseline == nil {
			baseline = got
			continue
		}
		if !reflect.DeepEqual(got, baseline) {
			t.Errorf("%d workers produced a different result", workers)
		}
	}
}

// TestMatch_Cancelled verifies a cancelled context stops the call.
func TestMatch_Cancelled(t *testing.T) {
	idx := twoTechniqueIndex(t)
	emb := &fakeEmbedder{vectors: map[string][]float64{}}
	c := candidate(emb, "x", unit(0.9, 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := NewMatcher(idx, emb, DefaultOptions(), nil, nil)
	if _, err := m.Match(ctx, []Candidate{c}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

// TestCandidate_JSON verifies both phase encodings and the legacy key.
func TestCandidate_JSON(t *testing.T) {
	var list []Candidate
	doc := `[
		{"kill_chain_phases": "Credential Access, Lateral Movement", "description": "a"},
		{"kill chain phases": ["Execution"], "description": "b"}
	]`
	if err := json.Unmarshal([]byte(doc), &list); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !reflect.DeepEqual(list[0].KillChainPhases, mitre.Phases{"Credential Access", "Lateral Movement"}) {
		t.Errorf("unexpected phases: %v", list[0].KillChainPhases)
	}
	if !reflect.DeepEqual(list[1].KillChainPhases, mitre.Phases{"Execution"}) {
		t.Errorf("legacy key not honored: %v", list[1].KillChainPhases)
	}
}

// TestMatch_UndecodableElementSkipped verifies one element of the wrong shape
// is skipped while the rest of a decoded batch is matched.
func TestMatch_UndecodableElementSkipped(t *testing.T) {
	idx := twoTechniqueIndex(t)
	emb := &fakeEmbedder{vectors: map[string][]float64{}}
	candidate(emb, "valid account login", unit(0.9, 0))
	candidate(emb, "password spraying", unit(0, 0.8))

	doc := `[
		{"kill_chain_phases": ["Credential Access"], "description": "valid account login"},
		{"kill_chain_phases": ["Credential Access"], "description": "password spraying"},
		{"kill_chain_phases": 7, "description": "broken"}
	]`
	var candidates []Candidate
	if err := json.Unmarshal([]byte(doc), &candidates); err != nil {
		t.Fatalf("one bad element should not fail the batch: %v", err)
	}
	if len(candidates) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(candidates))
	}
	if err := candidates[2].Validate(); !errors.Is(err, ErrMalformedCandidate) {
		t.Errorf("expected ErrMalformedCandidate, got %v", err)
	}

	out, err := NewMatcher(idx, emb, DefaultOptions(), nil, nil).MatchReport(context.Background(), candidates)
	if err != nil {
		t.Fatalf("MatchReport: %v", err)
	}
	if len(out.Matches) != 2 {
		t.Errorf("expected both valid candidates matched, got %+v", out.Matches)
	}
	if len(out.Skipped) != 1 || out.Skipped[0].Index != 2 {
		t.Errorf("expected candidate 2 skipped, got %+v", out.Skipped)
	}
	if skipReason(candidates[2].Validate()) != "undecodable" {
		t.Errorf("unexpected skip reason %q", skipReason(candidates[2].Validate()))
	}
}

// TestCandidate_RedecodeClearsError verifies a reused value does not keep a
// previous decode failure.
func TestCandidate_RedecodeClearsError(t *testing.T) {
	var c Candidate
	if err := json.Unmarshal([]byte(`{"description": 7}`), &c); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if c.Validate() == nil {
		t.Fatal("expected validation failure")
	}
	if err := json.Unmarshal([]byte(`{"description": "ok"}`), &c); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("expected valid candidate, got %v", err)
	}
}

// TestScore_RejectsNonFinite verifies NaN and infinities cannot be decoded.
func TestScore_RejectsNonFinite(t *testing.T) {
	for _, raw := range []string{`"NaN"`, `"Inf"`, `"-Inf"`, `"+Inf"`, `"infinity"`} {
		var m MatchedTTP
		err := json.Unmarshal([]byte(`{"id":"T1078","similarity":`+raw+`}`), &m)
		if !errors.Is(err, ErrInvalidSimilarity) {
			t.Errorf("%s: expected ErrInvalidSimilarity, got %v", raw, err)
		}
	}
}

// TestValidateMatches verifies ids are required and similarities lie in
// [0, 1].
func TestValidateMatches(t *testing.T) {
	tests := []struct {
		name    string
		matches []MatchedTTP
		wantErr bool
	}{
		{"empty", nil, false},
		{"bounds", []MatchedTTP{{ID: "A", Similarity: 0}, {ID: "B", Similarity: 1}}, false},
		{"negative", []MatchedTTP{{ID: "A", Similarity: 0.8}, {ID: "B", Similarity: -50}}, true},
		{"above one", []MatchedTTP{{ID: "A", Similarity: 7.5}}, true},
		{"nan", []MatchedTTP{{ID: "A", Similarity: Score(math.NaN())}}, true},
		{"missing id", []MatchedTTP{{ID: " ", Similarity: 0.5}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMatches(tt.matches)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateMatches() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidSimilarity) {
				t.Errorf("expected ErrInvalidSimilarity, got %v", err)
			}
		})
	}
}

// TestDedupe verifies the standalone merge helper.
func TestDedupe(t *testing.T) {
	got := Dedupe([]MatchedTTP{
		{ID: "B", Similarity: 0.6},
		{ID: "A", Similarity: 0.6},
		{ID: "B", Similarity: 0.8},
		{ID: "C", Similarity: 0.7},
	})
	want := []MatchedTTP{
		{ID: "B", Similarity: 0.8},
		{ID: "C", Similarity: 0.7},
		{ID: "A", Similarity: 0.6},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Dedupe = %+v, want %+v", got, want)
	}
}
