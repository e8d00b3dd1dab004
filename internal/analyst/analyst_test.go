package analyst

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lvonguyen/aptforge/internal/matcher"
	"github.com/lvonguyen/aptforge/internal/mitre"
)

// scriptedGenerator replies with canned outputs and records prompts.
type scriptedGenerator struct {
	replies []string
	prompts []string
	err     error
}

func (g *scriptedGenerator) Generate(_ context.Context, prompt string) (string, error) {
	g.prompts = append(g.prompts, prompt)
	if g.err != nil {
		return "", g.err
	}
	if len(g.replies) == 0 {
		return "", ErrEmptyResponse
	}
	out := g.replies[0]
	g.replies = g.replies[1:]
	return out, nil
}

// =============================================================================
// Ollama Client Tests
// =============================================================================

// TestOllamaClient_Generate verifies streamed fragments are concatenated.
func TestOllamaClient_Generate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
			return
		}
		if req.Model != "llama3.2" || !req.Stream {
			t.Errorf("unexpected request: %+v", req)
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		fmt.Fprintln(w, `{"response":"Brute-force ","done":false}`)
		fmt.Fprintln(w, `not json`)
		fmt.Fprintln(w, ``)
		fmt.Fprintln(w, `{"response":"login attempts.","done":false}`)
		fmt.Fprintln(w, `{"response":"","done":true}`)
		fmt.Fprintln(w, `{"response":"ignored","done":false}`)
	}))
	defer server.Close()

	cfg := DefaultConfig()
	cfg.BaseURL = server.URL
	client, err := NewOllamaClient(cfg, nil)
	if err != nil {
		t.Fatalf("NewOllamaClient: %v", err)
	}

	out, err := client.Generate(context.Background(), "describe")
	if err != nil {
		t.Fatalf("Generate should succeed: %v", err)
	}
	if out != "Brute-force login attempts." {
		t.Errorf("unexpected output: %q", out)
	}
}

// TestOllamaClient_Errors verifies failure classification.
func TestOllamaClient_Errors(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		want    error
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
			want: ErrUnavailable,
		},
		{
			name: "stream error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprintln(w, `{"error":"model not loaded"}`)
			},
			want: ErrUnavailable,
		},
		{
			name: "empty",
			handler: func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprintln(w, `{"response":"  ","done":true}`)
			},
			want: ErrEmptyResponse,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(tc.handler)
			defer server.Close()

			cfg := DefaultConfig()
			cfg.BaseURL = server.URL
			client, _ := NewOllamaClient(cfg, nil)

			if _, err := client.Generate(context.Background(), "x"); !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got %v", tc.want, err)
			}
		})
	}
}

// =============================================================================
// Session Tests
// =============================================================================

// TestSession_ContextAndPersistence verifies the history is replayed and saved.
func TestSession_ContextAndPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history", "session.json")
	gen := &scriptedGenerator{replies: []string{"first answer", "second answer"}}

	s, err := NewSession(gen, "be terse", path, 0)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	if _, err := s.Ask(context.Background(), "q1"); err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if _, err := s.Ask(context.Background(), "q2"); err != nil {
		t.Fatalf("Ask: %v", err)
	}

	if !strings.HasPrefix(gen.prompts[0], "Context: ") || !strings.Contains(gen.prompts[0], "Input: q1") {
		t.Errorf("unexpected prompt layout: %q", gen.prompts[0])
	}
	if !strings.Contains(gen.prompts[1], "first answer") {
		t.Error("second prompt should replay the first turn")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("history not saved: %v", err)
	}
	var hf historyFile
	if err := json.Unmarshal(data, &hf); err != nil {
		t.Fatalf("decoding history: %v", err)
	}
	if len(hf.Messages) != 5 || hf.Messages[0].Role != "system" || hf.Messages[4].Content != "second answer" {
		t.Errorf("unexpected history: %+v", hf.Messages)
	}

	restored, err := NewSession(gen, "be terse", path, 0)
	if err != nil {
		t.Fatalf("restoring session: %v", err)
	}
	if len(restored.History()) != 5 {
		t.Errorf("expected 5 restored messages, got %d", len(restored.History()))
	}
}

// TestSession_HistoryLimit verifies only recent turns are replayed.
func TestSession_HistoryLimit(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{"a1", "a2", "a3"}}
	s, _ := NewSession(gen, "system prompt", "", 2)

	for _, q := range []string{"q1", "q2", "q3"} {
		if _, err := s.Ask(context.Background(), q); err != nil {
			t.Fatalf("Ask: %v", err)
		}
	}

	last := gen.prompts[2]
	if !strings.Contains(last, "system prompt") || !strings.Contains(last, "a2") {
		t.Errorf("expected system prompt and latest turn in context: %q", last)
	}
	if strings.Contains(last, "a1") {
		t.Errorf("oldest turn should be trimmed from context: %q", last)
	}
	if len(s.History()) != 7 {
		t.Errorf("full history should be retained, got %d messages", len(s.History()))
	}
}

// TestSession_FailedTurnNotRecorded verifies errors leave the history alone.
func TestSession_FailedTurnNotRecorded(t *testing.T) {
	gen := &scriptedGenerator{err: ErrUnavailable}
	s, _ := NewSession(gen, "sys", "", 0)

	if _, err := s.Ask(context.Background(), "q"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
	if len(s.History()) != 1 {
		t.Errorf("expected only the system message, got %+v", s.History())
	}
}

// =============================================================================
// Extraction Tests
// =============================================================================

// TestParseCandidates verifies direct, embedded and invalid outputs.
func TestParseCandidates(t *testing.T) {
	direct := `[{"kill_chain_phases": "Credential Access", "description": "password spraying against RDP"}]`
	got, err := ParseCandidates(direct)
	if err != nil || len(got) != 1 || got[0].Description != "password spraying against RDP" {
		t.Fatalf("direct JSON: %+v %v", got, err)
	}

	wrapped := "Here are the TTPs:\n```json\n[\n {\"kill chain phases\": \"Exfiltration, Command and Control\", \"description\": \"DNS tunnelling\"}\n]\n```\nDone."
	got, err = ParseCandidates(wrapped)
	if err != nil || len(got) != 1 {
		t.Fatalf("embedded JSON: %+v %v", got, err)
	}
	if got[0].KillChainPhases.String() != "Exfiltration, Command and Control" {
		t.Errorf("unexpected phases: %v", got[0].KillChainPhases)
	}

	if _, err := ParseCandidates("I could not find any techniques."); !errors.Is(err, ErrNoCandidates) {
		t.Errorf("expected ErrNoCandidates, got %v", err)
	}
	if _, err := ParseCandidates("[not json]"); !errors.Is(err, ErrNoCandidates) {
		t.Errorf("expected ErrNoCandidates for a broken array, got %v", err)
	}
}

// TestParseCandidates_MixedBatch verifies one element of the wrong shape does
// not discard the others; it is left for the matcher to skip.
func TestParseCandidates_MixedBatch(t *testing.T) {
	out := `[
		{"kill_chain_phases": "Credential Access", "description": "password spraying against RDP"},
		{"kill_chain_phases": ["Lateral Movement"], "description": "SMB fan-out to file servers"},
		{"kill_chain_phases": 7, "description": "phases of the wrong type"},
		"a bare string"
	]`

	got, err := ParseCandidates(out)
	if err != nil {
		t.Fatalf("ParseCandidates: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("expected 4 candidates, got %d", len(got))
	}
	for i, c := range got[:2] {
		if err := c.Validate(); err != nil {
			t.Errorf("candidate %d should be valid: %v", i, err)
		}
	}
	for i, c := range got[2:] {
		if err := c.Validate(); !errors.Is(err, matcher.ErrMalformedCandidate) {
			t.Errorf("candidate %d: expected ErrMalformedCandidate, got %v", i+2, err)
		}
	}
}

// TestAnalyst_DescribeAndExtract verifies both stages and their prompts.
func TestAnalyst_DescribeAndExtract(t *testing.T) {
	gen := &scriptedGenerator{replies: []string{
		"  Host 192.168.1.102 brute-forced RDP on 10.0.0.5.  ",
		`[{"kill_chain_phases": "Credential Access", "description": "RDP brute force against 10.0.0.5"}]`,
	}}
	cfg := DefaultConfig()
	cfg.HistoryDir = t.TempDir()

	a, err := New(gen, cfg, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	narrative, err := a.Describe(context.Background(), []map[string]any{{"protocol": "RDP", "port": 3389}})
	if err != nil {
		t.Fatalf("Describe: %v", err)
	}
	if narrative != "Host 192.168.1.102 brute-forced RDP on 10.0.0.5." {
		t.Errorf("narrative should be trimmed, got %q", narrative)
	}
	if !strings.Contains(gen.prompts[0], `\"protocol\": \"RDP\"`) && !strings.Contains(gen.prompts[0], `"protocol": "RDP"`) {
		t.Errorf("describe prompt should carry the logs: %q", gen.prompts[0])
	}

	candidates, err := a.Extract(context.Background(), narrative)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(candidates) != 1 || candidates[0].KillChainPhases[0] != "Credential Access" {
		t.Errorf("unexpected candidates: %+v", candidates)
	}
	if !strings.Contains(gen.prompts[1], narrative) {
		t.Error("extract prompt should carry the narrative")
	}

	for _, name := range []string{"network_analyzer_history.json", "ttp_extractor_history.json"} {
		if _, err := os.Stat(filepath.Join(cfg.HistoryDir, name)); err != nil {
			t.Errorf("expected history file %s: %v", name, err)
		}
	}
}

// TestExtractSystemPrompt_ListsVocabulary verifies every phase is offered.
func TestExtractSystemPrompt_ListsVocabulary(t *testing.T) {
	prompt := extractSystemPrompt()
	for _, tactic := range mitre.Tactics() {
		if !strings.Contains(prompt, "- "+tactic.Name+"\n") {
			t.Errorf("prompt missing %s", tactic.Name)
		}
	}
}
