package analyst

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Message is one conversation turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type historyFile struct {
	Messages []Message `json:"messages"`
}

// Session is a conversation with a fixed system prompt. The history is
// replayed as context on every turn and optionally persisted to a file.
// A Session serializes its turns.
type Session struct {
	mu      sync.Mutex
	gen     Generator
	history []Message
	path    string
	limit   int
}

// NewSession creates a session. When path names an existing history file
// its messages are restored; otherwise the history starts with the system
// prompt.
func NewSession(gen Generator, system, path string, limit int) (*Session, error) {
	s := &Session{
		gen:   gen,
		path:  path,
		limit: limit,
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			var hf historyFile
			if err := json.Unmarshal(data, &hf); err != nil {
				return nil, fmt.Errorf("decoding history %s: %w", path, err)
			}
			s.history = hf.Messages
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("reading history %s: %w", path, err)
		}
	}

	if len(s.history) == 0 || s.history[0].Role != "system" {
		s.history = append([]Message{{Role: "system", Content: system}}, s.history...)
	}
	return s, nil
}

// History returns a copy of the conversation so far.
func (s *Session) History() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.history))
	copy(out, s.history)
	return out
}

// Ask sends input with the conversation as context and records the turn.
func (s *Session) Ask(ctx context.Context, input string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	contextJSON, err := json.Marshal(s.contextMessages())
	if err != nil {
		return "", fmt.Errorf("encoding context: %w", err)
	}
	prompt := fmt.Sprintf("Context: %s\n\nInput: %s\n\nAnalysis:", contextJSON, input)

	out, err := s.gen.Generate(ctx, prompt)
	if err != nil {
		return "", err
	}

	s.history = append(s.history,
		Message{Role: "user", Content: input},
		Message{Role: "assistant", Content: out},
	)
	if err := s.save(); err != nil {
		return out, err
	}
	return out, nil
}

// contextMessages returns the system prompt plus the most recent turns.
func (s *Session) contextMessages() []Message {
	if s.limit <= 0 || len(s.history)-1 <= s.limit {
		return s.history
	}
	out := make([]Message, 0, s.limit+1)
	out = append(out, s.history[0])
	return append(out, s.history[len(s.history)-s.limit:]...)
}

func (s *Session) save() error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("creating history dir: %w", err)
	}
	data, err := json.MarshalIndent(historyFile{Messages: s.history}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding history: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing history: %w", err)
	}
	return os.Rename(tmp, s.path)
}
