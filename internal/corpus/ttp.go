// Package corpus loads the static TTP and APT catalogs and builds the
// embedding index the matcher ranks against.
package corpus

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/lvonguyen/aptforge/internal/mitre"
)

// ErrCorpusLoad is returned when a corpus file is missing, unreadable or
// lacks required fields. It is fatal to startup.
var ErrCorpusLoad = errors.New("corpus load failed")

// TTPEntry is one technique in the corpus.
type TTPEntry struct {
	ID              string       `json:"id"`
	KillChainPhases mitre.Phases `json:"kill_chain_phases"`
	Description     string       `json:"description"`
	// Embedding is set once by BuildIndex and never mutated afterwards.
	Embedding []float64 `json:"-"`
}

// URL returns the ATT&CK page for the technique.
func (e TTPEntry) URL() string {
	return mitre.TechniqueURL(e.ID)
}

// rawTTP accepts the legacy "kill chain phases" key alongside the
// snake_case one.
type rawTTP struct {
	ID              string       `json:"id"`
	KillChainPhases mitre.Phases `json:"kill_chain_phases"`
	LegacyPhases    mitre.Phases `json:"kill chain phases"`
	Description     string       `json:"description"`
}

// LoadTTPs reads a JSON array of techniques from path.
func LoadTTPs(path string) ([]TTPEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", ErrCorpusLoad, path, err)
	}
	return ParseTTPs(data)
}

// ParseTTPs decodes a TTP corpus. Every record needs an id and a description
// and ids must be unique.
func ParseTTPs(data []byte) ([]TTPEntry, error) {
	var raw []rawTTP
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: decoding TTP corpus: %w", ErrCorpusLoad, err)
	}

	entries := make([]TTPEntry, 0, len(raw))
	seen := make(map[string]int, len(raw))
	for i, r := range raw {
		id := mitre.NormalizeID(r.ID)
		if id == "" {
			return nil, fmt.Errorf("%w: record %d: missing id", ErrCorpusLoad, i)
		}
		desc := strings.TrimSpace(r.Description)
		if desc == "" {
			return nil, fmt.Errorf("%w: record %d (%s): missing description", ErrCorpusLoad, i, id)
		}
		if prev, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: record %d: duplicate id %s (first seen at record %d)", ErrCorpusLoad, i, id, prev)
		}
		seen[id] = i

		phases := r.KillChainPhases
		if len(phases) == 0 {
			phases = r.LegacyPhases
		}

		entries = append(entries, TTPEntry{
			ID:              id,
			KillChainPhases: phases,
			Description:     desc,
		})
	}

	return entries, nil
}
