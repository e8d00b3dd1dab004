// Package mitre provides the MITRE ATT&CK kill chain vocabulary shared by the
// TTP corpus, the extraction stage and the similarity matcher.
package mitre

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownPhase is returned when a kill chain label is outside the vocabulary.
var ErrUnknownPhase = errors.New("unknown kill chain phase")

// Tactic represents a MITRE ATT&CK tactic (kill chain phase)
type Tactic struct {
	ID        string `json:"id"`         // e.g., "TA0002"
	Name      string `json:"name"`       // e.g., "Execution"
	ShortName string `json:"short_name"` // e.g., "execution"
	URL       string `json:"url"`
}

// tactics is ordered by kill chain position.
var tactics = []Tactic{
	{ID: "TA0001", Name: "Initial Access", ShortName: "initial-access"},
	{ID: "TA0002", Name: "Execution", ShortName: "execution"},
	{ID: "TA0003", Name: "Persistence", ShortName: "persistence"},
	{ID: "TA0004", Name: "Privilege Escalation", ShortName: "privilege-escalation"},
	{ID: "TA0005", Name: "Defense Evasion", ShortName: "defense-evasion"},
	{ID: "TA0006", Name: "Credential Access", ShortName: "credential-access"},
	{ID: "TA0007", Name: "Discovery", ShortName: "discovery"},
	{ID: "TA0008", Name: "Lateral Movement", ShortName: "lateral-movement"},
	{ID: "TA0009", Name: "Collection", ShortName: "collection"},
	{ID: "TA0011", Name: "Command and Control", ShortName: "command-and-control"},
	{ID: "TA0010", Name: "Exfiltration", ShortName: "exfiltration"},
	{ID: "TA0040", Name: "Impact", ShortName: "impact"},
}

var tacticIndex = buildTacticIndex()

func buildTacticIndex() map[string]*Tactic {
	idx := make(map[string]*Tactic, len(tactics)*3)
	for i := range tactics {
		t := &tactics[i]
		t.URL = fmt.Sprintf("https://attack.mitre.org/tactics/%s/", t.ID)
		idx[strings.ToLower(t.Name)] = t
		idx[t.ShortName] = t
		idx[strings.ToLower(t.ID)] = t
	}
	return idx
}

// Tactics returns the kill chain vocabulary in kill chain order.
func Tactics() []Tactic {
	out := make([]Tactic, len(tactics))
	copy(out, tactics)
	return out
}

// LookupTactic resolves a label by display name, short name or tactic ID,
// case-insensitively.
func LookupTactic(label string) (Tactic, bool) {
	key := strings.ToLower(strings.TrimSpace(label))
	key = strings.Join(strings.Fields(key), " ")
	if t, ok := tacticIndex[key]; ok {
		return *t, true
	}
	if t, ok := tacticIndex[strings.ReplaceAll(key, " ", "-")]; ok {
		return *t, true
	}
	return Tactic{}, false
}

// Phases is a set of kill chain labels as reported by a producer. Labels are
// kept verbatim (trimmed); use Validate to check them against the vocabulary.
//
// In JSON a Phases value is either a comma-joined string or an array of
// strings.
type Phases []string

// ParsePhases splits a comma-joined label list.
func ParsePhases(s string) Phases {
	var out Phases
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// UnmarshalJSON accepts "a, b" and ["a", "b"].
func (p *Phases) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*p = ParsePhases(s)
		return nil
	}

	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("kill chain phases must be a string or a list of strings: %w", err)
	}
	out := make(Phases, 0, len(list))
	for _, item := range list {
		out = append(out, ParsePhases(item)...)
	}
	*p = out
	return nil
}

// String joins the labels the way they are embedded.
func (p Phases) String() string {
	return strings.Join(p, ", ")
}

// Validate reports the first label that is not a known tactic.
func (p Phases) Validate() error {
	for _, label := range p {
		if _, ok := LookupTactic(label); !ok {
			return fmt.Errorf("%w: %q", ErrUnknownPhase, label)
		}
	}
	return nil
}

// Canonical returns the display names of the known labels, deduplicated,
// in kill chain order. Unknown labels are dropped.
func (p Phases) Canonical() []string {
	seen := make(map[string]bool, len(p))
	for _, label := range p {
		if t, ok := LookupTactic(label); ok {
			seen[t.ID] = true
		}
	}
	out := make([]string, 0, len(seen))
	for _, t := range tactics {
		if seen[t.ID] {
			out = append(out, t.Name)
		}
	}
	return out
}

// EmbeddingText is the text sent to the embedding provider for a technique
// or a candidate: the phase labels followed by the description.
func EmbeddingText(phases Phases, description string) string {
	description = strings.TrimSpace(description)
	if len(phases) == 0 {
		return description
	}
	return phases.String() + " " + description
}

// NormalizeID returns the canonical form of a technique or group ID
// ("t1059.001 " becomes "T1059.001").
func NormalizeID(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// TechniqueURL returns the ATT&CK page for a technique or sub-technique ID.
func TechniqueURL(id string) string {
	id = NormalizeID(id)
	if id == "" {
		return ""
	}
	return "https://attack.mitre.org/techniques/" + strings.ReplaceAll(id, ".", "/") + "/"
}
