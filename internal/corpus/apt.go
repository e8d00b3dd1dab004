package corpus

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/lvonguyen/aptforge/internal/mitre"
)

// APTProfile is one threat actor in the attribution corpus.
type APTProfile struct {
	MitreID          string   `json:"mitre_attack_id"`
	Name             string   `json:"mitre_attack_name"`
	EtdaName         string   `json:"etda_name,omitempty"`
	Aliases          []string `json:"aliases,omitempty"`
	TTPs             []string `json:"mitre_attack_ttps"`
	Country          string   `json:"country,omitempty"`
	Motivation       []string `json:"motivation,omitempty"`
	VictimIndustries []string `json:"victim_industries,omitempty"`
	VictimCountries  []string `json:"victim_countries,omitempty"`
	FirstSeen        string   `json:"first_seen,omitempty"`
	MitreURL         string   `json:"mitre_url,omitempty"`
	EtdaURL          string   `json:"etda_url,omitempty"`
}

// LoadWarning records an APT corpus entry that was skipped.
type LoadWarning struct {
	Index  int    `json:"index"`
	ID     string `json:"id,omitempty"`
	Reason string `json:"reason"`
}

func (w LoadWarning) String() string {
	if w.ID != "" {
		return fmt.Sprintf("record %d (%s): %s", w.Index, w.ID, w.Reason)
	}
	return fmt.Sprintf("record %d: %s", w.Index, w.Reason)
}

// rawAPT is the on-disk record. Free-text fields are tolerant of scalar vs
// list encodings since the upstream data mixes both.
type rawAPT struct {
	MitreID          string     `json:"mitre_attack_id"`
	Name             string     `json:"mitre_attack_name"`
	TTPs             stringList `json:"mitre_attack_ttps"`
	MitreAliases     stringList `json:"mitre_attack_aliases"`
	EtdaName         flexString `json:"etda_name"`
	EtdaAliases      stringList `json:"etda_aliases"`
	Country          flexString `json:"country"`
	Motivation       stringList `json:"motivation"`
	VictimIndustries stringList `json:"victim_industries"`
	VictimCountries  stringList `json:"victim_countries"`
	FirstSeen        flexString `json:"etda_first_seen"`
	MitreURL         flexString `json:"mitre_url"`
	EtdaURL          flexString `json:"etda_url"`
}

// LoadAPTs reads the APT corpus from path. A missing file or a document that
// is not a JSON array is ErrCorpusLoad; individual malformed records are
// skipped and reported as warnings.
func LoadAPTs(path string) ([]APTProfile, []LoadWarning, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: reading %s: %w", ErrCorpusLoad, path, err)
	}
	return ParseAPTs(data)
}

// ParseAPTs decodes an APT corpus document.
func ParseAPTs(data []byte) ([]APTProfile, []LoadWarning, error) {
	var records []json.RawMessage
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, nil, fmt.Errorf("%w: decoding APT corpus: %w", ErrCorpusLoad, err)
	}

	var (
		profiles []APTProfile
		warnings []LoadWarning
		seen     = make(map[string]bool, len(records))
	)
	for i, rec := range records {
		var r rawAPT
		if err := json.Unmarshal(rec, &r); err != nil {
			warnings = append(warnings, LoadWarning{Index: i, Reason: err.Error()})
			continue
		}

		id := mitre.NormalizeID(r.MitreID)
		switch {
		case id == "":
			warnings = append(warnings, LoadWarning{Index: i, Reason: "missing mitre_attack_id"})
			continue
		case seen[id]:
			warnings = append(warnings, LoadWarning{Index: i, ID: id, Reason: "duplicate mitre_attack_id"})
			continue
		case len(r.TTPs) == 0:
			warnings = append(warnings, LoadWarning{Index: i, ID: id, Reason: "no mitre_attack_ttps"})
			continue
		}
		seen[id] = true

		profiles = append(profiles, newProfile(id, r))
	}

	return profiles, warnings, nil
}

func newProfile(id string, r rawAPT) APTProfile {
	aliases := r.EtdaAliases
	if len(aliases) == 0 {
		aliases = r.MitreAliases
	}

	p := APTProfile{
		MitreID:          id,
		Name:             strings.TrimSpace(r.Name),
		EtdaName:         string(r.EtdaName),
		Aliases:          aliases,
		Country:          string(r.Country),
		Motivation:       r.Motivation,
		VictimIndustries: r.VictimIndustries,
		VictimCountries:  r.VictimCountries,
		FirstSeen:        string(r.FirstSeen),
		MitreURL:         string(r.MitreURL),
		EtdaURL:          string(r.EtdaURL),
	}
	if p.Name == "" {
		p.Name = p.EtdaName
	}

	seen := make(map[string]bool, len(r.TTPs))
	for _, t := range r.TTPs {
		t = mitre.NormalizeID(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		p.TTPs = append(p.TTPs, t)
	}

	return p
}

// flexString decodes a JSON string, number, bool or null into a string.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case nil:
		*f = ""
	case string:
		*f = flexString(strings.TrimSpace(x))
	case float64:
		*f = flexString(strconv.FormatFloat(x, 'f', -1, 64))
	case bool:
		*f = flexString(strconv.FormatBool(x))
	default:
		return fmt.Errorf("expected a scalar, got %s", string(data))
	}
	return nil
}

// stringList decodes either a single string or a list of strings. Empty
// items are dropped.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var one *string
	if err := json.Unmarshal(data, &one); err == nil {
		*l = nil
		if one != nil && strings.TrimSpace(*one) != "" {
			*l = stringList{strings.TrimSpace(*one)}
		}
		return nil
	}

	var many []*string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("expected a string or a list of strings: %w", err)
	}
	out := make(stringList, 0, len(many))
	for _, s := range many {
		if s == nil {
			continue
		}
		if v := strings.TrimSpace(*s); v != "" {
			out = append(out, v)
		}
	}
	*l = out
	return nil
}
