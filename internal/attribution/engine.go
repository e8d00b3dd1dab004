// Package attribution scores threat-actor profiles against a matched TTP set.
package attribution

import (
	"context"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/lvonguyen/aptforge/internal/corpus"
	"github.com/lvonguyen/aptforge/internal/matcher"
	"github.com/lvonguyen/aptforge/internal/mitre"
	"github.com/lvonguyen/aptforge/internal/observability"
)

// DefaultThreshold is the minimum match score for a profile to be reported.
const DefaultThreshold = 0.001

// ProfileSummary is the display subset of an APT profile.
type ProfileSummary struct {
	Aliases          []string `json:"aliases,omitempty"`
	Country          string   `json:"country,omitempty"`
	Motivation       []string `json:"motivation,omitempty"`
	VictimIndustries []string `json:"victim_industries,omitempty"`
	VictimCountries  []string `json:"victim_countries,omitempty"`
	FirstSeen        string   `json:"first_seen,omitempty"`
	MitreURL         string   `json:"mitre_url,omitempty"`
	EtdaURL          string   `json:"etda_url,omitempty"`
	TechniqueCount   int      `json:"technique_count"`
}

// Result is the attribution of one profile.
type Result struct {
	MitreID         string         `json:"mitre_attack_id"`
	Name            string         `json:"mitre_attack_name"`
	MatchScore      float64        `json:"match_score"`
	MatchingTTPIDs  []string       `json:"matching_ttps"`
	UnmatchedTTPIDs []string       `json:"unmatched_ttps"`
	Profile         ProfileSummary `json:"profile"`
}

type scoredProfile struct {
	profile corpus.APTProfile
	ttps    map[string]struct{}
}

// Engine attributes matched techniques to threat actors. It is read-only
// after construction.
type Engine struct {
	profiles  []scoredProfile
	byID      map[string]int
	threshold float64
	logger    *zap.Logger
	metrics   *observability.Metrics
}

// NewEngine indexes profiles for scoring. Profiles without techniques are kept
// for lookup but can never be attributed.
func NewEngine(profiles []corpus.APTProfile, threshold float64, logger *zap.Logger, metrics *observability.Metrics) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		profiles:  make([]scoredProfile, 0, len(profiles)),
		byID:      make(map[string]int, len(profiles)),
		threshold: threshold,
		logger:    logger,
		metrics:   metrics,
	}
	for _, p := range profiles {
		set := make(map[string]struct{}, len(p.TTPs))
		for _, id := range p.TTPs {
			set[mitre.NormalizeID(id)] = struct{}{}
		}
		e.byID[mitre.NormalizeID(p.MitreID)] = len(e.profiles)
		e.profiles = append(e.profiles, scoredProfile{profile: p, ttps: set})
	}

	return e
}

// Len returns the number of loaded profiles.
func (e *Engine) Len() int {
	return len(e.profiles)
}

// Profile returns the profile with the given MITRE group id.
func (e *Engine) Profile(id string) (corpus.APTProfile, bool) {
	i, ok := e.byID[mitre.NormalizeID(id)]
	if !ok {
		return corpus.APTProfile{}, false
	}
	return e.profiles[i].profile, true
}

// sanitize normalizes ids and drops entries without an id or with a
// similarity outside [0, 1].
func (e *Engine) sanitize(matched []matcher.MatchedTTP) []matcher.MatchedTTP {
	out := make([]matcher.MatchedTTP, 0, len(matched))
	for i, m := range matched {
		m.ID = mitre.NormalizeID(m.ID)
		if err := m.Validate(); err != nil {
			e.logger.Warn("Ignoring invalid matched technique",
				zap.Int("index", i),
				zap.Error(err),
			)
			continue
		}
		out = append(out, m)
	}
	return out
}

// Attribute scores every profile against matched and returns the profiles at
// or above the threshold, best first. Each profile scores
//
//	Σ matched similarity / |profile TTPs| − Σ unmatched similarity / |matched|
//
// where matched is first deduplicated by id. Profiles with no overlapping
// technique are excluded before scoring.
func (e *Engine) Attribute(ctx context.Context, matched []matcher.MatchedTTP) []Result {
	_, span := otel.Tracer("aptforge/attribution").Start(ctx, "attribution.Attribute")
	defer span.End()

	input := matcher.Dedupe(e.sanitize(matched))
	results := make([]Result, 0)
	if len(input) == 0 {
		return results
	}

	for _, sp := range e.profiles {
		if len(sp.ttps) == 0 {
			continue
		}

		var (
			matching, unmatched      []string
			matchedSim, unmatchedSim float64
		)
		for _, m := range input {
			if _, ok := sp.ttps[m.ID]; ok {
				matching = append(matching, m.ID)
				matchedSim += float64(m.Similarity)
			} else {
				unmatched = append(unmatched, m.ID)
				unmatchedSim += float64(m.Similarity)
			}
		}
		if len(matching) == 0 {
			continue
		}

		score := matchedSim/float64(len(sp.ttps)) - unmatchedSim/float64(len(input))
		if score < e.threshold {
			continue
		}

		if unmatched == nil {
			unmatched = []string{}
		}
		results = append(results, Result{
			MitreID:         sp.profile.MitreID,
			Name:            sp.profile.Name,
			MatchScore:      matcher.Round2(score),
			MatchingTTPIDs:  matching,
			UnmatchedTTPIDs: unmatched,
			Profile:         summarize(sp.profile, len(sp.ttps)),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].MatchScore != results[j].MatchScore {
			return results[i].MatchScore > results[j].MatchScore
		}
		return results[i].MitreID < results[j].MitreID
	})

	for _, r := range results {
		e.metrics.GroupAttributed(r.MitreID)
	}
	span.SetAttributes(
		attribute.Int("ttps", len(input)),
		attribute.Int("attributions", len(results)),
	)
	e.logger.Debug("Attribution complete",
		zap.Int("ttps", len(input)),
		zap.Int("profiles", len(e.profiles)),
		zap.Int("attributions", len(results)),
	)

	return results
}

func summarize(p corpus.APTProfile, n int) ProfileSummary {
	return ProfileSummary{
		Aliases:          p.Aliases,
		Country:          p.Country,
		Motivation:       p.Motivation,
		VictimIndustries: p.VictimIndustries,
		VictimCountries:  p.VictimCountries,
		FirstSeen:        p.FirstSeen,
		MitreURL:         p.MitreURL,
		EtdaURL:          p.EtdaURL,
		TechniqueCount:   n,
	}
}
