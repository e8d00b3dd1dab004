package analyst

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/lvonguyen/aptforge/internal/matcher"
	"github.com/lvonguyen/aptforge/internal/mitre"
)

const (
	describeSystemPrompt = `You are a network security analyst who reads raw telemetry such as firewall logs, proxy logs and AWS CloudTrail events.
Describe in clear, technically precise English what happened in the logs you are given:
- point out suspicious patterns and behaviours
- describe the sequence of events in order
- keep relevant details such as IP addresses, ports, services, users and API calls
Describe only. Do not map the activity to kill chain phases.`

	extractSystemPromptHeader = `You are a MITRE ATT&CK specialist. You read security incident narratives and break them into the distinct adversary behaviours they describe.
For every distinct behaviour produce one object with:
1. "kill_chain_phases": one or more phases, comma separated, chosen only from the list below
2. "description": a specific, technical account of what was done, how, when and with what result, including any commands or tools

Allowed kill chain phases:
`

	extractSystemPromptFooter = `
Use no phase names outside this list.
Reply with a single valid JSON array of objects and nothing else.`

	extractInstruction = `Produce the JSON array of {"kill_chain_phases", "description"} objects for this report. The kill_chain_phases value is a comma separated string.
Report: `
)

var jsonArrayPattern = regexp.MustCompile(`(?s)\[.*\]`)

func extractSystemPrompt() string {
	var sb strings.Builder
	sb.WriteString(extractSystemPromptHeader)
	for _, t := range mitre.Tactics() {
		sb.WriteString("- ")
		sb.WriteString(t.Name)
		sb.WriteString("\n")
	}
	sb.WriteString(extractSystemPromptFooter)
	return sb.String()
}

// Analyst runs the describe and extract stages, each in its own session.
type Analyst struct {
	describer *Session
	extractor *Session
	logger    *zap.Logger
}

// New creates an Analyst backed by gen. History files live under
// cfg.HistoryDir when it is set.
func New(gen Generator, cfg Config, logger *zap.Logger) (*Analyst, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var describePath, extractPath string
	if cfg.HistoryDir != "" {
		describePath = filepath.Join(cfg.HistoryDir, "network_analyzer_history.json")
		extractPath = filepath.Join(cfg.HistoryDir, "ttp_extractor_history.json")
	}

	describer, err := NewSession(gen, describeSystemPrompt, describePath, cfg.HistoryLimit)
	if err != nil {
		return nil, err
	}
	extractor, err := NewSession(gen, extractSystemPrompt(), extractPath, cfg.HistoryLimit)
	if err != nil {
		return nil, err
	}

	return &Analyst{describer: describer, extractor: extractor, logger: logger}, nil
}

// Describe returns an English narrative of the normalized logs.
func (a *Analyst) Describe(ctx context.Context, logs []map[string]any) (string, error) {
	input, err := json.MarshalIndent(logs, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding logs: %w", err)
	}

	narrative, err := a.describer.Ask(ctx, string(input))
	if err != nil {
		return "", fmt.Errorf("describing logs: %w", err)
	}
	return strings.TrimSpace(narrative), nil
}

// Extract asks the model for candidate TTPs in narrative.
func (a *Analyst) Extract(ctx context.Context, narrative string) ([]matcher.Candidate, error) {
	out, err := a.extractor.Ask(ctx, extractInstruction+narrative)
	if err != nil {
		return nil, fmt.Errorf("extracting TTPs: %w", err)
	}

	candidates, err := ParseCandidates(out)
	if err != nil {
		a.logger.Warn("Extraction output not parseable",
			zap.Int("output_len", len(out)),
			zap.Error(err),
		)
		return nil, err
	}
	return candidates, nil
}

// ParseCandidates decodes model output as a JSON array of candidates. When
// the whole output is not valid JSON, the outermost [...] span is tried.
// Elements of the wrong shape are kept and fail Candidate.Validate, so the
// matcher skips them one by one.
func ParseCandidates(out string) ([]matcher.Candidate, error) {
	var candidates []matcher.Candidate
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &candidates); err == nil {
		return candidates, nil
	}

	span := jsonArrayPattern.FindString(out)
	if span == "" {
		return nil, ErrNoCandidates
	}
	if err := json.Unmarshal([]byte(span), &candidates); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoCandidates, err)
	}
	return candidates, nil
}
