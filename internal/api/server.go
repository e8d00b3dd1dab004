// Package api exposes the analysis pipeline, the matcher, the attribution
// engine and the corpora over HTTP.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lvonguyen/aptforge/internal/analyst"
	"github.com/lvonguyen/aptforge/internal/attribution"
	"github.com/lvonguyen/aptforge/internal/corpus"
	"github.com/lvonguyen/aptforge/internal/embedding"
	"github.com/lvonguyen/aptforge/internal/ingestion"
	"github.com/lvonguyen/aptforge/internal/matcher"
	"github.com/lvonguyen/aptforge/internal/mitre"
	"github.com/lvonguyen/aptforge/internal/observability"
	"github.com/lvonguyen/aptforge/internal/report"
)

// Analyzer runs the full pipeline over raw logs.
type Analyzer interface {
	Run(ctx context.Context, rawLogs []byte) (*report.Record, error)
}

// CandidateMatcher matches candidate techniques against the corpus.
type CandidateMatcher interface {
	MatchReport(ctx context.Context, candidates []matcher.Candidate) (matcher.Outcome, error)
}

// Attributor scores threat actors and looks up their profiles.
type Attributor interface {
	Attribute(ctx context.Context, matched []matcher.MatchedTTP) []attribution.Result
	Profile(id string) (corpus.APTProfile, bool)
}

// TechniqueIndex looks up and searches corpus techniques.
type TechniqueIndex interface {
	Lookup(id string) (corpus.TTPEntry, bool)
	Search(text, phase string, limit int) ([]corpus.SearchHit, error)
}

// ReportStore reads back recorded reports.
type ReportStore interface {
	List(limit int) ([]report.Record, error)
	Get(id string) (*report.Record, error)
}

// HealthCheck checks one dependency for /ready.
type HealthCheck func(ctx context.Context) error

// Server holds the handler dependencies.
type Server struct {
	Analyzer   Analyzer
	Matcher    CandidateMatcher
	Attributor Attributor
	Techniques TechniqueIndex
	Reports    ReportStore
	Checks     map[string]HealthCheck
	Version    string
	Logger     *zap.Logger
	Metrics    *observability.Metrics
}

// AnalyzeRequest is the body of POST /api/v1/analyze. Logs may be an array
// of objects or strings, one object, or a string of line-delimited logs.
type AnalyzeRequest struct {
	Logs json.RawMessage `json:"logs"`
}

// MatchRequest is the body of POST /api/v1/ttps/match.
type MatchRequest struct {
	Candidates []matcher.Candidate `json:"candidates"`
}

// AttributeRequest is the body of POST /api/v1/apts/attribute.
type AttributeRequest struct {
	TTPs []matcher.MatchedTTP `json:"ttps"`
}

// AttributeResponse is the body returned by POST /api/v1/apts/attribute.
type AttributeResponse struct {
	APTs []attribution.Result `json:"apts"`
}

// techniqueView is a corpus technique with its ATT&CK link.
type techniqueView struct {
	corpus.TTPEntry
	URL string `json:"url"`
}

type searchHitView struct {
	Technique techniqueView `json:"technique"`
	Score     float64       `json:"score"`
}

// Health and readiness handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "version": s.Version})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.Checks))
	for name, check := range s.Checks {
		if err := check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks[name] = err.Error()
			s.logger().Warn("Readiness check failed", zap.String("check", name), zap.Error(err))
			continue
		}
		checks[name] = "ok"
	}

	state := "ready"
	if status != http.StatusOK {
		state = "not_ready"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}

// Pipeline handlers

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if len(req.Logs) == 0 || string(req.Logs) == "null" {
		writeError(w, http.StatusBadRequest, "logs is required")
		return
	}

	rec, err := s.Analyzer.Run(r.Context(), req.Logs)
	if err != nil {
		s.writeFailure(w, r, "analysis failed", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	var req MatchRequest
	if !decodeBody(w, r, &req) {
		return
	}

	out, err := s.Matcher.MatchReport(r.Context(), req.Candidates)
	if err != nil {
		s.writeFailure(w, r, "matching failed", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAttribute(w http.ResponseWriter, r *http.Request) {
	var req AttributeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := matcher.ValidateMatches(req.TTPs); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, AttributeResponse{APTs: s.Attributor.Attribute(r.Context(), req.TTPs)})
}

// Corpus handlers

func (s *Server) handleGetTechnique(w http.ResponseWriter, r *http.Request) {
	id := mitre.NormalizeID(chi.URLParam(r, "id"))
	entry, ok := s.Techniques.Lookup(id)
	if !ok {
		writeError(w, http.StatusNotFound, "technique not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, techniqueView{TTPEntry: entry, URL: entry.URL()})
}

func (s *Server) handleSearchTechniques(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be an integer between 0 and 500")
			return
		}
		limit = n
	}

	hits, err := s.Techniques.Search(q.Get("q"), q.Get("phase"), limit)
	if err != nil {
		s.writeFailure(w, r, "search failed", err)
		return
	}

	views := make([]searchHitView, 0, len(hits))
	for _, h := range hits {
		views = append(views, searchHitView{
			Technique: techniqueView{TTPEntry: h.Entry, URL: h.Entry.URL()},
			Score:     h.Score,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": views, "count": len(views)})
}

func (s *Server) handleGetAPT(w http.ResponseWriter, r *http.Request) {
	id := mitre.NormalizeID(chi.URLParam(r, "id"))
	profile, ok := s.Attributor.Profile(id)
	if !ok {
		writeError(w, http.StatusNotFound, "threat actor not found: "+id)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// Report handlers

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	records, err := s.Reports.List(limit)
	if err != nil {
		s.writeFailure(w, r, "listing reports failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": records, "count": len(records)})
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	rec, err := s.Reports.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeFailure(w, r, "loading report failed", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// Helpers

func (s *Server) logger() *zap.Logger {
	if s.Logger == nil {
		return zap.NewNop()
	}
	return s.Logger
}

// writeFailure maps domain errors to HTTP statuses.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger().Error(msg,
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Error(err),
		)
	}
	writeError(w, status, err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ingestion.ErrUnsupportedLog),
		errors.Is(err, mitre.ErrUnknownPhase),
		errors.Is(err, matcher.ErrMalformedCandidate),
		errors.Is(err, matcher.ErrInvalidSimilarity):
		return http.StatusBadRequest
	case errors.Is(err, report.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, embedding.ErrUnavailable),
		errors.Is(err, analyst.ErrUnavailable),
		errors.Is(err, analyst.ErrEmptyResponse):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// writeJSON encodes v before sending the status so an encoding failure is
// reported as a 500 rather than an empty 200.
func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"encoding response failed"}` + "\n"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
