package corpus

import (
	"fmt"
	"strings"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/lvonguyen/aptforge/internal/mitre"
)

const defaultSearchLimit = 10

// SearchHit is one lexical search result.
type SearchHit struct {
	Entry TTPEntry `json:"technique"`
	Score float64  `json:"score"`
}

// searchDoc is the document indexed per technique.
type searchDoc struct {
	ID          string   `json:"id"`
	Phases      []string `json:"phases"`
	Description string   `json:"description"`
}

// buildSearchIndex creates an in-memory index with keyword ids and phases and
// an analyzed description.
func buildSearchIndex(entries []TTPEntry) (bleve.Index, error) {
	keywordFieldMapping := bleve.NewKeywordFieldMapping()
	textFieldMapping := bleve.NewTextFieldMapping()

	docMapping := bleve.NewDocumentMapping()
	docMapping.AddFieldMappingsAt("id", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("phases", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("description", textFieldMapping)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultMapping = docMapping

	index, err := bleve.NewMemOnly(indexMapping)
	if err != nil {
		return nil, err
	}

	batch := index.NewBatch()
	for _, e := range entries {
		doc := searchDoc{
			ID:          e.ID,
			Phases:      e.KillChainPhases.Canonical(),
			Description: e.Description,
		}
		if err := batch.Index(e.ID, doc); err != nil {
			index.Close()
			return nil, fmt.Errorf("indexing %s: %w", e.ID, err)
		}
	}
	if err := index.Batch(batch); err != nil {
		index.Close()
		return nil, err
	}

	return index, nil
}

// Search runs a lexical query over technique ids and descriptions, optionally
// restricted to one kill chain phase. An empty text with a phase lists the
// phase's techniques.
func (idx *Index) Search(text, phase string, limit int) ([]SearchHit, error) {
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	var clauses []query.Query
	if text = strings.TrimSpace(text); text != "" {
		byDesc := bleve.NewMatchQuery(text)
		byDesc.SetField("description")

		byID := bleve.NewPrefixQuery(strings.ToUpper(text))
		byID.SetField("id")
		byID.SetBoost(2)

		clauses = append(clauses, bleve.NewDisjunctionQuery(byDesc, byID))
	}
	if phase = strings.TrimSpace(phase); phase != "" {
		tactic, ok := mitre.LookupTactic(phase)
		if !ok {
			return nil, fmt.Errorf("%w: %q", mitre.ErrUnknownPhase, phase)
		}
		byPhase := bleve.NewTermQuery(tactic.Name)
		byPhase.SetField("phases")
		clauses = append(clauses, byPhase)
	}

	var q query.Query
	switch len(clauses) {
	case 0:
		q = bleve.NewMatchAllQuery()
	case 1:
		q = clauses[0]
	default:
		q = bleve.NewConjunctionQuery(clauses...)
	}

	req := bleve.NewSearchRequestOptions(q, limit, 0, false)
	req.SortBy([]string{"-_score", "_id"})

	res, err := idx.search.Search(req)
	if err != nil {
		return nil, fmt.Errorf("searching techniques: %w", err)
	}

	hits := make([]SearchHit, 0, len(res.Hits))
	for _, h := range res.Hits {
		entry, ok := idx.Lookup(h.ID)
		if !ok {
			continue
		}
		hits = append(hits, SearchHit{Entry: entry, Score: h.Score})
	}
	return hits, nil
}
