package search

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrUnavailable signals that the search backend cannot be reached. A
// detector treats this as "contributes nothing", never as an engine error.
var ErrUnavailable = errors.New("similarity search unavailable")

// ScoredEntity is one similarity match
type ScoredEntity struct {
	EntityID    uuid.UUID
	EntityType  string
	Name        string
	Description string
	Content     string
	Stage       string
	RiskIDs     []string
	Score       float64
}

// Filter narrows a similarity query
type Filter struct {
	TenantID    string
	EntityTypes []string
	ExcludeIDs  []uuid.UUID
	ClosedOnly  bool
}

// Searcher is the similarity-search contract the detectors consume
type Searcher interface {
	Search(ctx context.Context, query string, filter Filter, topK int, minScore float64) ([]ScoredEntity, error)
	Available(ctx context.Context) bool
}
