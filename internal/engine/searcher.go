package engine

import (
	"context"

	"sicalgate/internal/domain"
	"sicalgate/internal/repo"
)

// HistorySearcher answers duplicate checks from the local operation
// history. It is the default searcher when no external consulta bridge is
// configured.
type HistorySearcher struct {
	Store *repo.HistoryStore
}

func (h HistorySearcher) Search(ctx context.Context, d domain.OperationDescriptor) (SearchResult, error) {
	matches, criteria, err := h.Store.SearchSimilar(ctx, d)
	if err != nil {
		return SearchResult{}, err
	}
	return SearchResult{Matches: matches, Criteria: criteria}, nil
}
