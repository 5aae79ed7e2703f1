package registry

import (
	"context"

	"github.com/ImmutableWebApps/iwa/internal/domain"
	"github.com/ImmutableWebApps/iwa/internal/repository"
)

const defaultHistoryPage = 50

// History iterates an environment's release records newest first, fetching
// pages on demand. Usage follows the rows pattern:
//
//	it := svc.History(environmentID, 0)
//	for it.Next(ctx) {
//		rel := it.Release()
//		...
//	}
//	if err := it.Err(); err != nil { ... }
type History struct {
	svc           Service
	environmentID string
	pageSize      int
	buf           []domain.Release
	idx           int
	cursor        *repository.ReleaseCursor
	exhausted     bool
	err           error
	current       domain.Release
}

// History returns an iterator over the environment's release ledger.
func (s Service) History(environmentID string, pageSize int) *History {
	if pageSize <= 0 {
		pageSize = defaultHistoryPage
	}
	return &History{svc: s, environmentID: environmentID, pageSize: pageSize}
}

// Next advances to the following release record. It returns false once the
// ledger is exhausted or an error occurred.
func (h *History) Next(ctx context.Context) bool {
	if h.err != nil {
		return false
	}
	if h.idx >= len(h.buf) {
		if h.exhausted {
			return false
		}
		page, err := h.svc.releases.ListReleases(ctx, h.environmentID, h.cursor, h.pageSize)
		if err != nil {
			h.err = err
			return false
		}
		if len(page) < h.pageSize {
			h.exhausted = true
		}
		if len(page) == 0 {
			return false
		}
		last := page[len(page)-1]
		h.cursor = &repository.ReleaseCursor{CreatedAt: last.CreatedAt, ID: last.ID}
		h.buf = page
		h.idx = 0
	}
	h.current = h.buf[h.idx]
	h.idx++
	return true
}

// Release returns the record the iterator is positioned on.
func (h *History) Release() domain.Release {
	return h.current
}

// Err reports the first error the iterator hit, if any.
func (h *History) Err() error {
	return h.err
}

// Page fetches one page of release history directly, for callers that
// paginate explicitly. The returned cursor addresses the next page and is
// nil when the ledger is exhausted.
func (s Service) Page(ctx context.Context, environmentID string, before *repository.ReleaseCursor, limit int) ([]domain.Release, *repository.ReleaseCursor, error) {
	if limit <= 0 {
		limit = defaultHistoryPage
	}
	page, err := s.releases.ListReleases(ctx, environmentID, before, limit)
	if err != nil {
		return nil, nil, err
	}
	if len(page) < limit {
		return page, nil, nil
	}
	last := page[len(page)-1]
	return page, &repository.ReleaseCursor{CreatedAt: last.CreatedAt, ID: last.ID}, nil
}
