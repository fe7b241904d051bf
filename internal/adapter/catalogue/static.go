// Package catalogue adapts the category catalogue — spec §1 names it an
// out-of-scope external collaborator owned by the HTTP routing layer — into
// a minimal, config-driven snapshot the scheduler can sweep.
package catalogue

import "github.com/menglacorp/mengla-collector/internal/domain"

// Static implements domain.CategoryCatalogue from a fixed, config-loaded
// list of top-level cat_ids.
type Static struct {
	catIDs []string
}

// NewStatic builds a Static catalogue from the configured cat_id list.
func NewStatic(catIDs []string) *Static {
	return &Static{catIDs: catIDs}
}

// TopLevelCatIDs implements domain.CategoryCatalogue.
func (s *Static) TopLevelCatIDs(domain.Context) ([]string, error) {
	return s.catIDs, nil
}

var _ domain.CategoryCatalogue = (*Static)(nil)
