package services

import (
	"context"
	"log/slog"
	"strings"

	"golang.org/x/text/cases"

	"illustpub/internal/apperr"
	"illustpub/internal/catalogue"
	"illustpub/internal/models"
)

const (
	DefaultQueryLimit = 10
	MaxQueryLimit     = 100
)

// Selector picks candidate images for a destination.
//
// Matching policy: exclude tags drop any record with a tag containing one of
// them; include tags keep records with a tag containing at least one of them
// (OR, favouring recall). An empty include list applies no tag filter.
// Matching is a case-insensitive substring test. Result order is random and
// differs between calls.
type Selector struct {
	store  catalogue.Store
	logger *slog.Logger
}

func NewSelector(store catalogue.Store, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{store: store, logger: logger.With("component", "selector")}
}

// Query returns at most c.Limit selectable records for c.Destination.
func (s *Selector) Query(ctx context.Context, c models.Criteria) ([]models.ImageRecord, error) {
	c, err := NormalizeCriteria(c)
	if err != nil {
		return nil, err
	}
	recs, err := s.store.Query(ctx, c)
	if err != nil {
		return nil, err
	}

	m := newMatcher(c)
	out := recs[:0]
	for _, rec := range recs {
		if m.match(rec) {
			out = append(out, rec)
		}
	}
	if dropped := len(recs) - len(out); dropped > 0 {
		s.logger.Debug("post-filter dropped records", "destination", c.Destination, "count", dropped)
	}
	s.logger.Info("query", "destination", c.Destination, "include", c.IncludeTags,
		"exclude", c.ExcludeTags, "limit", c.Limit, "returned", len(out))
	return out, nil
}

// QueryForDestination uses the account's tag groups as include tags.
func (s *Selector) QueryForDestination(ctx context.Context, acct models.DestinationAccount, exclude []string, limit int, minPopularity float64) ([]models.ImageRecord, error) {
	return s.Query(ctx, models.Criteria{
		Destination:   acct.ID,
		IncludeTags:   acct.IncludeTags(),
		ExcludeTags:   exclude,
		Limit:         limit,
		MinPopularity: minPopularity,
	})
}

// NormalizeCriteria trims tags, drops empties and clamps the limit.
func NormalizeCriteria(c models.Criteria) (models.Criteria, error) {
	c.Destination = strings.TrimSpace(c.Destination)
	if c.Destination == "" {
		return c, apperr.Invalid("selector", "destination is required")
	}
	if c.MinPopularity < 0 {
		return c, apperr.Invalid("selector", "min_popularity must not be negative")
	}
	c.IncludeTags = cleanTags(c.IncludeTags)
	c.ExcludeTags = cleanTags(c.ExcludeTags)
	switch {
	case c.Limit <= 0:
		c.Limit = DefaultQueryLimit
	case c.Limit > MaxQueryLimit:
		c.Limit = MaxQueryLimit
	}
	return c, nil
}

func cleanTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// matcher re-checks store results with full Unicode case folding.
type matcher struct {
	fold    cases.Caser
	c       models.Criteria
	include []string
	exclude []string
}

func newMatcher(c models.Criteria) *matcher {
	m := &matcher{fold: cases.Fold(), c: c}
	for _, t := range c.IncludeTags {
		m.include = append(m.include, m.fold.String(t))
	}
	for _, t := range c.ExcludeTags {
		m.exclude = append(m.exclude, m.fold.String(t))
	}
	return m
}

func (m *matcher) match(rec models.ImageRecord) bool {
	if rec.Rejected || rec.UsedByDestination(m.c.Destination) {
		return false
	}
	if m.c.MinPopularity > 0 && rec.Popularity < m.c.MinPopularity {
		return false
	}
	tags := make([]string, len(rec.Tags))
	for i, t := range rec.Tags {
		tags[i] = m.fold.String(t)
	}
	for _, ex := range m.exclude {
		if containsSubstring(tags, ex) {
			return false
		}
	}
	if len(m.include) == 0 {
		return true
	}
	for _, in := range m.include {
		if containsSubstring(tags, in) {
			return true
		}
	}
	return false
}

func containsSubstring(tags []string, needle string) bool {
	for _, t := range tags {
		if strings.Contains(t, needle) {
			return true
		}
	}
	return false
}
