package handlers

import (
	"net/http"
	"strings"

	"illustpub/internal/apperr"
	"illustpub/internal/models"
)

// QueryRequest selects candidates. With UseAccountTags and no include tags
// the destination's tag groups are used as include tags.
type QueryRequest struct {
	Destination    string   `json:"destination"`
	IncludeTags    []string `json:"include_tags"`
	ExcludeTags    []string `json:"exclude_tags"`
	Limit          int      `json:"limit"`
	MinPopularity  float64  `json:"min_popularity"`
	UseAccountTags bool     `json:"use_account_tags"`
}

func (a *API) criteria(req QueryRequest) (models.Criteria, error) {
	c := models.Criteria{
		Destination:   strings.TrimSpace(req.Destination),
		IncludeTags:   req.IncludeTags,
		ExcludeTags:   req.ExcludeTags,
		Limit:         req.Limit,
		MinPopularity: req.MinPopularity,
	}
	if req.UseAccountTags && len(c.IncludeTags) == 0 {
		acct, err := a.accounts.Lookup(c.Destination)
		if err != nil {
			return c, err
		}
		c.IncludeTags = acct.IncludeTags()
	}
	return c, nil
}

// Candidate is a query hit plus its local references once materialized.
type Candidate struct {
	models.ImageRecord
	MediaURL   string `json:"media_url,omitempty"`
	PreviewURL string `json:"preview_url,omitempty"`
}

type QueryResponse struct {
	Criteria models.Criteria `json:"criteria"`
	Images   []Candidate     `json:"images"`
}

func (a *API) QueryImages(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	c, err := a.criteria(req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	recs, err := a.selector.Query(r.Context(), c)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	images := make([]Candidate, len(recs))
	for i, rec := range recs {
		images[i] = Candidate{ImageRecord: rec}
		if rec.IsMaterialized() {
			images[i].MediaURL = models.MediaURL(*rec.MaterializedPath)
			images[i].PreviewURL = a.fetcher.PreviewURL(rec.PID)
		}
	}
	a.writeJSON(w, http.StatusOK, QueryResponse{Criteria: c, Images: images})
}

type PIDsRequest struct {
	PIDs []int64 `json:"pids"`
}

func (a *API) ImageStatus(w http.ResponseWriter, r *http.Request) {
	var req PIDsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	if len(req.PIDs) == 0 {
		a.writeError(w, r, apperr.Invalid("status", "pids must not be empty"))
		return
	}
	statuses, err := a.fetcher.Status(r.Context(), req.PIDs)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, statuses)
}

// MaterializeOne fetches a single image synchronously.
func (a *API) MaterializeOne(w http.ResponseWriter, r *http.Request) {
	pid, err := pidParam(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	m, err := a.processor.MaterializeOne(r.Context(), pid)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, m)
}

func (a *API) MaterializeBatch(w http.ResponseWriter, r *http.Request) {
	var req PIDsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	token, err := a.processor.MaterializeBatch(r.Context(), req.PIDs, nil)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusAccepted, TaskAccepted{Token: token})
}
