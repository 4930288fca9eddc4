package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type ToggleResponse struct {
	PID   int64 `json:"pid"`
	Unfit bool  `json:"is_unfit"`
}

func (a *API) OpenSession(w http.ResponseWriter, r *http.Request) {
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
	sess, err := a.curator.Open(r.Context(), c)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, sess.Snapshot())
}

func (a *API) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := a.curator.Get(chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, sess.Snapshot())
}

func (a *API) AbandonSession(w http.ResponseWriter, r *http.Request) {
	if err := a.curator.Abandon(chi.URLParam(r, "id")); err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, nil)
}

func (a *API) ToggleItem(w http.ResponseWriter, r *http.Request) {
	pid, err := pidParam(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	unfit, err := a.curator.Toggle(chi.URLParam(r, "id"), pid)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, ToggleResponse{PID: pid, Unfit: unfit})
}

func (a *API) MaterializeSession(w http.ResponseWriter, r *http.Request) {
	token, err := a.curator.Materialize(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusAccepted, TaskAccepted{Token: token})
}

// RefreshSession replaces the batch with a fresh random selection.
func (a *API) RefreshSession(w http.ResponseWriter, r *http.Request) {
	sess, err := a.curator.Refresh(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, sess.Snapshot())
}

// PublishSession closes the session and hands its decisions to the publisher.
func (a *API) PublishSession(w http.ResponseWriter, r *http.Request) {
	token, err := a.curator.Publish(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusAccepted, TaskAccepted{Token: token})
}
