package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"illustpub/internal/services"
)

func (a *API) Publish(w http.ResponseWriter, r *http.Request) {
	var req services.PublishRequest
	if err := decodeJSON(w, r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	token, err := a.publisher.Publish(r.Context(), req)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusAccepted, TaskAccepted{Token: token})
}

// Task reports a background task. Unknown or expired tokens are not found.
func (a *API) Task(w http.ResponseWriter, r *http.Request) {
	task, err := a.tracker.Get(chi.URLParam(r, "token"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, task)
}
