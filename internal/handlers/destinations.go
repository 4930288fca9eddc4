package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (a *API) ListDestinations(w http.ResponseWriter, r *http.Request) {
	a.writeJSON(w, http.StatusOK, a.accounts.List())
}

// GetDestination returns one account. App credentials are never serialized.
func (a *API) GetDestination(w http.ResponseWriter, r *http.Request) {
	acct, err := a.accounts.Lookup(chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	a.writeJSON(w, http.StatusOK, acct)
}
