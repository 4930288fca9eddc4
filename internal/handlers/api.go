// Package handlers exposes the curation pipeline over HTTP.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"illustpub/internal/accounts"
	"illustpub/internal/apperr"
	"illustpub/internal/progress"
	"illustpub/internal/services"
)

const maxBodyBytes = 1 << 20

// API bundles the services behind the /api/v1 routes.
type API struct {
	selector  *services.Selector
	fetcher   *services.Fetcher
	processor *services.ImageProcessor
	publisher *services.Publisher
	curator   *services.Curator
	tracker   *progress.Tracker
	accounts  *accounts.Registry
	logger    *slog.Logger
}

// Deps lists the collaborators an API needs. All fields are required.
type Deps struct {
	Selector  *services.Selector
	Fetcher   *services.Fetcher
	Processor *services.ImageProcessor
	Publisher *services.Publisher
	Curator   *services.Curator
	Tracker   *progress.Tracker
	Accounts  *accounts.Registry
	Logger    *slog.Logger
}

func NewAPI(d Deps) *API {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		selector:  d.Selector,
		fetcher:   d.Fetcher,
		processor: d.Processor,
		publisher: d.Publisher,
		curator:   d.Curator,
		tracker:   d.Tracker,
		accounts:  d.Accounts,
		logger:    logger.With("component", "api"),
	}
}

// Routes mounts every endpoint on r.
func (a *API) Routes(r chi.Router) {
	r.Post("/images/query", a.QueryImages)
	r.Post("/images/status", a.ImageStatus)
	r.Post("/images/materialize", a.MaterializeBatch)
	r.Post("/images/{pid}/materialize", a.MaterializeOne)

	r.Post("/publish", a.Publish)
	r.Get("/tasks/{token}", a.Task)

	r.Get("/destinations", a.ListDestinations)
	r.Get("/destinations/{id}", a.GetDestination)

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", a.OpenSession)
		r.Get("/{id}", a.GetSession)
		r.Delete("/{id}", a.AbandonSession)
		r.Post("/{id}/items/{pid}/toggle", a.ToggleItem)
		r.Post("/{id}/materialize", a.MaterializeSession)
		r.Post("/{id}/refresh", a.RefreshSession)
		r.Post("/{id}/publish", a.PublishSession)
	})
}

// Envelope wraps every API response.
type Envelope struct {
	Success   bool           `json:"success"`
	Data      any            `json:"data,omitempty"`
	Error     *ErrorResponse `json:"error,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

type ErrorResponse struct {
	Category string `json:"category"`
	Message  string `json:"message"`
}

// TaskAccepted is returned by every endpoint that starts background work.
type TaskAccepted struct {
	Token string `json:"token"`
}

func (a *API) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	env := Envelope{Success: status < 400, Data: data, Timestamp: time.Now().UTC()}
	if err := json.NewEncoder(w).Encode(env); err != nil {
		a.logger.Error("failed to encode response", "error", err)
	}
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	category := apperr.Category(err)
	message := err.Error()
	if category == apperr.CategoryInternal {
		a.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		message = "internal error"
	} else {
		a.logger.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "category", category, "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	env := Envelope{
		Error:     &ErrorResponse{Category: category, Message: message},
		Timestamp: time.Now().UTC(),
	}
	if encErr := json.NewEncoder(w).Encode(env); encErr != nil {
		a.logger.Error("failed to encode error response", "error", encErr)
	}
}

// decodeJSON reads a JSON body into dst. An empty body leaves dst untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return apperr.Wrap(apperr.ErrInvalid, "decode body", "malformed JSON", err)
	}
	return nil
}

func pidParam(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "pid")
	pid, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || pid <= 0 {
		return 0, apperr.Invalid("pid", "invalid image id "+strconv.Quote(raw))
	}
	return pid, nil
}
